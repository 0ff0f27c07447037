// Package store owns the deduplicated item archive. It enforces the
// one-record-per-URL rule and text sanitisation on top of a pluggable
// Backend; concrete backends live under internal/storage and this package
// must not import database drivers or cloud clients.
package store
