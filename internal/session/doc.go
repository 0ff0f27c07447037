// Package session drives one crawl session against one source: warmup visits,
// listing discovery with scroll and pagination, and per-item extraction with a
// bounded polling loop. Browser specifics live behind the Page interface.
package session
