package harvest

import "errors"

var (
	// ErrSessionInit means a browser context could not be created. It aborts
	// the current source only.
	ErrSessionInit = errors.New("session init failed")
	// ErrBlocked means the page carried a block or CAPTCHA signature. The
	// session that saw it must not be reused.
	ErrBlocked = errors.New("blocked by source")
	// ErrExtractionTimeout means required fields were still missing when the
	// polling window closed.
	ErrExtractionTimeout = errors.New("extraction timed out")
	// ErrScoringUnavailable means the oracle call failed or returned junk.
	ErrScoringUnavailable = errors.New("scoring unavailable")
	// ErrSessionClosed is returned by a disposed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrMissingField is returned when an item lacks a required field.
	ErrMissingField = errors.New("missing required field")
)
