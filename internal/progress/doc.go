// Package progress carries crawl-run milestones from the orchestrator to
// pluggable sinks. Events are buffered on a background goroutine and fanned
// out in batches so a slow sink never stalls a crawl.
package progress
