// Package harvest defines the records, error taxonomy and read-time admission
// rules shared by the acquisition pipeline.
package harvest
