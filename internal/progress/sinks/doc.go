// Package sinks holds progress consumers: a structured log sink and a
// Prometheus sink.
package sinks
