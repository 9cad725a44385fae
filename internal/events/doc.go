// Package events carries the outcome of every harvest run. Runs emit one Event
// each; a Hub batches them on a background goroutine and fans them out to
// sinks that log, publish and count them.
package events
