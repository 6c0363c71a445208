// Package notifier is the outbound delivery pipeline.
//
// Digests and alert lines are queued, rate limited and handed to the configured
// transport.Sender by a small worker pool. Each message gets one attempt: a failed
// send is logged, counted and published on the event bus, then forgotten.
//
// The Service implements both watch.Sink (digests) and transport.Sender (log
// alerts), so the rest of the daemon never talks to a transport directly.
package notifier
