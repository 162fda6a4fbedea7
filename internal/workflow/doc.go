// Package workflow runs the worker side of the pipeline.
//
// The Manager starts one lane per configured worker. Each lane receives jobs
// for every registered type from the transport, dispatches them to their
// handler, enqueues the follow-up jobs the handler returns and only then acks
// the delivery. A handler error nacks the delivery for redelivery after the
// error retry interval.
//
// A maintenance loop reclaims records whose lease holder stopped
// heartbeating, routing them to the dead-letter path with code
// heartbeat_timeout, and prunes old files from each watch root's processed
// area.
//
// OpenTransport selects the sqlite job table or Redis Streams from config.
package workflow
