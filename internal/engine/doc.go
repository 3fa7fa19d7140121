// Package engine drives label-compliance jobs through their phases.
//
// A job moves through three phases, each started by a message delivered
// at least once:
//
//  1. Ingest: a manifest is extracted into one facts document and one
//     fan-out message per catalog group is published.
//  2. Group: each fan-out delivery runs the group's agents concurrently
//     with bounded retries and publishes a group-done signal.
//  3. Finalize: each group-done delivery is counted once; the delivery
//     that completes the count assembles the report.
//
// COORDINATION:
//
// The ledger is the only shared state. Duplicate deliveries and concurrent
// workers are resolved by atomic ledger operations, never by locks held in
// memory:
//   - ClaimExtraction admits one extraction per job
//   - the (job, group) claim row admits one execution per group, and its
//     done state marks the group as counted
//   - the completion counter's finalize flag admits one report assembly
//
// Handlers report duplicates as ignored outcomes with a nil error. A
// non-nil error always means the message should be redelivered.
package engine
