// Package engine provides the transaction coordinator for strata.
//
// The coordinator owns the three stores (vector, graph, history) and is the
// only path through which they are mutated. It integrates:
//   - Staged transactions with optimistic read validation
//   - A Write-Ahead Log for durability and crash recovery
//   - Compensating rollback across stores
//   - Snapshot registration for lock-free readers
//   - Checkpoints into a kv backend and garbage collection of old versions
//
// # Transaction Model
//
// A transaction stages operations without touching any store. Commit then:
//
//  1. Acquires the commit semaphore (one committer at a time)
//  2. Validates every tracked read against the transaction's snapshot
//  3. Assigns the commit sequence and appends a WAL Prepare record
//  4. Applies vector, then graph, then history operations at that sequence
//  5. Verifies that every written node points at an existing version
//  6. Appends the WAL Commit record and publishes the sequence to readers
//
// If any step after the Prepare fails, the history, graph and vector stores
// revert the sequence in that order, an Abort record is logged and the caller
// receives a *CommitError wrapping the original failure.
//
// # Reads
//
// Readers acquire a Snapshot and read every store at its sequence. They never
// take the commit semaphore and never observe a partially applied
// transaction, because staged writes carry a sequence above the published
// one until step 6.
//
// # Recovery
//
// Open loads the backend (the state as of the last checkpoint) and replays
// every committed WAL transaction above the checkpoint in transaction id
// order. A transaction that cannot be re-applied means the log and the
// backend disagree; Open fails with a corruption error.
package engine
