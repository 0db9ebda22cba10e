// Package mvcc provides a concurrent multi-version map.
//
// Every logical key owns a newest-first chain of versions tagged with the
// commit sequence that wrote them. Readers pick the first version whose
// sequence is at or below their snapshot and never take a lock. Writers are
// expected to be serialized by the caller (the transaction coordinator holds
// the commit mutex), but chain heads are still swapped with CAS so that the
// background pruner can run concurrently.
//
// Versions written at a sequence greater than the published snapshot are
// invisible to every reader. That is what makes staged writes safe to undo
// with Revert.
package mvcc
