// Package history implements per-entity version chains and branches.
//
// Every entity owns an append-only chain of version entries. The first
// entry carries the full initial content; later entries carry diffs:
// textual patches (diff-match-patch format), metadata field substitutions,
// or composites of both. Content at any version is rebuilt by replaying
// the diffs on the parent path from the root.
//
// The main branch is implicit per entity. Named branches fork from an
// existing version and are merged back as a single composite version.
package history
