// Package ingest turns parsed artifacts into atomic engine transactions.
//
// An artifact is identified by its file path and name. Ingesting an
// artifact whose identity matches a live node is an update: identical
// content is a no-op, different content appends a content diff and
// rewrites the node. New artifacts get an initial version.
//
// With DetectReferences enabled, content is scanned for calls of known
// names, imports of known modules and the module of the same file; every
// detected relationship becomes an edge in the same transaction.
package ingest
