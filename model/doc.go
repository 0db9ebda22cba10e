// Package model defines the value types shared by every strata store.
//
// # Entities
//
//   - Node: a versioned artifact (code entity, document, test or configuration)
//   - Edge: a typed, weighted, temporally scoped relationship between two nodes
//   - VersionEntry: one immutable point in an entity's history chain
//   - Branch: a named, mutable pointer into a history chain
//   - Embedding: a vector owned by a node
//
// # Variants
//
// Node kinds, edge kinds and diff kinds are closed sets. Each is modelled as a
// tagged value with exhaustive switches, never as an open interface hierarchy.
//
// # Errors
//
// errors.go holds the error taxonomy used by every layer above this package.
// Classify with errors.Is against the sentinels or KindOf.
package model
