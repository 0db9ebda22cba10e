// Package graph implements the typed, temporal graph of nodes and edges.
//
// Nodes, edges and adjacency lists live in multi-version maps; every read
// takes a snapshot sequence and never blocks on writers. Adjacency is
// indexed per (node, edge kind) in both directions as sorted, copy-on-write
// edge id lists, so neighbour lookup is a single map read.
//
// Traversal is breadth-first. A node reachable over several paths is
// reported once, at its minimum hop depth, with the edge-kind path of its
// first discovery. Edge kinds are visited in enum order and edges in id
// order, which makes the recorded path deterministic.
package graph
