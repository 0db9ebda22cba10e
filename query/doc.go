// Package query composes the vector, graph and history stores read-side.
//
// A query runs through five states: Planned, VectorSearching,
// GraphExpanding, TemporalFiltering and Fusing, ending in Done. Every
// stage reads one pinned snapshot and never takes the commit semaphore,
// so queries do not block writers and are not blocked by them.
//
// Nodes found by both similarity search and graph expansion are reported
// once with source Combined and a boosted score:
//
//	score = vector_score + GraphWeight/(1+depth)
//
// Results are ranked by descending score, then by shallower depth, then by
// node id.
//
// Impact and Coverage are derived analyses over inbound dependency and
// test edges.
package query
