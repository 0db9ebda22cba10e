// Package kv defines the ordered key-value contract that backs strata's
// persisted state, plus the key-space layout and an in-memory backend.
//
// # Key spaces
//
//	node/<node-id>                 node by id
//	edge/<edge-id>                 edge by id
//	out/<node-id>/<edge-kind>      outbound adjacency (edge id list)
//	in/<node-id>/<edge-kind>       inbound adjacency (edge id list)
//	emb/<node-id>                  embedding by node id
//	ver/<version-id>               version entry by id
//	chain/<entity-id>              version chain of an entity
//	branch/<name>                  branch by name
//	meta/<name>                    engine bookkeeping (checkpoint sequence)
//
// Any engine with ordered prefix scans can satisfy Backend; see kv/sqlite for
// the durable implementation.
package kv
