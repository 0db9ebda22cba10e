// Package vector implements the embedding index of the store.
//
// Vectors are keyed by node id and kept in a multi-version map so readers
// search a consistent snapshot. Every vector is L2-normalized on upsert,
// which makes the cosine similarity a plain dot product.
//
// Two search strategies share one contract:
//
//   - Flat: exhaustive scan over the snapshot. Exact, O(n).
//   - HNSW: approximate graph search over internal row ids. Candidates are
//     re-scored against the snapshot; when the accelerator cannot answer for
//     the snapshot the store falls back to the exhaustive scan.
package vector
