// Package distance provides the vector arithmetic used by the vector index.
//
// Embeddings are L2-normalized when they enter the index, so cosine
// similarity reduces to a dot product.
//
// # Usage
//
//	ok := distance.NormalizeL2InPlace(vec)
//	sim := distance.Dot(a, b)
package distance
