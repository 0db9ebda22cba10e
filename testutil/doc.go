// Package testutil provides testing utilities for strata.
//
// This package is intended for use in tests only. It generates random
// embeddings, computes exact nearest neighbours and measures recall.
//
// # Random Vector Generation
//
//	rng := testutil.NewRNG(seed)
//	vecs := rng.UnitVectors(1000, 128)
//
// # Exact Search (Ground Truth)
//
//	want := testutil.BruteForceSearch(vecs, query, k)
//
// # Recall Verification
//
//	recall := testutil.ComputeRecall(wantIDs, gotIDs)
package testutil
