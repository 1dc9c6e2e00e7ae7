// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

package inference

import (
	"cmp"
	"slices"
)

// TopK returns the indices of the k largest probabilities, in decreasing order.
// Ties are ordered by lowest index first, and k is clamped to [0, len(probs)].
func TopK(probs []float32, k int) []int {
	k = max(0, min(k, len(probs)))
	indices := make([]int, len(probs))
	for ii := range indices {
		indices[ii] = ii
	}
	slices.SortStableFunc(indices, func(a, b int) int {
		return cmp.Compare(probs[b], probs[a])
	})
	return indices[:k]
}
