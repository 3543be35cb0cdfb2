// Package partition splits discovered targets into weight-balanced chunks
// for runner fan-out.
package partition

import (
	"sort"

	"github.com/ozank/scholarharvest/internal/harvest"
)

// Chunk is one runner's share of the target list.
type Chunk struct {
	Targets []harvest.Target
	Weight  int
}

// Split distributes targets across at most n chunks, balancing total
// estimated unit count rather than target count. A target with no estimate
// is weighted as a single unit. Every input target lands in exactly one
// chunk; empty chunks are dropped.
//
// The assignment is greedy longest-processing-time: targets sorted by
// weight descending, each placed on the currently lightest chunk.
func Split(targets []harvest.Target, n int) []Chunk {
	if n <= 0 {
		n = 1
	}
	if len(targets) == 0 {
		return nil
	}
	if n > len(targets) {
		n = len(targets)
	}

	ordered := append([]harvest.Target(nil), targets...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return weight(ordered[i]) > weight(ordered[j])
	})

	chunks := make([]Chunk, n)
	for _, t := range ordered {
		lightest := 0
		for i := 1; i < n; i++ {
			if chunks[i].Weight < chunks[lightest].Weight {
				lightest = i
			}
		}
		chunks[lightest].Targets = append(chunks[lightest].Targets, t)
		chunks[lightest].Weight += weight(t)
	}

	out := chunks[:0]
	for _, c := range chunks {
		if len(c.Targets) > 0 {
			out = append(out, c)
		}
	}
	return out
}

// Imbalance reports the ratio between the heaviest and lightest non-empty
// chunk. A perfectly balanced split returns 1.
func Imbalance(chunks []Chunk) float64 {
	if len(chunks) == 0 {
		return 1
	}
	minW, maxW := chunks[0].Weight, chunks[0].Weight
	for _, c := range chunks[1:] {
		if c.Weight < minW {
			minW = c.Weight
		}
		if c.Weight > maxW {
			maxW = c.Weight
		}
	}
	if minW <= 0 {
		minW = 1
	}
	return float64(maxW) / float64(minW)
}

func weight(t harvest.Target) int {
	if t.EstimatedUnits <= 0 {
		return 1
	}
	return t.EstimatedUnits
}
