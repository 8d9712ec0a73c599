// Package selector implements the two credential-selection strategies
// (priority/round-robin and priority/fill-first) over a pre-filtered
// candidate list. Selectors are otherwise stateless per call; the only
// state they own is a set of small per-(provider:model) integer cursors.
package selector

import (
	"sort"
	"strings"
	"sync"

	"github.com/quotio/quotio/internal/credential"
)

// cursorWrap is the overflow sentinel from spec §9: cursors wrap near 2^31
// rather than growing unbounded.
const cursorWrap = 1 << 31

// Candidate pairs a RuntimeCredential with the provider bucket it was
// gathered under, so callers can key cursors by "provider:model".
type Candidate struct {
	Provider   string
	Credential *credential.RuntimeCredential
}

// Selector returns one credential from candidates for (provider, model), or
// nil if candidates is empty after grouping.
type Selector interface {
	Pick(provider, model string, candidates []Candidate) *credential.RuntimeCredential
	Name() string
}

// topPriorityBucket groups candidates by integer priority, returns the
// highest-priority bucket sorted by credential id ascending (the
// deterministic tie-break spec §8 requires).
func topPriorityBucket(candidates []Candidate) []Candidate {
	if len(candidates) == 0 {
		return nil
	}
	best := candidates[0].Credential.Auth.Priority()
	for _, c := range candidates[1:] {
		if p := c.Credential.Auth.Priority(); p > best {
			best = p
		}
	}
	bucket := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Credential.Auth.Priority() == best {
			bucket = append(bucket, c)
		}
	}
	sort.Slice(bucket, func(i, j int) bool {
		return bucket[i].Credential.Auth.ID < bucket[j].Credential.Auth.ID
	})
	return bucket
}

func cursorKey(provider, model string) string {
	return strings.ToLower(strings.TrimSpace(provider)) + ":" + model
}

// RoundRobin keeps a per-(provider:model) cursor and advances it on every
// pick, distributing selections evenly across the top-priority bucket.
type RoundRobin struct {
	mu      sync.Mutex
	cursors map[string]uint64
}

// NewRoundRobin constructs an empty round-robin selector.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{cursors: make(map[string]uint64)}
}

// Pick implements Selector.
func (r *RoundRobin) Pick(provider, model string, candidates []Candidate) *credential.RuntimeCredential {
	bucket := topPriorityBucket(candidates)
	if len(bucket) == 0 {
		return nil
	}

	key := cursorKey(provider, model)
	r.mu.Lock()
	cursor := r.cursors[key]
	idx := int(cursor % uint64(len(bucket)))
	next := cursor + 1
	if next >= cursorWrap {
		next = 0
	}
	r.cursors[key] = next
	r.mu.Unlock()

	return bucket[idx].Credential
}

// Name implements Selector.
func (r *RoundRobin) Name() string { return "round_robin" }

// FillFirst always returns the first (by id) credential in the top-priority
// bucket, until that credential becomes ineligible — at which point the
// caller's eligibility filter removes it from candidates on the next call.
type FillFirst struct{}

// NewFillFirst constructs a fill-first selector. It carries no state: the
// same candidate always wins as long as it remains in the bucket.
func NewFillFirst() *FillFirst {
	return &FillFirst{}
}

// Pick implements Selector.
func (f *FillFirst) Pick(provider, model string, candidates []Candidate) *credential.RuntimeCredential {
	bucket := topPriorityBucket(candidates)
	if len(bucket) == 0 {
		return nil
	}
	return bucket[0].Credential
}

// Name implements Selector.
func (f *FillFirst) Name() string { return "fill_first" }
