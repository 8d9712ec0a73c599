package selector

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotio/quotio/internal/credential"
)

func cand(id string, priority int) Candidate {
	rc := credential.NewRuntimeCredential(credential.StoredCredential{
		ID:        id,
		TokenData: map[string]any{"priority": priority},
	}, time.Now())
	return Candidate{Provider: "claude", Credential: rc}
}

func TestRoundRobin_Pick_RotatesInOrder(t *testing.T) {
	s := NewRoundRobin()
	candidates := []Candidate{cand("b", 0), cand("a", 0), cand("c", 0)}

	var picks []string
	for i := 0; i < 6; i++ {
		rc := s.Pick("claude", "claude-opus", candidates)
		require.NotNil(t, rc)
		picks = append(picks, rc.Auth.ID)
	}

	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, picks)
}

func TestRoundRobin_Pick_OnlyTopPriorityBucketParticipates(t *testing.T) {
	s := NewRoundRobin()
	candidates := []Candidate{cand("low", 0), cand("high", 5)}

	for i := 0; i < 4; i++ {
		rc := s.Pick("claude", "m", candidates)
		assert.Equal(t, "high", rc.Auth.ID)
	}
}

func TestRoundRobin_Pick_ConcurrentFairness(t *testing.T) {
	s := NewRoundRobin()
	candidates := []Candidate{cand("a", 0), cand("b", 0), cand("c", 0)}

	const goroutines = 30
	const picksEach = 30
	total := goroutines * picksEach

	counts := map[string]int{"a": 0, "b": 0, "c": 0}
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < picksEach; i++ {
				rc := s.Pick("claude", "m", candidates)
				mu.Lock()
				counts[rc.Auth.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for id, n := range counts {
		assert.InDelta(t, total/3, n, 1, "id=%s", id)
	}
}

func TestFillFirst_Pick_AlwaysLowestID(t *testing.T) {
	s := NewFillFirst()
	candidates := []Candidate{cand("z", 0), cand("a", 0), cand("m", 0)}

	for i := 0; i < 3; i++ {
		rc := s.Pick("claude", "m", candidates)
		assert.Equal(t, "a", rc.Auth.ID)
	}
}

func TestTopPriorityBucket_TieBreakDeterministic(t *testing.T) {
	a := []Candidate{cand("c", 2), cand("a", 2), cand("b", 2), cand("x", 1)}
	b := []Candidate{cand("b", 2), cand("c", 2), cand("x", 1), cand("a", 2)}

	got1 := topPriorityBucket(a)
	got2 := topPriorityBucket(b)

	require.Len(t, got1, 3)
	require.Len(t, got2, 3)
	for i := range got1 {
		assert.Equal(t, got1[i].Credential.Auth.ID, got2[i].Credential.Auth.ID)
	}
}

func TestPick_NoCandidates_ReturnsNil(t *testing.T) {
	assert.Nil(t, NewRoundRobin().Pick("claude", "m", nil))
	assert.Nil(t, NewFillFirst().Pick("claude", "m", nil))
}
