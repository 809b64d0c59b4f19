package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobsift/jobsift/internal/pipeline"
)

// stepClock is a manually advanced clock.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func seedItems(t *testing.T, s *MemoryStore, stage pipeline.Stage, ids ...string) {
	t.Helper()
	items := make([]pipeline.WorkItem, len(ids))
	for i, id := range ids {
		items[i] = pipeline.WorkItem{ID: id, Stage: stage, Payload: "https://example.com/" + id}
	}
	n, err := s.Seed(context.Background(), items)
	require.NoError(t, err)
	require.Equal(t, len(ids), n)
}

func TestMemoryStoreSeedIgnoresDuplicates(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(newStepClock())
	seedItems(t, s, pipeline.StageDiscover, "a", "b")

	n, err := s.Seed(context.Background(), []pipeline.WorkItem{
		{ID: "a", Stage: pipeline.StageDiscover},
		{ID: "c", Stage: pipeline.StageDiscover},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p, err := s.Progress(context.Background(), pipeline.StageDiscover)
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.Total)
	assert.Equal(t, int64(3), p.Pending)
}

func TestMemoryStoreClaimBatchNeverDoubleClaims(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(newStepClock())
	const total = 100
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		ids = append(ids, fmt.Sprintf("item-%03d", i))
	}
	seedItems(t, s, pipeline.StageExtract, ids...)

	// Eight claimers race until the stage is empty. Every claimed item must
	// land in exactly one batch.
	var mu sync.Mutex
	claimed := make(map[string]int, total)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := s.ClaimBatch(context.Background(), pipeline.StageExtract, 7)
				if !assert.NoError(t, err) || len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, item := range batch {
					claimed[item.ID]++
					assert.Equal(t, pipeline.StatusInFlight, item.Status)
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, claimed, total, "every seeded item is claimed once the stage drains")
	for id, n := range claimed {
		assert.Equal(t, 1, n, "item %s claimed %d times", id, n)
	}
}

func TestMemoryStoreClaimRespectsNotBefore(t *testing.T) {
	t.Parallel()

	clock := newStepClock()
	s := NewMemoryStore(clock)
	seedItems(t, s, pipeline.StageExtract, "a")

	claimed, err := s.ClaimBatch(context.Background(), pipeline.StageExtract, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Schedule a retry one minute out.
	err = s.Complete(context.Background(), claimed[0], pipeline.Outcome{
		Status:    pipeline.StatusPending,
		Reason:    "transient_io: connection reset",
		NotBefore: clock.Now().Add(time.Minute),
	})
	require.NoError(t, err)

	claimed, err = s.ClaimBatch(context.Background(), pipeline.StageExtract, 1)
	require.NoError(t, err)
	assert.Empty(t, claimed, "item should be ineligible before its backoff elapses")

	clock.Advance(2 * time.Minute)

	claimed, err = s.ClaimBatch(context.Background(), pipeline.StageExtract, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].Attempts)
}

func TestMemoryStoreCompleteIsIdempotent(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(newStepClock())
	seedItems(t, s, pipeline.StageClassify, "a")

	claimed, err := s.ClaimBatch(context.Background(), pipeline.StageClassify, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	done := pipeline.Outcome{Status: pipeline.StatusDone, ArtifactRef: "memory://pages/a"}
	require.NoError(t, s.Complete(context.Background(), claimed[0], done))

	// Replaying the same terminal outcome is a no-op.
	require.NoError(t, s.Complete(context.Background(), claimed[0], done))

	stored, ok := s.Get(pipeline.StageClassify, "a")
	require.True(t, ok)
	assert.Equal(t, pipeline.StatusDone, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, "memory://pages/a", stored.ArtifactRef)

	// A different terminal outcome is a conflict.
	err = s.Complete(context.Background(), claimed[0], pipeline.Outcome{Status: pipeline.StatusFailed})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemoryStoreCompleteUnknownItem(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(newStepClock())
	err := s.Complete(context.Background(), pipeline.WorkItem{ID: "ghost", Stage: pipeline.StageIndex},
		pipeline.Outcome{Status: pipeline.StatusDone})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreReleaseDoesNotCountAnAttempt(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(newStepClock())
	seedItems(t, s, pipeline.StageExtract, "a")

	claimed, err := s.ClaimBatch(context.Background(), pipeline.StageExtract, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, s.Release(context.Background(), claimed[0]))

	stored, ok := s.Get(pipeline.StageExtract, "a")
	require.True(t, ok)
	assert.Equal(t, pipeline.StatusPending, stored.Status)
	assert.Zero(t, stored.Attempts)

	// Releasing an item that is not in flight is a no-op.
	require.NoError(t, s.Release(context.Background(), claimed[0]))
}

func TestMemoryStoreRequeueRestoresInFlightItems(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(newStepClock())
	seedItems(t, s, pipeline.StageDiscover, "a", "b", "c")

	claimed, err := s.ClaimBatch(context.Background(), pipeline.StageDiscover, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	n, err := s.Requeue(context.Background(), pipeline.StageDiscover)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	p, err := s.Progress(context.Background(), pipeline.StageDiscover)
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.Pending)
	assert.Zero(t, p.InFlight)
}

func TestMemoryStoreProgressCountsRetrying(t *testing.T) {
	t.Parallel()

	clock := newStepClock()
	s := NewMemoryStore(clock)
	seedItems(t, s, pipeline.StageExtract, "a", "b", "c", "d")

	claimed, err := s.ClaimBatch(context.Background(), pipeline.StageExtract, 3)
	require.NoError(t, err)
	require.Len(t, claimed, 3)

	require.NoError(t, s.Complete(context.Background(), claimed[0], pipeline.Outcome{Status: pipeline.StatusDone}))
	require.NoError(t, s.Complete(context.Background(), claimed[1], pipeline.Outcome{Status: pipeline.StatusFailed, Reason: "malformed_input: no listing"}))
	require.NoError(t, s.Complete(context.Background(), claimed[2], pipeline.Outcome{
		Status:    pipeline.StatusPending,
		NotBefore: clock.Now().Add(time.Second),
	}))

	p, err := s.Progress(context.Background(), pipeline.StageExtract)
	require.NoError(t, err)
	assert.Equal(t, int64(4), p.Total)
	assert.Equal(t, int64(1), p.Done)
	assert.Equal(t, int64(1), p.Failed)
	assert.Equal(t, int64(2), p.Pending)
	assert.Equal(t, int64(1), p.Retrying)
	assert.Equal(t, int64(2), p.Remaining())
}
