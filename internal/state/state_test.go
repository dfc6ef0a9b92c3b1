package state

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/cinetech-relay/internal/core/domain"
)

func TestRuns_UpsertAndLookup(t *testing.T) {
	runs := NewRuns()

	runs.Upsert(domain.RunSnapshot{ThreadID: "t1", RunID: "r1", Status: domain.RunStatusQueued})
	snap, ok := runs.ByThread("t1")
	require.True(t, ok)
	assert.Equal(t, "r1", snap.RunID)
	assert.Equal(t, domain.RunStatusQueued, snap.Status)
	assert.False(t, snap.UpdatedAt.IsZero())

	runs.SetStatus("t1", "r1", domain.RunStatusInProgress)
	byRun, ok := runs.ByRun("r1")
	require.True(t, ok)
	assert.Equal(t, domain.RunStatusInProgress, byRun.Status)

	byThread, _ := runs.ByThread("t1")
	assert.Equal(t, domain.RunStatusInProgress, byThread.Status, "thread view shares the run snapshot")

	runs.Upsert(domain.RunSnapshot{ThreadID: "t1", RunID: "r2", Status: domain.RunStatusQueued})
	latest, _ := runs.ByThread("t1")
	assert.Equal(t, "r2", latest.RunID)
	assert.Equal(t, 2, runs.Len())
}

func TestRuns_SetStatusWithoutRun(t *testing.T) {
	runs := NewRuns()
	snap := runs.SetStatus("t9", "", domain.RunStatusFailed)
	assert.Equal(t, domain.RunStatusFailed, snap.Status)

	got, ok := runs.ByThread("t9")
	require.True(t, ok)
	assert.Equal(t, domain.RunStatusFailed, got.Status)
	assert.Equal(t, 0, runs.Len())
}

func TestRuns_SnapshotsAreCopies(t *testing.T) {
	runs := NewRuns()
	runs.Upsert(domain.RunSnapshot{ThreadID: "t1", RunID: "r1", Usage: &domain.Usage{TotalTokens: 5}})

	snap, _ := runs.ByRun("r1")
	snap.Usage.TotalTokens = 999

	again, _ := runs.ByRun("r1")
	assert.Equal(t, 5, again.Usage.TotalTokens)
}

func TestRuns_UpdateIsAtomic(t *testing.T) {
	runs := NewRuns()
	runs.Upsert(domain.RunSnapshot{ThreadID: "t1", RunID: "r1"})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runs.Update("r1", func(s *domain.RunSnapshot) {
				if s.Usage == nil {
					s.Usage = &domain.Usage{}
				}
				s.Usage.TotalTokens++
			})
		}()
	}
	wg.Wait()

	snap, _ := runs.ByRun("r1")
	assert.Equal(t, 50, snap.Usage.TotalTokens)

	_, ok := runs.Update("missing", func(*domain.RunSnapshot) {})
	assert.False(t, ok)
}

func TestRuns_Evict(t *testing.T) {
	runs := NewRuns()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	runs.now = func() time.Time { return base }

	runs.Upsert(domain.RunSnapshot{ThreadID: "t1", RunID: "done", Status: domain.RunStatusCompleted})
	runs.Upsert(domain.RunSnapshot{ThreadID: "t2", RunID: "live", Status: domain.RunStatusInProgress})

	n := runs.Evict(base.Add(time.Minute))
	assert.Equal(t, 1, n)
	_, ok := runs.ByRun("done")
	assert.False(t, ok)
	_, ok = runs.ByThread("t1")
	assert.False(t, ok)
	_, ok = runs.ByRun("live")
	assert.True(t, ok)
}

func TestStaging_PutTake(t *testing.T) {
	st, err := NewStaging(t.TempDir(), nil)
	require.NoError(t, err)

	f, err := st.Create("still.PNG")
	require.NoError(t, err)
	_, err = f.WriteString("png-bytes")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, ".png", filepath.Ext(f.Name()))

	st.Put("t1", StagedFile{Path: f.Name(), ContentType: "image/png"})
	assert.Equal(t, 1, st.Len())

	got, ok := st.Take("t1")
	require.True(t, ok)
	assert.Equal(t, f.Name(), got.Path)
	assert.Equal(t, 0, st.Len())

	_, ok = st.Take("t1")
	assert.False(t, ok, "a staged file is consumed once")
}

func TestStaging_PutReplacesAndRemovesPrevious(t *testing.T) {
	st, err := NewStaging(t.TempDir(), nil)
	require.NoError(t, err)

	first, _ := st.Create("a.jpg")
	first.Close()
	second, _ := st.Create("b.jpg")
	second.Close()

	st.Put("t1", StagedFile{Path: first.Name()})
	st.Put("t1", StagedFile{Path: second.Name()})

	_, err = os.Stat(first.Name())
	assert.True(t, os.IsNotExist(err), "replaced file should be deleted")
	_, err = os.Stat(second.Name())
	assert.NoError(t, err)
}

func TestStaging_Sweep(t *testing.T) {
	dir := t.TempDir()
	st, err := NewStaging(dir, nil)
	require.NoError(t, err)

	old, _ := st.Create("old.png")
	old.Close()
	fresh, _ := st.Create("fresh.png")
	fresh.Close()
	orphan := filepath.Join(dir, "orphan.mp4")
	require.NoError(t, os.WriteFile(orphan, []byte("x"), 0o600))
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(orphan, past, past))

	st.Put("old-thread", StagedFile{Path: old.Name(), StagedAt: past})
	st.Put("fresh-thread", StagedFile{Path: fresh.Name()})

	removed := st.Sweep(time.Hour)
	assert.Equal(t, 2, removed)

	_, ok := st.Peek("old-thread")
	assert.False(t, ok)
	_, ok = st.Peek("fresh-thread")
	assert.True(t, ok)

	for _, p := range []string{old.Name(), orphan} {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), "%s should be removed", p)
	}
}

func TestAttribution(t *testing.T) {
	a := NewAttribution(2, time.Hour)
	a.Record("https://cdn/1.png", domain.EngineStability)
	a.Record("https://cdn/2.png", domain.EngineDallE)
	a.Record("", domain.EngineDallE)

	engine, ok := a.Engine("https://cdn/1.png")
	require.True(t, ok)
	assert.Equal(t, domain.EngineStability, engine)

	a.Record("https://cdn/3.png", domain.EngineStability)
	assert.Equal(t, 2, a.Len(), "cache is bounded")
	_, ok = a.Engine("https://cdn/2.png")
	assert.False(t, ok, "least recently used entry is evicted")
}

func TestAttribution_Expires(t *testing.T) {
	a := NewAttribution(10, 20*time.Millisecond)
	a.Record("https://cdn/x.png", domain.EngineStability)
	assert.Eventually(t, func() bool {
		_, ok := a.Engine("https://cdn/x.png")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestFlags_TakeImageOnce(t *testing.T) {
	f := NewFlags()
	assert.False(t, f.ImageGenerated("r1"))

	f.MarkImage("r1")
	f.MarkImage("r1")
	assert.True(t, f.ImageGenerated("r1"))

	var wg sync.WaitGroup
	var mu sync.Mutex
	taken := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.TakeImage("r1") {
				mu.Lock()
				taken++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, taken)
	assert.False(t, f.ImageGenerated("r1"))
}

func TestSweeper_SweepOnce(t *testing.T) {
	st, err := NewStaging(t.TempDir(), nil)
	require.NoError(t, err)
	runs := NewRuns()
	runs.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	runs.Upsert(domain.RunSnapshot{ThreadID: "t1", RunID: "r1", Status: domain.RunStatusFailed})

	s, err := NewSweeper(st, runs, SweeperConfig{Schedule: "@every 1h"}, nil)
	require.NoError(t, err)

	files, evicted := s.SweepOnce()
	assert.Equal(t, 0, files)
	assert.Equal(t, 1, evicted)

	s.Start()
	s.Stop()
}

func TestSweeper_InvalidSchedule(t *testing.T) {
	_, err := NewSweeper(nil, nil, SweeperConfig{Schedule: "every now and then"}, nil)
	assert.Error(t, err)
}
