package playback

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSessionsGetOrCreateSingleWinner(t *testing.T) {
	table := NewSessions()
	cfg := DefaultConfig()

	var created atomic.Int32
	results := make([]*PlaySessionData, 32)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, ok := table.GetOrCreate("s1", func() *PlaySessionData {
				return newPlaySessionData(Event{SessionID: "s1", Item: testItem()}, testBase, cfg)
			})
			if ok {
				created.Add(1)
			}
			results[i] = s
		}(i)
	}
	wg.Wait()

	if created.Load() != 1 {
		t.Fatalf("expected 1 creation, got %d", created.Load())
	}
	for i, s := range results {
		if s != results[0] {
			t.Fatalf("expected caller %d to receive the winning instance", i)
		}
	}
	if table.Len() != 1 {
		t.Fatalf("expected 1 session, got %d", table.Len())
	}
}

func TestSessionsReplaceDropsOldState(t *testing.T) {
	table := NewSessions()
	cfg := DefaultConfig()

	first := newPlaySessionData(Event{SessionID: "s1", Item: testItem(), PositionMS: 5000}, testBase, cfg)
	table.Replace("s1", first)
	second := newPlaySessionData(Event{SessionID: "s1", Item: testItem()}, testBase, cfg)
	table.Replace("s1", second)

	got, ok := table.Get("s1")
	if !ok || got != second {
		t.Fatal("expected the replacement session")
	}
	if got.playbackStart != 0 {
		t.Fatalf("expected fresh playback start, got %s", got.playbackStart)
	}
}

func TestSessionsRemove(t *testing.T) {
	table := NewSessions()
	table.Replace("s1", newPlaySessionData(Event{SessionID: "s1", Item: testItem()}, testBase, DefaultConfig()))

	if _, ok := table.Remove("s1"); !ok {
		t.Fatal("expected session to be removed")
	}
	if _, ok := table.Remove("s1"); ok {
		t.Fatal("expected second remove to find nothing")
	}
	if table.Len() != 0 {
		t.Fatalf("expected empty table, got %d", table.Len())
	}
}

func TestSessionsPruneIdle(t *testing.T) {
	table := NewSessions()
	cfg := DefaultConfig()
	table.Replace("old", newPlaySessionData(Event{SessionID: "old", Item: testItem()}, testBase, cfg))
	table.Replace("new", newPlaySessionData(Event{SessionID: "new", Item: testItem()}, testBase.Add(5*time.Hour), cfg))

	removed := table.PruneIdle(testBase.Add(7*time.Hour), 6*time.Hour)
	if len(removed) != 1 || removed[0] != "old" {
		t.Fatalf("expected [old] removed, got %v", removed)
	}
	if _, ok := table.Get("new"); !ok {
		t.Fatal("expected active session to survive")
	}
}

func TestSessionsList(t *testing.T) {
	table := NewSessions()
	table.Replace("s1", newPlaySessionData(Event{SessionID: "s1", UserID: "u1", Item: testItem(), PositionMS: 12000}, testBase, DefaultConfig()))

	list := table.List()
	if len(list) != 1 {
		t.Fatalf("expected 1 session, got %d", len(list))
	}
	if list[0].ItemID != "e3" || list[0].UserID != "u1" {
		t.Fatalf("unexpected session info %+v", list[0])
	}
	if list[0].PositionMS != 12000 {
		t.Fatalf("expected position 12000ms, got %d", list[0].PositionMS)
	}
}
