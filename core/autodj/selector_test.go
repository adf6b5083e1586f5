package autodj

import (
	"fmt"
	"testing"

	"QFMConsole/model"
)

func makeTracks(ids ...string) []*model.Track {
	tracks := make([]*model.Track, 0, len(ids))
	for _, id := range ids {
		tracks = append(tracks, model.NewTrack(id, "Song "+id, "", nil))
	}
	return tracks
}

func numberedTracks(n int) []*model.Track {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("t%02d", i)
	}
	return makeTracks(ids...)
}

func newTestSelector(tracks []*model.Track, seed uint64) (*Selector, *Queue, *History) {
	q := NewQueue()
	h := NewHistory(model.HistorySize)
	return NewSelector(NewLibrary(tracks...), q, h, seed), q, h
}

func TestSelector_SequentialVisitsEveryTrackOnce(t *testing.T) {
	tracks := numberedTracks(7)
	s, _, _ := newTestSelector(tracks, 1)

	cur := ""
	for round := 0; round < 2; round++ {
		for i, want := range tracks {
			sel, ok := s.Next(cur)
			if !ok {
				t.Fatal("Expected a selection")
			}
			if sel.Track.ID != want.ID {
				t.Fatalf("round %d step %d: expected %s, got %s", round, i, want.ID, sel.Track.ID)
			}
			cur = sel.Track.ID
		}
	}
}

func TestSelector_SequentialWrapScenario(t *testing.T) {
	s, _, _ := newTestSelector(makeTracks("A", "B", "C"), 1)
	cur := "A"
	for _, want := range []string{"B", "C", "A"} {
		sel, _ := s.Next(cur)
		if sel.Track.ID != want {
			t.Fatalf("Expected %s after %s, got %s", want, cur, sel.Track.ID)
		}
		cur = sel.Track.ID
	}
}

func TestSelector_ShuffleNeverRepeatsWithinTen(t *testing.T) {
	for _, n := range []int{11, 12, 25} {
		for seed := uint64(1); seed <= 5; seed++ {
			s, _, h := newTestSelector(numberedTracks(n), seed)
			s.SetShuffle(true)

			var picks []string
			cur := ""
			for i := 0; i < 300; i++ {
				sel, ok := s.Next(cur)
				if !ok {
					t.Fatal("Expected a selection")
				}
				cur = sel.Track.ID
				h.Push(cur)
				picks = append(picks, cur)
			}
			for i := range picks {
				for j := i + 1; j < len(picks) && j < i+10; j++ {
					if picks[i] == picks[j] {
						t.Fatalf("n=%d seed=%d: %s repeated at %d and %d", n, seed, picks[i], i, j)
					}
				}
			}
		}
	}
}

func TestSelector_ShuffleHistoryScenario(t *testing.T) {
	ids := []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J", "K"}
	for seed := uint64(1); seed <= 50; seed++ {
		s, _, h := newTestSelector(makeTracks(ids...), seed)
		s.SetShuffle(true)
		h.Push("A")

		sel, ok := s.Next("")
		if !ok {
			t.Fatal("Expected a selection")
		}
		if sel.Track.ID == "A" {
			t.Fatalf("seed %d: selected A which is in recent history", seed)
		}
	}
}

func TestSelector_ShuffleSmallLibraryFallsBack(t *testing.T) {
	s, _, h := newTestSelector(makeTracks("A", "B"), 3)
	s.SetShuffle(true)
	h.Push("A")
	h.Push("B")

	sel, ok := s.Next("B")
	if !ok || sel.Track.ID != "A" {
		t.Fatalf("Expected fallback to library minus current (A), got %v", sel.Track)
	}

	one, _, _ := newTestSelector(makeTracks("A"), 3)
	one.SetShuffle(true)
	if sel, ok := one.Next("A"); !ok || sel.Track.ID != "A" {
		t.Errorf("Expected single-track library to replay A, got %v", sel.Track)
	}
}

func TestSelector_QueuePreemptsInFIFOOrder(t *testing.T) {
	for _, shuffle := range []bool{false, true} {
		s, q, _ := newTestSelector(makeTracks("A", "B", "C"), 7)
		s.SetShuffle(shuffle)
		x, y := model.NewTrack("X", "X", "", nil), model.NewTrack("Y", "Y", "", nil)
		q.Enqueue(x, "")
		q.Enqueue(y, "r1")

		for _, want := range []string{"X", "Y"} {
			sel, ok := s.Next("A")
			if !ok || !sel.FromQueue || sel.Track.ID != want {
				t.Fatalf("shuffle=%v: expected queued %s, got %+v", shuffle, want, sel)
			}
		}
		sel, _ := s.Next("A")
		if sel.FromQueue {
			t.Errorf("shuffle=%v: expected library fallback after queue drained", shuffle)
		}
	}
}

func TestSelector_EmptyLibrary(t *testing.T) {
	s, _, _ := newTestSelector(nil, 1)
	if _, ok := s.Next(""); ok {
		t.Error("Expected no selection from an empty library")
	}
	if _, ok := s.Peek(""); ok {
		t.Error("Expected no preview from an empty library")
	}
}

func TestSelector_PeekMatchesNext(t *testing.T) {
	s, q, _ := newTestSelector(numberedTracks(15), 9)
	s.SetShuffle(true)

	for i := 0; i < 20; i++ {
		peek, _ := s.Peek("t00")
		next, _ := s.Next("t00")
		if peek.Track.ID != next.Track.ID {
			t.Fatalf("Expected preview %s to be played, got %s", peek.Track.ID, next.Track.ID)
		}
	}

	q.Enqueue(model.NewTrack("X", "X", "", nil), "")
	if peek, _ := s.Peek("t00"); peek.Track.ID != "X" || q.Len() != 1 {
		t.Errorf("Expected preview of queue head without consuming it")
	}
}

func TestQueue_RejectRemovesEntriesAndMapping(t *testing.T) {
	q := NewQueue()
	tracks := makeTracks("A", "B", "C")
	q.Enqueue(tracks[0], "r1")
	q.Enqueue(tracks[1], "r2")
	q.Enqueue(tracks[2], "r1")

	removed := q.Reject("r1")
	if len(removed) != 2 {
		t.Fatalf("Expected 2 removed tracks, got %d", len(removed))
	}
	if q.Len() != 1 || q.HasRequest("r1") || !q.HasRequest("r2") {
		t.Errorf("Unexpected queue state: len=%d r1=%v r2=%v", q.Len(), q.HasRequest("r1"), q.HasRequest("r2"))
	}
	if got := q.Reject("missing"); got != nil {
		t.Errorf("Expected nothing removed for unknown request, got %v", got)
	}
}

func TestQueue_SameTrackKeepsEveryRequest(t *testing.T) {
	q := NewQueue()
	x := makeTracks("X")[0]
	q.Enqueue(x, "1")
	q.Enqueue(x, "2")
	q.Enqueue(x, "3")

	if q.RequestCount() != 3 {
		t.Fatalf("Expected 3 mapped requests, got %d", q.RequestCount())
	}
	if !q.Release("X", "2") || q.Release("X", "2") {
		t.Error("Expected request 2 released exactly once")
	}
	if id, ok := q.TakeRequest("X"); !ok || id != "1" {
		t.Errorf("Expected oldest request 1, got %q/%v", id, ok)
	}
	q.Reject("3")
	if q.RequestCount() != 0 || q.HasRequest("3") {
		t.Errorf("Expected mapping empty, got %d", q.RequestCount())
	}

	q = NewQueue()
	s := NewSelector(NewLibrary(x), q, NewHistory(0), 1)
	q.Enqueue(x, "4")
	sel, ok := s.Next("")
	if !ok || !sel.FromQueue || sel.RequestID != "4" {
		t.Errorf("Expected queued selection carrying request 4, got %+v", sel)
	}
}

func TestHistory_RingAndPrevious(t *testing.T) {
	h := NewHistory(3)
	if _, ok := h.Previous(); ok {
		t.Error("Expected no previous on empty history")
	}
	for _, id := range []string{"A", "B", "C", "D"} {
		h.Push(id)
	}
	if got := h.IDs(); len(got) != 3 || got[0] != "B" || got[2] != "D" {
		t.Errorf("Expected [B C D], got %v", got)
	}
	if prev, _ := h.Previous(); prev != "C" {
		t.Errorf("Expected previous C, got %s", prev)
	}
	if got := h.Recent(10); len(got) != 3 {
		t.Errorf("Expected Recent to cap at length, got %v", got)
	}
}

func TestLibrary_RemoveReindexes(t *testing.T) {
	l := NewLibrary(makeTracks("A", "B", "C", "A")...)
	if l.Len() != 3 {
		t.Fatalf("Expected duplicate ids dropped, got %d", l.Len())
	}
	if !l.Remove("B") || l.Remove("B") {
		t.Error("Expected remove to succeed once")
	}
	if l.IndexOf("C") != 1 {
		t.Errorf("Expected C reindexed to 1, got %d", l.IndexOf("C"))
	}
	if l.Add(model.NewTrack("A", "", "", nil)) {
		t.Error("Expected duplicate add to be refused")
	}
}
