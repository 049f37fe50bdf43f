package queue

import (
	"math/rand/v2"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/sydlexius/roadie/internal/registry"
)

func TestGroupKey(t *testing.T) {
	a := GroupKey(registry.Venue, "The Snug, Stoke")
	b := GroupKey(registry.Venue, "the snug   stoke ")
	if a != b {
		t.Errorf("keys differ: %q vs %q", a, b)
	}
	if a == GroupKey(registry.Artist, "The Snug, Stoke") {
		t.Error("venue and artist keys must not collide")
	}

	typ, name, ok := ParseGroupKey(a)
	if !ok || typ != registry.Venue || name != "the snug stoke" {
		t.Errorf("ParseGroupKey = %q, %q, %v", typ, name, ok)
	}
	for _, bad := range []string{"", "the snug", "band:x", "venue:"} {
		if _, _, ok := ParseGroupKey(bad); ok {
			t.Errorf("ParseGroupKey(%q) accepted", bad)
		}
	}
}

func TestGroup(t *testing.T) {
	items := []Item{
		testItem("The Snug, Stoke", "The Band"),
		testItem("the snug stoke", "Other Band"),
		testItem("Rock City", "the band"),
	}
	g := Group(items)

	if got := g["venue:the snug stoke"]; len(got) != 2 {
		t.Errorf("venue group = %v", got)
	}
	if got := g["artist:the band"]; len(got) != 2 {
		t.Errorf("artist group = %v", got)
	}
	if got := g["venue:rock city"]; len(got) != 1 || got[0] != items[2].ID {
		t.Errorf("rock city group = %v", got)
	}
	if len(g) != 4 {
		t.Errorf("expected 4 groups, got %d: %v", len(g), g.Keys())
	}
}

func TestGroup_OrderIndependent(t *testing.T) {
	var items []Item
	for _, v := range []string{"The Snug", "the snug", "Rock City", "THE SNUG", "Band on the Wall", "rock city"} {
		for _, a := range []string{"Alpha", "alpha ", "Beta"} {
			items = append(items, testItem(v, a))
		}
	}
	want := Group(items)

	r := rand.New(rand.NewPCG(1, 2))
	for range 20 {
		shuffled := append([]Item(nil), items...)
		r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		if got := Group(shuffled); !reflect.DeepEqual(got, want) {
			t.Fatalf("grouping depends on order:\n got %v\nwant %v", got, want)
		}
	}

	// Regrouping is idempotent.
	if again := Group(items); !reflect.DeepEqual(again, want) {
		t.Error("grouping the same items twice differed")
	}
}

func TestSummaries(t *testing.T) {
	g := Group([]Item{testItem("The Snug", "The Band")})
	s := g.Summaries()
	if len(s) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(s))
	}
	if s[0].Key != "artist:the band" || s[0].Type != registry.Artist || s[0].Name != "the band" {
		t.Errorf("first summary = %+v", s[0])
	}
}

func TestKeyLocks(t *testing.T) {
	k := newKeyLocks()

	var mu sync.Mutex
	inside := 0
	maxInside := 0

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Alternate key order to exercise sorted acquisition.
			keys := []string{"venue:a", "artist:b"}
			if i%2 == 0 {
				keys = []string{"artist:b", "venue:a", "venue:a"}
			}
			unlock := k.lock(keys...)
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("max holders = %d, want 1", maxInside)
	}
	if k.size() != 0 {
		t.Errorf("lock entries leaked: %d", k.size())
	}
}

func TestKeyLocks_UnrelatedKeysDoNotBlock(t *testing.T) {
	k := newKeyLocks()
	unlockA := k.lock("venue:a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := k.lock("venue:b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on an unrelated key blocked")
	}
}
