package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/sydlexius/roadie/internal/apperr"
	"github.com/sydlexius/roadie/internal/normalize"
	"github.com/sydlexius/roadie/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeRegistry struct {
	entities []registry.Entity
	err      error
	block    bool
}

func (f *fakeRegistry) add(t registry.EntityType, id, name string, fields registry.Fields) {
	f.entities = append(f.entities, registry.Entity{
		ID: id, Type: t, Name: name, NameKey: normalize.Key(name), Fields: fields,
	})
}

func (f *fakeRegistry) wait(ctx context.Context) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.err
}

func (f *fakeRegistry) FindByName(ctx context.Context, t registry.EntityType, key string) ([]registry.Entity, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	var out []registry.Entity
	for _, e := range f.entities {
		if e.Type == t && e.NameKey == key {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeRegistry) List(ctx context.Context, t registry.EntityType) ([]registry.Entity, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	var out []registry.Entity
	for _, e := range f.entities {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out, nil
}

func newTestResolver(reg Registry) *Resolver {
	return New(reg, DefaultConfig(), testLogger())
}

func TestResolve_ExactMatch(t *testing.T) {
	reg := &fakeRegistry{}
	reg.add(registry.Venue, "v1", "The Snug, Stoke", registry.Fields{})
	r := newTestResolver(reg)

	res, err := r.Resolve(context.Background(), registry.Venue, "the snug   STOKE", Hints{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Action() != ActionMatchExisting {
		t.Fatalf("action = %s, want MATCH_EXISTING", res.Action())
	}
	if res.Confidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0", res.Confidence)
	}
	if id, ok := res.MatchedID(); !ok || id != "v1" {
		t.Errorf("MatchedID = %q, %v", id, ok)
	}
}

func TestResolve_ExactMatchProposesEnrichment(t *testing.T) {
	reg := &fakeRegistry{}
	reg.add(registry.Venue, "v1", "The Snug", registry.Fields{Website: "https://existing"})
	r := newTestResolver(reg)

	res, err := r.Resolve(context.Background(), registry.Venue, "The Snug", Hints{
		Metadata: registry.Fields{Website: "https://new", SocialURL: "https://fb.example/snug"},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	patch := res.Enrichment()
	if patch == nil {
		t.Fatal("expected enrichment proposal")
	}
	if patch.Website != "" {
		t.Errorf("website should not be proposed over an existing value, got %q", patch.Website)
	}
	if patch.SocialURL != "https://fb.example/snug" {
		t.Errorf("SocialURL = %q", patch.SocialURL)
	}
}

func TestResolve_CreateNew(t *testing.T) {
	reg := &fakeRegistry{}
	reg.add(registry.Venue, "v1", "Band on the Wall", registry.Fields{})
	r := newTestResolver(reg)

	res, err := r.Resolve(context.Background(), registry.Venue, "The Leadmill", Hints{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Action() != ActionCreateNew {
		t.Fatalf("action = %s, want CREATE_NEW", res.Action())
	}
	if _, ok := res.MatchedID(); ok {
		t.Error("CREATE_NEW must not carry a matched id")
	}

	withURL, err := r.Resolve(context.Background(), registry.Venue, "The Leadmill", Hints{SourceURL: "https://fb.example/e/1"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if withURL.Confidence <= res.Confidence {
		t.Errorf("source url should raise confidence: %v <= %v", withURL.Confidence, res.Confidence)
	}
}

func TestResolve_EmptyRegistry(t *testing.T) {
	r := newTestResolver(&fakeRegistry{})
	res, err := r.Resolve(context.Background(), registry.Artist, "The Band", Hints{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Action() != ActionCreateNew {
		t.Errorf("action = %s, want CREATE_NEW", res.Action())
	}
}

func TestResolve_NeedsReview(t *testing.T) {
	reg := &fakeRegistry{}
	reg.add(registry.Venue, "v1", "The Snug", registry.Fields{})
	r := newTestResolver(reg)

	res, err := r.Resolve(context.Background(), registry.Venue, "The Snugg", Hints{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Action() != ActionNeedsReview {
		t.Fatalf("action = %s (confidence %v), want NEEDS_REVIEW", res.Action(), res.Confidence)
	}
	cfg := DefaultConfig()
	if res.Confidence >= cfg.Venue.Match || res.Confidence < cfg.Venue.Review {
		t.Errorf("confidence %v outside review band", res.Confidence)
	}
	if len(res.Candidates) == 0 || res.Candidates[0].EntityID != "v1" {
		t.Errorf("candidates = %+v", res.Candidates)
	}
	if o, ok := res.Outcome.(NeedsReview); !ok || o.Suggestion != "The Snug" {
		t.Errorf("outcome = %#v", res.Outcome)
	}
}

func TestResolve_CandidatesCappedAndOrdered(t *testing.T) {
	reg := &fakeRegistry{}
	reg.add(registry.Venue, "v3", "The Snug B", registry.Fields{})
	reg.add(registry.Venue, "v1", "The Snug A", registry.Fields{})
	reg.add(registry.Venue, "v2", "The Snug C", registry.Fields{})
	reg.add(registry.Venue, "v4", "The Snug D", registry.Fields{})
	r := newTestResolver(reg)

	res, err := r.Resolve(context.Background(), registry.Venue, "The Snug E", Hints{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Candidates) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(res.Candidates))
	}
	// Equal scores fall back to id order.
	want := []string{"v1", "v2", "v3"}
	for i, c := range res.Candidates {
		if c.EntityID != want[i] {
			t.Errorf("candidate[%d] = %s, want %s", i, c.EntityID, want[i])
		}
	}
}

func TestResolve_Invariants(t *testing.T) {
	reg := &fakeRegistry{}
	for i, name := range []string{"The Snug", "The Snug, Stoke", "Band on the Wall", "The Leadmill", "Rock City"} {
		reg.add(registry.Venue, string(rune('a'+i)), name, registry.Fields{})
		reg.add(registry.Artist, string(rune('A'+i)), name, registry.Fields{})
	}
	r := newTestResolver(reg)

	names := []string{"the snug", "The Snugg", "Snug Stoke", "Leadmill", "Rock  City!", "Nowhere", "Band on Wall"}
	for _, target := range []registry.EntityType{registry.Venue, registry.Artist} {
		for _, name := range names {
			res, err := r.Resolve(context.Background(), target, name, Hints{})
			if err != nil {
				t.Fatalf("Resolve(%q): %v", name, err)
			}
			if res.Confidence < 0 || res.Confidence > 1 {
				t.Errorf("%s %q: confidence %v out of range", target, name, res.Confidence)
			}
			_, hasID := res.MatchedID()
			if hasID != (res.Action() == ActionMatchExisting) {
				t.Errorf("%s %q: matched id present=%v with action %s", target, name, hasID, res.Action())
			}
		}
	}
}

func TestResolve_EmptyName(t *testing.T) {
	r := newTestResolver(&fakeRegistry{})
	_, err := r.Resolve(context.Background(), registry.Venue, " ?! ", Hints{})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestResolve_RegistryFailure(t *testing.T) {
	r := newTestResolver(&fakeRegistry{err: errors.New("connection refused")})
	_, err := r.Resolve(context.Background(), registry.Venue, "The Snug", Hints{})
	if apperr.KindOf(err) != apperr.KindUpstreamLookup {
		t.Fatalf("expected upstream lookup error, got %v", err)
	}
	if !apperr.Retryable(err) {
		t.Error("lookup failure should be retryable")
	}
}

func TestResolve_LookupTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LookupTimeout = 20 * time.Millisecond
	r := New(&fakeRegistry{block: true}, cfg, testLogger())

	start := time.Now()
	_, err := r.Resolve(context.Background(), registry.Venue, "The Snug", Hints{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if apperr.KindOf(err) != apperr.KindUpstreamLookup {
		t.Errorf("kind = %q, want upstream_lookup", apperr.KindOf(err))
	}
	if time.Since(start) > 2*time.Second {
		t.Error("lookup was not bounded by the timeout")
	}
}

func TestResolution_PersistedShape(t *testing.T) {
	venue := Match(registry.Venue, "v1", 1, []string{"exact"}, nil, &registry.Fields{SocialURL: "https://fb.example"})
	data, err := json.Marshal(venue)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s := string(data)
	for _, want := range []string{`"action":"MATCH_EXISTING"`, `"matched_venue":"v1"`, `"enrichments":{"socialUrl":"https://fb.example"}`} {
		if !strings.Contains(s, want) {
			t.Errorf("venue JSON %s missing %s", s, want)
		}
	}

	artist := Match(registry.Artist, "a1", 0.97, nil, nil, nil)
	data, _ = json.Marshal(artist)
	if !strings.Contains(string(data), `"artist_id":"a1"`) || strings.Contains(string(data), "matched_venue") {
		t.Errorf("artist JSON = %s", data)
	}

	var back Resolution
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if id, ok := back.MatchedID(); !ok || id != "a1" || back.Target != registry.Artist {
		t.Errorf("decoded = %+v", back)
	}
}

func TestResolution_RejectsInvalidShapes(t *testing.T) {
	bad := []string{
		`{"action":"MATCH_EXISTING","confidence":1,"reasons":[]}`,
		`{"action":"CREATE_NEW","confidence":0.5,"reasons":[],"matched_venue":"v1"}`,
		`{"target":"artist","action":"NEEDS_REVIEW","confidence":0.7,"reasons":[],"artist_id":"a1"}`,
		`{"action":"MAYBE","confidence":0.5,"reasons":[]}`,
	}
	for _, in := range bad {
		var r Resolution
		if err := json.Unmarshal([]byte(in), &r); err == nil {
			t.Errorf("expected error for %s", in)
		}
	}
}

func TestResolution_Settle(t *testing.T) {
	review := Review(registry.Venue, 0.8, []string{"close"}, []Candidate{{EntityID: "v1", Name: "The Snug", Score: 0.8}})

	chosen := review.Settle("v1", "alice")
	if id, ok := chosen.MatchedID(); !ok || id != "v1" {
		t.Errorf("settled to %+v", chosen)
	}
	fresh := review.Settle("", "alice")
	if fresh.Action() != ActionCreateNew {
		t.Errorf("action = %s, want CREATE_NEW", fresh.Action())
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cfg := DefaultConfig()
	cfg.Venue.Review = 0.995
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when review threshold exceeds match threshold")
	}
}
