// Package resolve reconciles extracted venue and artist names against the
// canonical registry.
package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/sydlexius/roadie/internal/apperr"
	"github.com/sydlexius/roadie/internal/normalize"
	"github.com/sydlexius/roadie/internal/registry"
)

// Thresholds are the score bands for one entity type.
type Thresholds struct {
	Match  float64 `yaml:"match"`
	Review float64 `yaml:"review"`
}

// Config holds resolver parameters.
type Config struct {
	Venue         Thresholds    `yaml:"venue"`
	Artist        Thresholds    `yaml:"artist"`
	NoiseFloor    float64       `yaml:"noise_floor"`
	MaxCandidates int           `yaml:"max_candidates"`
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
}

// DefaultConfig returns the default resolver parameters.
func DefaultConfig() Config {
	return Config{
		Venue:         Thresholds{Match: 0.99, Review: 0.60},
		Artist:        Thresholds{Match: 0.95, Review: 0.60},
		NoiseFloor:    0.30,
		MaxCandidates: 3,
		LookupTimeout: 5 * time.Second,
	}
}

// Validate checks the thresholds are ordered within [0,1].
func (c Config) Validate() error {
	for name, th := range map[string]Thresholds{"venue": c.Venue, "artist": c.Artist} {
		if th.Match <= 0 || th.Match > 1 {
			return fmt.Errorf("resolver.%s.match must be in (0,1], got %v", name, th.Match)
		}
		if th.Review < c.NoiseFloor || th.Review >= th.Match {
			return fmt.Errorf("resolver.%s.review must be in [noise_floor, match), got %v", name, th.Review)
		}
	}
	if c.NoiseFloor < 0 || c.NoiseFloor >= 1 {
		return fmt.Errorf("resolver.noise_floor must be in [0,1), got %v", c.NoiseFloor)
	}
	if c.MaxCandidates < 1 {
		return fmt.Errorf("resolver.max_candidates must be positive")
	}
	return nil
}

func (c Config) thresholds(t registry.EntityType) Thresholds {
	if t == registry.Artist {
		return c.Artist
	}
	return c.Venue
}

// Registry is the read side of the canonical registry.
type Registry interface {
	FindByName(ctx context.Context, t registry.EntityType, key string) ([]registry.Entity, error)
	List(ctx context.Context, t registry.EntityType) ([]registry.Entity, error)
}

// Hints carries extraction signals that affect confidence and enrichment.
type Hints struct {
	SourceURL string
	Metadata  registry.Fields
}

// Resolver produces Resolutions. It holds no mutable state and is safe for
// concurrent use.
type Resolver struct {
	registry Registry
	cfg      Config
	logger   *slog.Logger
}

// New creates a Resolver.
func New(reg Registry, cfg Config, logger *slog.Logger) *Resolver {
	if cfg.MaxCandidates < 1 {
		cfg.MaxCandidates = DefaultConfig().MaxCandidates
	}
	return &Resolver{
		registry: reg,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "resolver")),
	}
}

// Resolve reconciles name against registry entities of type target.
func (r *Resolver) Resolve(ctx context.Context, target registry.EntityType, name string, hints Hints) (Resolution, error) {
	if !target.Valid() {
		return Resolution{}, &apperr.ValidationError{Field: "target", Reason: fmt.Sprintf("unknown entity type %q", target)}
	}
	key := normalize.Key(name)
	if key == "" {
		return Resolution{}, &apperr.ValidationError{Field: string(target) + "Name", Reason: "empty after normalization"}
	}

	exact, err := r.lookup(ctx, "find_by_name", func(ctx context.Context) ([]registry.Entity, error) {
		return r.registry.FindByName(ctx, target, key)
	})
	if err != nil {
		return Resolution{}, err
	}
	if len(exact) > 0 {
		sort.Slice(exact, func(i, j int) bool { return exact[i].ID < exact[j].ID })
		e := exact[0]
		reasons := []string{"exact normalized name match"}
		if len(exact) > 1 {
			reasons = append(reasons, fmt.Sprintf("%d entities share this name, chose lowest id", len(exact)))
		}
		cand := Candidate{EntityID: e.ID, Name: e.Name, Score: 1, Reasons: []string{"exact"}}
		return Match(target, e.ID, 1.0, reasons, []Candidate{cand}, gaps(e.Fields, hints.Metadata)), nil
	}

	all, err := r.lookup(ctx, "list", func(ctx context.Context) ([]registry.Entity, error) {
		return r.registry.List(ctx, target)
	})
	if err != nil {
		return Resolution{}, err
	}

	scored := r.score(key, all)
	th := r.cfg.thresholds(target)

	if len(scored) > 0 && scored[0].Score >= th.Match {
		top := scored[0]
		var fields registry.Fields
		for _, e := range all {
			if e.ID == top.EntityID {
				fields = e.Fields
				break
			}
		}
		reasons := []string{fmt.Sprintf("name similarity %.2f to %q", top.Score, top.Name)}
		return Match(target, top.EntityID, top.Score, reasons, r.top(scored), gaps(fields, hints.Metadata)), nil
	}

	if len(scored) > 0 && scored[0].Score >= th.Review {
		top := scored[0]
		reasons := []string{
			fmt.Sprintf("closest match %q scored %.2f, below match threshold %.2f", top.Name, top.Score, th.Match),
		}
		return Review(target, top.Score, reasons, r.top(scored)), nil
	}

	confidence, reasons := createConfidence(hints)
	if len(scored) > 0 {
		reasons = append(reasons, fmt.Sprintf("closest match %q scored %.2f", scored[0].Name, scored[0].Score))
	}
	return Create(target, confidence, reasons), nil
}

// lookup runs a registry read with the configured timeout and maps failures
// to UpstreamLookupError.
func (r *Resolver) lookup(ctx context.Context, op string, fn func(context.Context) ([]registry.Entity, error)) ([]registry.Entity, error) {
	if r.cfg.LookupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.LookupTimeout)
		defer cancel()
	}
	entities, err := fn(ctx)
	if err != nil {
		r.logger.Warn("registry lookup failed", "op", op, "error", err)
		return nil, &apperr.UpstreamLookupError{Op: op, Cause: err}
	}
	return entities, nil
}

// score returns entities scoring above the noise floor, best first, ties
// broken by id.
func (r *Resolver) score(key string, entities []registry.Entity) []Candidate {
	var out []Candidate
	for _, e := range entities {
		s := Compare(key, e.NameKey)
		v := s.Value()
		if v <= r.cfg.NoiseFloor {
			continue
		}
		out = append(out, Candidate{
			EntityID: e.ID,
			Name:     e.Name,
			Score:    clamp(v),
			Reasons: []string{
				fmt.Sprintf("edit similarity %.2f", s.Edit),
				fmt.Sprintf("token similarity %.2f", s.Tokens),
			},
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out
}

func (r *Resolver) top(scored []Candidate) []Candidate {
	if len(scored) > r.cfg.MaxCandidates {
		return scored[:r.cfg.MaxCandidates]
	}
	return scored
}

// createConfidence rates a CREATE_NEW decision by the quality of the
// extraction signals.
func createConfidence(h Hints) (float64, []string) {
	confidence := 0.5
	reasons := []string{"no registry entry above review threshold"}
	if h.SourceURL != "" {
		confidence += 0.3
		reasons = append(reasons, "source url present")
	}
	if !h.Metadata.IsZero() {
		confidence += 0.1
		reasons = append(reasons, "extracted metadata present")
	}
	return confidence, reasons
}

// gaps returns the proposed values for fields current lacks.
func gaps(current, proposed registry.Fields) *registry.Fields {
	var patch registry.Fields
	for _, f := range registry.FieldNames() {
		if current.Get(f) == "" && proposed.Get(f) != "" {
			patch.Set(f, proposed.Get(f))
		}
	}
	if patch.IsZero() {
		return nil
	}
	return &patch
}
