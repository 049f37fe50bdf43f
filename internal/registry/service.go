// Package registry is the canonical store of venues, artists and events that
// the review queue reconciles candidates against.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sydlexius/roadie/internal/normalize"
)

const entityColumns = `id, type, name, name_key, address, website, social_url, created_at, updated_at`

const eventColumns = `id, venue_id, artist_id, date, time, notes, source_url, queue_item_id, created_at`

// Service provides registry data operations.
type Service struct {
	db *sql.DB
}

// NewService creates a registry service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// FindByName returns every entity of type t whose normalized name equals key,
// ordered by id.
func (s *Service) FindByName(ctx context.Context, t EntityType, key string) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE type = ? AND name_key = ? ORDER BY id`,
		string(t), key)
	if err != nil {
		return nil, fmt.Errorf("finding %s by name: %w", t, err)
	}
	return collectEntities(rows)
}

// List returns every entity of type t ordered by id.
func (s *Service) List(ctx context.Context, t EntityType) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE type = ? ORDER BY id`, string(t))
	if err != nil {
		return nil, fmt.Errorf("listing %ss: %w", t, err)
	}
	return collectEntities(rows)
}

// Get retrieves an entity by id.
func (s *Service) Get(ctx context.Context, id string) (*Entity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting entity: %w", err)
	}
	return e, nil
}

// Create inserts a new entity. It returns ErrDuplicate when an entity of the
// same type already holds the normalized name.
func (s *Service) Create(ctx context.Context, t EntityType, name string, fields Fields) (*Entity, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown entity type: %q", t)
	}
	key := normalize.Key(name)
	if key == "" {
		return nil, fmt.Errorf("entity name %q normalizes to empty", name)
	}

	now := time.Now().UTC()
	e := &Entity{
		ID:        uuid.New().String(),
		Type:      t,
		Name:      strings.TrimSpace(name),
		NameKey:   key,
		Fields:    fields,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (id, type, name, name_key, address, website, social_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, string(e.Type), e.Name, e.NameKey,
		fields.Address, fields.Website, fields.SocialURL,
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("creating %s %q: %w", t, key, ErrDuplicate)
		}
		return nil, fmt.Errorf("creating %s: %w", t, err)
	}
	return e, nil
}

// Update fills the empty fields of an entity from patch. Non-empty stored
// values are never overwritten. It returns the fields that were written.
func (s *Service) Update(ctx context.Context, id string, patch Fields) (Fields, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Fields{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	current, err := scanEntity(tx.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Fields{}, fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Fields{}, fmt.Errorf("reading entity: %w", err)
	}

	var applied Fields
	for _, name := range FieldNames() {
		if current.Fields.Get(name) == "" && patch.Get(name) != "" {
			applied.Set(name, patch.Get(name))
		}
	}
	if applied.IsZero() {
		return applied, nil
	}

	// The CASE guards keep the fill-only rule even if another writer raced us.
	_, err = tx.ExecContext(ctx, `
		UPDATE entities SET
			address = CASE WHEN address = '' THEN ? ELSE address END,
			website = CASE WHEN website = '' THEN ? ELSE website END,
			social_url = CASE WHEN social_url = '' THEN ? ELSE social_url END,
			updated_at = ?
		WHERE id = ?
	`, applied.Address, applied.Website, applied.SocialURL,
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return Fields{}, fmt.Errorf("updating entity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Fields{}, fmt.Errorf("committing entity update: %w", err)
	}
	return applied, nil
}

// CreateEvent inserts an event. Events created from a queue item are unique
// per item: a repeated call returns the event stored by the first one.
func (s *Service) CreateEvent(ctx context.Context, ev Event) (*Event, error) {
	if ev.VenueID == "" || ev.ArtistID == "" {
		return nil, fmt.Errorf("event requires venue and artist ids")
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	ev.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.VenueID, ev.ArtistID, ev.Date, ev.Time, ev.Notes, ev.SourceURL,
		ev.QueueItemID, ev.CreatedAt.Format(time.RFC3339))
	if err != nil {
		if ev.QueueItemID != "" && isUniqueViolation(err) {
			return s.eventByQueueItem(ctx, ev.QueueItemID)
		}
		return nil, fmt.Errorf("creating event: %w", err)
	}
	return &ev, nil
}

// GetEvent retrieves an event by id.
func (s *Service) GetEvent(ctx context.Context, id string) (*Event, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting event: %w", err)
	}
	return ev, nil
}

// ListEvents returns events ordered by date then id.
func (s *Service) ListEvents(ctx context.Context, f EventFilter) ([]Event, error) {
	var conditions []string
	var args []any
	if f.VenueID != "" {
		conditions = append(conditions, "venue_id = ?")
		args = append(args, f.VenueID)
	}
	if f.ArtistID != "" {
		conditions = append(conditions, "artist_id = ?")
		args = append(args, f.ArtistID)
	}
	if f.From != "" {
		conditions = append(conditions, "date >= ?")
		args = append(args, f.From)
	}
	if f.To != "" {
		conditions = append(conditions, "date <= ?")
		args = append(args, f.To)
	}

	query := `SELECT ` + eventColumns + ` FROM events`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY date, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

func (s *Service) eventByQueueItem(ctx context.Context, queueItemID string) (*Event, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE queue_item_id = ?`, queueItemID))
	if err != nil {
		return nil, fmt.Errorf("reading existing event for queue item %s: %w", queueItemID, err)
	}
	return ev, nil
}

func collectEntities(rows *sql.Rows) ([]Entity, error) {
	defer rows.Close() //nolint:errcheck

	var entities []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entity: %w", err)
		}
		entities = append(entities, *e)
	}
	return entities, rows.Err()
}

func scanEntity(row interface{ Scan(...any) error }) (*Entity, error) {
	var e Entity
	var typ, createdAt, updatedAt string
	err := row.Scan(&e.ID, &typ, &e.Name, &e.NameKey,
		&e.Fields.Address, &e.Fields.Website, &e.Fields.SocialURL,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	e.Type = EntityType(typ)
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return &e, nil
}

func scanEvent(row interface{ Scan(...any) error }) (*Event, error) {
	var ev Event
	var createdAt string
	err := row.Scan(&ev.ID, &ev.VenueID, &ev.ArtistID, &ev.Date, &ev.Time,
		&ev.Notes, &ev.SourceURL, &ev.QueueItemID, &createdAt)
	if err != nil {
		return nil, err
	}
	ev.CreatedAt = parseTime(createdAt)
	return &ev, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

// parseTime parses a time string, handling both RFC3339 and SQLite datetime formats.
func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	return time.Time{}
}
