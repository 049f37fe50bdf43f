package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sydlexius/roadie/internal/resolve"
)

const itemColumns = `id, job_id, candidate, venue_group_key, artist_group_key,
	venue_resolution, artist_resolution, state, last_error, decided_by, decided_at,
	venue_id, artist_id, event_id, created_at, updated_at`

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertItem(ctx context.Context, db execer, it *Item) error {
	candidate, err := json.Marshal(it.Candidate)
	if err != nil {
		return fmt.Errorf("encoding candidate: %w", err)
	}
	venueRes, err := json.Marshal(it.VenueResolution)
	if err != nil {
		return fmt.Errorf("encoding venue resolution: %w", err)
	}
	artistRes, err := json.Marshal(it.ArtistResolution)
	if err != nil {
		return fmt.Errorf("encoding artist resolution: %w", err)
	}

	var jobIndex any
	if it.JobID != "" {
		jobIndex = it.JobIndex
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO queue_items (
			id, job_id, job_index, candidate, artist_name, venue_name, date,
			venue_group_key, artist_group_key, venue_resolution, artist_resolution,
			state, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		it.ID, it.JobID, jobIndex, string(candidate), it.ArtistName, it.VenueName, it.Date,
		it.VenueGroupKey, it.ArtistGroupKey, string(venueRes), string(artistRes),
		string(it.State), it.CreatedAt.Format(time.RFC3339), it.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting queue item: %w", err)
	}
	return nil
}

func (s *Service) getItem(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting queue item: %w", err)
	}
	return it, nil
}

func (s *Service) queryItems(ctx context.Context, where string, args ...any) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM queue_items WHERE `+where+` ORDER BY created_at, rowid`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing queue items: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning queue item: %w", err)
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

func (s *Service) pendingInGroup(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM queue_items
		WHERE state = 'PENDING' AND (venue_group_key = ? OR artist_group_key = ?)
		ORDER BY created_at, rowid
	`, key, key)
	if err != nil {
		return nil, fmt.Errorf("listing group members: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning group member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// transition moves an item out of PENDING. It reports false when the item
// was not pending.
func (s *Service) transition(ctx context.Context, id string, to State, reviewer string, decided bool) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	var decidedAt any
	if decided {
		decidedAt = now
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items
		SET state = ?, decided_by = ?, decided_at = ?, updated_at = ?
		WHERE id = ? AND state = 'PENDING'
	`, string(to), reviewer, decidedAt, now, id)
	if err != nil {
		return false, fmt.Errorf("updating queue item state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n == 1, nil
}

// revert returns a claimed item to PENDING after a failed apply.
func (s *Service) revert(ctx context.Context, id, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_items
		SET state = 'PENDING', last_error = ?, decided_by = '', decided_at = NULL, updated_at = ?
		WHERE id = ? AND state = 'APPROVED'
	`, lastError, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("reverting queue item: %w", err)
	}
	return nil
}

func (s *Service) complete(ctx context.Context, id string, r Result) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_items
		SET venue_id = ?, artist_id = ?, event_id = ?, last_error = '', decided_at = ?, updated_at = ?
		WHERE id = ? AND state = 'APPROVED'
	`, r.VenueID, r.ArtistID, r.EventID, now, now, id)
	if err != nil {
		return fmt.Errorf("recording approval result: %w", err)
	}
	return nil
}

func (s *Service) saveResolutions(ctx context.Context, it *Item) (bool, error) {
	venueRes, err := json.Marshal(it.VenueResolution)
	if err != nil {
		return false, fmt.Errorf("encoding venue resolution: %w", err)
	}
	artistRes, err := json.Marshal(it.ArtistResolution)
	if err != nil {
		return false, fmt.Errorf("encoding artist resolution: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items
		SET venue_resolution = ?, artist_resolution = ?, updated_at = ?
		WHERE id = ? AND state = 'PENDING'
	`, string(venueRes), string(artistRes), time.Now().UTC().Format(time.RFC3339), it.ID)
	if err != nil {
		return false, fmt.Errorf("saving resolutions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n == 1, nil
}

func scanItem(row interface{ Scan(...any) error }) (*Item, error) {
	var it Item
	var candidate, venueRes, artistRes, state, createdAt, updatedAt string
	var decidedAt sql.NullString

	err := row.Scan(&it.ID, &it.JobID, &candidate, &it.VenueGroupKey, &it.ArtistGroupKey,
		&venueRes, &artistRes, &state, &it.LastError, &it.DecidedBy, &decidedAt,
		&it.Result.VenueID, &it.Result.ArtistID, &it.Result.EventID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(candidate), &it.Candidate); err != nil {
		return nil, fmt.Errorf("decoding candidate of %s: %w", it.ID, err)
	}
	var vr, ar resolve.Resolution
	if err := json.Unmarshal([]byte(venueRes), &vr); err != nil {
		return nil, fmt.Errorf("decoding venue resolution of %s: %w", it.ID, err)
	}
	if err := json.Unmarshal([]byte(artistRes), &ar); err != nil {
		return nil, fmt.Errorf("decoding artist resolution of %s: %w", it.ID, err)
	}
	it.VenueResolution = vr
	it.ArtistResolution = ar
	it.State = State(state)
	it.CreatedAt = parseTime(createdAt)
	it.UpdatedAt = parseTime(updatedAt)
	if decidedAt.Valid && decidedAt.String != "" {
		t := parseTime(decidedAt.String)
		it.DecidedAt = &t
	}
	return &it, nil
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
