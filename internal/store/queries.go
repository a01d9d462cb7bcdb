package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/blackwell-systems/netzone/internal/fingerprint"
	"github.com/blackwell-systems/netzone/internal/zone"
)

var _ zone.Repository = (*Store)(nil)

// timeFormat is fixed width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

// Zone operations

// SaveZone inserts or updates a zone and replaces its fingerprints.
func (s *Store) SaveZone(ctx context.Context, z zone.Zone) error {
	actionsJSON, err := json.Marshal(z.Actions)
	if err != nil {
		return fmt.Errorf("failed to marshal actions for zone %s: %w", z.ID, err)
	}

	var lastMatched sql.NullString
	if !z.LastMatched.IsZero() {
		lastMatched = sql.NullString{String: formatTime(z.LastMatched), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO zones
		(id, name, confidence_threshold, actions, created_at, last_matched, match_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			confidence_threshold = excluded.confidence_threshold,
			actions = excluded.actions,
			last_matched = excluded.last_matched,
			match_count = excluded.match_count
	`
	_, err = tx.ExecContext(ctx, query,
		z.ID,
		z.Name,
		z.ConfidenceThreshold,
		string(actionsJSON),
		formatTime(z.CreatedAt),
		lastMatched,
		z.MatchCount,
	)
	if err != nil {
		return wrap("save zone "+z.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM zone_fingerprints WHERE zone_id = ?`, z.ID); err != nil {
		return wrap("clear fingerprints for zone "+z.ID, err)
	}

	for i, fp := range z.Fingerprints {
		networksJSON, err := json.Marshal(fp.Networks)
		if err != nil {
			return fmt.Errorf("failed to marshal fingerprint for zone %s: %w", z.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO zone_fingerprints (zone_id, position, networks, confidence, captured_at)
			VALUES (?, ?, ?, ?, ?)
		`, z.ID, i, string(networksJSON), fp.Confidence, formatTime(fp.Timestamp))
		if err != nil {
			return wrap("insert fingerprint for zone "+z.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit zone %s: %w", z.ID, err)
	}
	return nil
}

// GetZone retrieves a zone by ID.
func (s *Store) GetZone(ctx context.Context, id string) (*zone.Zone, error) {
	query := `
		SELECT id, name, confidence_threshold, actions, created_at, last_matched, match_count
		FROM zones
		WHERE id = ?
	`
	z, err := scanZone(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", zone.ErrZoneNotFound, id)
	}
	if err != nil {
		return nil, wrap("get zone "+id, err)
	}

	fps, err := s.fingerprints(ctx, `WHERE zone_id = ?`, id)
	if err != nil {
		return nil, err
	}
	z.Fingerprints = fps[id]
	return z, nil
}

// ListZones returns all zones ordered by creation time.
func (s *Store) ListZones(ctx context.Context) ([]zone.Zone, error) {
	query := `
		SELECT id, name, confidence_threshold, actions, created_at, last_matched, match_count
		FROM zones
		ORDER BY created_at, id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, wrap("list zones", err)
	}
	defer rows.Close()

	var zones []zone.Zone
	for rows.Next() {
		z, err := scanZone(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan zone row: %w", err)
		}
		zones = append(zones, *z)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating zones: %w", err)
	}

	fps, err := s.fingerprints(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range zones {
		zones[i].Fingerprints = fps[zones[i].ID]
	}
	return zones, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanZone(row rowScanner) (*zone.Zone, error) {
	var z zone.Zone
	var actionsJSON, createdAt string
	var lastMatched sql.NullString

	err := row.Scan(
		&z.ID,
		&z.Name,
		&z.ConfidenceThreshold,
		&actionsJSON,
		&createdAt,
		&lastMatched,
		&z.MatchCount,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(actionsJSON), &z.Actions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal actions for %s: %w", z.ID, err)
	}
	z.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at for %s: %w", z.ID, err)
	}
	if lastMatched.Valid {
		z.LastMatched, err = parseTime(lastMatched.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse last_matched for %s: %w", z.ID, err)
		}
	}
	return &z, nil
}

// fingerprints loads stored fingerprints grouped by zone ID.
func (s *Store) fingerprints(ctx context.Context, where string, args ...any) (map[string][]fingerprint.Fingerprint, error) {
	query := `
		SELECT zone_id, networks, confidence, captured_at
		FROM zone_fingerprints
		` + where + `
		ORDER BY zone_id, position
	`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("load fingerprints", err)
	}
	defer rows.Close()

	out := make(map[string][]fingerprint.Fingerprint)
	for rows.Next() {
		var zoneID, networksJSON, capturedAt string
		var fp fingerprint.Fingerprint
		if err := rows.Scan(&zoneID, &networksJSON, &fp.Confidence, &capturedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fingerprint row: %w", err)
		}
		if err := json.Unmarshal([]byte(networksJSON), &fp.Networks); err != nil {
			return nil, fmt.Errorf("failed to unmarshal fingerprint for %s: %w", zoneID, err)
		}
		fp.Timestamp, err = parseTime(capturedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse captured_at for %s: %w", zoneID, err)
		}
		out[zoneID] = append(out[zoneID], fp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating fingerprints: %w", err)
	}
	return out, nil
}

// DeleteZone removes a zone and its fingerprints. Its change history is
// kept.
func (s *Store) DeleteZone(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM zones WHERE id = ?`, id)
	if err != nil {
		return wrap("delete zone "+id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", zone.ErrZoneNotFound, id)
	}
	return nil
}

// RecordMatch stores a zone's match statistics without touching the
// rest of the row. It never inserts.
func (s *Store) RecordMatch(ctx context.Context, id string, at time.Time, count uint64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE zones SET last_matched = ?, match_count = ? WHERE id = ?`,
		formatTime(at), count, id)
	if err != nil {
		return wrap("record match for zone "+id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", zone.ErrZoneNotFound, id)
	}
	return nil
}

// Zone change operations

// RecordChange appends an entry to the zone change history.
func (s *Store) RecordChange(ctx context.Context, c zone.Change) error {
	var from sql.NullString
	if c.FromZoneID != "" {
		from = sql.NullString{String: c.FromZoneID, Valid: true}
	}

	query := `
		INSERT INTO zone_changes (from_zone_id, to_zone_id, confidence, manual, changed_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query, from, c.ToZoneID, c.Confidence, c.Manual, formatTime(c.At))
	if err != nil {
		return wrap("record change to "+c.ToZoneID, err)
	}
	return nil
}

// CountChanges returns the total number of recorded zone changes.
func (s *Store) CountChanges(ctx context.Context) (uint64, error) {
	var count uint64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM zone_changes`).Scan(&count)
	if err != nil {
		return 0, wrap("count zone changes", err)
	}
	return count, nil
}

// ListChanges returns the most recent zone changes, newest first. A
// limit of zero or less returns everything.
func (s *Store) ListChanges(ctx context.Context, limit int) ([]*HistoryEntry, error) {
	query := `
		SELECT c.id, COALESCE(c.from_zone_id, ''), c.to_zone_id, c.confidence, c.manual, c.changed_at,
		       COALESCE(f.name, ''), COALESCE(t.name, '')
		FROM zone_changes c
		LEFT JOIN zones f ON f.id = c.from_zone_id
		LEFT JOIN zones t ON t.id = c.to_zone_id
		ORDER BY c.changed_at DESC, c.id DESC
	`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("list zone changes", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var changedAt string
		err := rows.Scan(
			&e.ID,
			&e.FromZoneID,
			&e.ToZoneID,
			&e.Confidence,
			&e.Manual,
			&changedAt,
			&e.FromName,
			&e.ToName,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan zone change row: %w", err)
		}
		e.At, err = parseTime(changedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse changed_at: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating zone changes: %w", err)
	}
	return entries, nil
}

// PruneChanges deletes history entries older than before and returns
// how many were removed.
func (s *Store) PruneChanges(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM zone_changes WHERE changed_at < ?`, formatTime(before))
	if err != nil {
		return 0, wrap("prune zone changes", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
