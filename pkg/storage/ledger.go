package storage

import (
	"context"
	"time"
)

// Usage aggregates the ledger per credential.
type Usage struct {
	CredentialID string    `json:"credentialId"`
	Asks         int64     `json:"asks"`
	Completed    int64     `json:"completed"`
	Stalls       int64     `json:"stalls"`
	LastSeen     time.Time `json:"lastSeen"`
}

// Eviction is one recorded credential eviction.
type Eviction struct {
	ID           int64     `json:"id"`
	CredentialID string    `json:"credentialId"`
	Failures     int64     `json:"failures"`
	EvictedAt    time.Time `json:"evictedAt"`
}

const sqliteTimeLayout = "2006-01-02 15:04:05.000"

// RecordOutcome appends one terminal ask outcome for a credential.
func (s *Store) RecordOutcome(ctx context.Context, credentialID, outcome string) error {
	if s.db == nil {
		return ErrStoreClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ask_outcomes (credential_id, outcome) VALUES (?, ?)`,
		credentialID, outcome)
	return err
}

// RecordEviction appends one eviction entry for a credential.
func (s *Store) RecordEviction(ctx context.Context, credentialID string, failures int64) error {
	if s.db == nil {
		return ErrStoreClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO evictions (credential_id, failures) VALUES (?, ?)`,
		credentialID, failures)
	return err
}

// UsageSummary returns per-credential outcome totals, most recent first.
func (s *Store) UsageSummary(ctx context.Context) ([]Usage, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT credential_id,
		       COUNT(*),
		       COALESCE(SUM(CASE WHEN outcome = 'completed' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN outcome = 'stall' THEN 1 ELSE 0 END), 0),
		       MAX(recorded_at)
		FROM ask_outcomes
		GROUP BY credential_id
		ORDER BY MAX(recorded_at) DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Usage
	for rows.Next() {
		var u Usage
		var lastSeen string
		if err := rows.Scan(&u.CredentialID, &u.Asks, &u.Completed, &u.Stalls, &lastSeen); err != nil {
			return nil, err
		}
		u.LastSeen, _ = time.Parse(sqliteTimeLayout, lastSeen)
		out = append(out, u)
	}
	return out, rows.Err()
}

// RecentEvictions returns the latest evictions, most recent first.
func (s *Store) RecentEvictions(ctx context.Context, limit int) ([]Eviction, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, credential_id, failures, evicted_at
		FROM evictions
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Eviction
	for rows.Next() {
		var e Eviction
		var evictedAt string
		if err := rows.Scan(&e.ID, &e.CredentialID, &e.Failures, &evictedAt); err != nil {
			return nil, err
		}
		e.EvictedAt, _ = time.Parse(sqliteTimeLayout, evictedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
