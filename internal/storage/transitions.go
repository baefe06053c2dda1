package storage

// transitions.go contains SQLiteStore methods for the profile transition
// history. Each committed profile change is recorded with the reason it
// happened and the profile it replaced.

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// maxTransitions bounds the history table. Oldest rows beyond this are
// pruned inside the same transaction that inserts a new one.
const maxTransitions = 1000

// Transition represents a durable profile transition record.
type Transition struct {
	ID        int64
	RequestID string
	Profile   string
	Previous  string
	Reason    string
	At        time.Time
}

// RecordTransition inserts a transition row and prunes oldest entries
// beyond maxTransitions in a single tx.
func (s *SQLiteStore) RecordTransition(profileName, reason, previous string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	requestID := uuid.NewString()
	at := time.Now().Format(time.RFC3339Nano)

	const insertQuery = `
		INSERT INTO transitions (request_id, profile, previous, reason, at)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := tx.Exec(insertQuery, requestID, profileName, previous, reason, at); err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}

	const pruneQuery = `
		DELETE FROM transitions
		WHERE id NOT IN (SELECT id FROM transitions ORDER BY id DESC LIMIT ?)
	`
	if _, err := tx.Exec(pruneQuery, maxTransitions); err != nil {
		return fmt.Errorf("prune transitions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}

	log.Printf("storage: recorded transition profile=%s reason=%s request_id=%s", profileName, reason, requestID)
	return nil
}

// ListTransitions returns transitions in reverse chronological order (newest first).
func (s *SQLiteStore) ListTransitions(limit int) ([]*Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var query string
	var args []interface{}

	if limit > 0 {
		query = `
			SELECT id, request_id, profile, previous, reason, at
			FROM transitions
			ORDER BY id DESC
			LIMIT ?
		`
		args = append(args, limit)
	} else {
		query = `
			SELECT id, request_id, profile, previous, reason, at
			FROM transitions
			ORDER BY id DESC
		`
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var entries []*Transition
	for rows.Next() {
		var (
			entry Transition
			atStr string
		)
		err := rows.Scan(
			&entry.ID,
			&entry.RequestID,
			&entry.Profile,
			&entry.Previous,
			&entry.Reason,
			&atStr,
		)
		if err != nil {
			return nil, fmt.Errorf("scan transition row: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, atStr)
		if err != nil {
			return nil, fmt.Errorf("parse transition at: %w", err)
		}
		entry.At = t
		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transition rows: %w", err)
	}

	return entries, nil
}

// ProbeWrite verifies transition storage is writable.
// It performs an insert+delete within one transaction to ensure:
// 1) the table exists after migration, and
// 2) writes are currently permitted by the storage backend.
func (s *SQLiteStore) ProbeWrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Format(time.RFC3339Nano)
	res, err := tx.Exec(
		`INSERT INTO transitions (request_id, profile, previous, reason, at)
		  VALUES (?, ?, ?, ?, ?)`,
		"startup-probe",
		"",
		"",
		"startup_writability_check",
		now,
	)
	if err != nil {
		return fmt.Errorf("insert probe row: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM transitions WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete probe row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit probe: %w", err)
	}
	return nil
}
