// Package racelog persists race events to sqlite with a per-session
// hash chain, so protest committees can verify that the evidence
// trail behind an OCS call was not edited after the fact.
package racelog

import (
	"crypto/sha256"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/marlin-data/startline.report/internal/monitoring"
)

// Event types recorded in the log.
const (
	EventSessionStart = "SESSION_START"
	EventOCSDetected  = "OCS_DETECTED"
	EventGunSolve     = "GUN_SOLVE"
	EventModeSwitch   = "MODE_SWITCH"
)

// genesisHash seeds the chain for each session.
var genesisHash = strings.Repeat("0", 64)

type RaceLog struct {
	*sql.DB
}

// schema.sql defines the session and hash-chained event tables.
//
//go:embed schema.sql
var schemaSQL string

// Open opens (creating if necessary) the race log at path.
func Open(path string) (*RaceLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize race log schema: %w", err)
	}
	monitoring.Logf("Race log opened at %s", path)
	return &RaceLog{db}, nil
}

// StartSession creates a new session, records its SESSION_START event,
// and returns the session ID.
func (rl *RaceLog) StartSession(notes string) (string, error) {
	id := uuid.New().String()
	if _, err := rl.Exec(
		`INSERT INTO race_sessions (id, notes) VALUES (?, ?)`, id, notes,
	); err != nil {
		return "", fmt.Errorf("failed to start session: %w", err)
	}
	payload := map[string]any{"notes": notes}
	if err := rl.Record(id, 0, EventSessionStart, 0, payload); err != nil {
		return "", err
	}
	return id, nil
}

// EndSession stamps the session's end time.
func (rl *RaceLog) EndSession(sessionID string) error {
	_, err := rl.Exec(
		`UPDATE race_sessions SET ended_at = UNIXEPOCH('subsec') WHERE id = ?`,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	return nil
}

// Record appends one event to the session's chain. payload must be
// JSON-marshalable.
func (rl *RaceLog) Record(sessionID string, epoch uint64, eventType string, nodeID uint32, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	tx, err := rl.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin event transaction: %w", err)
	}
	defer tx.Rollback()

	prev := genesisHash
	err = tx.QueryRow(
		`SELECT hash FROM race_events WHERE session_id = ? ORDER BY id DESC LIMIT 1`,
		sessionID,
	).Scan(&prev)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read chain head: %w", err)
	}

	hash := chainHash(prev, sessionID, epoch, eventType, nodeID, body)
	if _, err := tx.Exec(
		`INSERT INTO race_events (session_id, epoch, event_type, node_id, payload, prev_hash, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, int64(epoch), eventType, int64(nodeID), string(body), prev, hash,
	); err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return tx.Commit()
}

// chainHash binds an event to its predecessor and its own content.
func chainHash(prev, sessionID string, epoch uint64, eventType string, nodeID uint32, body []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%s|%d|", prev, sessionID, epoch, eventType, nodeID)
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain recomputes the session's hash chain from genesis and
// reports the first broken link, if any. Returns the number of events
// verified.
func (rl *RaceLog) VerifyChain(sessionID string) (int, error) {
	rows, err := rl.Query(
		`SELECT epoch, event_type, node_id, payload, prev_hash, hash
		 FROM race_events WHERE session_id = ? ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to read events: %w", err)
	}
	defer rows.Close()

	prev := genesisHash
	count := 0
	for rows.Next() {
		var (
			epoch, nodeID        int64
			eventType, payload   string
			prevHash, storedHash string
		)
		if err := rows.Scan(&epoch, &eventType, &nodeID, &payload, &prevHash, &storedHash); err != nil {
			return count, fmt.Errorf("failed to scan event: %w", err)
		}
		if prevHash != prev {
			return count, fmt.Errorf("chain broken at event %d: prev_hash mismatch", count+1)
		}
		want := chainHash(prev, sessionID, uint64(epoch), eventType, uint32(nodeID), []byte(payload))
		if want != storedHash {
			return count, fmt.Errorf("chain broken at event %d: payload altered", count+1)
		}
		prev = storedHash
		count++
	}
	return count, rows.Err()
}
