// Package journal keeps a history of boot attempts in a SQLite database.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/deploymenttheory/go-espboot/internal/logging"
)

// ErrNotFound is returned by Get for an unknown boot ID.
var ErrNotFound = errors.New("boot attempt not found")

// Entry is one recorded boot attempt.
type Entry struct {
	BootID     string    `json:"boot_id" yaml:"boot_id"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	Chip       string    `json:"chip" yaml:"chip"`
	Source     string    `json:"source" yaml:"source"`
	State      string    `json:"state" yaml:"state"`
	StartIndex int       `json:"start_index" yaml:"start_index"`
	BootIndex  int       `json:"boot_index" yaml:"boot_index"`
	Offset     uint32    `json:"offset" yaml:"offset"`
	ImageLen   uint32    `json:"image_len" yaml:"image_len"`
	EntryAddr  uint32    `json:"entry_addr" yaml:"entry_addr"`
	Attempts   int       `json:"attempts" yaml:"attempts"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// Journal stores boot attempts.
type Journal struct {
	db  *sql.DB
	log logrus.FieldLogger
}

// Open creates or opens the journal database at path.
func Open(ctx context.Context, path string, logger logrus.FieldLogger) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	j := &Journal{db: db, log: logging.Component(logger, "journal")}
	if err := j.createTables(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) createTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS boots (
		boot_id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		chip TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		start_index INTEGER NOT NULL,
		boot_index INTEGER NOT NULL,
		part_offset INTEGER NOT NULL DEFAULT 0,
		image_len INTEGER NOT NULL DEFAULT 0,
		entry_addr INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_boots_started_at ON boots(started_at);
	CREATE INDEX IF NOT EXISTS idx_boots_state ON boots(state);
	`
	if _, err := j.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close releases the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record stores a boot attempt. Recording the same boot ID twice replaces
// the earlier entry.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.BootID == "" {
		return errors.New("boot ID is required")
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO boots
		(boot_id, started_at, chip, source, state, start_index, boot_index, part_offset, image_len, entry_addr, attempts, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.BootID, e.StartedAt.UnixMilli(), e.Chip, e.Source, e.State, e.StartIndex, e.BootIndex,
		int64(e.Offset), int64(e.ImageLen), int64(e.EntryAddr), e.Attempts, e.Error)
	if err != nil {
		return fmt.Errorf("failed to record boot %s: %w", e.BootID, err)
	}
	j.log.WithFields(logrus.Fields{"boot_id": e.BootID, "state": e.State}).Debug("boot attempt recorded")
	return nil
}

const selectColumns = `SELECT boot_id, started_at, chip, source, state, start_index, boot_index,
	part_offset, image_len, entry_addr, attempts, error FROM boots`

// List returns the most recent attempts first. A limit of zero or less
// returns every attempt.
func (j *Journal) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx, selectColumns+` ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query boots: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read boots: %w", err)
	}
	return entries, nil
}

// Get returns the attempt with the given boot ID.
func (j *Journal) Get(ctx context.Context, bootID string) (Entry, error) {
	e, err := scanEntry(j.db.QueryRowContext(ctx, selectColumns+` WHERE boot_id = ?`, bootID))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%s: %w", bootID, ErrNotFound)
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e                          Entry
		startedAt                  int64
		offset, imageLen, entryPtr int64
	)
	err := s.Scan(&e.BootID, &startedAt, &e.Chip, &e.Source, &e.State, &e.StartIndex, &e.BootIndex,
		&offset, &imageLen, &entryPtr, &e.Attempts, &e.Error)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("failed to scan boot: %w", err)
	}
	e.StartedAt = time.UnixMilli(startedAt)
	e.Offset = uint32(offset)
	e.ImageLen = uint32(imageLen)
	e.EntryAddr = uint32(entryPtr)
	return e, nil
}
