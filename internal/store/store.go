package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/elonfeng/drugradar/pkg/event"
)

// Batch is everything one lookup writes. It is committed atomically.
type Batch struct {
	Direction    event.Direction
	Key          string
	Observations []event.Observation
	Summary      []event.SummaryCount
}

// Stats holds row counts per table.
type Stats struct {
	Drugs          int `json:"drugs" db:"drugs"`
	Reactions      int `json:"reactions" db:"reactions"`
	Observations   int `json:"observations" db:"observations"`
	DrugCounts     int `json:"drug_reaction_counts" db:"drug_counts"`
	ReactionCounts int `json:"reaction_drug_counts" db:"reaction_counts"`
}

// Store is the persistence interface.
type Store interface {
	SaveLookup(ctx context.Context, b Batch) error

	TopAttributes(ctx context.Context, dir event.Direction, subject string, limit int) ([]event.SummaryCount, error)
	ReportIDs(ctx context.Context, dir event.Direction, subject string, limit int) ([]string, error)
	GenderCounts(ctx context.Context, dir event.Direction, subject string) ([]event.GenderCount, error)
	AgeBands(ctx context.Context, dir event.Direction, subject string) ([]event.AgeBand, error)
	Observations(ctx context.Context, dir event.Direction, subject string, limit int) ([]event.Observation, error)
	Searched(ctx context.Context, dir event.Direction) ([]string, error)
	Stats(ctx context.Context) (Stats, error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// New opens a SQLite database and creates missing tables.
func New(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func tablesFor(dir event.Direction) (tables, error) {
	switch dir {
	case event.ByDrug:
		return drugTables, nil
	case event.ByReaction:
		return reactionTables, nil
	}
	return tables{}, fmt.Errorf("unknown direction %q", dir)
}

// SaveLookup writes the registry entry, observations and summary rows of
// one lookup in a single transaction. Duplicate observations are ignored.
// Summary rows are only written when the subject has none yet.
func (s *SQLiteStore) SaveLookup(ctx context.Context, b Batch) error {
	t, err := tablesFor(b.Direction)
	if err != nil {
		return err
	}
	if b.Key == "" {
		return fmt.Errorf("save lookup: empty key")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO "+t.registry+" (name, searched_at) VALUES (?, ?)",
		b.Key, s.now()); err != nil {
		return fmt.Errorf("register %s %s: %w", b.Direction, b.Key, err)
	}

	if len(b.Observations) > 0 {
		stmt, err := tx.PreparexContext(ctx, `
			INSERT OR IGNORE INTO observations (report_id, drug, reaction, age, gender)
			VALUES (?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("prepare observation insert: %w", err)
		}
		defer stmt.Close()

		for _, o := range b.Observations {
			if _, err := stmt.ExecContext(ctx, o.ReportID, o.Drug, o.Reaction, o.Age, o.Gender); err != nil {
				return fmt.Errorf("insert observation %s: %w", o.ReportID, err)
			}
		}
	}

	if len(b.Summary) > 0 {
		var existing int
		if err := tx.GetContext(ctx, &existing,
			"SELECT COUNT(*) FROM "+t.counts+" WHERE "+t.subjectCol+" = ?", b.Key); err != nil {
			return fmt.Errorf("check summary %s: %w", b.Key, err)
		}
		if existing == 0 {
			insert := "INSERT INTO " + t.counts + " (" + t.subjectCol + ", " + t.attrCol +
				", report_count, position) VALUES (?, ?, ?, ?)"
			for i, c := range b.Summary {
				if _, err := tx.ExecContext(ctx, insert, b.Key, c.Attribute, c.Count, i); err != nil {
					return fmt.Errorf("insert summary %s/%s: %w", b.Key, c.Attribute, err)
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit lookup %s: %w", b.Key, err)
	}
	return nil
}

// TopAttributes returns the highest counts for subject, ties in upstream order.
func (s *SQLiteStore) TopAttributes(ctx context.Context, dir event.Direction, subject string, limit int) ([]event.SummaryCount, error) {
	t, err := tablesFor(dir)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	query := "SELECT " + t.subjectCol + " AS subject, " + t.attrCol + " AS attribute, " +
		"report_count AS count, position AS rank FROM " + t.counts +
		" WHERE " + t.subjectCol + " = ? ORDER BY report_count DESC, position ASC LIMIT ?"

	var rows []event.SummaryCount
	if err := s.db.SelectContext(ctx, &rows, query, subject, limit); err != nil {
		return nil, fmt.Errorf("top %s for %s: %w", t.attrCol, subject, err)
	}
	return rows, nil
}

// ReportIDs returns up to limit distinct report ids for subject, in the
// order they were first stored.
func (s *SQLiteStore) ReportIDs(ctx context.Context, dir event.Direction, subject string, limit int) ([]string, error) {
	t, err := tablesFor(dir)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	var ids []string
	err = s.db.SelectContext(ctx, &ids,
		"SELECT report_id FROM observations WHERE "+t.subjectCol+" = ? GROUP BY report_id ORDER BY MIN(id) LIMIT ?",
		subject, limit)
	if err != nil {
		return nil, fmt.Errorf("report ids for %s: %w", subject, err)
	}
	return ids, nil
}

// GenderCounts returns distinct report counts per gender code for subject.
func (s *SQLiteStore) GenderCounts(ctx context.Context, dir event.Direction, subject string) ([]event.GenderCount, error) {
	t, err := tablesFor(dir)
	if err != nil {
		return nil, err
	}

	var rows []event.GenderCount
	err = s.db.SelectContext(ctx, &rows,
		"SELECT gender, COUNT(DISTINCT report_id) AS reports FROM observations WHERE "+t.subjectCol+
			" = ? GROUP BY gender ORDER BY reports DESC, gender ASC",
		subject)
	if err != nil {
		return nil, fmt.Errorf("gender counts for %s: %w", subject, err)
	}
	return rows, nil
}

// AgeBands returns distinct report counts per ten-year age band for subject.
func (s *SQLiteStore) AgeBands(ctx context.Context, dir event.Direction, subject string) ([]event.AgeBand, error) {
	t, err := tablesFor(dir)
	if err != nil {
		return nil, err
	}

	var rows []event.AgeBand
	err = s.db.SelectContext(ctx, &rows, `
		SELECT CASE WHEN age <= 0 THEN -1 ELSE CAST(age / 10 AS INTEGER) * 10 END AS band,
		       COUNT(DISTINCT report_id) AS reports
		FROM observations WHERE `+t.subjectCol+` = ?
		GROUP BY band ORDER BY band ASC`,
		subject)
	if err != nil {
		return nil, fmt.Errorf("age bands for %s: %w", subject, err)
	}
	return rows, nil
}

// Observations returns stored observations for subject in insertion order.
func (s *SQLiteStore) Observations(ctx context.Context, dir event.Direction, subject string, limit int) ([]event.Observation, error) {
	t, err := tablesFor(dir)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}

	var rows []event.Observation
	err = s.db.SelectContext(ctx, &rows,
		"SELECT report_id, drug, reaction, age, gender FROM observations WHERE "+t.subjectCol+
			" = ? ORDER BY id LIMIT ?",
		subject, limit)
	if err != nil {
		return nil, fmt.Errorf("observations for %s: %w", subject, err)
	}
	return rows, nil
}

// Searched lists every registered name for dir.
func (s *SQLiteStore) Searched(ctx context.Context, dir event.Direction) ([]string, error) {
	t, err := tablesFor(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	if err := s.db.SelectContext(ctx, &names, "SELECT name FROM "+t.registry+" ORDER BY name"); err != nil {
		return nil, fmt.Errorf("list %s: %w", t.registry, err)
	}
	return names, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.GetContext(ctx, &st, `
		SELECT
			(SELECT COUNT(*) FROM drugs) AS drugs,
			(SELECT COUNT(*) FROM reactions) AS reactions,
			(SELECT COUNT(*) FROM observations) AS observations,
			(SELECT COUNT(*) FROM drug_reaction_counts) AS drug_counts,
			(SELECT COUNT(*) FROM reaction_drug_counts) AS reaction_counts`)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}
