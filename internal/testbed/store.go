package testbed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates an unknown testset or evaluation id.
var ErrNotFound = errors.New("not found")

// schemaDDL creates the three testbed tables. Executed once per pool on
// first use; every statement is idempotent.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS testsets (
		tid     TEXT PRIMARY KEY,
		name    TEXT NOT NULL,
		created TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS testset_qa (
		tid TEXT NOT NULL REFERENCES testsets(tid) ON DELETE CASCADE,
		ord INTEGER NOT NULL,
		qa  JSONB NOT NULL,
		PRIMARY KEY (tid, ord)
	)`,
	`CREATE TABLE IF NOT EXISTS evaluations (
		eid          TEXT PRIMARY KEY,
		tid          TEXT NOT NULL REFERENCES testsets(tid) ON DELETE CASCADE,
		evaluated_at TIMESTAMPTZ NOT NULL,
		correctness  DOUBLE PRECISION NOT NULL,
		settings     JSONB NOT NULL,
		report       BYTEA NOT NULL
	)`,
}

// store persists testsets and evaluation reports. It remembers which
// pools already have the schema so the DDL runs once per handle.
type store struct {
	mu       sync.Mutex
	prepared map[*pgxpool.Pool]bool
}

func newStore() *store {
	return &store{prepared: make(map[*pgxpool.Pool]bool)}
}

func (s *store) ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	s.mu.Lock()
	done := s.prepared[pool]
	s.mu.Unlock()
	if done {
		return nil
	}

	for _, ddl := range schemaDDL {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("creating testbed tables: %w", err)
		}
	}

	s.mu.Lock()
	s.prepared[pool] = true
	s.mu.Unlock()
	return nil
}

// newID returns an opaque identifier in the uppercase form testset and
// evaluation ids are surfaced in.
func newID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// upsertQA writes a testset and appends its QA items. An empty tid
// creates a new testset; an existing tid appends to it and refreshes
// name and created. The (new or existing) tid is returned uppercase.
func (s *store) upsertQA(ctx context.Context, pool *pgxpool.Pool, name string, created time.Time, items []QAItem, tid string) (string, error) {
	if err := s.ensureSchema(ctx, pool); err != nil {
		return "", err
	}
	if tid == "" {
		tid = newID()
	} else {
		tid = strings.ToUpper(tid)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("beginning testset upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO testsets (tid, name, created) VALUES ($1, $2, $3)
		 ON CONFLICT (tid) DO UPDATE SET name = EXCLUDED.name, created = EXCLUDED.created`,
		tid, name, created)
	if err != nil {
		return "", fmt.Errorf("upserting testset %s: %w", tid, err)
	}

	var next int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(ord), -1) + 1 FROM testset_qa WHERE tid = $1`, tid).Scan(&next)
	if err != nil {
		return "", fmt.Errorf("counting testset items: %w", err)
	}

	for i, item := range items {
		payload, err := json.Marshal(item)
		if err != nil {
			return "", fmt.Errorf("encoding qa item: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO testset_qa (tid, ord, qa) VALUES ($1, $2, $3)`,
			tid, next+i, payload); err != nil {
			return "", fmt.Errorf("inserting qa item: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("committing testset upsert: %w", err)
	}
	return tid, nil
}

func (s *store) listTestsets(ctx context.Context, pool *pgxpool.Pool) ([]Testset, error) {
	if err := s.ensureSchema(ctx, pool); err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx,
		`SELECT t.tid, t.name, t.created, COUNT(q.ord)
		 FROM testsets t LEFT JOIN testset_qa q ON q.tid = t.tid
		 GROUP BY t.tid, t.name, t.created
		 ORDER BY t.created DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing testsets: %w", err)
	}
	defer rows.Close()

	var out []Testset
	for rows.Next() {
		var ts Testset
		var count int
		if err := rows.Scan(&ts.TID, &ts.Name, &ts.Created, &count); err != nil {
			return nil, fmt.Errorf("scanning testset row: %w", err)
		}
		ts.ItemCount = count
		out = append(out, ts)
	}
	return out, rows.Err()
}

func (s *store) getTestset(ctx context.Context, pool *pgxpool.Pool, tid string) (Testset, error) {
	if err := s.ensureSchema(ctx, pool); err != nil {
		return Testset{}, err
	}
	tid = strings.ToUpper(tid)

	var ts Testset
	err := pool.QueryRow(ctx,
		`SELECT tid, name, created FROM testsets WHERE tid = $1`, tid).
		Scan(&ts.TID, &ts.Name, &ts.Created)
	if errors.Is(err, pgx.ErrNoRows) {
		return Testset{}, fmt.Errorf("testset %s: %w", tid, ErrNotFound)
	}
	if err != nil {
		return Testset{}, fmt.Errorf("reading testset %s: %w", tid, err)
	}

	rows, err := pool.Query(ctx,
		`SELECT qa FROM testset_qa WHERE tid = $1 ORDER BY ord`, tid)
	if err != nil {
		return Testset{}, fmt.Errorf("reading testset items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return Testset{}, fmt.Errorf("scanning qa item: %w", err)
		}
		var item QAItem
		if err := json.Unmarshal(payload, &item); err != nil {
			return Testset{}, fmt.Errorf("decoding qa item: %w", err)
		}
		ts.Items = append(ts.Items, item)
	}
	if err := rows.Err(); err != nil {
		return Testset{}, err
	}
	ts.ItemCount = len(ts.Items)
	return ts, nil
}

func (s *store) deleteTestset(ctx context.Context, pool *pgxpool.Pool, tid string) error {
	if err := s.ensureSchema(ctx, pool); err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, `DELETE FROM testsets WHERE tid = $1`, strings.ToUpper(tid))
	if err != nil {
		return fmt.Errorf("deleting testset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("testset %s: %w", tid, ErrNotFound)
	}
	return nil
}

// insertEvaluation stores the report blob alongside its summary columns.
func (s *store) insertEvaluation(ctx context.Context, pool *pgxpool.Pool, ev Evaluation, settings, blob []byte) error {
	if err := s.ensureSchema(ctx, pool); err != nil {
		return err
	}
	_, err := pool.Exec(ctx,
		`INSERT INTO evaluations (eid, tid, evaluated_at, correctness, settings, report)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.EID, ev.TID, ev.EvaluatedAt, ev.Correctness, settings, blob)
	if err != nil {
		return fmt.Errorf("inserting evaluation %s: %w", ev.EID, err)
	}
	return nil
}

// listEvaluations returns evaluation summaries, newest first. An empty
// tid lists every evaluation; a set one filters to that testset.
func (s *store) listEvaluations(ctx context.Context, pool *pgxpool.Pool, tid string) ([]Evaluation, error) {
	if err := s.ensureSchema(ctx, pool); err != nil {
		return nil, err
	}

	query := `SELECT eid, tid, evaluated_at, correctness FROM evaluations
	 ORDER BY evaluated_at DESC`
	args := []any{}
	if tid != "" {
		query = `SELECT eid, tid, evaluated_at, correctness FROM evaluations
		 WHERE tid = $1 ORDER BY evaluated_at DESC`
		args = append(args, strings.ToUpper(tid))
	}

	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing evaluations: %w", err)
	}
	defer rows.Close()

	var out []Evaluation
	for rows.Next() {
		var ev Evaluation
		if err := rows.Scan(&ev.EID, &ev.TID, &ev.EvaluatedAt, &ev.Correctness); err != nil {
			return nil, fmt.Errorf("scanning evaluation row: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// getReport decodes the stored blob back into the structured report.
func (s *store) getReport(ctx context.Context, pool *pgxpool.Pool, eid string) (Report, error) {
	if err := s.ensureSchema(ctx, pool); err != nil {
		return Report{}, err
	}

	var blob []byte
	err := pool.QueryRow(ctx,
		`SELECT report FROM evaluations WHERE eid = $1`, strings.ToUpper(eid)).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return Report{}, fmt.Errorf("evaluation %s: %w", eid, ErrNotFound)
	}
	if err != nil {
		return Report{}, fmt.Errorf("reading evaluation %s: %w", eid, err)
	}

	var report Report
	if err := json.Unmarshal(blob, &report); err != nil {
		return Report{}, fmt.Errorf("decoding report %s: %w", eid, err)
	}
	return report, nil
}
