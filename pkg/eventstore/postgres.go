package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"cloud.google.com/go/civil"
	"github.com/audira/catalog-metrics/pkg/metrics"
	"github.com/lib/pq"
)

// Schema creates the tables used by PostgresStore
const Schema = `
CREATE TABLE IF NOT EXISTS metric_facts (
	seq          BIGSERIAL PRIMARY KEY,
	id           UUID NOT NULL UNIQUE,
	subject_type TEXT NOT NULL,
	subject_id   BIGINT NOT NULL,
	kind         TEXT NOT NULL,
	occurred_on  DATE NOT NULL,
	value        NUMERIC(18, 4) NOT NULL CHECK (value >= 0),
	currency     TEXT,
	source       TEXT,
	ingested_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS metric_facts_subject_date
	ON metric_facts (subject_type, subject_id, occurred_on, seq);

CREATE TABLE IF NOT EXISTS metric_totals (
	subject_type TEXT NOT NULL,
	subject_id   BIGINT NOT NULL,
	kind         TEXT NOT NULL,
	facts        BIGINT NOT NULL DEFAULT 0,
	sum          NUMERIC(24, 4) NOT NULL DEFAULT 0,
	PRIMARY KEY (subject_type, subject_id, kind)
);

CREATE TABLE IF NOT EXISTS metric_retention (
	singleton     BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (singleton),
	purged_before DATE NOT NULL DEFAULT '0001-01-01'
);

INSERT INTO metric_retention DEFAULT VALUES ON CONFLICT (singleton) DO NOTHING;
`

// PostgresStore keeps facts in PostgreSQL. The running total for a
// (subject, kind) is updated in the same transaction as the fact insert.
type PostgresStore struct {
	db        *sql.DB
	opts      Options
	listeners listeners
}

// NewPostgresStore wraps an open database handle
func NewPostgresStore(db *sql.DB, opts Options) *PostgresStore {
	return &PostgresStore{db: db, opts: opts.withDefaults()}
}

// Migrate creates the schema if it does not exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return storeError("migrate", err)
}

// storeError maps driver errors onto the error taxonomy. Values the database
// refuses to store are invalid facts; lost connections and server-side
// pressure are transient. Anything else is returned as is and not retried.
func storeError(op string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return metrics.WrapStoreError(op, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23": // data exception, integrity constraint violation
			return fmt.Errorf("%s: %w: %v", op, metrics.ErrInvalidFact, err)
		case "08", "40", "53", "57": // connection, rollback, resources, operator intervention
			return fmt.Errorf("%s: %w: %v", op, metrics.ErrUpstreamUnavailable, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, metrics.ErrUpstreamUnavailable, err)
}

// Append validates and records a fact
func (s *PostgresStore) Append(ctx context.Context, fact metrics.Fact) error {
	f, err := prepare(fact, s.opts)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin append", err)
	}
	defer tx.Rollback()

	// FOR SHARE holds off a concurrent purge until this fact is committed
	var purgedBefore time.Time
	err = tx.QueryRowContext(ctx, `SELECT purged_before FROM metric_retention FOR SHARE`).Scan(&purgedBefore)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return storeError("read retention cutoff", err)
	default:
		if err := checkCutoff(f, civil.DateOf(purgedBefore.UTC())); err != nil {
			return err
		}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO metric_facts (id, subject_type, subject_id, kind, occurred_on, value, currency, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`,
		f.ID, string(f.Subject.Type), f.Subject.ID, string(f.Kind),
		f.OccurredOn.In(time.UTC), f.Value, nullString(f.Currency), nullString(f.Source),
	)
	if err != nil {
		return storeError("insert fact", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return storeError("insert fact", err)
	}
	if inserted == 0 {
		// Redelivered fact
		return storeError("commit append", tx.Commit())
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO metric_totals (subject_type, subject_id, kind, facts, sum)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (subject_type, subject_id, kind) DO UPDATE SET
			facts = metric_totals.facts + 1,
			sum = metric_totals.sum + EXCLUDED.sum
	`, string(f.Subject.Type), f.Subject.ID, string(f.Kind), f.Value)
	if err != nil {
		return storeError("update total", err)
	}

	if err := tx.Commit(); err != nil {
		return storeError("commit append", err)
	}

	s.listeners.notify(f.Subject, f.OccurredOn)
	return nil
}

// FactsFor streams the subject's facts inside the range from a cursor
func (s *PostgresStore) FactsFor(ctx context.Context, subject metrics.SubjectRef, r metrics.DateRange) iter.Seq2[metrics.Fact, error] {
	return func(yield func(metrics.Fact, error) bool) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, kind, occurred_on, value, COALESCE(currency, ''), COALESCE(source, '')
			FROM metric_facts
			WHERE subject_type = $1 AND subject_id = $2
			  AND occurred_on >= $3 AND occurred_on <= $4
			ORDER BY occurred_on ASC, seq ASC
		`, string(subject.Type), subject.ID, r.Start.In(time.UTC), r.End.In(time.UTC))
		if err != nil {
			yield(metrics.Fact{}, storeError("query facts", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				f          metrics.Fact
				kind       string
				occurredOn time.Time
			)
			if err := rows.Scan(&f.ID, &kind, &occurredOn, &f.Value, &f.Currency, &f.Source); err != nil {
				yield(metrics.Fact{}, storeError("scan fact", err))
				return
			}
			f.Subject = subject
			f.Kind = metrics.Kind(kind)
			f.OccurredOn = civil.DateOf(occurredOn.UTC())
			if !yield(f, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(metrics.Fact{}, storeError("iterate facts", err))
		}
	}
}

// TotalForSubject reads the maintained running total
func (s *PostgresStore) TotalForSubject(ctx context.Context, subject metrics.SubjectRef, kind metrics.Kind) (metrics.Total, error) {
	var t metrics.Total
	err := s.db.QueryRowContext(ctx, `
		SELECT facts, sum FROM metric_totals
		WHERE subject_type = $1 AND subject_id = $2 AND kind = $3
	`, string(subject.Type), subject.ID, string(kind)).Scan(&t.Facts, &t.Sum)
	if errors.Is(err, sql.ErrNoRows) {
		return metrics.Total{}, nil
	}
	if err != nil {
		return metrics.Total{}, storeError("query total", err)
	}
	return t, nil
}

// Purge raises the retention cutoff and drops facts dated before it in one
// transaction
func (s *PostgresStore) Purge(ctx context.Context, before civil.Date) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeError("begin purge", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO metric_retention (singleton, purged_before) VALUES (TRUE, $1)
		ON CONFLICT (singleton) DO UPDATE SET
			purged_before = GREATEST(metric_retention.purged_before, EXCLUDED.purged_before)
	`, before.In(time.UTC))
	if err != nil {
		return 0, storeError("raise retention cutoff", err)
	}

	rows, err := tx.QueryContext(ctx, `
		DELETE FROM metric_facts
		WHERE occurred_on < $1
		RETURNING subject_type, subject_id, occurred_on
	`, before.In(time.UTC))
	if err != nil {
		return 0, storeError("purge facts", err)
	}
	defer rows.Close()

	removed := 0
	seen := make(map[bucket]struct{})
	for rows.Next() {
		var (
			subjectType string
			subjectID   int64
			occurredOn  time.Time
		)
		if err := rows.Scan(&subjectType, &subjectID, &occurredOn); err != nil {
			return 0, storeError("scan purged fact", err)
		}
		removed++
		seen[bucket{
			subject: metrics.SubjectRef{Type: metrics.SubjectType(subjectType), ID: subjectID},
			date:    civil.DateOf(occurredOn.UTC()),
		}] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return 0, storeError("purge facts", err)
	}
	if err := rows.Close(); err != nil {
		return 0, storeError("purge facts", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storeError("commit purge", err)
	}

	for b := range seen {
		s.listeners.notify(b.subject, b.date)
	}
	return removed, nil
}

// Subscribe registers a change listener. Only changes made through this
// instance are reported.
func (s *PostgresStore) Subscribe(fn Listener) {
	s.listeners.add(fn)
}

// HealthCheck pings the database
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return storeError("ping", s.db.PingContext(ctx))
}

// Helper function to convert empty strings to NULL
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
