package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"iter"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"supertask/internal/errors"
	"supertask/internal/models"
)

// Dialect captures what differs between the SQL backends.
type Dialect struct {
	Name      string
	migration string
	numbered  bool   // $1 placeholders instead of ?
	rowLock   string // appended to single-row reads inside a write transaction
	claimLock string // appended to the claim candidate query
	refresh   bool   // REFRESH TABLE after writes for read-your-writes
	qualified bool   // schema.table naming
	simple    bool   // simple query protocol on the wire
}

var (
	Postgres    = Dialect{Name: "postgres", migration: "postgres.sql", numbered: true, rowLock: " FOR UPDATE", claimLock: " FOR UPDATE SKIP LOCKED", qualified: true}
	CockroachDB = Dialect{Name: "cockroachdb", migration: "postgres.sql", numbered: true, rowLock: " FOR UPDATE", claimLock: " FOR UPDATE", qualified: true}
	CrateDB     = Dialect{Name: "crate", migration: "crate.sql", numbered: true, refresh: true, qualified: true, simple: true}
	SQLite      = Dialect{Name: "sqlite", migration: "sqlite.sql"}
)

const jobColumns = "namespace, id, name, description, enabled, trigger_expr, payload, next_fire_at, version, origin, created_at, updated_at"

const executionColumns = "id, job_namespace, job_id, scheduled_for, started_at, ended_at, outcome, error_detail"

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLStore implements Store on database/sql. Rows are keyed by
// (namespace, id); every write checks the version column.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	schema  string
	table   string
	jobs    string
	execs   string
	timeout time.Duration
	now     func() time.Time
}

// NewSQL wraps an open database. It does not create tables; call Migrate.
func NewSQL(db *sql.DB, d Dialect, schema, table string, timeout time.Duration) (*SQLStore, error) {
	if !identifier.MatchString(table) {
		return nil, errors.Newf("invalid table name %q", table)
	}
	if d.qualified && !identifier.MatchString(schema) {
		return nil, errors.Newf("invalid schema name %q", schema)
	}
	s := &SQLStore{
		db:      db,
		dialect: d,
		schema:  schema,
		table:   table,
		jobs:    table,
		execs:   table + "_executions",
		timeout: timeout,
		now:     time.Now,
	}
	if d.qualified {
		s.jobs = schema + "." + table
		s.execs = schema + "." + table + "_executions"
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) Get(ctx context.Context, namespace, id string) (models.Job, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, s.q("SELECT "+jobColumns+" FROM "+s.jobs+" WHERE namespace = ? AND id = ?"), namespace, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, notFound(namespace, id)
	}
	if err != nil {
		return models.Job{}, s.fail(err, "get job")
	}
	return job, nil
}

// List streams rows while the caller ranges, holding a connection until the
// loop ends. Collect first when mutating inside the loop.
func (s *SQLStore) List(ctx context.Context, namespace string, filter Filter) iter.Seq2[models.Job, error] {
	return func(yield func(models.Job, error) bool) {
		query := "SELECT " + jobColumns + " FROM " + s.jobs + " WHERE namespace = ?"
		args := []any{namespace}
		if filter.Enabled != nil {
			query += " AND enabled = ?"
			args = append(args, *filter.Enabled)
		}
		if filter.Origin != "" {
			query += " AND origin = ?"
			args = append(args, filter.Origin)
		}
		query += " ORDER BY id"

		ctx, cancel := s.withTimeout(ctx)
		defer cancel()
		rows, err := s.db.QueryContext(ctx, s.q(query), args...)
		if err != nil {
			yield(models.Job{}, s.fail(err, "list jobs"))
			return
		}
		defer rows.Close()
		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				yield(models.Job{}, s.fail(err, "scan job"))
				return
			}
			if !yield(job, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(models.Job{}, s.fail(err, "list jobs"))
		}
	}
}

func (s *SQLStore) Upsert(ctx context.Context, job models.Job, expected *int64) (models.Job, error) {
	if err := validateKey(job.Namespace, job.ID); err != nil {
		return models.Job{}, err
	}
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return models.Job{}, errors.Wrap(err, "marshal payload")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Job{}, s.fail(err, "begin tx")
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var have, created int64
	exists := true
	err = tx.QueryRowContext(ctx, s.q("SELECT version, created_at FROM "+s.jobs+" WHERE namespace = ? AND id = ?"+s.dialect.rowLock),
		job.Namespace, job.ID).Scan(&have, &created)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return models.Job{}, s.fail(err, "read job version")
	}
	if expected != nil && *expected != have {
		return models.Job{}, conflict(job.Namespace, job.ID, *expected, have)
	}

	now := fromMillis(s.now().UnixMilli())
	job = cloneJob(job)
	job.Version = have + 1
	job.UpdatedAt = now

	if exists {
		job.CreatedAt = fromMillis(created)
		res, err := tx.ExecContext(ctx, s.q("UPDATE "+s.jobs+` SET name = ?, description = ?, enabled = ?, trigger_expr = ?, payload = ?,
			next_fire_at = ?, version = ?, origin = ?, updated_at = ? WHERE namespace = ? AND id = ? AND version = ?`),
			job.Name, job.Description, job.Enabled, job.Trigger, string(payload),
			nullMillis(job.NextFireAt), job.Version, job.Origin, now.UnixMilli(), job.Namespace, job.ID, have)
		if err != nil {
			return models.Job{}, s.fail(err, "update job")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return models.Job{}, conflict(job.Namespace, job.ID, have, have+1)
		}
	} else {
		job.CreatedAt = now
		_, err := tx.ExecContext(ctx, s.q("INSERT INTO "+s.jobs+" ("+jobColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"),
			job.Namespace, job.ID, job.Name, job.Description, job.Enabled, job.Trigger, string(payload),
			nullMillis(job.NextFireAt), job.Version, job.Origin, now.UnixMilli(), now.UnixMilli())
		if uniqueViolation(err) {
			return models.Job{}, conflict(job.Namespace, job.ID, have, 1)
		}
		if err != nil {
			return models.Job{}, s.fail(err, "insert job")
		}
	}

	if err := tx.Commit(); err != nil {
		return models.Job{}, s.fail(err, "commit")
	}
	if err := s.refresh(ctx, s.jobs); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

func (s *SQLStore) Delete(ctx context.Context, namespace, id string, expected *int64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := "DELETE FROM " + s.jobs + " WHERE namespace = ? AND id = ?"
	args := []any{namespace, id}
	if expected != nil {
		query += " AND version = ?"
		args = append(args, *expected)
	}
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return s.fail(err, "delete job")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return s.refresh(ctx, s.jobs)
	}

	var have int64
	err = s.db.QueryRowContext(ctx, s.q("SELECT version FROM "+s.jobs+" WHERE namespace = ? AND id = ?"), namespace, id).Scan(&have)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(namespace, id)
	}
	if err != nil {
		return s.fail(err, "read job version")
	}
	var want int64
	if expected != nil {
		want = *expected
	}
	return conflict(namespace, id, want, have)
}

func (s *SQLStore) DeleteAll(ctx context.Context, namespace string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := "DELETE FROM " + s.jobs
	var args []any
	if namespace != AllNamespaces {
		query += " WHERE namespace = ?"
		args = append(args, namespace)
	}
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return 0, s.fail(err, "delete jobs")
	}
	n, _ := res.RowsAffected()
	if err := s.refresh(ctx, s.jobs); err != nil {
		return int(n), err
	}
	return int(n), nil
}

// ClaimDue selects candidates inside one transaction and advances each with
// a version-guarded UPDATE, so a row already advanced by a concurrent
// claimer is skipped rather than fired twice.
func (s *SQLStore) ClaimDue(ctx context.Context, now time.Time, limit int, advance AdvanceFunc) ([]Claim, error) {
	if limit <= 0 {
		return nil, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.fail(err, "begin tx")
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	rows, err := tx.QueryContext(ctx, s.q("SELECT "+jobColumns+" FROM "+s.jobs+
		" WHERE enabled = ? AND next_fire_at IS NOT NULL AND next_fire_at <= ?"+
		" ORDER BY next_fire_at, namespace, id LIMIT ?"+s.dialect.claimLock),
		true, now.UnixMilli(), limit)
	if err != nil {
		return nil, s.fail(err, "select due jobs")
	}
	var due []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, s.fail(err, "scan due job")
		}
		due = append(due, job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, s.fail(err, "select due jobs")
	}
	rows.Close()

	updated := fromMillis(s.now().UnixMilli())
	claims := make([]Claim, 0, len(due))
	for _, job := range due {
		fired := *job.NextFireAt
		next := wholeSecond(advance(job, fired))
		res, err := tx.ExecContext(ctx, s.q("UPDATE "+s.jobs+
			" SET next_fire_at = ?, version = version + 1, updated_at = ? WHERE namespace = ? AND id = ? AND version = ?"),
			nullMillis(next), updated.UnixMilli(), job.Namespace, job.ID, job.Version)
		if err != nil {
			return nil, s.fail(err, "advance due job")
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue
		}
		job.NextFireAt = next
		job.Version++
		job.UpdatedAt = updated
		claims = append(claims, Claim{Job: job, ScheduledFor: fired})
	}

	if err := tx.Commit(); err != nil {
		return nil, s.fail(err, "commit claim")
	}
	if len(claims) > 0 {
		if err := s.refresh(ctx, s.jobs); err != nil {
			return claims, err
		}
	}
	return claims, nil
}

func (s *SQLStore) NextFireAt(ctx context.Context) (*time.Time, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var next sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.q("SELECT MIN(next_fire_at) FROM "+s.jobs+" WHERE enabled = ? AND next_fire_at IS NOT NULL"), true).Scan(&next)
	if err != nil {
		return nil, s.fail(err, "query next fire time")
	}
	if !next.Valid {
		return nil, nil
	}
	t := fromMillis(next.Int64)
	return &t, nil
}

func (s *SQLStore) RecordExecution(ctx context.Context, rec models.Execution) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var detail sql.NullString
	if rec.ErrorDetail != nil {
		detail = sql.NullString{String: *rec.ErrorDetail, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.q("INSERT INTO "+s.execs+" ("+executionColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)"),
		rec.ID, rec.JobNamespace, rec.JobID, rec.ScheduledFor.UnixMilli(), rec.StartedAt.UnixMilli(), rec.EndedAt.UnixMilli(), rec.Outcome, detail)
	if err != nil {
		return s.fail(err, "insert execution")
	}
	return s.refresh(ctx, s.execs)
}

func (s *SQLStore) FinishExecution(ctx context.Context, rec models.Execution) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var detail sql.NullString
	if rec.ErrorDetail != nil {
		detail = sql.NullString{String: *rec.ErrorDetail, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, s.q("UPDATE "+s.execs+" SET ended_at = ?, outcome = ?, error_detail = ? WHERE id = ? AND outcome = ?"),
		rec.EndedAt.UnixMilli(), rec.Outcome, detail, rec.ID, models.OutcomeRunning)
	if err != nil {
		return s.fail(err, "finish execution")
	}
	if n, err := res.RowsAffected(); err != nil {
		return s.fail(err, "finish execution")
	} else if n == 0 {
		return executionNotFound(rec.ID)
	}
	return s.refresh(ctx, s.execs)
}

func (s *SQLStore) ListExecutions(ctx context.Context, namespace, id string, limit int) ([]models.Execution, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := "SELECT " + executionColumns + " FROM " + s.execs +
		" WHERE job_namespace = ? AND job_id = ? ORDER BY scheduled_for DESC, started_at DESC"
	args := []any{namespace, id}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, s.fail(err, "list executions")
	}
	defer rows.Close()

	var out []models.Execution
	for rows.Next() {
		var rec models.Execution
		var scheduled, started, ended int64
		var detail sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobNamespace, &rec.JobID, &scheduled, &started, &ended, &rec.Outcome, &detail); err != nil {
			return nil, s.fail(err, "scan execution")
		}
		rec.ScheduledFor = fromMillis(scheduled)
		rec.StartedAt = fromMillis(started)
		rec.EndedAt = fromMillis(ended)
		if detail.Valid {
			msg := detail.String
			rec.ErrorDetail = &msg
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(err, "list executions")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var name, description, origin sql.NullString
	var payload string
	var next sql.NullInt64
	var created, updated int64
	if err := row.Scan(&job.Namespace, &job.ID, &name, &description, &job.Enabled, &job.Trigger, &payload,
		&next, &job.Version, &origin, &created, &updated); err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal([]byte(payload), &job.Payload); err != nil {
		return models.Job{}, errors.Wrapf(err, "unmarshal payload of %s/%s", job.Namespace, job.ID)
	}
	job.Name = name.String
	job.Description = description.String
	job.Origin = origin.String
	if next.Valid {
		t := fromMillis(next.Int64)
		job.NextFireAt = &t
	}
	job.CreatedAt = fromMillis(created)
	job.UpdatedAt = fromMillis(updated)
	return job, nil
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if ms := millisPtr(t); ms != nil {
		return sql.NullInt64{Int64: *ms, Valid: true}
	}
	return sql.NullInt64{}
}

func (s *SQLStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// q rewrites ? placeholders for dialects that number them.
func (s *SQLStore) q(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) refresh(ctx context.Context, table string) error {
	if !s.dialect.refresh {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, "REFRESH TABLE "+table); err != nil {
		return s.fail(err, "refresh "+table)
	}
	return nil
}

// fail wraps err with op and marks it ErrStoreUnavailable when retrying later
// could succeed.
func (s *SQLStore) fail(err error, op string) error {
	wrapped := errors.Wrapf(err, "%s %s", s.dialect.Name, op)
	if transient(err) {
		return errors.Mark(wrapped, errors.ErrStoreUnavailable)
	}
	return wrapped
}

func transient(err error) bool {
	if errors.IsAny(err, context.DeadlineExceeded, driver.ErrBadConn, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization failure, deadlock, connection exceptions, admin shutdown
		return pgErr.Code == "40001" || pgErr.Code == "40P01" || strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "57P01"
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return false
}

func uniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" || strings.Contains(pgErr.Message, "DuplicateKey")
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
