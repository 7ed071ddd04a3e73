// Package database implements the pooled, RLS-scoped Postgres gateway
// every row-level-secured write in the fanout worker goes through.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/lib/pq"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/parsely-labs/docalert-fanout/internal/apperrors"
	"github.com/parsely-labs/docalert-fanout/internal/retry"
	"github.com/parsely-labs/docalert-fanout/internal/telemetry"
)

// uuidPattern accepts any RFC 4122 UUID version. The RLS session variable
// cannot be parameterized by name, only by value, so any caller-supplied
// user id must match this pattern before it reaches a query; this closes
// the injection vector on the session-variable assignment.
var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// Config holds the Postgres connection parameters and pool tuning.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Stats is a read-only snapshot of pool state exposed to internal/status
// and the /diagnostics HTTP route.
type Stats struct {
	OpenConnections int
	InUse           int
	Idle            int
	WaitCount       int64
	LastSuccess     time.Time
	LastError       time.Time
	LastErrorText   string
}

// Gateway owns the process-wide connection pool and all RLS-scoped
// transaction boundaries. It is safe for concurrent use.
type Gateway struct {
	cfg Config

	mu         sync.Mutex
	once       *sync.Once
	db         *sql.DB
	initErr    error
	lastOK     time.Time
	lastErr    time.Time
	lastErrMsg string
}

// New constructs a Gateway. The pool itself is not opened until the first
// call that needs it, so New never fails for connectivity reasons.
func New(cfg Config) *Gateway {
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 20
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}
	return &Gateway{cfg: cfg, once: &sync.Once{}}
}

// ensure lazily opens the pool, single-flighting concurrent callers behind
// a sync.Once. If initialization fails, a fresh Once is swapped in under
// the mutex so the next caller re-attempts instead of the gateway wedging
// forever on a stale failure.
func (g *Gateway) ensure(ctx context.Context) (*sql.DB, error) {
	g.mu.Lock()
	once := g.once
	g.mu.Unlock()

	once.Do(func() {
		logger := telemetry.GetContextualLogger(ctx).WithFields(map[string]interface{}{
			"operation": "database_connection",
		})
		logger.Info("establishing instrumented database connection")

		db, err := otelsql.Open("postgres", g.cfg.DSN,
			otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
		)
		if err != nil {
			g.recordFailure(err)
			return
		}

		db.SetMaxOpenConns(g.cfg.MaxOpenConns)
		db.SetMaxIdleConns(g.cfg.MaxIdleConns)
		db.SetConnMaxLifetime(g.cfg.ConnMaxLifetime)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			g.recordFailure(err)
			return
		}

		if err := otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(semconv.DBSystemPostgreSQL)); err != nil {
			logger.WithError(err).Warn("failed to register database stats metrics")
		}

		g.mu.Lock()
		g.db = db
		g.initErr = nil
		g.lastOK = time.Now()
		g.mu.Unlock()
		logger.Info("database connection established")
	})

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.initErr != nil {
		// Re-arm so a subsequent call retries cleanly.
		g.once = &sync.Once{}
		return nil, g.initErr
	}
	return g.db, nil
}

func (g *Gateway) recordFailure(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initErr = err
	g.lastErr = time.Now()
	g.lastErrMsg = err.Error()
}

// Stats returns a snapshot of pool state for diagnostics.
func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	db := g.db
	snap := Stats{LastSuccess: g.lastOK, LastError: g.lastErr, LastErrorText: g.lastErrMsg}
	g.mu.Unlock()

	if db != nil {
		s := db.Stats()
		snap.OpenConnections = s.OpenConnections
		snap.InUse = s.InUse
		snap.Idle = s.Idle
		snap.WaitCount = s.WaitCount
	}
	return snap
}

// Close shuts down the pool.
func (g *Gateway) Close() error {
	g.mu.Lock()
	db := g.db
	g.mu.Unlock()
	if db == nil {
		return nil
	}
	return db.Close()
}

// Health pings the database with a bounded deadline.
func (g *Gateway) Health(ctx context.Context) error {
	db, err := g.ensure(ctx)
	if err != nil {
		return apperrors.NewDbConnectionError(err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return apperrors.NewDbConnectionError(err)
	}
	return nil
}

// transientRetryConfig: three attempts for connection-class errors, waiting
// 1s and then 2s between them (delays capped at 4s).
var transientRetryConfig = retry.Config{
	MaxAttempts: 3,
	Base:        1 * time.Second,
	Multiplier:  2,
	Max:         4 * time.Second,
}

// classifyTransient matches the SQLSTATE codes and driver error text for
// connection-class failures: connection refused, admin shutdown, "cannot
// connect now", terminated connection.
func classifyTransient(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if ok := errorsAsPQ(err, &pqErr); ok {
		switch pqErr.Code {
		case "57P01", // admin_shutdown
			"57P03", // cannot_connect_now
			"08006", // connection_failure
			"08003", // connection_does_not_exist
			"08001": // sqlclient_unable_to_establish_sqlconnection
			return true
		}
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, substr := range []string{"connection refused", "terminated connection", "cannot connect now", "i/o timeout", "broken pipe"} {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

// errorsAsPQ finds a *pq.Error in err or anywhere down its single-error
// Unwrap chain (any depth of fmt.Errorf("%w", ...) wrapping), so
// classifyTransient reads linearly.
func errorsAsPQ(err error, target **pq.Error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		*target = pqErr
		return true
	}
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return errorsAsPQ(u.Unwrap(), target)
	}
	return false
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505); the notification layer uses it to detect
// dedupe races between concurrent workers.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errorsAsPQ(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// IsUniqueViolation exposes isUniqueViolation to other packages.
func IsUniqueViolation(err error) bool {
	return isUniqueViolation(err)
}

// WithRLSContext validates userID, opens a transaction, sets the
// session-local `app.current_user_id` GUC via a parameterized
// set_config call, runs fn, and commits on success. Any error rolls the
// transaction back. Transient connection errors around the transaction
// boundary are retried.
func (g *Gateway) WithRLSContext(ctx context.Context, userID string, fn func(tx *sql.Tx) error) error {
	if !uuidPattern.MatchString(userID) {
		return apperrors.NewDbPermissionError("set_rls_context",
			fmt.Errorf("user id %q is not a canonical UUID", userID))
	}

	return retry.Do(ctx, transientRetryConfig, classifyTransient, func(ctx context.Context) error {
		db, err := g.ensure(ctx)
		if err != nil {
			return apperrors.NewDbConnectionError(err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return apperrors.NewDbConnectionError(err)
		}

		if _, err := tx.ExecContext(ctx, `SELECT set_config('app.current_user_id', $1, true)`, userID); err != nil {
			_ = tx.Rollback()
			return apperrors.NewDbPermissionError("set_rls_context", err)
		}

		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}

		if err := tx.Commit(); err != nil {
			return apperrors.NewDbQueryError("commit", err)
		}

		g.mu.Lock()
		g.lastOK = time.Now()
		g.mu.Unlock()
		return nil
	})
}

// Query runs a non-RLS read query with transient retry.
func (g *Gateway) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	var rows *sql.Rows
	err := retry.Do(ctx, transientRetryConfig, classifyTransient, func(ctx context.Context) error {
		db, err := g.ensure(ctx)
		if err != nil {
			return apperrors.NewDbConnectionError(err)
		}
		rows, err = db.QueryContext(ctx, query, args...)
		if err != nil {
			return apperrors.NewDbQueryError(query, err)
		}
		return nil
	})
	return rows, err
}

// Exec runs a non-RLS statement with transient retry.
func (g *Gateway) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := retry.Do(ctx, transientRetryConfig, classifyTransient, func(ctx context.Context) error {
		db, err := g.ensure(ctx)
		if err != nil {
			return apperrors.NewDbConnectionError(err)
		}
		result, err = db.ExecContext(ctx, query, args...)
		if err != nil {
			return apperrors.NewDbQueryError(query, err)
		}
		return nil
	})
	return result, err
}
