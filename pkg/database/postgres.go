package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/davidmoltin/record-automation/pkg/config"
	"github.com/davidmoltin/record-automation/pkg/logger"
	_ "github.com/lib/pq"
	"github.com/sony/gobreaker"
)

// DBTX is the query surface repositories depend on. Both *sql.DB and *PostgresDB satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PostgresDB wraps the connection pool with a circuit breaker
type PostgresDB struct {
	DB             *sql.DB
	circuitBreaker *gobreaker.CircuitBreaker
	logger         *logger.Logger
}

var connectBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
}

// NewPostgresDB opens the connection pool, retrying on the connectBackoff schedule
func NewPostgresDB(cfg *config.Config, log *logger.Logger) (*PostgresDB, error) {
	var lastErr error

	for attempt := range connectBackoff {
		db, err := open(cfg)
		if err == nil {
			log.Info("PostgreSQL connection established",
				logger.String("host", cfg.Database.Host),
				logger.Int("port", cfg.Database.Port),
				logger.String("database", cfg.Database.Database),
				logger.Int("attempt", attempt+1),
			)
			return &PostgresDB{
				DB:             db,
				circuitBreaker: newCircuitBreaker("database", log),
				logger:         log,
			}, nil
		}

		lastErr = err
		log.Warnf("Database connection attempt %d/%d failed: %v", attempt+1, len(connectBackoff), err)
		if attempt < len(connectBackoff)-1 {
			time.Sleep(connectBackoff[attempt])
		}
	}

	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", len(connectBackoff), lastErr)
}

func open(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseDSN())
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// newCircuitBreaker trips after at least 3 requests with a 60% failure ratio
func newCircuitBreaker(name string, log *logger.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			trip := counts.Requests >= 3 && ratio >= 0.6
			if trip {
				log.Errorf("Circuit breaker %s tripping: requests=%d, failures=%d, ratio=%.2f",
					name, counts.Requests, counts.TotalFailures, ratio)
			}
			return trip
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warnf("Circuit breaker %s state changed: %s -> %s", name, from.String(), to.String())
		},
	})
}

// Close closes the database connection
func (p *PostgresDB) Close() error {
	return p.DB.Close()
}

// HealthCheck pings the database without going through the breaker
func (p *PostgresDB) HealthCheck(ctx context.Context) error {
	return p.DB.PingContext(ctx)
}

// ExecContext executes a statement with circuit breaker protection
func (p *PostgresDB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	result, err := p.circuitBreaker.Execute(func() (interface{}, error) {
		return p.DB.ExecContext(ctx, query, args...)
	})
	if err != nil {
		return nil, err
	}
	return result.(sql.Result), nil
}

// QueryContext executes a query with circuit breaker protection
func (p *PostgresDB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	result, err := p.circuitBreaker.Execute(func() (interface{}, error) {
		return p.DB.QueryContext(ctx, query, args...)
	})
	if err != nil {
		return nil, err
	}
	return result.(*sql.Rows), nil
}

// QueryRowContext defers its error to Scan, so it bypasses the breaker
func (p *PostgresDB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return p.DB.QueryRowContext(ctx, query, args...)
}

// IsCircuitBreakerOpen reports whether database calls are currently short-circuited
func (p *PostgresDB) IsCircuitBreakerOpen() bool {
	return p.circuitBreaker.State() == gobreaker.StateOpen
}
