package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pulsecrm/automation-engine/pkg/config"
	"github.com/pulsecrm/automation-engine/pkg/logger"
	"github.com/sony/gobreaker"

	_ "github.com/lib/pq"
)

// PostgresDB wraps the database connection
type PostgresDB struct {
	DB             *sql.DB
	circuitBreaker *gobreaker.CircuitBreaker
	logger         *logger.Logger
}

// NewPostgresDB creates a new PostgreSQL database connection with retry logic
func NewPostgresDB(cfg *config.Config, log *logger.Logger) (*PostgresDB, error) {
	dsn := cfg.DatabaseDSN()

	backoff := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		5 * time.Second,
		10 * time.Second,
	}

	var db *sql.DB
	var err error

	for attempt := 0; attempt < len(backoff); attempt++ {
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			log.Warnf("Database connection attempt %d/%d failed: %v", attempt+1, len(backoff), err)
			if attempt < len(backoff)-1 {
				time.Sleep(backoff[attempt])
			}
			continue
		}

		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = db.PingContext(ctx)
		cancel()

		if err == nil {
			log.Info("PostgreSQL connection established",
				logger.String("host", cfg.Database.Host),
				logger.Int("port", cfg.Database.Port),
				logger.String("database", cfg.Database.Database),
				logger.Int("attempt", attempt+1),
			)

			return &PostgresDB{
				DB:             db,
				circuitBreaker: initCircuitBreaker(log),
				logger:         log,
			}, nil
		}

		db.Close()
		log.Warnf("Database ping attempt %d/%d failed: %v", attempt+1, len(backoff), err)

		if attempt < len(backoff)-1 {
			time.Sleep(backoff[attempt])
		}
	}

	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", len(backoff), err)
}

// initCircuitBreaker creates and configures a circuit breaker for database operations
func initCircuitBreaker(log *logger.Logger) *gobreaker.CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        "database",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warnf("Circuit breaker state changed: %s -> %s", from.String(), to.String())
		},
	}

	return gobreaker.NewCircuitBreaker(settings)
}

// Close closes the database connection
func (p *PostgresDB) Close() error {
	return p.DB.Close()
}

// HealthCheck performs a health check on the database
func (p *PostgresDB) HealthCheck(ctx context.Context) error {
	// Bypass the breaker: health checks are what decide health
	return p.DB.PingContext(ctx)
}

// Stats returns database statistics
func (p *PostgresDB) Stats() sql.DBStats {
	return p.DB.Stats()
}

// ExecContext executes a query with circuit breaker protection
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

// QueryRowContext executes a query that returns a single row.
// The error is deferred until Scan() is called, so the breaker cannot wrap it.
func (p *PostgresDB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return p.DB.QueryRowContext(ctx, query, args...)
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (p *PostgresDB) IsCircuitBreakerOpen() bool {
	return p.circuitBreaker.State() == gobreaker.StateOpen
}
