// Package exec owns the live side of the engine: connection pools against
// target databases, asynchronous cursor-based query execution, progress
// tracking and retained result sets.
package exec

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

// ConnConfig identifies one target PostgreSQL database. ConnString wins
// over the individual fields when set.
type ConnConfig struct {
	ConnString string `mapstructure:"connection_string" json:"connection_string,omitempty"`
	Host       string `mapstructure:"host" json:"host"`
	Port       uint16 `mapstructure:"port" json:"port"`
	Database   string `mapstructure:"database" json:"database"`
	Username   string `mapstructure:"username" json:"username"`
	Password   string `mapstructure:"password" json:"-"`
	SSLMode    string `mapstructure:"ssl_mode" json:"ssl_mode,omitempty"`
	Schema     string `mapstructure:"schema" json:"schema,omitempty"`
	AppName    string `mapstructure:"app_name" json:"app_name,omitempty"`
}

// PoolConfig tunes the pool. Zero values take the defaults.
type PoolConfig struct {
	PoolSize         int           `mapstructure:"pool_size" json:"pool_size"`
	MaxOverflow      int           `mapstructure:"max_overflow" json:"max_overflow"`
	PoolTimeout      time.Duration `mapstructure:"pool_timeout" json:"pool_timeout"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout" json:"statement_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout" json:"idle_timeout"`
}

func (pc PoolConfig) withDefaults() PoolConfig {
	if pc.PoolSize <= 0 {
		pc.PoolSize = 10
	}
	if pc.MaxOverflow < 0 {
		pc.MaxOverflow = 0
	} else if pc.MaxOverflow == 0 {
		pc.MaxOverflow = 5
	}
	if pc.PoolTimeout <= 0 {
		pc.PoolTimeout = 10 * time.Second
	}
	if pc.StatementTimeout <= 0 {
		pc.StatementTimeout = 30 * time.Second
	}
	if pc.IdleTimeout <= 0 {
		pc.IdleTimeout = 30 * time.Minute
	}
	return pc
}

// Stats is a point-in-time view of pool usage.
type Stats struct {
	CreatedAt         time.Time `json:"created_at"`
	TotalAcquisitions uint64    `json:"total_acquisitions"`
	InUse             int       `json:"in_use"`
	Idle              int       `json:"idle"`
	Failures          uint64    `json:"failures"`
	LastUsed          time.Time `json:"last_used,omitempty"`
}

// Pool wraps a database/sql pool with acquisition counters and a verified
// initial connection.
type Pool struct {
	db  *sql.DB
	cfg PoolConfig
	log *zap.SugaredLogger

	createdAt    time.Time
	acquisitions uint64
	failures     uint64

	mu       sync.Mutex
	lastUsed time.Time
}

// connString renders the config into a postgres URL for pgx.ParseConfig.
func (cc ConnConfig) connString() string {
	if cc.ConnString != "" {
		return cc.ConnString
	}
	host := cc.Host
	if host == "" {
		host = "localhost"
	}
	port := cc.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
		Path:   "/" + cc.Database,
	}
	if cc.Username != "" {
		u.User = url.UserPassword(cc.Username, cc.Password)
	}
	q := u.Query()
	if cc.SSLMode != "" {
		q.Set("sslmode", cc.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// NewPool opens a pool and verifies it with a retried ping. The statement
// timeout is pushed down as a session runtime parameter so runaway queries
// die server-side too.
func NewPool(ctx context.Context, cc ConnConfig, pc PoolConfig, log *zap.SugaredLogger) (*Pool, error) {
	pc = pc.withDefaults()

	config, err := pgx.ParseConfig(cc.connString())
	if err != nil {
		return nil, fmt.Errorf("pool: parse config: %w", err)
	}
	if config.RuntimeParams == nil {
		config.RuntimeParams = map[string]string{}
	}
	config.RuntimeParams["statement_timeout"] =
		fmt.Sprintf("%d", pc.StatementTimeout.Milliseconds())
	if cc.Schema != "" {
		config.RuntimeParams["search_path"] = cc.Schema
	}
	if cc.AppName != "" {
		config.RuntimeParams["application_name"] = cc.AppName
	}

	db, err := sql.Open("pgx", stdlib.RegisterConnConfig(config))
	if err != nil {
		return nil, fmt.Errorf("pool: open: %w", err)
	}
	db.SetMaxOpenConns(pc.PoolSize + pc.MaxOverflow)
	db.SetMaxIdleConns(pc.PoolSize)
	db.SetConnMaxIdleTime(pc.IdleTimeout)

	p := &Pool{db: db, cfg: pc, log: log, createdAt: time.Now()}
	if err := p.ping(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return p, nil
}

// NewPoolWithDB wraps an already opened database, used by tests and by the
// introspection path which shares the service's own connection.
func NewPoolWithDB(db *sql.DB, pc PoolConfig, log *zap.SugaredLogger) *Pool {
	return &Pool{db: db, cfg: pc.withDefaults(), log: log, createdAt: time.Now()}
}

func (p *Pool) ping(ctx context.Context) error {
	err := retry.Do(
		func() error {
			pctx, cancel := context.WithTimeout(ctx, p.cfg.PoolTimeout)
			defer cancel()
			var one int
			return p.db.QueryRowContext(pctx, "SELECT 1").Scan(&one)
		},
		retry.Attempts(5),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(error) bool { return ctx.Err() == nil }),
	)
	if err != nil {
		atomic.AddUint64(&p.failures, 1)
		return fmt.Errorf("pool: ping: %w", err)
	}
	return nil
}

// Ping verifies the pool is alive.
func (p *Pool) Ping(ctx context.Context) error { return p.ping(ctx) }

// DB exposes the underlying pool.
func (p *Pool) DB() *sql.DB { return p.db }

// Config returns the effective pool configuration.
func (p *Pool) Config() PoolConfig { return p.cfg }

// StatementTimeout returns the configured per-statement ceiling.
func (p *Pool) StatementTimeout() time.Duration { return p.cfg.StatementTimeout }

// touch records one acquisition.
func (p *Pool) touch() {
	atomic.AddUint64(&p.acquisitions, 1)
	p.mu.Lock()
	p.lastUsed = time.Now()
	p.mu.Unlock()
}

// fail records one failed use.
func (p *Pool) fail() { atomic.AddUint64(&p.failures, 1) }

// Stats reports usage counters merged with driver-level state.
func (p *Pool) Stats() Stats {
	dbs := p.db.Stats()
	p.mu.Lock()
	last := p.lastUsed
	p.mu.Unlock()
	return Stats{
		CreatedAt:         p.createdAt,
		TotalAcquisitions: atomic.LoadUint64(&p.acquisitions),
		InUse:             dbs.InUse,
		Idle:              dbs.Idle,
		Failures:          atomic.LoadUint64(&p.failures),
		LastUsed:          last,
	}
}

// Close shuts the pool down.
func (p *Pool) Close() error { return p.db.Close() }
