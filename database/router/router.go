// Package router resolves a catalog database identifier to a live
// connection pool, falling back to the default database when the
// identifier is unknown so a mis-registered procedure degrades instead
// of failing.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// ErrNoDefault means the configuration names no default database. This
// is a fatal startup condition, never a per-request error.
var ErrNoDefault = errors.New("no default database configured")

// DatabaseConfig is one entry of the YAML database list.
type DatabaseConfig struct {
	Name           string `yaml:"name"`
	Host           string `yaml:"host"`
	Port           string `yaml:"port"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	Database       string `yaml:"database"`
	Schema         string `yaml:"schema"`
	SSLMode        string `yaml:"sslmode"`
	Default        bool   `yaml:"default"`
	MaxConnections int    `yaml:"max_connections"`
}

// ConnString renders the lib/pq connection string for this entry.
func (c DatabaseConfig) ConnString() string {
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	s := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslmode)
	if c.Schema != "" {
		s += fmt.Sprintf(" search_path=%s,public", c.Schema)
	}
	return s
}

// Router holds the named connection pools. Built once at startup and
// read-only afterwards.
type Router struct {
	conns       map[string]*sqlx.DB
	defaultName string
	log         *slog.Logger
}

// New wires pre-built connections into a router. Used directly by tests;
// Open is the production path.
func New(conns map[string]*sqlx.DB, defaultName string, log *slog.Logger) (*Router, error) {
	if log == nil {
		log = slog.Default()
	}
	if _, ok := conns[defaultName]; !ok {
		return nil, ErrNoDefault
	}
	return &Router{conns: conns, defaultName: defaultName, log: log}, nil
}

// Open connects every configured database, tunes its pool and verifies
// it with a bounded ping. Exactly the databases that ping successfully
// would still be useless if none is the default, so that case fails.
func Open(cfgs []DatabaseConfig, log *slog.Logger) (*Router, error) {
	if log == nil {
		log = slog.Default()
	}
	conns := make(map[string]*sqlx.DB, len(cfgs))
	defaultName := ""

	closeAll := func() {
		for _, db := range conns {
			db.Close()
		}
	}

	for _, cfg := range cfgs {
		db, err := sqlx.Open("postgres", cfg.ConnString())
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("open database %q: %w", cfg.Name, err)
		}

		maxConns := cfg.MaxConnections
		if maxConns <= 0 {
			maxConns = 10
		}
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns / 2)
		db.SetConnMaxLifetime(time.Hour)
		db.SetConnMaxIdleTime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = db.PingContext(ctx)
		cancel()
		if err != nil {
			db.Close()
			closeAll()
			return nil, fmt.Errorf("ping database %q: %w", cfg.Name, err)
		}

		conns[cfg.Name] = db
		if cfg.Default {
			defaultName = cfg.Name
		}
	}

	if defaultName == "" {
		closeAll()
		return nil, ErrNoDefault
	}
	return New(conns, defaultName, log)
}

// For resolves a database identifier. Unknown or empty identifiers fall
// back to the default connection with a logged warning.
func (r *Router) For(databaseID string) *sqlx.DB {
	if databaseID == "" {
		return r.conns[r.defaultName]
	}
	if db, ok := r.conns[databaseID]; ok {
		return db
	}
	r.log.Warn("unknown database id, falling back to default",
		"database_id", databaseID, "default", r.defaultName)
	return r.conns[r.defaultName]
}

// Default returns the default connection.
func (r *Router) Default() *sqlx.DB {
	return r.conns[r.defaultName]
}

// Close closes every pool.
func (r *Router) Close() error {
	var first error
	for name, db := range r.conns {
		if err := db.Close(); err != nil && first == nil {
			first = fmt.Errorf("close database %q: %w", name, err)
		}
	}
	return first
}
