// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cotxd/cotxd/cotx"
	"github.com/cotxd/cotxd/server/db"
)

// Driver implements db.Driver.
type Driver struct{}

// Open creates the DB backend, returning the Archivist.
func (d *Driver) Open(ctx context.Context, cfg any) (db.Archivist, error) {
	switch c := cfg.(type) {
	case *Config:
		return NewArchiver(ctx, c)
	case Config:
		return NewArchiver(ctx, &c)
	default:
		return nil, fmt.Errorf("invalid config type %T", cfg)
	}
}

// UseLogger sets the package-wide logger for the registered DB Driver.
func (*Driver) UseLogger(logger cotx.Logger) {
	UseLogger(logger)
}

func init() {
	db.Register("pg", &Driver{})
}

const (
	defaultQueryTimeout = 20 * time.Minute
)

// Config holds the Archiver's configuration.
type Config struct {
	Host, Port, User, Pass, DBName string
	HidePGConfig                   bool
	QueryTimeout                   time.Duration
}

// Archiver must implement server/db.Archivist.
type Archiver struct {
	ctx          context.Context
	queryTimeout time.Duration
	db           *sql.DB
	dbName       string
}

// NewArchiver constructs a new Archiver. Use Close when done with the
// Archiver.
func NewArchiver(ctx context.Context, cfg *Config) (*Archiver, error) {
	// Connect to the PostgreSQL daemon and return the *sql.DB.
	sqlDB, err := connect(cfg.Host, cfg.Port, cfg.User, cfg.Pass, cfg.DBName)
	if err != nil {
		return nil, err
	}

	// Put the PostgreSQL time zone in UTC.
	var initTZ string
	initTZ, err = checkCurrentTimeZone(sqlDB)
	if err != nil {
		return nil, err
	}
	if initTZ != "UTC" {
		log.Infof("Switching PostgreSQL time zone to UTC for this session.")
		if _, err = sqlDB.Exec(`SET TIME ZONE UTC`); err != nil {
			return nil, fmt.Errorf("failed to set time zone to UTC: %w", err)
		}
	}

	// Display the postgres version.
	pgVersion, err := retrievePGVersion(sqlDB)
	if err != nil {
		return nil, err
	}
	log.Info(pgVersion)

	queryTimeout := cfg.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}

	archiver := &Archiver{
		ctx:          ctx,
		db:           sqlDB,
		dbName:       cfg.DBName,
		queryTimeout: queryTimeout,
	}

	// Optionally log key server settings.
	if err = archiver.checkServerSettings(cfg.HidePGConfig); err != nil {
		return nil, err
	}

	// Ensure all tables required by the proposal coordinator are ready.
	if err = prepareTables(sqlDB); err != nil {
		return nil, err
	}

	return archiver, nil
}

// Close closes the underlying DB connection.
func (a *Archiver) Close() error {
	return a.db.Close()
}

// queryCtx derives a query context with the archiver's query timeout from
// the caller's context.
func (a *Archiver) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.queryTimeout)
}
