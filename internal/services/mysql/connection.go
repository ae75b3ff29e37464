// Package mysql provides the database session and table catalog used by dumps and restores.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"

	"github.com/blastware/sqlrollback/internal/models"
	driver "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"
)

// connectionCollation fixes the session character set so escaped literals round-trip.
const connectionCollation = "utf8mb4_unicode_ci"

// tunnelNet is the network name the SSH dialer is registered under.
const tunnelNet = "sqlrollback+ssh"

// Querier is the subset of *sql.Conn and *sql.DB the engines need.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DialFunc opens a raw connection to addr, e.g. through an SSH tunnel.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Session is a single synchronous connection to the server.
type Session struct {
	db       *sql.DB
	conn     *sql.Conn
	database string
}

// Option customizes Open.
type Option func(*openOptions)

type openOptions struct {
	dial   DialFunc
	logger zerolog.Logger
}

// WithDialer routes the connection through dial instead of plain TCP.
func WithDialer(dial DialFunc) Option {
	return func(o *openOptions) { o.dial = dial }
}

// WithLogger sets the logger used while connecting.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *openOptions) { o.logger = logger }
}

// Open connects to the server described by cfg. Any failure is a *models.FatalError: there is
// no retry and no usable session afterwards.
func Open(ctx context.Context, cfg models.ConnectionConfig, opts ...Option) (*Session, error) {
	o := openOptions{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	dcfg := driverConfig(cfg)
	if o.dial != nil {
		driver.RegisterDialContext(tunnelNet, driver.DialContextFunc(o.dial))
		dcfg.Net = tunnelNet
	}

	o.logger.Debug().
		Str("addr", cfg.Addr()).
		Str("database", cfg.Database).
		Str("user", cfg.Username).
		Bool("tunnel", o.dial != nil).
		Msg("connecting to MySQL")

	connector, err := driver.NewConnector(dcfg)
	if err != nil {
		return nil, &models.FatalError{Op: "connect", Err: err}
	}

	db := sql.OpenDB(connector)
	session, err := NewSession(ctx, db, cfg.Database)
	if err != nil {
		_ = db.Close()
		return nil, &models.FatalError{Op: "connect", Err: fmt.Errorf("connecting to %s: %w", cfg.Addr(), err)}
	}

	o.logger.Info().
		Str("addr", cfg.Addr()).
		Str("database", session.Database()).
		Msg("connected to MySQL")

	return session, nil
}

func driverConfig(cfg models.ConnectionConfig) *driver.Config {
	dcfg := driver.NewConfig()
	dcfg.User = cfg.Username
	dcfg.Passwd = cfg.Password
	dcfg.Net = "tcp"
	dcfg.Addr = cfg.Addr()
	dcfg.DBName = cfg.Database
	dcfg.Collation = connectionCollation
	return dcfg
}

// NewSession pins a single connection of db. database may be empty, in which case the
// server's current schema is looked up.
func NewSession(ctx context.Context, db *sql.DB, database string) (*Session, error) {
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}

	s := &Session{db: db, conn: conn, database: database}
	if s.database == "" {
		var name sql.NullString
		if err := conn.QueryRowContext(ctx, "SELECT DATABASE()").Scan(&name); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("reading current database: %w", err)
		}
		s.database = name.String
	}

	return s, nil
}

// Database returns the schema the session operates on.
func (s *Session) Database() string {
	return s.database
}

// ExecContext executes a statement on the pinned connection.
func (s *Session) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.conn.ExecContext(ctx, query, args...)
}

// QueryContext runs a query on the pinned connection.
func (s *Session) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.conn.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query on the pinned connection.
func (s *Session) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return s.conn.QueryRowContext(ctx, query, args...)
}

// Close releases the connection and the pool behind it.
func (s *Session) Close() error {
	return errors.Join(s.conn.Close(), s.db.Close())
}

// DriverError extracts the server error number, SQLSTATE and message from err if it came from
// the MySQL driver.
func DriverError(err error) (code uint16, state, message string, ok bool) {
	var me *driver.MySQLError
	if !errors.As(err, &me) {
		return 0, "", "", false
	}
	return me.Number, string(me.SQLState[:]), me.Message, true
}
