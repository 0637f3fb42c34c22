// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package sqldb backs the transaction machinery with database/sql. A Driver
// pins one connection out of a pool and implements dbtx.Connection on it,
// emulating an autocommit switch the way the SQL backends behave: in manual
// mode every statement runs inside a transaction that is begun lazily and, on
// commit or rollback, a fresh one takes its place on the next statement.
//
// The savepoint SQL differs per backend; Dialect captures the variants for
// PostgreSQL, MySQL and SQL Server.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/google/uuid"

	"github.com/featurebasedb/dbtx"
	"github.com/featurebasedb/dbtx/errors"
	"github.com/featurebasedb/dbtx/logger"
	"github.com/featurebasedb/dbtx/testhook"
)

// Driver names understood by DialectFor. They match the names the
// underlying database/sql drivers register themselves under.
const (
	DriverPostgres  = "postgres"
	DriverMySQL     = "mysql"
	DriverSQLServer = "sqlserver"
)

// ErrUnknownDriver means no dialect is known for the requested driver or
// DSN.
const ErrUnknownDriver errors.Code = "UnknownDriver"

// Dialect holds the transaction control SQL for one backend.
type Dialect struct {
	Name string

	savepointFmt string
	releaseFmt   string
	rollbackFmt  string
}

var (
	DialectPostgres = Dialect{
		Name:         DriverPostgres,
		savepointFmt: "SAVEPOINT %s",
		releaseFmt:   "RELEASE SAVEPOINT %s",
		rollbackFmt:  "ROLLBACK TO SAVEPOINT %s",
	}
	DialectMySQL = Dialect{
		Name:         DriverMySQL,
		savepointFmt: "SAVEPOINT %s",
		releaseFmt:   "RELEASE SAVEPOINT %s",
		rollbackFmt:  "ROLLBACK TO SAVEPOINT %s",
	}
	// SQL Server has no RELEASE; savepoints vanish with the transaction.
	DialectSQLServer = Dialect{
		Name:         DriverSQLServer,
		savepointFmt: "SAVE TRANSACTION %s",
		rollbackFmt:  "ROLLBACK TRANSACTION %s",
	}
)

// DialectFor returns the dialect for a database/sql driver name.
func DialectFor(driverName string) (Dialect, error) {
	switch driverName {
	case DriverPostgres:
		return DialectPostgres, nil
	case DriverMySQL:
		return DialectMySQL, nil
	case DriverSQLServer, "mssql":
		return DialectSQLServer, nil
	}
	return Dialect{}, errors.New(ErrUnknownDriver, fmt.Sprintf("no dialect for driver '%s'", driverName))
}

// SavepointSQL returns the statement creating the savepoint.
func (d Dialect) SavepointSQL(sid string) string {
	return fmt.Sprintf(d.savepointFmt, sid)
}

// ReleaseSQL returns the statement releasing the savepoint, or ok false when
// the backend has no release.
func (d Dialect) ReleaseSQL(sid string) (_ string, ok bool) {
	if d.releaseFmt == "" {
		return "", false
	}
	return fmt.Sprintf(d.releaseFmt, sid), true
}

// RollbackToSQL returns the statement rewinding to the savepoint.
func (d Dialect) RollbackToSQL(sid string) string {
	return fmt.Sprintf(d.rollbackFmt, sid)
}

// Driver implements dbtx.Connection on a pinned database/sql connection.
// Like the rest of the transaction machinery it expects a single thread of
// control.
type Driver struct {
	db   *sql.DB
	conn *sql.Conn
	tx   *sql.Tx

	autocommit bool
	dialect    Dialect
	txOptions  *sql.TxOptions
	ownsDB     bool

	sidPrefix string
	sidState  int

	logger  logger.Logger
	auditor testhook.Auditor
}

var _ dbtx.Connection = (*Driver)(nil)

// DriverOption is a functional option for NewDriver and Open.
type DriverOption func(d *Driver) error

// OptDriverLogger sets the logger used for statement-level debug logging.
func OptDriverLogger(l logger.Logger) DriverOption {
	return func(d *Driver) error {
		d.logger = l
		return nil
	}
}

// OptDriverAuditor installs an auditor that tracks the driver's lifetime.
func OptDriverAuditor(a testhook.Auditor) DriverOption {
	return func(d *Driver) error {
		d.auditor = a
		return nil
	}
}

// OptDriverDialect overrides the dialect inferred from the driver name.
func OptDriverDialect(dialect Dialect) DriverOption {
	return func(d *Driver) error {
		d.dialect = dialect
		return nil
	}
}

// OptDriverTxOptions sets the options used when beginning transactions.
func OptDriverTxOptions(txo *sql.TxOptions) DriverOption {
	return func(d *Driver) error {
		d.txOptions = txo
		return nil
	}
}

// NewDriver pins a connection from db and wraps it. The driver starts in
// autocommit mode. driverName picks the dialect; see DialectFor.
func NewDriver(ctx context.Context, db *sql.DB, driverName string, opts ...DriverOption) (*Driver, error) {
	dialect, err := DialectFor(driverName)
	if err != nil {
		return nil, err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "pinning connection")
	}
	d := &Driver{
		db:         db,
		conn:       conn,
		autocommit: true,
		dialect:    dialect,
		sidPrefix:  newSavepointPrefix(),
		logger:     logger.NopLogger,
		auditor:    testhook.NewNopAuditor(),
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	if err := d.auditor.Opened(d); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return d, nil
}

// Open opens a pool for dsn with the named database/sql driver and pins a
// connection from it. Closing the driver closes the pool too.
func Open(ctx context.Context, driverName, dsn string, opts ...DriverOption) (*Driver, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	d, err := NewDriver(ctx, db, driverName, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	d.ownsDB = true
	return d, nil
}

// OpenDSN is Open with the driver inferred from the DSN's scheme.
func OpenDSN(ctx context.Context, dsn string, opts ...DriverOption) (*Driver, error) {
	driverName, connString, err := driverForDSN(dsn)
	if err != nil {
		return nil, err
	}
	return Open(ctx, driverName, connString, opts...)
}

// driverForDSN maps a URL-style DSN to a driver name and the string that
// driver wants. The mysql driver takes a bare DSN, so the scheme is
// stripped; the others accept the URL whole.
func driverForDSN(dsn string) (driverName, connString string, err error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return DriverPostgres, dsn, nil
	case strings.HasPrefix(dsn, "mysql://"):
		return DriverMySQL, strings.TrimPrefix(dsn, "mysql://"), nil
	case strings.HasPrefix(dsn, "sqlserver://"):
		return DriverSQLServer, dsn, nil
	}
	return "", "", errors.New(ErrUnknownDriver, fmt.Sprintf("cannot infer driver from dsn '%s'", RedactDSN(dsn)))
}

// RedactDSN hides everything after the scheme so credentials stay out of
// error messages and reports.
func RedactDSN(dsn string) string {
	if i := strings.Index(dsn, "://"); i >= 0 {
		return dsn[:i+3] + "..."
	}
	if len(dsn) > 8 {
		return dsn[:8] + "..."
	}
	return dsn
}

// DB returns the underlying pool, mainly for its Stats.
func (d *Driver) DB() *sql.DB { return d.db }

// Dialect returns the dialect in use.
func (d *Driver) Dialect() Dialect { return d.dialect }

// Ping checks the pinned connection.
func (d *Driver) Ping(ctx context.Context) error {
	if d.conn == nil {
		return errors.Errorf("connection is closed")
	}
	return d.conn.PingContext(ctx)
}

func (d *Driver) GetAutocommit() bool { return d.autocommit }

// SetAutocommit switches between autocommit and manual mode. Entering
// manual mode begins a transaction right away when forceBegin is set and on
// the first statement otherwise. Enabling autocommit while a transaction is
// open commits it, the way backends treat SET autocommit=1.
func (d *Driver) SetAutocommit(ctx context.Context, autocommit, forceBegin bool) error {
	if !autocommit {
		d.autocommit = false
		if forceBegin {
			return d.ensureTx(ctx)
		}
		return nil
	}
	if d.tx != nil {
		err := d.tx.Commit()
		d.tx = nil
		if err != nil {
			return errors.Wrap(err, "committing on autocommit enable")
		}
		d.logger.Debugf("COMMIT")
	}
	d.autocommit = true
	return nil
}

// Commit commits the current transaction. In manual mode the next statement
// begins a new one. With no transaction begun yet there is nothing to
// commit.
func (d *Driver) Commit(ctx context.Context) error {
	if d.tx == nil {
		return nil
	}
	err := d.tx.Commit()
	d.tx = nil
	if err != nil {
		return errors.Wrap(err, "committing transaction")
	}
	d.logger.Debugf("COMMIT")
	return nil
}

// Rollback rolls back the current transaction. In manual mode the next
// statement begins a new one.
func (d *Driver) Rollback(ctx context.Context) error {
	if d.tx == nil {
		return nil
	}
	err := d.tx.Rollback()
	d.tx = nil
	if err != nil {
		return errors.Wrap(err, "rolling back transaction")
	}
	d.logger.Debugf("ROLLBACK")
	return nil
}

// Close rolls back any open transaction, releases the pinned connection
// and, if Open created the pool, closes that too.
func (d *Driver) Close() error {
	if d.conn == nil {
		return nil
	}
	if d.tx != nil {
		_ = d.tx.Rollback()
		d.tx = nil
	}
	err := d.conn.Close()
	d.conn = nil
	if d.ownsDB {
		if derr := d.db.Close(); err == nil {
			err = derr
		}
	}
	if aerr := d.auditor.Closed(d); err == nil {
		err = aerr
	}
	if err != nil {
		return errors.Wrap(err, "closing sql connection")
	}
	return nil
}

// Savepoint creates a savepoint, beginning the transaction first if it is
// still pending.
func (d *Driver) Savepoint(ctx context.Context) (string, error) {
	if err := d.ensureTx(ctx); err != nil {
		return "", err
	}
	sid := d.nextSavepointID()
	stmt := d.dialect.SavepointSQL(sid)
	if _, err := d.tx.ExecContext(ctx, stmt); err != nil {
		return "", errors.Wrapf(err, "creating savepoint %s", sid)
	}
	d.logger.Debugf("%s", stmt)
	return sid, nil
}

// SavepointCommit releases the savepoint. On backends without a release
// statement it does nothing.
func (d *Driver) SavepointCommit(ctx context.Context, sid string) error {
	stmt, ok := d.dialect.ReleaseSQL(sid)
	if !ok {
		return nil
	}
	if d.tx == nil {
		return errors.Errorf("no open transaction")
	}
	if _, err := d.tx.ExecContext(ctx, stmt); err != nil {
		return errors.Wrapf(err, "releasing savepoint %s", sid)
	}
	d.logger.Debugf("%s", stmt)
	return nil
}

// SavepointRollback rewinds the transaction to the savepoint.
func (d *Driver) SavepointRollback(ctx context.Context, sid string) error {
	if d.tx == nil {
		return errors.Errorf("no open transaction")
	}
	stmt := d.dialect.RollbackToSQL(sid)
	if _, err := d.tx.ExecContext(ctx, stmt); err != nil {
		return errors.Wrapf(err, "rolling back to savepoint %s", sid)
	}
	d.logger.Debugf("%s", stmt)
	return nil
}

// CleanSavepoints resets savepoint id generation.
func (d *Driver) CleanSavepoints() {
	d.sidState = 0
}

// ExecContext runs query on the pinned connection, inside the current
// transaction when one is open or pending. This is the raw surface; Session
// adds the guards that keep a poisoned transaction from executing.
func (d *Driver) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if !d.autocommit {
		if err := d.ensureTx(ctx); err != nil {
			return nil, err
		}
		return d.tx.ExecContext(ctx, query, args...)
	}
	return d.conn.ExecContext(ctx, query, args...)
}

// QueryContext is ExecContext for row-returning statements.
func (d *Driver) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	if !d.autocommit {
		if err := d.ensureTx(ctx); err != nil {
			return nil, err
		}
		return d.tx.QueryContext(ctx, query, args...)
	}
	return d.conn.QueryContext(ctx, query, args...)
}

// QueryRowContext queries a single row. Unlike database/sql it can fail
// before reaching the server, when beginning the pending transaction fails.
func (d *Driver) QueryRowContext(ctx context.Context, query string, args ...interface{}) (*sql.Row, error) {
	if !d.autocommit {
		if err := d.ensureTx(ctx); err != nil {
			return nil, err
		}
		return d.tx.QueryRowContext(ctx, query, args...), nil
	}
	return d.conn.QueryRowContext(ctx, query, args...), nil
}

// ensureTx begins the transaction manual mode promises. No-op under
// autocommit or when one is already open.
func (d *Driver) ensureTx(ctx context.Context) error {
	if d.autocommit || d.tx != nil {
		return nil
	}
	if d.conn == nil {
		return errors.Errorf("connection is closed")
	}
	tx, err := d.conn.BeginTx(ctx, d.txOptions)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	d.logger.Debugf("BEGIN")
	d.tx = tx
	return nil
}

func (d *Driver) nextSavepointID() string {
	d.sidState++
	return fmt.Sprintf("s%s_x%d", d.sidPrefix, d.sidState)
}

// newSavepointPrefix returns a short random identifier chunk, so savepoint
// names from different drivers on the same server cannot collide.
func newSavepointPrefix() string {
	return fmt.Sprintf("%x", uuid.New())[:8]
}
