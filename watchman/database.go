package watchman

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
		"pragma busy_timeout = 5000;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion.
//
// Fields:
//   - CreatedAt: The timestamp when the record was created, stored in milliseconds.
//   - UpdatedAt: The timestamp when the record was last updated, stored in milliseconds.
//   - DeletedAt: The timestamp when the record was deleted, stored as a gorm.DeletedAt type.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey;autoIncrement" json:"id"`
}

// database wraps a GORM connection for write operations.
//
// When using SQLite, writes are serialized with a mutex, so concurrent
// command handlers and the poller don't trip over SQLITE_BUSY. With
// PostgreSQL, enableConcurrentWrites is set and the mutex is skipped.
// Every operation gets a default timeout if the context has no deadline.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

func newDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) *database {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) Lock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Lock()
}

func (d *database) Unlock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Unlock()
}

// session returns a *gorm.DB bound to ctx, adding dbOperationTimeout
// when ctx has no deadline of its own.
func (d *database) session(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return d.db.WithContext(ctx), func() {}
	}
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	return d.db.WithContext(ctx), cancel
}

// Read returns a session for read-only queries. Reads don't take the
// write lock.
func (d *database) Read(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	return d.session(ctx)
}

func (d *database) Create(ctx context.Context, value any) (
	rowsAffected int64,
	err error,
) {
	d.Lock()
	defer d.Unlock()
	db, cancel := d.session(ctx)
	defer cancel()

	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

// UpdatesWhere applies values to every row of model matching the given
// conditions, returning the number of rows changed. Callers use
// RowsAffected as the result of a compare-and-set.
func (d *database) UpdatesWhere(
	ctx context.Context,
	model any,
	values map[string]any,
	query any,
	conds ...any,
) (rowsAffected int64, err error) {
	d.Lock()
	defer d.Unlock()
	db, cancel := d.session(ctx)
	defer cancel()

	rv := db.Model(model).Where(query, conds...).Updates(values)
	return rv.RowsAffected, rv.Error
}

// DeleteWhere soft-deletes rows of model matching the given conditions.
func (d *database) DeleteWhere(
	ctx context.Context,
	model any,
	query any,
	conds ...any,
) (rowsAffected int64, err error) {
	d.Lock()
	defer d.Unlock()
	db, cancel := d.session(ctx)
	defer cancel()

	rv := db.Where(query, conds...).Delete(model)
	return rv.RowsAffected, rv.Error
}

// PurgeWhere permanently deletes rows of model matching the given
// conditions, including soft-deleted rows.
func (d *database) PurgeWhere(
	ctx context.Context,
	model any,
	query any,
	conds ...any,
) (rowsAffected int64, err error) {
	d.Lock()
	defer d.Unlock()
	db, cancel := d.session(ctx)
	defer cancel()

	rv := db.Unscoped().Where(query, conds...).Delete(model)
	return rv.RowsAffected, rv.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) error {
	d.Lock()
	defer d.Unlock()
	db, cancel := d.session(ctx)
	defer cancel()

	return db.Transaction(fc, opts...)
}

// CreateDB initializes and returns a GORM database connection based on the
// specified database type, and migrates the schema.
//
// Parameters:
//   - ctx: The context for the database operations.
//   - databaseType: The type of the database, must be 'sqlite' or 'postgres'.
//   - database: The database connection string, or SQLite file path.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	level := &slog.LevelVar{}
	level.Set(slog.LevelWarn)
	return openDB(
		ctx,
		databaseType,
		database,
		newLogHandler("", level),
		DefaultDatabaseSlowThreshold,
	)
}

// openDB connects to and migrates the database, logging queries to
// handler.
func openDB(
	ctx context.Context,
	databaseType string,
	database string,
	handler slog.Handler,
	slowThreshold time.Duration,
) (*gorm.DB, error) {
	gormLogger := newGORMLogger(handler, slowThreshold)
	dbLogger := slog.New(handler).With(loggerNameKey, "database")

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}
	if err = configureDB(ctx, db, databaseType); err != nil {
		return db, err
	}
	if err = migrateDB(ctx, db); err != nil {
		return db, err
	}
	return db, nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
//
// Parameters:
//   - databaseType: Must be 'sqlite' or 'postgres'
//   - database: Database connection string, or SQLite file path.
//   - gormLogger: A pointer to a gormStructuredLogger instance for
//     logging database operations.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(
			sqlite.Open(database),
			&gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	case dbTypePostgres:
		return gorm.Open(
			postgres.Open(database), &gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// configureDB limits SQLite to a single connection and applies
// sqliteExecPragma. It's a no-op for PostgreSQL.
func configureDB(ctx context.Context, db *gorm.DB, databaseType string) error {
	if databaseType != dbTypeSQLite {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

	pragmaErrors := make([]error, 0, len(sqliteExecPragma))
	for _, p := range sqliteExecPragma {
		pragmaErrors = append(
			pragmaErrors,
			db.WithContext(ctx).Exec(p).Error,
		)
	}
	return errors.Join(pragmaErrors...)
}

func migrateDB(ctx context.Context, db *gorm.DB) error {
	txn := db.WithContext(ctx).Begin()
	if err := txn.Migrator().AutoMigrate(&Reminder{}); err != nil {
		txn.Rollback()
		return fmt.Errorf("error migrating database: %w", err)
	}
	if err := txn.Commit().Error; err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}
	return nil
}
