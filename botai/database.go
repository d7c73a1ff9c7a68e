package botai

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	adminCredentialID = 1
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
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with Unix timestamps (in
// milliseconds) for creation and update.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// ActiveChannel is one row of the 'database' registry backend
type ActiveChannel struct {
	ChannelID string `gorm:"primaryKey" json:"channel_id"`
	Persona   string `gorm:"not null" json:"persona"`
	ModelUnixTime
}

// AdminCredential holds the argon2id hash of the admin API token.
// There is only ever one row.
type AdminCredential struct {
	ModelUintID
	TokenHash string `gorm:"not null" json:"-" log:"[redacted]"`
	ModelUnixTime
}

// CreateDB opens the database and runs migrations. It's used by the
// `init` command, before a full Config is available.
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
) (*gorm.DB, error) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)
	dbLogger := slog.New(handler)
	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	return openDB(ctx, databaseType, database, newGORMLogger(handler, DefaultDatabaseSlowThreshold))
}

// openDB connects to the database, applies connection settings and
// migrates all models.
func openDB(
	ctx context.Context,
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if databaseType == dbTypeSQLite {
		sqlDB, dbErr := db.DB()
		if dbErr != nil {
			return nil, fmt.Errorf("error getting database connection: %w", dbErr)
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

		pragmaErrors := make([]error, 0, len(sqliteExecPragma))
		for _, p := range sqliteExecPragma {
			pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
		}
		if pragmaErr := errors.Join(pragmaErrors...); pragmaErr != nil {
			return nil, pragmaErr
		}
	}

	err = db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			return tx.Migrator().AutoMigrate(
				&ActiveChannel{},
				&AdminCredential{},
				&InteractionLog{},
			)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error migrating database: %w", err)
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
	cfg := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		if parentDir := filepath.Dir(database); parentDir != "" {
			if err := os.MkdirAll(parentDir, 0o755); err != nil {
				return nil, err
			}
		}
		return gorm.Open(sqlite.Open(database), cfg)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), cfg)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// SetAdminToken stores the hash of the admin API token, replacing any
// previous one.
func SetAdminToken(ctx context.Context, db *gorm.DB, tokenHash string) error {
	cred := AdminCredential{
		ModelUintID: ModelUintID{ID: adminCredentialID},
		TokenHash:   tokenHash,
	}
	return db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"token_hash", "updated_at"}),
		},
	).Create(&cred).Error
}

// adminTokenHash returns the stored admin token hash, or an empty
// string if `init` hasn't been run.
func adminTokenHash(ctx context.Context, db *gorm.DB) (string, error) {
	var cred AdminCredential
	err := db.WithContext(ctx).Where("id = ?", adminCredentialID).Limit(1).Find(&cred).Error
	if err != nil {
		return "", err
	}
	return cred.TokenHash, nil
}

// AdminTokenConfigured reports whether an admin API token has been stored
func AdminTokenConfigured(ctx context.Context, db *gorm.DB) (bool, error) {
	hash, err := adminTokenHash(ctx, db)
	if err != nil {
		return false, err
	}
	return hash != "", nil
}
