package db

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/oauth2-credentials/internal/credential"
	"github.com/pysugar/oauth2-credentials/internal/db/models"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const apiKeyConfigKey = "api_key"

// Options controls how the credential database is opened.
type Options struct {
	Path string
	// Create allows a missing database file (and its directory) to be created.
	Create bool
	// Debug turns on SQL logging.
	Debug bool
}

// InitDB opens the SQLite credential database and runs migrations.
func InitDB(opts Options) (*gorm.DB, error) {
	if opts.Path == "" {
		return nil, credential.Errorf(credential.KindStoreUnavailable, "database path is empty")
	}

	if opts.Path != ":memory:" {
		if _, err := os.Stat(opts.Path); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, credential.Wrap(credential.KindStoreUnavailable, err, "stat database")
			}
			if !opts.Create {
				return nil, credential.Errorf(credential.KindStoreUnavailable, "database does not exist: %s", opts.Path)
			}
			if err := os.MkdirAll(filepath.Dir(opts.Path), 0o700); err != nil {
				return nil, credential.Wrap(credential.KindStoreUnavailable, err, "create database directory")
			}
		}
	}

	logLevel := logger.Silent
	if opts.Debug {
		logLevel = logger.Info
	}

	db, err := gorm.Open(sqlite.Open(dsn(opts.Path)), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, credential.Wrap(credential.KindStoreUnavailable, err, "open database")
	}

	if err := migrate(db); err != nil {
		return nil, credential.Wrap(credential.KindStoreUnavailable, err, "migrate database")
	}

	return db, nil
}

// accountsSchema is the libaccounts-glib schema, created only when the
// database has no Accounts table yet.
var accountsSchema = []string{
	`CREATE TABLE IF NOT EXISTS Accounts (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT, provider TEXT, enabled INTEGER)`,
	`CREATE TABLE IF NOT EXISTS Services (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL UNIQUE, display TEXT NOT NULL, provider TEXT, type TEXT)`,
	`CREATE TABLE IF NOT EXISTS Settings (account INTEGER NOT NULL, service INTEGER, key TEXT NOT NULL, type TEXT NOT NULL, value BLOB)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_setting ON Settings (account, COALESCE(service, 0), key)`,
	`CREATE TRIGGER IF NOT EXISTS tg_delete_account BEFORE DELETE ON Accounts FOR EACH ROW BEGIN DELETE FROM Settings WHERE account = OLD.id; END`,
}

// migrate leaves the account tables of an existing database alone and only
// migrates the tables this tool owns.
func migrate(db *gorm.DB) error {
	if !db.Migrator().HasTable(&models.Account{}) {
		err := db.Transaction(func(tx *gorm.DB) error {
			for _, stmt := range accountsSchema {
				if err := tx.Exec(stmt).Error; err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("create account tables: %w", err)
		}
		log.Debug().Msg("Created account tables")
	}
	return db.AutoMigrate(&models.Config{})
}

func dsn(path string) string {
	return path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// EnsureAPIKey returns the admin API key, generating one on first use
func EnsureAPIKey(db *gorm.DB) (string, error) {
	var config models.Config
	err := db.Where("key = ?", apiKeyConfigKey).First(&config).Error
	if err == nil {
		return config.Value, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", credential.Wrap(credential.KindStoreUnavailable, err, "load api key")
	}

	apiKey, err := newAPIKey()
	if err != nil {
		return "", err
	}
	if err := db.Create(&models.Config{Key: apiKeyConfigKey, Value: apiKey}).Error; err != nil {
		return "", credential.Wrap(credential.KindStoreUnavailable, err, "store api key")
	}
	log.Info().Msg("🔑 Generated new admin API key")
	return apiKey, nil
}

// GetAPIKey retrieves the API key from database
func GetAPIKey(db *gorm.DB) string {
	var config models.Config
	db.Where("key = ?", apiKeyConfigKey).First(&config)
	return config.Value
}

// RegenerateAPIKey creates a new API key
func RegenerateAPIKey(db *gorm.DB) (string, error) {
	apiKey, err := newAPIKey()
	if err != nil {
		return "", err
	}
	err = db.Save(&models.Config{Key: apiKeyConfigKey, Value: apiKey}).Error
	if err != nil {
		return "", credential.Wrap(credential.KindStoreUnavailable, err, "store api key")
	}
	log.Info().Msg("🔑 Regenerated admin API key")
	return apiKey, nil
}

// newAPIKey builds sk-<32 hex chars>
func newAPIKey() (string, error) {
	keyBytes := make([]byte, 16)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return "sk-" + hex.EncodeToString(keyBytes), nil
}
