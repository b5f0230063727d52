package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Remote backends selectable with REMOTE_BACKEND.
const (
	BackendDrive = "drive"
	BackendS3    = "s3"
	BackendDir   = "dir"
)

// Config holds all environment-based configuration for ledger-sync.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// LogFile adds a rotating file sink next to stdout when set.
	LogFile string `env:"LOG_FILE"`

	// Local database. Defaults to ~/.ledger-sync/ledger.db.
	DBPath string `env:"LEDGER_DB_PATH"`

	// Directory for the mirror copy and quarantined files. Defaults to
	// <db dir>/backup.
	BackupDir string `env:"LEDGER_BACKUP_DIR"`

	// bbolt file holding the credential and sync history. Defaults to
	// ~/.ledger-sync/state.db.
	StatePath string `env:"STATE_PATH"`

	Backend    string `env:"REMOTE_BACKEND" envDefault:"drive"`
	RemoteName string `env:"REMOTE_BACKUP_NAME" envDefault:"ledger-backup.db"`
	MetaName   string `env:"REMOTE_META_NAME" envDefault:"ledger-backup-meta.json"`

	// Google Drive app data folder (REMOTE_BACKEND=drive)
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`

	// S3 or an S3-compatible service (REMOTE_BACKEND=s3). Empty keys fall
	// back to the default AWS credential chain.
	S3Bucket          string `env:"S3_BUCKET"`
	S3Prefix          string `env:"S3_PREFIX"`
	S3Region          string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Endpoint        string `env:"S3_ENDPOINT"`
	S3AccessKeyID     string `env:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"S3_SECRET_ACCESS_KEY"`

	// Local or mounted folder (REMOTE_BACKEND=dir)
	RemoteDir string `env:"REMOTE_DIR"`

	HTTPConnectTimeout time.Duration `env:"HTTP_CONNECT_TIMEOUT" envDefault:"15s"`
	HTTPReadTimeout    time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"25s"`

	// Quiet period before the watcher syncs a changed database.
	AutoSyncDebounce time.Duration `env:"AUTO_SYNC_DEBOUNCE" envDefault:"3s"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// The sync lock and the mirror are keyed by path, so relative and
	// absolute spellings of the same file must agree.
	for _, p := range []*string{&cfg.DBPath, &cfg.BackupDir, &cfg.StatePath, &cfg.RemoteDir, &cfg.LogFile} {
		if *p == "" {
			continue
		}

		abs, err := filepath.Abs(*p)
		if err != nil {
			return nil, fmt.Errorf("resolving %s to absolute path: %w", *p, err)
		}

		*p = abs
	}

	return cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.DBPath != "" && c.StatePath != "" {
		if c.BackupDir == "" {
			c.BackupDir = filepath.Join(filepath.Dir(c.DBPath), "backup")
		}

		return nil
	}

	home, err := DefaultHome()
	if err != nil {
		return err
	}

	if c.DBPath == "" {
		c.DBPath = filepath.Join(home, "ledger.db")
	}

	if c.StatePath == "" {
		c.StatePath = filepath.Join(home, "state.db")
	}

	if c.BackupDir == "" {
		c.BackupDir = filepath.Join(filepath.Dir(c.DBPath), "backup")
	}

	return nil
}

func (c *Config) validate() error {
	switch c.Backend {
	case BackendDrive:
		if c.GoogleClientID == "" {
			return fmt.Errorf("GOOGLE_CLIENT_ID is required when REMOTE_BACKEND is drive")
		}
	case BackendS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when REMOTE_BACKEND is s3")
		}

		if (c.S3AccessKeyID == "") != (c.S3SecretAccessKey == "") {
			return fmt.Errorf("S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY must be set together")
		}
	case BackendDir:
		if c.RemoteDir == "" {
			return fmt.Errorf("REMOTE_DIR is required when REMOTE_BACKEND is dir")
		}
	default:
		return fmt.Errorf("REMOTE_BACKEND must be one of drive, s3 or dir, got %q", c.Backend)
	}

	if err := validateObjectName("REMOTE_BACKUP_NAME", c.RemoteName); err != nil {
		return err
	}

	if c.MetaName != "" {
		if err := validateObjectName("REMOTE_META_NAME", c.MetaName); err != nil {
			return err
		}

		if c.MetaName == c.RemoteName {
			return fmt.Errorf("REMOTE_META_NAME must differ from REMOTE_BACKUP_NAME")
		}
	}

	if c.HTTPConnectTimeout <= 0 || c.HTTPReadTimeout <= 0 {
		return fmt.Errorf("HTTP_CONNECT_TIMEOUT and HTTP_READ_TIMEOUT must be positive")
	}

	if c.AutoSyncDebounce <= 0 {
		return fmt.Errorf("AUTO_SYNC_DEBOUNCE must be positive")
	}

	return nil
}

// validateObjectName rejects names that the folder backend would treat
// as paths.
func validateObjectName(key, name string) error {
	if name == "" {
		return fmt.Errorf("%s must not be empty", key)
	}

	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%s must be a bare file name, got %q", key, name)
	}

	return nil
}

// DefaultHome returns ~/.ledger-sync, the parent of the default database
// and state files.
func DefaultHome() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".ledger-sync"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
