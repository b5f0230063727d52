package errors

import "errors"

// Integrity errors.
var (
	ErrIntegrity          = errors.New("database failed integrity check")
	ErrInvalidFormat      = errors.New("data is not a SQLite database")
	ErrIncompatibleSchema = errors.New("database schema is incompatible")
)

// Auth errors.
var (
	ErrNotSignedIn     = errors.New("not signed in")
	ErrSessionExpired  = errors.New("session expired")
	ErrAuthUnavailable = errors.New("sign-in is not configured")
)

// Remote/transport errors.
var (
	ErrNetwork        = errors.New("network request failed")
	ErrAPIRequest     = errors.New("API request failed")
	ErrNoRemoteBackup = errors.New("no remote backup found")
)

// Local sync errors.
var (
	ErrSwapFailed      = errors.New("replacing database file failed")
	ErrReopenFailed    = errors.New("database replaced but could not be reopened")
	ErrNothingToSync   = errors.New("nothing to sync")
	ErrSyncInProgress  = errors.New("sync already in progress")
	ErrRestoreCanceled = errors.New("restore canceled")
)
