package syncer

import (
	"errors"
	"fmt"

	apperrors "github.com/alexjbarnes/ledger-sync/internal/errors"
)

const (
	msgUploadCreated  = "Uploaded local data to cloud backup."
	msgUploadUpdated  = "Synced local data to cloud backup."
	msgDownloaded     = "Recovered local data from cloud backup."
	msgConflict       = "Conflict resolved by timestamp: cloud data was newer."
	msgRestored       = "Backup restored from cloud. Restart app to apply data."
	msgSignedOut      = "Signed out."
	msgNotSignedIn    = "You are not signed in."
	msgSessionExpired = "Session expired. Sign in again."
	msgReopenFailed   = "Cloud backup was installed but could not be opened. Restart app to apply data."
)

func signedInMessage(name, email string) string {
	who := email
	if who == "" {
		who = name
	}

	return fmt.Sprintf("Signed in as %s.", who)
}

// userMessage turns an operation error into the text published as
// LastError.
func userMessage(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrNotSignedIn):
		return msgNotSignedIn
	case errors.Is(err, apperrors.ErrSessionExpired):
		return msgSessionExpired
	case errors.Is(err, apperrors.ErrAuthUnavailable):
		return "Cloud sign-in is not configured."
	case errors.Is(err, apperrors.ErrNothingToSync):
		return "No local data available to sync."
	case errors.Is(err, apperrors.ErrSyncInProgress):
		return "Another sync is already running."
	case errors.Is(err, apperrors.ErrReopenFailed):
		return msgReopenFailed
	case errors.Is(err, apperrors.ErrIntegrity):
		return "Cloud backup failed the integrity check and was not applied."
	case errors.Is(err, apperrors.ErrInvalidFormat):
		return "Cloud backup is not a valid ledger database."
	case errors.Is(err, apperrors.ErrNoRemoteBackup):
		return "No backup found in cloud storage."
	case errors.Is(err, apperrors.ErrRestoreCanceled):
		return "Restore canceled."
	default:
		return err.Error()
	}
}
