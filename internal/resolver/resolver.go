// Package resolver decides which way a sync should move data between the
// local database and its remote copy.
package resolver

import (
	"time"

	apperrors "github.com/alexjbarnes/ledger-sync/internal/errors"
)

// Action is the direction chosen for a sync.
type Action int

const (
	// NoOp leaves both copies alone. Decide never returns it; callers
	// use it when they skip a sync for their own reasons.
	NoOp Action = iota
	Upload
	Download
)

func (a Action) String() string {
	switch a {
	case Upload:
		return "upload"
	case Download:
		return "download"
	default:
		return "noop"
	}
}

// Input describes what is known about each copy. A zero time means the
// modification time is unknown.
type Input struct {
	LocalExists      bool
	RemoteExists     bool
	LocalModifiedAt  time.Time
	RemoteModifiedAt time.Time
}

// Decision is the result of Decide. Create is set for an upload when no
// remote object exists yet. Conflict is set when both copies exist and
// the remote one won.
type Decision struct {
	Action   Action
	Create   bool
	Conflict bool
}

// Decide applies last-writer-wins. The remote copy only wins when it is
// strictly newer than the local one; ties and unknown times upload.
func Decide(in Input) (Decision, error) {
	switch {
	case !in.LocalExists && !in.RemoteExists:
		return Decision{}, apperrors.ErrNothingToSync
	case !in.RemoteExists:
		return Decision{Action: Upload, Create: true}, nil
	case !in.LocalExists:
		return Decision{Action: Download}, nil
	case remoteNewer(in.LocalModifiedAt, in.RemoteModifiedAt):
		return Decision{Action: Download, Conflict: true}, nil
	default:
		return Decision{Action: Upload}, nil
	}
}

func remoteNewer(local, remote time.Time) bool {
	if local.IsZero() || remote.IsZero() {
		return false
	}

	return remote.After(local)
}
