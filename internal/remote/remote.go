// Package remote stores the ledger backup in an object store. Backends
// only need to find an object by name, create, update and download it,
// and report when it was last modified.
package remote

import (
	"context"
	"encoding/json"
	"time"

	"github.com/alexjbarnes/ledger-sync/internal/models"
)

// Store is a remote object store holding the backup. FindByName
// returns nil and no error when no object has that name. Backends that
// do not use bearer tokens ignore token.
type Store interface {
	FindByName(ctx context.Context, token, name string) (*Object, error)
	Create(ctx context.Context, token, name string, data []byte) (*Object, error)
	Update(ctx context.Context, token, id string, data []byte) (*Object, error)
	Download(ctx context.Context, token, id string) ([]byte, error)
}

// Object is a stored blob. A zero ModifiedAt means the store did not
// report a modification time.
type Object struct {
	ID         string
	Name       string
	ModifiedAt time.Time
	Size       int64
}

// Metadata is written next to the backup for display and auditing.
// Sync decisions never read it.
type Metadata struct {
	LastLocalUpdatedAtIso string            `json:"lastLocalUpdatedAtIso"`
	SavedAtIso            string            `json:"savedAtIso"`
	Policy                models.SyncPolicy `json:"policy"`
	Source                models.SyncSource `json:"source"`
}

// NewMetadata describes an upload of a local file last modified at
// localUpdated.
func NewMetadata(localUpdated, savedAt time.Time) Metadata {
	return Metadata{
		LastLocalUpdatedAtIso: localUpdated.UTC().Format(time.RFC3339Nano),
		SavedAtIso:            savedAt.UTC().Format(time.RFC3339Nano),
		Policy:                models.PolicyNewestWins,
		Source:                models.SourceLocalToCloud,
	}
}

// Put creates or updates the object called name with data.
func Put(ctx context.Context, s Store, token, name string, data []byte) (*Object, error) {
	existing, err := s.FindByName(ctx, token, name)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		return s.Create(ctx, token, name, data)
	}

	return s.Update(ctx, token, existing.ID, data)
}

// PutMetadata stores m as JSON under name.
func PutMetadata(ctx context.Context, s Store, token, name string, m Metadata) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}

	_, err = Put(ctx, s, token, name, data)

	return err
}
