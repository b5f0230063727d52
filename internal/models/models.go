// Package models defines types shared across internal packages.
package models

import "time"

// Credential is a cached OAuth token for the remote backup account.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// Account describes the signed-in user of the remote backup.
type Account struct {
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	PhotoURL string `json:"photo_url,omitempty"`
}

// SyncSource is the direction data moved during a sync.
type SyncSource string

const (
	SourceLocalToCloud SyncSource = "LOCAL_TO_CLOUD"
	SourceCloudToLocal SyncSource = "CLOUD_TO_LOCAL"
)

// SyncPolicy is the rule that picked the winning copy.
type SyncPolicy string

const (
	PolicyNewestWins     SyncPolicy = "NEWEST_WINS"
	PolicyOverwriteLocal SyncPolicy = "OVERWRITE_LOCAL"
)

// SyncRecord is one entry in the sync history. Error is set when the
// operation failed, in which case Source and Policy may be empty.
type SyncRecord struct {
	At        time.Time  `json:"at"`
	Operation string     `json:"operation"`
	Source    SyncSource `json:"source,omitempty"`
	Policy    SyncPolicy `json:"policy,omitempty"`
	Conflict  bool       `json:"conflict,omitempty"`
	Bytes     int64      `json:"bytes,omitempty"`
	Error     string     `json:"error,omitempty"`
}
