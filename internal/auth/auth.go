// Package auth signs the user in to the remote backup account and hands
// out bearer tokens for remote requests.
package auth

import (
	"github.com/alexjbarnes/ledger-sync/internal/models"
	"golang.org/x/oauth2"
)

// CredentialStore persists the cached token and the signed-in account.
// state.State implements it.
type CredentialStore interface {
	Credential() (*models.Credential, error)
	SetCredential(cred models.Credential) error
	ClearCredential() error
	Account() (*models.Account, error)
	SetAccount(acct models.Account) error
}

func toCredential(tok *oauth2.Token) models.Credential {
	return models.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
}

func toToken(cred *models.Credential) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    cred.TokenType,
		Expiry:       cred.Expiry,
	}
}
