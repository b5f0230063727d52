package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	apperrors "github.com/alexjbarnes/ledger-sync/internal/errors"
	"github.com/alexjbarnes/ledger-sync/internal/models"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

const (
	googleAuthURL       = "https://accounts.google.com/o/oauth2/auth"
	googleDeviceAuthURL = "https://oauth2.googleapis.com/device/code"
	googleTokenURL      = "https://oauth2.googleapis.com/token"
	googleRevokeURL     = "https://oauth2.googleapis.com/revoke"
	googleUserInfoURL   = "https://www.googleapis.com/oauth2/v3/userinfo"

	// ScopeDriveAppData grants access to the hidden application data
	// folder only.
	ScopeDriveAppData = "https://www.googleapis.com/auth/drive.appdata"
)

// GoogleConfig configures the Google authenticator.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string

	// HTTPClient is used for every OAuth and userinfo request.
	HTTPClient *http.Client

	// Prompt receives the device-flow instructions. Defaults to stderr.
	Prompt io.Writer
}

// Google signs in with the OAuth 2.0 device authorization grant, which
// needs no local redirect listener, and refreshes the cached token on
// demand.
type Google struct {
	oauth       *oauth2.Config
	store       CredentialStore
	httpClient  *http.Client
	prompt      io.Writer
	revokeURL   string
	userInfoURL string
	logger      *slog.Logger
}

// NewGoogle creates a Google authenticator backed by store.
func NewGoogle(cfg GoogleConfig, store CredentialStore, logger *slog.Logger) *Google {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	prompt := cfg.Prompt
	if prompt == nil {
		prompt = os.Stderr
	}

	return &Google{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       []string{"openid", "email", "profile", ScopeDriveAppData},
			Endpoint: oauth2.Endpoint{
				AuthURL:       googleAuthURL,
				DeviceAuthURL: googleDeviceAuthURL,
				TokenURL:      googleTokenURL,
				AuthStyle:     oauth2.AuthStyleInParams,
			},
		},
		store:       store,
		httpClient:  httpClient,
		prompt:      prompt,
		revokeURL:   googleRevokeURL,
		userInfoURL: googleUserInfoURL,
		logger:      logger,
	}
}

// Available reports whether a client ID is configured.
func (g *Google) Available() bool {
	return g.oauth.ClientID != ""
}

// CurrentToken returns a valid access token, refreshing and persisting
// it when the cached one has expired.
func (g *Google) CurrentToken(ctx context.Context) (string, error) {
	cred, err := g.store.Credential()
	if err != nil {
		return "", fmt.Errorf("loading credential: %w", err)
	}

	if cred == nil || cred.AccessToken == "" {
		return "", apperrors.ErrNotSignedIn
	}

	cached := toToken(cred)
	if !cached.Valid() && cached.RefreshToken == "" {
		return "", fmt.Errorf("%w: token expired and cannot be refreshed", apperrors.ErrSessionExpired)
	}

	tok, err := g.oauth.TokenSource(g.clientContext(ctx), cached).Token()
	if err != nil {
		return "", classifyTokenError(err)
	}

	if tok.AccessToken != cred.AccessToken {
		fresh := toCredential(tok)
		if fresh.RefreshToken == "" {
			fresh.RefreshToken = cred.RefreshToken
		}

		if err := g.store.SetCredential(fresh); err != nil {
			return "", fmt.Errorf("saving refreshed credential: %w", err)
		}

		g.logger.Debug("access token refreshed")
	}

	return tok.AccessToken, nil
}

// InteractiveSignIn runs the device flow, caches the resulting token and
// fetches the account profile.
func (g *Google) InteractiveSignIn(ctx context.Context) (models.Account, error) {
	if !g.Available() {
		return models.Account{}, apperrors.ErrAuthUnavailable
	}

	ctx = g.clientContext(ctx)

	da, err := g.oauth.DeviceAuth(ctx)
	if err != nil {
		return models.Account{}, fmt.Errorf("%w: starting device sign-in: %w", apperrors.ErrAPIRequest, err)
	}

	verify := da.VerificationURIComplete
	if verify == "" {
		verify = da.VerificationURI
	}

	fmt.Fprintf(g.prompt, "To sign in, open %s and enter code %s\n", verify, da.UserCode)

	tok, err := g.oauth.DeviceAccessToken(ctx, da)
	if err != nil {
		return models.Account{}, fmt.Errorf("%w: completing device sign-in: %w", apperrors.ErrAPIRequest, err)
	}

	if err := g.store.SetCredential(toCredential(tok)); err != nil {
		return models.Account{}, fmt.Errorf("saving credential: %w", err)
	}

	acct, err := g.fetchAccount(ctx, tok.AccessToken)
	if err != nil {
		return models.Account{}, err
	}

	if err := g.store.SetAccount(acct); err != nil {
		return models.Account{}, fmt.Errorf("saving account: %w", err)
	}

	g.logger.Info("signed in", slog.String("email", acct.Email))

	return acct, nil
}

// Revoke invalidates the cached token on the server. It is a no-op when
// nothing is cached.
func (g *Google) Revoke(ctx context.Context) error {
	cred, err := g.store.Credential()
	if err != nil || cred == nil {
		return err
	}

	token := cred.RefreshToken
	if token == "" {
		token = cred.AccessToken
	}

	form := url.Values{"token": {token}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating revoke request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: revoking token: %w", apperrors.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: revoke returned %d: %s", apperrors.ErrAPIRequest, resp.StatusCode,
			gjson.GetBytes(body, "error_description").String())
	}

	return nil
}

// SignOut forgets the cached token and account.
func (g *Google) SignOut() error {
	return g.store.ClearCredential()
}

// Account returns the cached account, or nil when signed out.
func (g *Google) Account() (*models.Account, error) {
	return g.store.Account()
}

func (g *Google) fetchAccount(ctx context.Context, accessToken string) (models.Account, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.userInfoURL, nil)
	if err != nil {
		return models.Account{}, fmt.Errorf("creating userinfo request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return models.Account{}, fmt.Errorf("%w: fetching userinfo: %w", apperrors.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.Account{}, fmt.Errorf("%w: reading userinfo: %w", apperrors.ErrNetwork, err)
	}

	if resp.StatusCode != http.StatusOK {
		return models.Account{}, fmt.Errorf("%w: userinfo returned %d", apperrors.ErrAPIRequest, resp.StatusCode)
	}

	info := gjson.ParseBytes(body)

	return models.Account{
		Name:     info.Get("name").String(),
		Email:    info.Get("email").String(),
		PhotoURL: info.Get("picture").String(),
	}, nil
}

func (g *Google) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)
}

// classifyTokenError maps a refresh rejected by the token endpoint to
// ErrSessionExpired and anything without a response to ErrNetwork.
func classifyTokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return fmt.Errorf("%w: %w", apperrors.ErrSessionExpired, err)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return fmt.Errorf("%w: %w", apperrors.ErrNetwork, err)
}
