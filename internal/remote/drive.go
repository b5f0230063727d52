package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/ledger-sync/internal/errors"
	"github.com/tidwall/gjson"
)

const (
	driveAPIURL    = "https://www.googleapis.com/drive/v3"
	driveUploadURL = "https://www.googleapis.com/upload/drive/v3"

	// appDataFolder is the per-application hidden folder in Drive.
	appDataFolder = "appDataFolder"

	driveFileFields = "id,name,modifiedTime,size"
)

// NewHTTPClient returns a client that fails a request when connecting
// takes longer than connectTimeout or the response headers take longer
// than readTimeout.
func NewHTTPClient(connectTimeout, readTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: connectTimeout}).DialContext
	transport.TLSHandshakeTimeout = connectTimeout
	transport.ResponseHeaderTimeout = readTimeout

	return &http.Client{Transport: transport}
}

// Drive stores the backup in the Google Drive application data folder.
type Drive struct {
	httpClient *http.Client
	apiURL     string
	uploadURL  string
}

// NewDrive creates a Drive store using httpClient.
// If httpClient is nil, http.DefaultClient is used.
func NewDrive(httpClient *http.Client) *Drive {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Drive{
		httpClient: httpClient,
		apiURL:     driveAPIURL,
		uploadURL:  driveUploadURL,
	}
}

// FindByName returns the most recently modified file called name.
func (d *Drive) FindByName(ctx context.Context, token, name string) (*Object, error) {
	q := url.Values{}
	q.Set("spaces", appDataFolder)
	q.Set("q", fmt.Sprintf("name = '%s' and trashed = false", escapeQueryValue(name)))
	q.Set("orderBy", "modifiedTime desc")
	q.Set("fields", "files("+driveFileFields+")")
	q.Set("pageSize", "10")

	body, err := d.do(ctx, token, http.MethodGet, d.apiURL+"/files?"+q.Encode(), nil, "")
	if err != nil {
		return nil, fmt.Errorf("finding %s: %w", name, err)
	}

	first := gjson.GetBytes(body, "files.0")
	if !first.Exists() {
		return nil, nil
	}

	return objectFromJSON(first), nil
}

// Create uploads a new file into the application data folder.
func (d *Drive) Create(ctx context.Context, token, name string, data []byte) (*Object, error) {
	meta := map[string]any{
		"name":    name,
		"parents": []string{appDataFolder},
	}

	obj, err := d.upload(ctx, token, http.MethodPost, d.uploadURL+"/files", meta, data)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", name, err)
	}

	return obj, nil
}

// Update replaces the content of an existing file.
func (d *Drive) Update(ctx context.Context, token, id string, data []byte) (*Object, error) {
	obj, err := d.upload(ctx, token, http.MethodPatch, d.uploadURL+"/files/"+url.PathEscape(id), map[string]any{}, data)
	if err != nil {
		return nil, fmt.Errorf("updating %s: %w", id, err)
	}

	return obj, nil
}

// Download returns the content of a file.
func (d *Drive) Download(ctx context.Context, token, id string) ([]byte, error) {
	body, err := d.do(ctx, token, http.MethodGet, d.apiURL+"/files/"+url.PathEscape(id)+"?alt=media", nil, "")
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", id, err)
	}

	return body, nil
}

// upload sends a multipart/related request with JSON metadata followed
// by the raw content.
func (d *Drive) upload(ctx context.Context, token, method, endpoint string, meta map[string]any, data []byte) (*Object, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshalling metadata: %w", err)
	}

	var buf bytes.Buffer

	w := multipart.NewWriter(&buf)

	metaPart, err := w.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/json; charset=UTF-8"}})
	if err != nil {
		return nil, err
	}

	if _, err := metaPart.Write(metaJSON); err != nil {
		return nil, err
	}

	mediaPart, err := w.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/octet-stream"}})
	if err != nil {
		return nil, err
	}

	if _, err := mediaPart.Write(data); err != nil {
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("uploadType", "multipart")
	q.Set("fields", driveFileFields)

	body, err := d.do(ctx, token, method, endpoint+"?"+q.Encode(), &buf, "multipart/related; boundary="+w.Boundary())
	if err != nil {
		return nil, err
	}

	return objectFromJSON(gjson.ParseBytes(body)), nil
}

func (d *Drive) do(ctx context.Context, token, method, endpoint string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", apperrors.ErrNetwork, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: Google API error (%d)", apperrors.ErrSessionExpired, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg := gjson.GetBytes(respBody, "error.message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(respBody))
		}

		return nil, fmt.Errorf("%w: Google API error (%d): %s", apperrors.ErrAPIRequest, resp.StatusCode, msg)
	}

	return respBody, nil
}

func objectFromJSON(r gjson.Result) *Object {
	obj := &Object{
		ID:   r.Get("id").String(),
		Name: r.Get("name").String(),
		Size: r.Get("size").Int(),
	}

	if mt := r.Get("modifiedTime"); mt.Exists() {
		if t, err := time.Parse(time.RFC3339Nano, mt.String()); err == nil {
			obj.ModifiedAt = t
		}
	}

	return obj
}

// escapeQueryValue escapes a string for use inside single quotes in a
// Drive search query.
func escapeQueryValue(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}
