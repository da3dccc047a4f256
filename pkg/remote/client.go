// Package remote talks to the persistence backend: the config probe, document and
// volume fetches, saves, and the directory listings used by the file browser.
//
// Example usage:
//
//	client := remote.NewClient("http://localhost:8080")
//	cfg, err := client.FetchConfig(ctx)
//
//	lister := remote.NewLister(client, "/imaging", remote.NewMemoryPathStore())
//	listing, err := lister.Refresh(ctx)
package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"freebrowse/internal/models"
)

// ErrCancelled marks a request that was cancelled or superseded. It is never shown
// to the user.
var ErrCancelled = errors.New("request cancelled")

// TransportError is a failed request: either no response or an error status
type TransportError struct {
	Method     string
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NotFound reports a 404 response
func (e *TransportError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// Client is the HTTP client for the persistence backend
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *log.Entry
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(client *Client) {
		client.httpClient.Timeout = d
	}
}

// WithLogger sets the log entry used for request logging.
func WithLogger(entry *log.Entry) ClientOption {
	return func(client *Client) {
		client.log = entry
	}
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log.WithField("prefix", "remote"),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// HTTPClient returns the underlying HTTP client
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Resolve turns ref into an absolute URL. Absolute URLs are returned unchanged;
// anything else is taken relative to the base URL.
func (c *Client) Resolve(ref string) string {
	u, err := url.Parse(ref)
	if err == nil && u.IsAbs() {
		return ref
	}
	if strings.HasPrefix(ref, "/") {
		return c.baseURL + ref
	}
	return c.baseURL + "/" + ref
}

// do performs a request and returns the response body.
func (c *Client) do(ctx context.Context, method, ref string, body interface{}) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	reqURL := c.Resolve(ref)
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.log.WithFields(log.Fields{"method": method, "url": reqURL}).Debug("Request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
		return nil, &TransportError{Method: method, URL: reqURL, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
		return nil, &TransportError{Method: method, URL: reqURL, Err: err}
	}

	if resp.StatusCode >= 400 {
		return nil, &TransportError{
			Method:     method,
			URL:        reqURL,
			StatusCode: resp.StatusCode,
			Err:        errors.New(strings.TrimSpace(string(data))),
		}
	}
	return data, nil
}

// doRequest performs a request and decodes the JSON response.
func (c *Client) doRequest(ctx context.Context, method, ref string, body interface{}, result interface{}) error {
	data, err := c.do(ctx, method, ref, body)
	if err != nil {
		return err
	}
	if result != nil {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// FetchConfig probes the backend configuration
func (c *Client) FetchConfig(ctx context.Context) (models.ServerConfig, error) {
	var cfg models.ServerConfig
	err := c.doRequest(ctx, http.MethodGet, "/config", nil, &cfg)
	return cfg, err
}

// Fetch downloads ref, an absolute URL or a path on the backend
func (c *Client) Fetch(ctx context.Context, ref string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, ref, nil)
}

// SaveDocument stores a document on the backend. data must be JSON.
func (c *Client) SaveDocument(ctx context.Context, filename string, data []byte) error {
	body := struct {
		Filename string          `json:"filename"`
		Data     json.RawMessage `json:"data"`
	}{filename, data}
	return c.doRequest(ctx, http.MethodPost, "/nvd", body, nil)
}

// SaveVolume stores a volume on the backend
func (c *Client) SaveVolume(ctx context.Context, filename string, data []byte) error {
	body := struct {
		Filename string `json:"filename"`
		Data     string `json:"data"`
	}{filename, base64.StdEncoding.EncodeToString(data)}
	return c.doRequest(ctx, http.MethodPost, "/nii", body, nil)
}

// List reads one directory of a listing endpoint. An empty path is omitted from
// the query. Bare file arrays from older backends are accepted.
func (c *Client) List(ctx context.Context, endpoint, path string) (models.DirectoryListing, error) {
	ref := endpoint
	if path != "" {
		ref = endpoint + "?path=" + url.QueryEscape(path)
	}
	data, err := c.do(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return models.DirectoryListing{}, err
	}
	return parseListing(data, path)
}

func parseListing(data []byte, path string) (models.DirectoryListing, error) {
	listing := models.DirectoryListing{CurrentPath: path}
	if !gjson.ValidBytes(data) {
		return listing, errors.New("decode listing: invalid JSON")
	}

	root := gjson.ParseBytes(data)
	if root.IsArray() {
		if err := json.Unmarshal(data, &listing.Files); err != nil {
			return listing, fmt.Errorf("decode listing: %w", err)
		}
		listing.Directories = []models.DirectoryItem{}
		return listing, nil
	}

	if err := json.Unmarshal(data, &listing); err != nil {
		return listing, fmt.Errorf("decode listing: %w", err)
	}
	if !root.Get("currentPath").Exists() || root.Get("currentPath").Type == gjson.Null {
		listing.CurrentPath = path
	}
	if listing.Files == nil {
		listing.Files = []models.FileItem{}
	}
	if listing.Directories == nil {
		listing.Directories = []models.DirectoryItem{}
	}
	return listing, nil
}
