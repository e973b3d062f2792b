// Package mosdac implements source.Archive for MOSDAC-style archives: a token
// endpoint, a dataset search endpoint and an authenticated streamed download.
package mosdac

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/archivejobs/internal/logger"
	"github.com/timmy/archivejobs/internal/source"
)

const (
	// DefaultBaseURL is the public archive endpoint.
	DefaultBaseURL = "https://mosdac.gov.in"

	// DownloadBufferSize is the fixed read buffer used when streaming a file.
	DownloadBufferSize = 8192

	tokenPath    = "/download_api/gettoken"
	searchPath   = "/apios/datasets.json"
	downloadPath = "/download_api/download"

	// searchDatasetParam is reserved; caller filters cannot override it.
	searchDatasetParam = "datasetId"
)

// Config holds transport settings shared by every client built from it.
type Config struct {
	BaseURL         string
	RequestTimeout  time.Duration // Login and Search
	DownloadTimeout time.Duration // One DownloadFile call
	RetryCount      int           // Transport retries for Login and Search only
	RetryWait       time.Duration
	UserAgent       string
}

// Client talks to one archive on behalf of one user. The session is held
// in memory only and is replaced on every Login.
type Client struct {
	api      *resty.Client
	transfer *resty.Client
	username string
	password string

	requestTimeout  time.Duration
	downloadTimeout time.Duration

	mu      sync.RWMutex
	session *source.Session
}

var _ source.Archive = (*Client)(nil)

// NewClient creates a client for the given archive credentials.
// Parameters:
//   - cfg: transport configuration; zero values fall back to defaults.
//   - username: archive account name.
//   - password: archive account password.
// Returns:
//   - *Client: client with no session; call Login before DownloadFile.
func NewClient(cfg Config, username, password string) *Client {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 30 * time.Minute
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "archivejobs/1.0"
	}

	api := resty.New().
		SetBaseURL(baseURL).
		SetHeader("User-Agent", cfg.UserAgent).
		SetHeader("Accept", "application/json")
	if cfg.RetryCount > 0 {
		api.SetRetryCount(cfg.RetryCount).
			SetRetryWaitTime(cfg.RetryWait).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				// Only connection errors and 5xx are worth repeating.
				return err != nil || r.StatusCode() >= http.StatusInternalServerError
			})
	}

	// Downloads are never retried by the transport; the orchestrator owns that policy.
	transfer := resty.New().
		SetBaseURL(baseURL).
		SetHeader("User-Agent", cfg.UserAgent)

	return &Client{
		api:             api,
		transfer:        transfer,
		username:        username,
		password:        password,
		requestTimeout:  cfg.RequestTimeout,
		downloadTimeout: cfg.DownloadTimeout,
	}
}

// NewFactory returns a source.ClientFactory that builds one Client per job.
func NewFactory(cfg Config) source.ClientFactory {
	return func(username, password string) source.Archive {
		return NewClient(cfg, username, password)
	}
}

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login exchanges credentials for a new access/refresh token pair.
func (c *Client) Login(ctx context.Context) (*source.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var sess source.Session
	resp, err := c.api.R().
		SetContext(ctx).
		SetBody(tokenRequest{Username: c.username, Password: c.password}).
		SetResult(&sess).
		ForceContentType("application/json").
		Post(tokenPath)
	if err != nil {
		return nil, &source.Error{Op: "login", Kind: source.KindRemote, Err: err}
	}

	if status := resp.StatusCode(); status < 200 || status >= 300 {
		kind := source.KindRemote
		if status >= 400 && status < 500 {
			kind = source.KindAuth
		}
		return nil, &source.Error{Op: "login", Kind: kind, StatusCode: status, Err: errors.New(responseDetail(resp))}
	}
	if sess.AccessToken == "" {
		return nil, &source.Error{Op: "login", Kind: source.KindAuth, StatusCode: resp.StatusCode(), Err: errors.New("no access token in response")}
	}

	c.mu.Lock()
	c.session = &sess
	c.mu.Unlock()

	logger.CtxDebug(ctx, "Archive login succeeded: username=%s", c.username)
	out := sess
	return &out, nil
}

// Search lists the entries of a dataset.
func (c *Client) Search(ctx context.Context, datasetID string, filters map[string]string) ([]source.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	params := make(map[string]string, len(filters)+1)
	for k, v := range filters {
		if v == "" || k == searchDatasetParam {
			continue
		}
		params[k] = v
	}
	params[searchDatasetParam] = datasetID

	var result searchResponse
	resp, err := c.api.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&result).
		ForceContentType("application/json").
		Get(searchPath)
	if err != nil {
		return nil, &source.Error{Op: "search", Kind: source.KindRemote, Err: err}
	}
	if status := resp.StatusCode(); status < 200 || status >= 300 {
		return nil, &source.Error{Op: "search", Kind: classify(status), StatusCode: status, Err: errors.New(responseDetail(resp))}
	}

	logger.CtxDebug(ctx, "Archive search returned %d entries: dataset=%s", len(result.Entries), datasetID)
	return result.entries(), nil
}

// DownloadFile streams one record into destination. The body is written to
// destination+".part" and renamed only once the copy completes, so a failed
// transfer never leaves a truncated file behind.
func (c *Client) DownloadFile(ctx context.Context, recordID, identifier, destination string) (int64, error) {
	c.mu.RLock()
	sess := c.session
	c.mu.RUnlock()
	if sess == nil || sess.AccessToken == "" {
		return 0, &source.Error{Op: "download", Kind: source.KindPrecondition, Err: errors.New("login must be called before downloading")}
	}

	ctx, cancel := context.WithTimeout(ctx, c.downloadTimeout)
	defer cancel()

	resp, err := c.transfer.R().
		SetContext(ctx).
		SetAuthToken(sess.AccessToken).
		SetQueryParam("id", recordID).
		SetDoNotParseResponse(true).
		Get(downloadPath)
	if err != nil {
		return 0, &source.Error{Op: "download", Kind: source.KindRemote, Err: err}
	}
	body := resp.RawBody()
	defer body.Close()

	if status := resp.StatusCode(); status < 200 || status >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(body, 512))
		msg := strings.TrimSpace(string(detail))
		if msg == "" {
			msg = http.StatusText(status)
		}
		return 0, &source.Error{Op: "download", Kind: classify(status), StatusCode: status, Err: fmt.Errorf("%s: %s", identifier, msg)}
	}

	partial := destination + ".part"
	f, err := os.Create(partial)
	if err != nil {
		return 0, &source.Error{Op: "download", Kind: source.KindIO, Err: err}
	}

	n, copyErr := copyFixed(f, body)
	closeErr := f.Close()
	if copyErr == nil && closeErr != nil {
		copyErr = &source.Error{Op: "download", Kind: source.KindIO, Err: closeErr}
	}
	if copyErr != nil {
		os.Remove(partial)
		return n, copyErr
	}

	if err := os.Rename(partial, destination); err != nil {
		os.Remove(partial)
		return n, &source.Error{Op: "download", Kind: source.KindIO, Err: err}
	}

	logger.CtxDebug(ctx, "Archive download finished: record_id=%s, identifier=%s, bytes=%d", recordID, identifier, n)
	return n, nil
}

// Session returns a copy of the current session, or nil before Login.
func (c *Client) Session() *source.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

// errWriter records write failures so they can be told apart from read failures.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(p []byte) (int, error) {
	n, err := e.w.Write(p)
	if err != nil {
		e.err = err
	}
	return n, err
}

// copyFixed copies src to dst through a DownloadBufferSize buffer. Both ends
// are wrapped so io.CopyBuffer cannot bypass the buffer via ReaderFrom/WriterTo.
func copyFixed(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, DownloadBufferSize)
	w := &errWriter{w: dst}
	n, err := io.CopyBuffer(w, struct{ io.Reader }{src}, buf)
	if err == nil {
		return n, nil
	}
	if w.err != nil {
		return n, &source.Error{Op: "download", Kind: source.KindIO, Err: w.err}
	}
	return n, &source.Error{Op: "download", Kind: source.KindRemote, Err: err}
}

func classify(status int) source.Kind {
	if status == http.StatusUnauthorized {
		return source.KindAuth
	}
	return source.KindRemote
}

func responseDetail(resp *resty.Response) string {
	body := strings.TrimSpace(resp.String())
	if len(body) > 256 {
		body = body[:256]
	}
	if body == "" {
		return resp.Status()
	}
	return body
}
