// Package staging serves datasets from a local directory tree laid out like
// a remote archive, for offline runs and end-to-end tests.
//
// Layout:
//
//	<root>/<dataset>/manifest.jsonl   one ManifestItem per line
//	<root>/<dataset>/files/<filename> file bytes
package staging

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/timmy/archivejobs/internal/logger"
	"github.com/timmy/archivejobs/internal/source"
)

const (
	// ManifestFileName is the JSONL manifest file name in each dataset directory.
	ManifestFileName = "manifest.jsonl"
	// FilesDir holds the bytes of every manifest item.
	FilesDir = "files"
)

// ManifestItem is one line of manifest.jsonl.
type ManifestItem struct {
	ID         string            `json:"id"`
	Identifier string            `json:"identifier"`
	Filename   string            `json:"filename"`   // Defaults to Identifier
	Attributes map[string]string `json:"attributes"` // Matched against search filters
}

// Config configures a staging archive.
type Config struct {
	Root string
	// Accounts maps username to password. Nil accepts any non-empty pair.
	Accounts map[string]string
	// SessionUses expires a session after that many downloads; 0 never expires.
	SessionUses int
}

// Archive implements source.Archive over a staging directory for one user.
type Archive struct {
	cfg      Config
	username string
	password string

	mu      sync.Mutex
	session *source.Session
	uses    int
	records map[string]string // record id -> file path, filled by Search
}

var _ source.Archive = (*Archive)(nil)

// NewArchive creates a staging archive bound to one user's credentials.
func NewArchive(cfg Config, username, password string) *Archive {
	return &Archive{
		cfg:      cfg,
		username: username,
		password: password,
		records:  make(map[string]string),
	}
}

// NewFactory returns a source.ClientFactory that builds one Archive per job.
func NewFactory(cfg Config) source.ClientFactory {
	return func(username, password string) source.Archive {
		return NewArchive(cfg, username, password)
	}
}

// Login checks the credentials and issues a new session.
func (a *Archive) Login(ctx context.Context) (*source.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, &source.Error{Op: "login", Kind: source.KindRemote, Err: err}
	}
	if a.username == "" || a.password == "" {
		return nil, &source.Error{Op: "login", Kind: source.KindAuth, StatusCode: 400, Err: errors.New("username and password are required")}
	}
	if a.cfg.Accounts != nil {
		if want, ok := a.cfg.Accounts[a.username]; !ok || want != a.password {
			return nil, &source.Error{Op: "login", Kind: source.KindAuth, StatusCode: 401, Err: errors.New("invalid credentials")}
		}
	}

	sess := &source.Session{AccessToken: uuid.New().String(), RefreshToken: uuid.New().String()}
	a.mu.Lock()
	a.session = sess
	a.uses = 0
	a.mu.Unlock()

	out := *sess
	return &out, nil
}

// Search reads the dataset manifest. Lines that are not valid JSON are
// skipped; items missing fields are returned as-is for the caller to judge.
func (a *Archive) Search(ctx context.Context, datasetID string, filters map[string]string) ([]source.Entry, error) {
	if strings.ContainsAny(datasetID, `/\`) || datasetID == "" || datasetID == "." || datasetID == ".." {
		return nil, &source.Error{Op: "search", Kind: source.KindRemote, StatusCode: 400, Err: fmt.Errorf("invalid dataset id %q", datasetID)}
	}
	items, err := a.loadManifest(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	dataDir := filepath.Join(a.cfg.Root, datasetID, FilesDir)
	entries := make([]source.Entry, 0, len(items))

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, item := range items {
		if !matches(item.Attributes, filters) {
			continue
		}
		name := item.Filename
		if name == "" {
			name = item.Identifier
		}
		if item.ID != "" && name != "" {
			a.records[item.ID] = filepath.Join(dataDir, filepath.Base(name))
		}
		entries = append(entries, source.Entry{RecordID: item.ID, Identifier: item.Identifier})
	}
	return entries, nil
}

func matches(attrs, filters map[string]string) bool {
	for k, v := range filters {
		if v == "" {
			continue
		}
		if attrs[k] != v {
			return false
		}
	}
	return true
}

func (a *Archive) loadManifest(ctx context.Context, datasetID string) ([]ManifestItem, error) {
	manifestPath := filepath.Join(a.cfg.Root, datasetID, ManifestFileName)
	file, err := os.Open(manifestPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &source.Error{Op: "search", Kind: source.KindRemote, StatusCode: 404, Err: fmt.Errorf("dataset %s not found", datasetID)}
		}
		return nil, &source.Error{Op: "search", Kind: source.KindIO, Err: err}
	}
	defer file.Close()

	var items []ManifestItem
	scanner := bufio.NewScanner(file)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var item ManifestItem
		if err := json.Unmarshal([]byte(text), &item); err != nil {
			logger.CtxDebug(ctx, "Skipping malformed manifest line: dataset=%s, line=%d, error=%v", datasetID, line, err)
			continue
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, &source.Error{Op: "search", Kind: source.KindIO, Err: fmt.Errorf("read manifest: %w", err)}
	}

	// Manifest order is not meaningful; keep results stable.
	sort.SliceStable(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// DownloadFile copies one record to destination via destination+".part".
func (a *Archive) DownloadFile(ctx context.Context, recordID, identifier, destination string) (int64, error) {
	a.mu.Lock()
	sess := a.session
	if sess == nil {
		a.mu.Unlock()
		return 0, &source.Error{Op: "download", Kind: source.KindPrecondition, Err: errors.New("login must be called before downloading")}
	}
	if a.cfg.SessionUses > 0 && a.uses >= a.cfg.SessionUses {
		a.mu.Unlock()
		return 0, &source.Error{Op: "download", Kind: source.KindAuth, StatusCode: 401, Err: errors.New("session expired")}
	}
	a.uses++
	srcPath, ok := a.records[recordID]
	a.mu.Unlock()

	if !ok {
		return 0, &source.Error{Op: "download", Kind: source.KindRemote, StatusCode: 404, Err: fmt.Errorf("%s: record %s not found", identifier, recordID)}
	}
	if err := ctx.Err(); err != nil {
		return 0, &source.Error{Op: "download", Kind: source.KindRemote, Err: err}
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return 0, &source.Error{Op: "download", Kind: source.KindRemote, StatusCode: 404, Err: fmt.Errorf("%s: %w", identifier, err)}
	}
	defer src.Close()

	partial := destination + ".part"
	dst, err := os.Create(partial)
	if err != nil {
		return 0, &source.Error{Op: "download", Kind: source.KindIO, Err: err}
	}
	n, err := io.Copy(dst, src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(partial)
		return n, &source.Error{Op: "download", Kind: source.KindIO, Err: err}
	}
	if err := os.Rename(partial, destination); err != nil {
		os.Remove(partial)
		return n, &source.Error{Op: "download", Kind: source.KindIO, Err: err}
	}
	return n, nil
}

// ListDatasets returns the dataset ids under root that carry a manifest.
func ListDatasets(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	var datasets []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, entry.Name(), ManifestFileName)); err == nil {
			datasets = append(datasets, entry.Name())
		}
	}
	return datasets, nil
}
