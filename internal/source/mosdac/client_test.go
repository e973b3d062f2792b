package mosdac

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/timmy/archivejobs/internal/source"
)

type fakeArchive struct {
	mu         sync.Mutex
	token      string
	files      map[string][]byte
	searchBody string // Defaults to two string-id entries
	lastQuery  atomic.Value
}

func (f *fakeArchive) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(tokenPath, func(w http.ResponseWriter, r *http.Request) {
		var req tokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode token request: %v", err)
		}
		if req.Username != "alice" || req.Password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"detail":"bad credentials"}`))
			return
		}
		tok := f.currentToken()
		json.NewEncoder(w).Encode(map[string]string{"access_token": tok, "refresh_token": "r-" + tok})
	})
	mux.HandleFunc(searchPath, func(w http.ResponseWriter, r *http.Request) {
		f.lastQuery.Store(r.URL.Query())
		w.Header().Set("Content-Type", "text/plain") // archive mislabels JSON
		body := f.searchBody
		if body == "" {
			body = `{"entries":[{"id":"1","identifier":"a.h5"},{"id":"","identifier":"b.h5"}]}`
		}
		w.Write([]byte(body))
	})
	mux.HandleFunc(downloadPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+f.currentToken() {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		data, ok := f.files[r.URL.Query().Get("id")]
		if !ok {
			http.Error(w, "no such record", http.StatusNotFound)
			return
		}
		w.Write(data)
	})
	return mux
}

func (f *fakeArchive) currentToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeArchive) rotate(token string) {
	f.mu.Lock()
	f.token = token
	f.mu.Unlock()
}

func newTestClient(t *testing.T, f *fakeArchive, username, password string) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, RequestTimeout: 5 * time.Second, DownloadTimeout: 5 * time.Second}, username, password)
}

func TestClient_Login(t *testing.T) {
	f := &fakeArchive{token: "t1"}

	c := newTestClient(t, f, "alice", "secret")
	sess, err := c.Login(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.AccessToken != "t1" || sess.RefreshToken != "r-t1" {
		t.Errorf("unexpected session %+v", sess)
	}
	if c.Session() == nil {
		t.Error("expected client to hold the session")
	}

	bad := newTestClient(t, f, "alice", "wrong")
	_, err = bad.Login(context.Background())
	if !source.IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if bad.Session() != nil {
		t.Error("failed login must not leave a session")
	}
}

func TestClient_SearchOmitsEmptyFilters(t *testing.T) {
	f := &fakeArchive{token: "t1"}
	c := newTestClient(t, f, "alice", "secret")

	entries, err := c.Search(context.Background(), "3RIMG_L1B", map[string]string{
		"startTime": "2024-01-01",
		"endTime":   "",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].RecordID != "1" || entries[0].Identifier != "a.h5" {
		t.Errorf("unexpected entry %+v", entries[0])
	}

	q := f.lastQuery.Load().(url.Values)
	if got := q["datasetId"]; len(got) != 1 || got[0] != "3RIMG_L1B" {
		t.Errorf("datasetId not sent: %v", q)
	}
	if _, ok := q["endTime"]; ok {
		t.Error("empty filter must not be sent")
	}
	if _, ok := q["startTime"]; !ok {
		t.Error("non-empty filter must be sent")
	}
}

func TestClient_SearchFilterCannotReplaceDatasetID(t *testing.T) {
	f := &fakeArchive{token: "t1"}
	c := newTestClient(t, f, "alice", "secret")

	if _, err := c.Search(context.Background(), "3RIMG_L1B", map[string]string{"datasetId": "OTHER"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	q := f.lastQuery.Load().(url.Values)
	if got := q["datasetId"]; len(got) != 1 || got[0] != "3RIMG_L1B" {
		t.Errorf("datasetId = %v, want [3RIMG_L1B]", got)
	}
}

func TestClient_SearchToleratesLooseEntryFields(t *testing.T) {
	f := &fakeArchive{token: "t1", searchBody: `{"entries":[
		{"id":"1","identifier":"a.h5"},
		{"id":2,"identifier":"b.h5"},
		{"id":30000000001,"identifier":"c.h5"},
		{"id":null,"identifier":"d.h5"},
		{"id":{"nested":true},"identifier":"e.h5"},
		{"id":true,"identifier":"f.h5"},
		{"id":"7","identifier":["g.h5"]},
		{"identifier":"h.h5"}
	]}`}
	c := newTestClient(t, f, "alice", "secret")

	entries, err := c.Search(context.Background(), "3RIMG_L1B", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []source.Entry{
		{RecordID: "1", Identifier: "a.h5"},
		{RecordID: "2", Identifier: "b.h5"},
		{RecordID: "30000000001", Identifier: "c.h5"},
		{RecordID: "", Identifier: "d.h5"},
		{RecordID: "", Identifier: "e.h5"},
		{RecordID: "", Identifier: "f.h5"},
		{RecordID: "7", Identifier: ""},
		{RecordID: "", Identifier: "h.h5"},
	}
	if len(entries) != len(want) {
		t.Fatalf("expected %d entries, got %d: %+v", len(want), len(entries), entries)
	}
	addressable := 0
	for i := range want {
		if entries[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, entries[i], want[i])
		}
		if entries[i].Addressable() {
			addressable++
		}
	}
	if addressable != 3 {
		t.Errorf("expected 3 addressable entries, got %d", addressable)
	}
}

func TestClient_DownloadRequiresLogin(t *testing.T) {
	f := &fakeArchive{token: "t1", files: map[string][]byte{"1": []byte("x")}}
	c := newTestClient(t, f, "alice", "secret")

	_, err := c.DownloadFile(context.Background(), "1", "a.h5", filepath.Join(t.TempDir(), "a.h5"))
	if source.KindOf(err) != source.KindPrecondition {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestClient_DownloadStreamsToDestination(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 5000) // larger than the buffer
	f := &fakeArchive{token: "t1", files: map[string][]byte{"1": payload}}
	c := newTestClient(t, f, "alice", "secret")
	if _, err := c.Login(context.Background()); err != nil {
		t.Fatalf("login: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "a.h5")
	n, err := c.DownloadFile(context.Background(), "1", "a.h5", dest)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != int64(len(payload)) {
		t.Errorf("expected %d bytes, got %d", len(payload), n)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("downloaded content mismatch")
	}
	if _, err := os.Stat(dest + ".part"); !os.IsNotExist(err) {
		t.Error("partial file left behind")
	}
}

func TestClient_DownloadClassifiesErrors(t *testing.T) {
	f := &fakeArchive{token: "t1", files: map[string][]byte{"1": []byte("data")}}
	c := newTestClient(t, f, "alice", "secret")
	if _, err := c.Login(context.Background()); err != nil {
		t.Fatalf("login: %v", err)
	}

	dir := t.TempDir()
	_, err := c.DownloadFile(context.Background(), "missing", "m.h5", filepath.Join(dir, "m.h5"))
	if source.KindOf(err) != source.KindRemote {
		t.Errorf("expected remote error for 404, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "m.h5")); !os.IsNotExist(statErr) {
		t.Error("failed download must not create the destination")
	}

	// Expire the session on the server side.
	f.rotate("t2")
	_, err = c.DownloadFile(context.Background(), "missing", "m.h5", filepath.Join(dir, "m.h5"))
	if !source.IsAuth(err) {
		t.Errorf("expected auth error for 401, got %v", err)
	}

	if _, err := c.Login(context.Background()); err != nil {
		t.Fatalf("re-login: %v", err)
	}
	_, err = c.DownloadFile(context.Background(), "1", "a.h5", filepath.Join(dir, "no-such-dir", "a.h5"))
	if source.KindOf(err) != source.KindIO {
		t.Errorf("expected io error, got %v", err)
	}
}

func TestClient_LoginServerErrorIsRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, "alice", "secret")
	_, err := c.Login(context.Background())
	if source.KindOf(err) != source.KindRemote {
		t.Fatalf("expected remote error, got %v", err)
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("expected status in error, got %q", err.Error())
	}
}

func TestCopyFixed_UsesBoundedBuffer(t *testing.T) {
	var dst countingWriter
	n, err := copyFixed(&dst, bytes.NewReader(make([]byte, 3*DownloadBufferSize+17)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != int64(3*DownloadBufferSize+17) {
		t.Errorf("copied %d bytes", n)
	}
	if dst.maxWrite > DownloadBufferSize {
		t.Errorf("write of %d bytes exceeds buffer size", dst.maxWrite)
	}
}

type countingWriter struct {
	maxWrite int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if len(p) > c.maxWrite {
		c.maxWrite = len(p)
	}
	return len(p), nil
}
