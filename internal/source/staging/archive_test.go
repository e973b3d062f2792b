package staging

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/timmy/archivejobs/internal/source"
)

// writeDataset lays out a dataset with the given manifest lines and files.
func writeDataset(t *testing.T, root, dataset string, lines []string, files map[string]string) {
	t.Helper()
	dir := filepath.Join(root, dataset, FilesDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(root, dataset, ManifestFileName), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func sampleRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeDataset(t, root, "3RIMG_L1B", []string{
		`{"id":"r2","identifier":"b.h5","attributes":{"band":"TIR1"}}`,
		`not json`,
		`{"id":"r1","identifier":"a.h5","attributes":{"band":"VIS"}}`,
		``,
		`{"id":"","identifier":"orphan.h5"}`,
		`{"id":"r3","identifier":"gone.h5"}`,
	}, map[string]string{"a.h5": "alpha", "b.h5": "bravo"})
	return root
}

func TestArchive_Login(t *testing.T) {
	tests := []struct {
		name     string
		accounts map[string]string
		user     string
		pass     string
		wantKind source.Kind
	}{
		{name: "any credentials", user: "alice", pass: "x"},
		{name: "missing password", user: "alice", wantKind: source.KindAuth},
		{name: "known account", accounts: map[string]string{"alice": "secret"}, user: "alice", pass: "secret"},
		{name: "wrong password", accounts: map[string]string{"alice": "secret"}, user: "alice", pass: "nope", wantKind: source.KindAuth},
		{name: "unknown account", accounts: map[string]string{"alice": "secret"}, user: "bob", pass: "secret", wantKind: source.KindAuth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewArchive(Config{Root: t.TempDir(), Accounts: tt.accounts}, tt.user, tt.pass)
			sess, err := a.Login(context.Background())
			if tt.wantKind != "" {
				if source.KindOf(err) != tt.wantKind {
					t.Fatalf("expected %s error, got %v", tt.wantKind, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Login() error: %v", err)
			}
			if sess.AccessToken == "" {
				t.Error("expected an access token")
			}
		})
	}
}

func TestArchive_Search(t *testing.T) {
	root := sampleRoot(t)
	a := NewArchive(Config{Root: root}, "alice", "secret")
	ctx := context.Background()

	got, err := a.Search(ctx, "3RIMG_L1B", nil)
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	var ids []string
	for _, e := range got {
		ids = append(ids, e.RecordID+":"+e.Identifier)
	}
	want := ":orphan.h5,r1:a.h5,r2:b.h5,r3:gone.h5"
	if strings.Join(ids, ",") != want {
		t.Errorf("Search() = %v, want %s", ids, want)
	}

	got, err = a.Search(ctx, "3RIMG_L1B", map[string]string{"band": "VIS", "ignored": ""})
	if err != nil {
		t.Fatalf("Search(filter) error: %v", err)
	}
	if len(got) != 1 || got[0].RecordID != "r1" {
		t.Errorf("filtered Search() = %+v", got)
	}

	for _, ds := range []string{"missing", "../etc", ""} {
		if _, err := a.Search(ctx, ds, nil); source.KindOf(err) != source.KindRemote {
			t.Errorf("Search(%q): expected remote error, got %v", ds, err)
		}
	}
}

func TestArchive_DownloadFile(t *testing.T) {
	root := sampleRoot(t)
	out := t.TempDir()
	ctx := context.Background()
	a := NewArchive(Config{Root: root}, "alice", "secret")

	if _, err := a.DownloadFile(ctx, "r1", "a.h5", filepath.Join(out, "a.h5")); source.KindOf(err) != source.KindPrecondition {
		t.Fatalf("download before login: expected precondition error, got %v", err)
	}
	if _, err := a.Login(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Search(ctx, "3RIMG_L1B", nil); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(out, "a.h5")
	n, err := a.DownloadFile(ctx, "r1", "a.h5", dest)
	if err != nil {
		t.Fatalf("DownloadFile() error: %v", err)
	}
	body, _ := os.ReadFile(dest)
	if n != 5 || string(body) != "alpha" {
		t.Errorf("got n=%d body=%q", n, body)
	}
	if _, err := os.Stat(dest + ".part"); !os.IsNotExist(err) {
		t.Error("partial file left behind")
	}

	// Listed in the manifest but its bytes are missing.
	if _, err := a.DownloadFile(ctx, "r3", "gone.h5", filepath.Join(out, "gone.h5")); source.KindOf(err) != source.KindRemote {
		t.Errorf("missing bytes: expected remote error, got %v", err)
	}
	if _, err := a.DownloadFile(ctx, "r9", "x.h5", filepath.Join(out, "x.h5")); source.KindOf(err) != source.KindRemote {
		t.Errorf("unknown record: expected remote error, got %v", err)
	}
	if _, err := a.DownloadFile(ctx, "r2", "b.h5", filepath.Join(out, "no-such-dir", "b.h5")); source.KindOf(err) != source.KindIO {
		t.Errorf("unwritable destination: expected io error, got %v", err)
	}
}

func TestArchive_SessionExpiry(t *testing.T) {
	root := sampleRoot(t)
	out := t.TempDir()
	ctx := context.Background()
	a := NewArchive(Config{Root: root, SessionUses: 1}, "alice", "secret")

	if _, err := a.Login(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Search(ctx, "3RIMG_L1B", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := a.DownloadFile(ctx, "r1", "a.h5", filepath.Join(out, "a.h5")); err != nil {
		t.Fatalf("first download: %v", err)
	}
	_, err := a.DownloadFile(ctx, "r2", "b.h5", filepath.Join(out, "b.h5"))
	if !source.IsAuth(err) {
		t.Fatalf("expected auth error after session expiry, got %v", err)
	}
	if _, err := a.Login(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := a.DownloadFile(ctx, "r2", "b.h5", filepath.Join(out, "b.h5")); err != nil {
		t.Errorf("download after re-login: %v", err)
	}
}

func TestListDatasets(t *testing.T) {
	root := sampleRoot(t)
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := ListDatasets(root)
	if err != nil {
		t.Fatalf("ListDatasets() error: %v", err)
	}
	if len(got) != 1 || got[0] != "3RIMG_L1B" {
		t.Errorf("ListDatasets() = %v", got)
	}

	got, err = ListDatasets(filepath.Join(root, "nope"))
	if err != nil || len(got) != 0 {
		t.Errorf("missing root: got %v, %v", got, err)
	}
}
