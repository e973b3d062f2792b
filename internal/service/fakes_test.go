package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/timmy/archivejobs/internal/domain"
	"github.com/timmy/archivejobs/internal/repository"
	"github.com/timmy/archivejobs/internal/source"
)

// memStore is an in-memory repository.JobStore with the same conditional
// transition semantics as the gorm repository.
type memStore struct {
	mu   sync.Mutex
	jobs map[string]domain.DownloadJob

	progressErr error // returned by UpdateProgress when set
	runningErr  error // returned by the pending->running transition when set
	writes      []domain.JobStatus
}

var _ repository.JobStore = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]domain.DownloadJob)}
}

func (m *memStore) Isolated() repository.JobStore { return m }

func (m *memStore) Create(ctx context.Context, job *domain.DownloadJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("%w: duplicate id", domain.ErrStorage)
	}
	m.jobs[job.ID] = *job
	return nil
}

func (m *memStore) GetByID(ctx context.Context, id string) (*domain.DownloadJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return &job, nil
}

func (m *memStore) Transition(ctx context.Context, id string, upd domain.JobUpdate) error {
	m.mu.Lock()
	err := m.runningErr
	m.mu.Unlock()
	if err != nil && upd.Status == domain.JobStatusRunning {
		return err
	}
	return m.apply(id, domain.Predecessors(upd.Status), upd)
}

func (m *memStore) Abort(ctx context.Context, id string, upd domain.JobUpdate) error {
	return m.apply(id, domain.NonTerminal, upd)
}

func (m *memStore) UpdateProgress(ctx context.Context, id string, p domain.Progress) error {
	m.mu.Lock()
	err := m.progressErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.apply(id, []domain.JobStatus{domain.JobStatusRunning}, domain.JobUpdate{Progress: &p})
}

func (m *memStore) apply(id string, from []domain.JobStatus, upd domain.JobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	allowed := false
	for _, s := range from {
		if job.Status == s {
			allowed = true
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s cannot apply %q", domain.ErrInvalidTransition, job.Status, upd.Status)
	}

	if upd.Status != "" {
		job.Status = upd.Status
		m.writes = append(m.writes, upd.Status)
	}
	if upd.OutputPath != nil {
		v := *upd.OutputPath
		job.OutputPath = &v
	}
	if upd.Error != nil {
		v := *upd.Error
		job.Error = &v
	}
	if upd.ArtifactURL != "" {
		job.ArtifactURL = upd.ArtifactURL
	}
	if p := upd.Progress; p != nil {
		job.FilesTotal, job.FilesDownloaded, job.FilesFailed, job.FilesSkipped = p.Total, p.Downloaded, p.Failed, p.Skipped
	}
	if upd.StartedAt != nil {
		job.StartedAt = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		job.CompletedAt = upd.CompletedAt
	}
	job.UpdatedAt = time.Now().UTC()
	m.jobs[id] = job
	return nil
}

func (m *memStore) ListByOwner(ctx context.Context, ownerID string, status *domain.JobStatus, limit int) ([]domain.DownloadJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DownloadJob
	for _, j := range m.jobs {
		if j.OwnerID != ownerID || (status != nil && j.Status != *status) {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ListStale(ctx context.Context, before time.Time, limit int) ([]domain.DownloadJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DownloadJob
	for _, j := range m.jobs {
		if !j.Status.IsTerminal() && j.UpdatedAt.Before(before) {
			out = append(out, j)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) put(job domain.DownloadJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
}

// fakeArchive scripts archive behavior per call.
type fakeArchive struct {
	mu           sync.Mutex
	entries      []source.Entry
	loginErrs    []error            // consumed per Login call, then success
	searchErr    error
	searchPanic  bool
	downloadErrs map[string][]error // consumed per DownloadFile call per identifier, then success
	loginDelay   time.Duration

	// beforeDownload runs before every download; a non-nil return is the call's error.
	beforeDownload func(ctx context.Context, identifier string) error

	logins    int
	searches  int
	downloads map[string]int

	inFlight    int
	maxInFlight int
}

var _ source.Archive = (*fakeArchive)(nil)

func (f *fakeArchive) Login(ctx context.Context) (*source.Session, error) {
	f.mu.Lock()
	f.logins++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	var err error
	if len(f.loginErrs) > 0 {
		err, f.loginErrs = f.loginErrs[0], f.loginErrs[1:]
	}
	delay := f.loginDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &source.Session{AccessToken: "tok"}, nil
}

func (f *fakeArchive) Search(ctx context.Context, datasetID string, filters map[string]string) ([]source.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches++
	if f.searchPanic {
		panic("search blew up")
	}
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return append([]source.Entry(nil), f.entries...), nil
}

func (f *fakeArchive) DownloadFile(ctx context.Context, recordID, identifier, destination string) (int64, error) {
	f.mu.Lock()
	if f.downloads == nil {
		f.downloads = make(map[string]int)
	}
	f.downloads[identifier]++
	var err error
	if errs := f.downloadErrs[identifier]; len(errs) > 0 {
		err, f.downloadErrs[identifier] = errs[0], errs[1:]
	}
	hook := f.beforeDownload
	f.mu.Unlock()

	if hook != nil {
		if herr := hook(ctx, identifier); herr != nil {
			return 0, herr
		}
	}
	if err != nil {
		return 0, err
	}
	body := []byte("data:" + identifier)
	if werr := os.WriteFile(destination, body, 0o644); werr != nil {
		return 0, &source.Error{Op: "download", Kind: source.KindIO, Err: werr}
	}
	return int64(len(body)), nil
}

func (f *fakeArchive) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

func (f *fakeArchive) downloadCount(identifier string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloads[identifier]
}

func authErr() error {
	return &source.Error{Op: "download", Kind: source.KindAuth, StatusCode: 401, Err: errors.New("token expired")}
}

func remoteErr() error {
	return &source.Error{Op: "download", Kind: source.KindRemote, StatusCode: 500, Err: errors.New("server error")}
}

func entries(ids ...string) []source.Entry {
	out := make([]source.Entry, len(ids))
	for i, id := range ids {
		out[i] = source.Entry{RecordID: fmt.Sprintf("r%d", i+1), Identifier: id}
	}
	return out
}

type harness struct {
	t       *testing.T
	store   *memStore
	archive *fakeArchive
	orch    *Orchestrator
	dir     string

	mu        sync.Mutex
	factories int
}

func newHarness(t *testing.T, archive *fakeArchive, mutate func(*OrchestratorConfig)) *harness {
	t.Helper()
	h := &harness{t: t, store: newMemStore(), archive: archive, dir: t.TempDir()}
	cfg := OrchestratorConfig{
		MaxConcurrentJobs: 2,
		FileWorkers:       1,
		ProgressEvery:     1,
		DownloadsDir:      h.dir,
		JobScopedDirs:     true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.orch = NewOrchestrator(h.store, func(username, password string) source.Archive {
		h.mu.Lock()
		h.factories++
		h.mu.Unlock()
		return archive
	}, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.orch.Shutdown(ctx)
	})
	return h
}

func (h *harness) start(user, dataset string) *domain.DownloadJob {
	h.t.Helper()
	job, err := h.orch.StartDownload(context.Background(), StartRequest{
		UserID: user, DatasetID: dataset, Username: "alice", Password: "secret",
	})
	if err != nil {
		h.t.Fatalf("StartDownload() error: %v", err)
	}
	return job
}

func (h *harness) wait() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.orch.Wait(ctx); err != nil {
		h.t.Fatalf("units did not finish: %v", err)
	}
}

func (h *harness) job(id string) *domain.DownloadJob {
	h.t.Helper()
	job, err := h.store.GetByID(context.Background(), id)
	if err != nil {
		h.t.Fatalf("GetByID(%s) error: %v", id, err)
	}
	return job
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
