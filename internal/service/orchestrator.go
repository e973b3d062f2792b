package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/archivejobs/internal/domain"
	"github.com/timmy/archivejobs/internal/logger"
	"github.com/timmy/archivejobs/internal/metrics"
	"github.com/timmy/archivejobs/internal/repository"
	"github.com/timmy/archivejobs/internal/source"
)

var (
	// ErrShuttingDown is returned by StartDownload once Shutdown has begun.
	ErrShuttingDown = errors.New("service is shutting down")

	errUserCancel = errors.New("cancelled by user")
	errShutdown   = errors.New("interrupted: service shutting down")
)

// ArtifactMirror uploads a finished artifact and returns its URL.
type ArtifactMirror interface {
	Put(ctx context.Context, ownerID, jobID, localPath string) (string, error)
}

// StartRequest is one request to download a dataset. Credentials are held
// in memory for the lifetime of the execution unit and never persisted.
type StartRequest struct {
	UserID    string
	DatasetID string
	Username  string
	Password  string
	Filters   map[string]string // Optional search filters, empty values are dropped
}

func (r StartRequest) validate() error {
	switch {
	case r.DatasetID == "":
		return fmt.Errorf("%w: dataset_id is required", domain.ErrInvalidRequest)
	case !isPlainName(r.DatasetID):
		return fmt.Errorf("%w: dataset_id %q must not contain path separators", domain.ErrInvalidRequest, r.DatasetID)
	case r.UserID == "" || !isPlainName(r.UserID):
		return fmt.Errorf("%w: invalid user id", domain.ErrInvalidRequest)
	case r.Username == "" || r.Password == "":
		return fmt.Errorf("%w: archive username and password are required", domain.ErrInvalidRequest)
	}
	return nil
}

// OrchestratorConfig holds orchestrator settings.
type OrchestratorConfig struct {
	MaxConcurrentJobs int
	FileWorkers       int
	ProgressEvery     int
	DownloadsDir      string
	JobScopedDirs     bool
	KeepRawFiles      bool

	Mirror  ArtifactMirror // nil disables mirroring
	Metrics metrics.Sink   // nil uses a no-op sink
}

// Orchestrator accepts download requests and runs each one as an
// execution unit on a bounded pool of background slots.
type Orchestrator struct {
	store   repository.JobStore
	clients source.ClientFactory
	mirror  ArtifactMirror
	metrics metrics.Sink
	cfg     OrchestratorConfig
	clock   func() time.Time

	slots chan struct{}
	wg    sync.WaitGroup

	baseCtx    context.Context
	cancelBase context.CancelCauseFunc

	mu     sync.Mutex
	closed bool
	active map[string]context.CancelCauseFunc
}

// NewOrchestrator creates an orchestrator.
// Parameters:
//   - store: job store; each execution unit works on store.Isolated().
//   - clients: builds one archive client per job from its credentials.
//   - cfg: concurrency, layout and optional collaborators.
// Returns:
//   - *Orchestrator: ready to accept requests.
func NewOrchestrator(store repository.JobStore, clients source.ClientFactory, cfg OrchestratorConfig) *Orchestrator {
	if cfg.MaxConcurrentJobs < 1 {
		cfg.MaxConcurrentJobs = 1
	}
	if cfg.FileWorkers < 1 {
		cfg.FileWorkers = 1
	}
	if cfg.ProgressEvery < 1 {
		cfg.ProgressEvery = 1
	}
	if cfg.DownloadsDir == "" {
		cfg.DownloadsDir = "downloads"
	}
	if abs, err := filepath.Abs(cfg.DownloadsDir); err == nil {
		cfg.DownloadsDir = abs
	}
	sink := cfg.Metrics
	if sink == nil {
		sink = metrics.NewNoopSink()
	}

	baseCtx, cancel := context.WithCancelCause(context.Background())
	return &Orchestrator{
		store:      store,
		clients:    clients,
		mirror:     cfg.Mirror,
		metrics:    sink,
		cfg:        cfg,
		clock:      time.Now,
		slots:      make(chan struct{}, cfg.MaxConcurrentJobs),
		baseCtx:    baseCtx,
		cancelBase: cancel,
		active:     make(map[string]context.CancelCauseFunc),
	}
}

func (o *Orchestrator) now() time.Time {
	return o.clock().UTC()
}

// StartDownload records a pending job and schedules its execution unit.
// It returns as soon as the job is committed; it never waits for a slot.
// Parameters:
//   - ctx: request context; its logger fields are carried into the unit.
//   - req: requester, dataset and archive credentials.
// Returns:
//   - *domain.DownloadJob: the pending job.
//   - error: domain.ErrInvalidRequest, ErrShuttingDown, or wrapped domain.ErrStorage.
func (o *Orchestrator) StartDownload(ctx context.Context, req StartRequest) (*domain.DownloadJob, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if o.isClosed() {
		return nil, ErrShuttingDown
	}

	now := o.now()
	job := &domain.DownloadJob{
		ID:        uuid.New().String(),
		OwnerID:   req.UserID,
		DatasetID: req.DatasetID,
		Status:    domain.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.Create(ctx, job); err != nil {
		return nil, err
	}

	if err := o.launch(ctx, job.ID, req); err != nil {
		// Shutdown began between the check and the insert.
		if abortErr := o.store.Abort(ctx, job.ID, domain.Failed(errShutdown.Error(), nil, o.now())); abortErr != nil {
			logger.CtxWarn(ctx, "Failed to settle job rejected during shutdown: job_id=%s, error=%v", job.ID, abortErr)
		}
		return nil, err
	}

	logger.CtxInfo(ctx, "Download job accepted: job_id=%s, dataset_id=%s", job.ID, job.DatasetID)
	return job, nil
}

func (o *Orchestrator) launch(ctx context.Context, jobID string, req StartRequest) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrShuttingDown
	}
	unitCtx, cancel := context.WithCancelCause(o.baseCtx)
	o.active[jobID] = cancel
	o.wg.Add(1)
	o.mu.Unlock()

	// Carry request-scoped log fields, not the request's cancellation.
	unitCtx = logger.FromContext(ctx).WithContext(unitCtx)
	unitCtx = logger.SetJobFields(unitCtx, jobID, req.UserID, req.DatasetID)
	unitCtx = logger.SetComponent(unitCtx, "orchestrator")

	o.metrics.JobQueued()
	go o.run(unitCtx, jobID, req)
	return nil
}

func (o *Orchestrator) run(ctx context.Context, jobID string, req StartRequest) {
	defer o.wg.Done()
	defer o.release(jobID)

	select {
	case o.slots <- struct{}{}:
	case <-ctx.Done():
		o.metrics.JobDequeued()
		o.settleQueued(ctx, jobID)
		return
	}
	defer func() { <-o.slots }()
	o.metrics.JobDequeued()

	o.execute(ctx, jobID, req)
}

// settleQueued handles a unit whose context ended before it got a slot.
// A user cancel has already been committed by Cancel; a shutdown leaves
// the job pending, so it is failed here.
func (o *Orchestrator) settleQueued(ctx context.Context, jobID string) {
	if !errors.Is(context.Cause(ctx), errShutdown) {
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := o.store.Abort(writeCtx, jobID, domain.Failed(errShutdown.Error(), nil, o.now()))
	if err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		logger.CtxWarn(ctx, "Failed to settle queued job on shutdown: %v", err)
	}
}

func (o *Orchestrator) release(jobID string) {
	o.mu.Lock()
	cancel, ok := o.active[jobID]
	delete(o.active, jobID)
	o.mu.Unlock()
	if ok {
		cancel(nil)
	}
}

// IsLive reports whether an execution unit of this process owns the job.
func (o *Orchestrator) IsLive(jobID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[jobID]
	return ok
}

// ActiveCount returns the number of queued or running units.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Orchestrator) cancelUnit(jobID string, cause error) bool {
	o.mu.Lock()
	cancel, ok := o.active[jobID]
	o.mu.Unlock()
	if ok {
		cancel(cause)
	}
	return ok
}

// Cancel stops a job owned by requester. A queued job is committed as
// cancelled immediately; a running job is signalled and settles as
// cancelled at its next file boundary.
// Returns:
//   - *domain.DownloadJob: the job after the request took effect.
//   - error: domain.ErrJobNotFound, domain.ErrInvalidTransition for terminal jobs, or wrapped domain.ErrStorage.
func (o *Orchestrator) Cancel(ctx context.Context, jobID, requester string) (*domain.DownloadJob, error) {
	job, err := o.store.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != requester {
		return nil, domain.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: job %s is already %s", domain.ErrInvalidTransition, jobID, job.Status)
	}

	if job.Status == domain.JobStatusRunning && o.cancelUnit(jobID, errUserCancel) {
		logger.CtxInfo(ctx, "Cancellation requested for running job: job_id=%s", jobID)
		return job, nil
	}

	// Pending, or running without a unit in this process. If the unit
	// claimed the job in the meantime the cancel still wins the CAS and the
	// unit stops once its own writes are rejected.
	if err := o.store.Transition(ctx, jobID, domain.Cancelled(nil, o.now())); err != nil {
		return nil, err
	}
	o.cancelUnit(jobID, errUserCancel)

	logger.CtxInfo(ctx, "Job cancelled before completion: job_id=%s, was=%s", jobID, job.Status)
	return o.store.GetByID(ctx, jobID)
}

// Wait blocks until every execution unit has returned or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting requests and waits for running units. If ctx
// expires first, the remaining units are interrupted and recorded as failed.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	err := o.Wait(ctx)
	if err == nil {
		return nil
	}

	logger.Warn("Shutdown deadline reached, interrupting %d execution units", o.ActiveCount())
	o.cancelBase(errShutdown)

	grace, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if waitErr := o.Wait(grace); waitErr != nil {
		return fmt.Errorf("execution units did not stop: %w", waitErr)
	}
	return err
}
