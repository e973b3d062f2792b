package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/timmy/archivejobs/internal/domain"
	"github.com/timmy/archivejobs/internal/logger"
	"github.com/timmy/archivejobs/internal/metrics"
	"github.com/timmy/archivejobs/internal/packager"
	"github.com/timmy/archivejobs/internal/repository"
	"github.com/timmy/archivejobs/internal/source"
)

// errSettled means another writer already moved the job to a terminal
// status; the unit must not write again.
var errSettled = errors.New("job settled elsewhere")

// unit is one execution of one job. It owns its store handle and its
// archive client; nothing in it is shared with other units.
type unit struct {
	o      *Orchestrator
	store  repository.JobStore
	client source.Archive
	jobID  string
	req    StartRequest
	layout jobLayout

	progress domain.Progress
	started  time.Time
	status   string

	loginMu  sync.Mutex
	loginGen int
}

// fileResult is the outcome of one file, after at most one retry.
type fileResult struct {
	entry   source.Entry
	bytes   int64
	err     error
	retried bool
	aborted bool // interrupted by cancellation, not counted
}

// execute runs the unit and guarantees that a job it moved to running
// does not stay non-terminal, even if the unit panics.
func (o *Orchestrator) execute(ctx context.Context, jobID string, req StartRequest) {
	u := &unit{
		o:      o,
		store:  o.store.Isolated(),
		client: &instrumentedArchive{next: o.clients(req.Username, req.Password), sink: o.metrics},
		jobID:  jobID,
		req:    req,
		layout: o.layout(req.UserID, req.DatasetID, jobID),
	}
	wctx := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.CtxError(ctx, "Execution unit panicked: %v\n%s", r, debug.Stack())
			u.abort(wctx, fmt.Sprintf("internal error: %v", r))
		}
		u.report(ctx)
	}()

	u.run(ctx, wctx)
}

// run drives the job. ctx carries cancellation; wctx is used for store
// writes so that a cancelled job can still record its terminal status.
func (u *unit) run(ctx, wctx context.Context) {
	job, err := u.store.GetByID(wctx, u.jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			logger.CtxWarn(ctx, "Job vanished before execution")
			return
		}
		logger.CtxError(ctx, "Failed to load job: %v", err)
		u.abort(wctx, err.Error())
		return
	}
	if job.Status != domain.JobStatusPending {
		logger.CtxInfo(ctx, "Job is already %s, not running it", job.Status)
		return
	}

	now := u.o.now()
	if err := u.store.Transition(wctx, u.jobID, domain.Running(now)); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrJobNotFound) {
			logger.CtxInfo(ctx, "Job was settled before it could start: %v", err)
			return
		}
		logger.CtxError(ctx, "Failed to mark job running: %v", err)
		u.abort(wctx, err.Error())
		return
	}
	u.started = now
	u.o.metrics.JobStarted()
	logger.CtxInfo(ctx, "Job running")

	upd, err := u.work(ctx, wctx)
	switch {
	case errors.Is(err, errSettled):
		u.status = "superseded"
		logger.CtxWarn(ctx, "Job was settled by another writer, stopping")
	case err != nil:
		u.abort(wctx, err.Error())
	default:
		u.commit(wctx, upd)
	}
}

// work performs login, search, downloads and packaging and returns the
// terminal update to commit. A non-nil error means a store write failed.
func (u *unit) work(ctx, wctx context.Context) (domain.JobUpdate, error) {
	if _, err := u.client.Login(ctx); err != nil {
		if ctx.Err() != nil {
			return u.interrupted(ctx), nil
		}
		logger.CtxWarn(ctx, "Archive login failed: %v", err)
		return domain.Failed(err.Error(), nil, u.o.now()), nil
	}

	entries, err := u.client.Search(ctx, u.req.DatasetID, u.req.Filters)
	if err != nil {
		if ctx.Err() != nil {
			return u.interrupted(ctx), nil
		}
		logger.CtxWarn(ctx, "Dataset search failed: %v", err)
		return domain.Failed(err.Error(), nil, u.o.now()), nil
	}

	files, skipped := planFiles(entries)
	u.progress = domain.Progress{Total: len(entries), Skipped: skipped}
	for i := 0; i < skipped; i++ {
		u.o.metrics.FileOutcome(metrics.FileSkipped)
	}
	logger.With(logger.Fields{"files_total": len(entries), "files_skipped": skipped}).
		Info(ctx, "Dataset search returned %d entries, %d to download", len(entries), len(files))

	if err := u.persist(wctx); err != nil {
		return domain.JobUpdate{}, err
	}

	if err := os.MkdirAll(u.layout.rawDir, 0o755); err != nil {
		return domain.Failed(fmt.Sprintf("create output directory: %v", err), u.snapshot(), u.o.now()), nil
	}

	if err := u.downloadAll(ctx, wctx, files); err != nil {
		return domain.JobUpdate{}, err
	}
	if ctx.Err() != nil {
		u.removeRaw(ctx)
		return u.interrupted(ctx), nil
	}

	if u.progress.Downloaded == 0 {
		u.removeRaw(ctx)
		return domain.Failed(domain.ErrMessageNoFiles, u.snapshot(), u.o.now()), nil
	}

	count, err := packager.ZipDir(u.layout.rawDir, u.layout.artifact)
	if err != nil {
		logger.CtxError(ctx, "Packaging failed: %v", err)
		return domain.Failed(fmt.Sprintf("packaging failed: %v", err), u.snapshot(), u.o.now()), nil
	}
	logger.With(nil).WithCount(count).Info(ctx, "Artifact written: %s", u.layout.artifact)

	var artifactURL string
	if u.o.mirror != nil {
		artifactURL, err = u.o.mirror.Put(ctx, u.req.UserID, u.jobID, u.layout.artifact)
		if err != nil {
			logger.CtxWarn(ctx, "Artifact mirror upload failed, serving from local disk only: %v", err)
			artifactURL = ""
		}
	}

	u.removeRaw(ctx)
	return domain.Completed(u.layout.artifact, artifactURL, u.progress, u.o.now()), nil
}

// downloadAll fans files out to the configured number of workers and
// collects results on the calling goroutine, which is the only writer of
// the progress counters.
func (u *unit) downloadAll(ctx, wctx context.Context, files []source.Entry) error {
	workCtx, stop := context.WithCancel(ctx)
	defer stop()

	workers := u.o.cfg.FileWorkers
	if workers > len(files) {
		workers = len(files)
	}

	items := make(chan source.Entry)
	results := make(chan fileResult, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for e := range items {
				res := u.fetch(workCtx, e)
				select {
				case results <- res:
				case <-workCtx.Done():
					// Collector may be gone; the job is settling anyway.
				}
			}
		}()
	}

	go func() {
		defer close(items)
		for _, e := range files {
			if workCtx.Err() != nil {
				return
			}
			select {
			case items <- e:
			case <-workCtx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var storeErr error
	processed := 0
	for res := range results {
		if res.aborted {
			continue
		}
		u.record(ctx, res)
		processed++
		if storeErr == nil && processed%u.o.cfg.ProgressEvery == 0 {
			if err := u.persist(wctx); err != nil {
				storeErr = err
				stop()
			}
		}
	}
	return storeErr
}

// fetch downloads one file. An auth failure triggers exactly one re-login
// and one retry of the same file; any other failure is final.
func (u *unit) fetch(ctx context.Context, e source.Entry) (res fileResult) {
	if ctx.Err() != nil {
		return fileResult{entry: e, aborted: true}
	}
	defer func() {
		if r := recover(); r != nil {
			logger.CtxError(ctx, "Download panicked: identifier=%s, panic=%v\n%s", e.Identifier, r, debug.Stack())
			res = fileResult{entry: e, err: fmt.Errorf("internal error: %v", r)}
		}
	}()
	fctx := logger.WithField(ctx, logger.FieldRecordID, e.RecordID)
	dest := filepath.Join(u.layout.rawDir, e.Identifier)

	gen := u.sessionGen()
	n, err := u.client.DownloadFile(fctx, e.RecordID, e.Identifier, dest)
	res = fileResult{entry: e, bytes: n, err: err}

	if err != nil && source.IsAuth(err) && ctx.Err() == nil {
		res.retried = true
		logger.CtxInfo(fctx, "Session rejected, logging in again: identifier=%s", e.Identifier)
		if lerr := u.relogin(fctx, gen); lerr != nil {
			res.err = fmt.Errorf("re-login failed: %w", lerr)
		} else {
			res.bytes, res.err = u.client.DownloadFile(fctx, e.RecordID, e.Identifier, dest)
		}
	}

	if res.err != nil && ctx.Err() != nil {
		res.aborted = true
	}
	return res
}

func (u *unit) sessionGen() int {
	u.loginMu.Lock()
	defer u.loginMu.Unlock()
	return u.loginGen
}

// relogin refreshes the session unless another worker already did so
// after seenGen was observed.
func (u *unit) relogin(ctx context.Context, seenGen int) error {
	u.loginMu.Lock()
	defer u.loginMu.Unlock()
	if u.loginGen != seenGen {
		return nil
	}
	_, err := u.client.Login(ctx)
	u.o.metrics.Relogin(err == nil)
	if err != nil {
		return err
	}
	u.loginGen++
	return nil
}

func (u *unit) record(ctx context.Context, res fileResult) {
	if res.retried {
		u.o.metrics.FileOutcome(metrics.FileRetried)
	}
	if res.err != nil {
		u.progress.Failed++
		u.o.metrics.FileOutcome(metrics.FileFailed)
		logger.CtxWarn(ctx, "File failed, continuing: identifier=%s, record_id=%s, error=%v",
			res.entry.Identifier, res.entry.RecordID, res.err)
		return
	}
	u.progress.Downloaded++
	u.o.metrics.FileOutcome(metrics.FileDownloaded)
	logger.With(nil).WithSize(res.bytes).Debug(ctx, "File downloaded: identifier=%s", res.entry.Identifier)
}

func (u *unit) snapshot() *domain.Progress {
	p := u.progress
	return &p
}

// persist stores the current counters. A rejected write means the job was
// settled by another writer.
func (u *unit) persist(wctx context.Context) error {
	err := u.store.UpdateProgress(wctx, u.jobID, u.progress)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrJobNotFound):
		return errSettled
	default:
		return err
	}
}

func (u *unit) interrupted(ctx context.Context) domain.JobUpdate {
	if errors.Is(context.Cause(ctx), errShutdown) {
		return domain.Failed(errShutdown.Error(), u.snapshot(), u.o.now())
	}
	return domain.Cancelled(u.snapshot(), u.o.now())
}

// commit writes the terminal update. A storage failure gets one
// best-effort failure write; a rejected transition means someone else
// already settled the job.
func (u *unit) commit(wctx context.Context, upd domain.JobUpdate) {
	err := u.store.Transition(wctx, u.jobID, upd)
	switch {
	case err == nil:
		u.status = string(upd.Status)
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrJobNotFound):
		u.status = "superseded"
		logger.CtxWarn(wctx, "Terminal write rejected: %v", err)
	default:
		logger.CtxError(wctx, "Terminal write failed: %v", err)
		u.abort(wctx, err.Error())
	}
}

// abort is the best-effort failure write used after storage errors and
// panics. It succeeds from pending or running.
func (u *unit) abort(wctx context.Context, message string) {
	err := u.store.Abort(wctx, u.jobID, domain.Failed(message, u.snapshot(), u.o.now()))
	switch {
	case err == nil:
		u.status = string(domain.JobStatusFailed)
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrJobNotFound):
		u.status = "superseded"
	default:
		u.status = "unrecorded"
		logger.CtxError(wctx, "Best-effort failure write did not succeed, job left for the reaper: %v", err)
	}
}

func (u *unit) report(ctx context.Context) {
	if u.started.IsZero() {
		return
	}
	if u.status == "" {
		u.status = "unrecorded"
	}
	d := u.o.now().Sub(u.started)
	u.o.metrics.JobFinished(u.status, d)
	logger.With(logger.Fields{
		"files_total":      u.progress.Total,
		"files_downloaded": u.progress.Downloaded,
		"files_failed":     u.progress.Failed,
		"files_skipped":    u.progress.Skipped,
	}).WithDuration(d).WithStatus(u.status).Info(ctx, "Job finished")
}

func (u *unit) removeRaw(ctx context.Context) {
	if u.o.cfg.KeepRawFiles {
		return
	}
	if err := os.RemoveAll(u.layout.rawDir); err != nil {
		logger.CtxWarn(ctx, "Failed to remove raw files: %v", err)
		return
	}
	if u.o.cfg.JobScopedDirs {
		// Drops the dataset directory only once no other job uses it.
		os.Remove(filepath.Dir(u.layout.rawDir))
	}
}
