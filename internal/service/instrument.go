package service

import (
	"context"
	"time"

	"github.com/timmy/archivejobs/internal/metrics"
	"github.com/timmy/archivejobs/internal/source"
)

// instrumentedArchive records latency and errors of every archive call.
type instrumentedArchive struct {
	next source.Archive
	sink metrics.Sink
}

func (a *instrumentedArchive) Login(ctx context.Context) (*source.Session, error) {
	start := time.Now()
	sess, err := a.next.Login(ctx)
	a.sink.ArchiveRequest("login", time.Since(start), err)
	return sess, err
}

func (a *instrumentedArchive) Search(ctx context.Context, datasetID string, filters map[string]string) ([]source.Entry, error) {
	start := time.Now()
	entries, err := a.next.Search(ctx, datasetID, filters)
	a.sink.ArchiveRequest("search", time.Since(start), err)
	return entries, err
}

func (a *instrumentedArchive) DownloadFile(ctx context.Context, recordID, identifier, destination string) (int64, error) {
	start := time.Now()
	n, err := a.next.DownloadFile(ctx, recordID, identifier, destination)
	a.sink.ArchiveRequest("download", time.Since(start), err)
	return n, err
}
