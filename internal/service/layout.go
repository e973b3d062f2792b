package service

import (
	"path/filepath"
	"strings"

	"github.com/timmy/archivejobs/internal/source"
)

// jobLayout locates a job's raw files and its zip artifact.
type jobLayout struct {
	rawDir   string
	artifact string
}

// layout returns <dir>/user_<u>/<ds>/ and <dir>/user_<u>/<ds>.zip, or with
// job-scoped directories <dir>/user_<u>/<ds>/<job>/ and <dir>/user_<u>/<ds>-<job>.zip.
func (o *Orchestrator) layout(userID, datasetID, jobID string) jobLayout {
	userDir := filepath.Join(o.cfg.DownloadsDir, "user_"+userID)
	if o.cfg.JobScopedDirs {
		return jobLayout{
			rawDir:   filepath.Join(userDir, datasetID, jobID),
			artifact: filepath.Join(userDir, datasetID+"-"+jobID+".zip"),
		}
	}
	return jobLayout{
		rawDir:   filepath.Join(userDir, datasetID),
		artifact: filepath.Join(userDir, datasetID+".zip"),
	}
}

// isPlainName reports whether s can be used as a single path element.
func isPlainName(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, `/\`) && !strings.ContainsRune(s, 0)
}

// planFiles selects the entries to download. Entries without a record id or
// identifier, identifiers that are not plain file names, and repeated
// identifiers are skipped.
func planFiles(entries []source.Entry) (files []source.Entry, skipped int) {
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !e.Addressable() || !isPlainName(e.Identifier) || seen[e.Identifier] {
			skipped++
			continue
		}
		seen[e.Identifier] = true
		files = append(files, e)
	}
	return files, skipped
}
