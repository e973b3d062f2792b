package source

import "context"

// Session is the short-lived credential pair issued by a remote archive.
// It lives only inside the execution unit that obtained it.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Entry is one addressable file reported by an archive search.
type Entry struct {
	RecordID   string `json:"id"`         // Opaque handle used to fetch bytes
	Identifier string `json:"identifier"` // Human-readable name, used as the file name
}

// Addressable reports whether both the record handle and the file name are present.
func (e Entry) Addressable() bool {
	return e.RecordID != "" && e.Identifier != ""
}

// Archive defines the operations of a remote dataset archive that requires
// a per-session bearer credential.
type Archive interface {
	// Login exchanges the client's credentials for a new session.
	// It may be called again at any time to refresh the session.
	// Parameters:
	//   - ctx: context for cancellation and deadlines.
	// Returns:
	//   - *Session: the newly issued token pair.
	//   - err: KindAuth if credentials are rejected, KindRemote otherwise.
	Login(ctx context.Context) (*Session, error)

	// Search lists the entries of a dataset. Filters with empty values are
	// not sent.
	// Parameters:
	//   - ctx: context for cancellation and deadlines.
	//   - datasetID: dataset to enumerate.
	//   - filters: optional extra query parameters.
	// Returns:
	//   - []Entry: entries as reported by the archive, possibly malformed.
	//   - err: non-nil if the search fails.
	Search(ctx context.Context, datasetID string, filters map[string]string) ([]Entry, error)

	// DownloadFile streams one record to destination.
	// Parameters:
	//   - ctx: context for cancellation and deadlines.
	//   - recordID: record handle from Search.
	//   - identifier: entry identifier, used for logging.
	//   - destination: local file path to write.
	// Returns:
	//   - int64: bytes written.
	//   - err: KindPrecondition without a session, KindAuth if the session
	//     was rejected, KindRemote or KindIO otherwise.
	DownloadFile(ctx context.Context, recordID, identifier, destination string) (int64, error)
}

// ClientFactory builds an Archive bound to one user's archive credentials.
type ClientFactory func(username, password string) Archive
