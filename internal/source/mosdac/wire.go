package mosdac

import (
	"bytes"
	"encoding/json"

	"github.com/timmy/archivejobs/internal/source"
)

// looseString decodes a JSON string or number as text. Any other value
// (null, bool, object, array) decodes to "" so the entry is treated as
// unaddressable instead of failing the whole response.
type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		*s = ""
		return nil
	}
	switch data[0] {
	case '"':
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = looseString(v)
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*s = looseString(n.String())
	default:
		*s = ""
	}
	return nil
}

type wireEntry struct {
	ID         looseString `json:"id"`
	Identifier looseString `json:"identifier"`
}

type searchResponse struct {
	Entries []wireEntry `json:"entries"`
}

func (r searchResponse) entries() []source.Entry {
	out := make([]source.Entry, len(r.Entries))
	for i, e := range r.Entries {
		out[i] = source.Entry{RecordID: string(e.ID), Identifier: string(e.Identifier)}
	}
	return out
}
