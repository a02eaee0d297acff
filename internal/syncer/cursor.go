package syncer

import (
	"errors"
	"io/fs"
	"time"

	"github.com/smallbiznis/clawtrace/internal/fsutil"
	"github.com/smallbiznis/clawtrace/internal/usage/domain"
)

// Cursor is the last event acknowledged by the registry.
type Cursor struct {
	Position  domain.Position `json:"position"`
	SentTotal int64           `json:"sent_total"`
	UpdatedAt time.Time       `json:"updated_at,omitempty"`
}

// LoadCursor returns the zero cursor when the file does not exist yet.
func LoadCursor(path string) (Cursor, error) {
	var c Cursor
	if err := fsutil.ReadJSON(path, &c); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Cursor{}, nil
		}
		return Cursor{}, err
	}
	return c, nil
}

func SaveCursor(path string, c Cursor) error {
	return fsutil.WriteJSONAtomic(path, c, 0o600)
}
