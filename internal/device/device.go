// Package device persists the local device identity issued by the registry.
package device

import (
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"time"

	"github.com/smallbiznis/clawtrace/internal/fsutil"
)

var (
	ErrNotRegistered   = errors.New("device_not_registered")
	ErrInvalidDeviceID = errors.New("invalid_device_id")
)

var deviceIDPattern = regexp.MustCompile(`^[a-f0-9]{8,64}$`)

// ValidID reports whether id has the registry's device id format.
func ValidID(id string) bool {
	return deviceIDPattern.MatchString(id)
}

// Identity is the content of device.json.
type Identity struct {
	DeviceID     string    `json:"device_id"`
	DeviceSecret string    `json:"device_secret"`
	Tier         string    `json:"tier,omitempty"`
	RegistryURL  string    `json:"registry_url,omitempty"`
	DashboardURL string    `json:"dashboard_url,omitempty"`
	RegisteredAt time.Time `json:"registered_at,omitempty"`
}

func (i Identity) Validate() error {
	if !ValidID(i.DeviceID) {
		return ErrInvalidDeviceID
	}
	if strings.TrimSpace(i.DeviceSecret) == "" {
		return ErrNotRegistered
	}
	return nil
}

// Load reads the identity file. A missing or incomplete file returns
// ErrNotRegistered.
func Load(path string) (Identity, error) {
	var id Identity
	if err := fsutil.ReadJSON(path, &id); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Identity{}, ErrNotRegistered
		}
		return Identity{}, err
	}
	if err := id.Validate(); err != nil {
		return Identity{}, fmt.Errorf("%s: %w", path, err)
	}
	return id, nil
}

// Save writes the identity atomically, readable by the owner only.
func Save(path string, id Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}
	return fsutil.WriteJSONAtomic(path, id, 0o600)
}
