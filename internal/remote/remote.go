// Package remote manages the trusted sources updates are discovered from
// and the cached, signed metadata index built from them.
package remote

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fwctl/fwctl/internal/errdefs"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"gopkg.in/yaml.v3"
)

// Kind classifies how a remote is reached.
type Kind string

const (
	KindDownload  Kind = "download"
	KindLocalDir  Kind = "local-directory"
	KindLocalFile Kind = "local-file"
)

// Remote is one named, ordered source of metadata and firmware.
type Remote struct {
	ID string `yaml:"-"`

	Kind             Kind   `yaml:"kind"`
	Enabled          bool   `yaml:"enabled"`
	Title            string `yaml:"title"`
	MetadataURI      string `yaml:"metadata-uri"`
	SignatureURI     string `yaml:"signature-uri"`
	ReportURI        string `yaml:"report-uri"`
	Path             string `yaml:"path"` // local-directory / local-file
	RefreshAge       int64  `yaml:"refresh-age"` // seconds
	Priority         int    `yaml:"priority"`
	AutomaticReports bool   `yaml:"automatic-reports"`
	SignedMetadata   bool   `yaml:"signed-metadata"`
	SignedPayload    bool   `yaml:"signed-payload"`
	PublicKeyFile    string `yaml:"public-key"`

	keys jwk.Set
}

// DefaultRefreshAge applies when a remote declares none.
const DefaultRefreshAge = 24 * time.Hour

// StaleAge is the soft-warning threshold for metadata age.
const StaleAge = 30 * 24 * time.Hour

// RefreshInterval returns the TTL of the remote's cached metadata.
func (r *Remote) RefreshInterval() time.Duration {
	if r.RefreshAge <= 0 {
		return DefaultRefreshAge
	}
	return time.Duration(r.RefreshAge) * time.Second
}

// Keys returns the remote's trusted verification keys, loading them on first
// use.
func (r *Remote) Keys() (jwk.Set, error) {
	if r.keys != nil {
		return r.keys, nil
	}
	if r.PublicKeyFile == "" {
		return nil, fmt.Errorf("remote %s declares no public key: %w", r.ID, errdefs.ErrSignatureInvalid)
	}
	data, err := os.ReadFile(r.PublicKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key for remote %s: %w", r.ID, err)
	}
	keys, err := jwk.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key for remote %s: %w: %w", r.ID, err, errdefs.ErrSignatureInvalid)
	}
	r.keys = keys
	return keys, nil
}

// SetKeys overrides the trusted keys; used by tests and in-memory remotes.
func (r *Remote) SetKeys(keys jwk.Set) { r.keys = keys }

// Validate checks the remote definition for structural problems.
func (r *Remote) Validate() error {
	switch r.Kind {
	case KindDownload:
		if r.MetadataURI == "" {
			return fmt.Errorf("remote %s has no metadata-uri: %w", r.ID, errdefs.ErrInvalidArgs)
		}
		if r.SignedMetadata && r.SignatureURI == "" {
			return fmt.Errorf("remote %s requires signed metadata but has no signature-uri: %w", r.ID, errdefs.ErrInvalidArgs)
		}
	case KindLocalDir, KindLocalFile:
		if r.Path == "" {
			return fmt.Errorf("remote %s has no path: %w", r.ID, errdefs.ErrInvalidArgs)
		}
	default:
		return fmt.Errorf("remote %s has unknown kind %q: %w", r.ID, r.Kind, errdefs.ErrInvalidArgs)
	}
	return nil
}

// ParseRemote parses one remote definition document.
func ParseRemote(id string, data []byte) (*Remote, error) {
	r := &Remote{Enabled: true}
	if err := yaml.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("failed to parse remote %s: %w: %w", id, err, errdefs.ErrInvalidFile)
	}
	r.ID = id
	if r.Kind == "" {
		r.Kind = KindDownload
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// LoadAll reads every *.conf remote definition in dir, ordered by priority
// descending then id.
func LoadAll(dir string) ([]*Remote, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.conf"))
	if err != nil {
		return nil, err
	}
	var out []*Remote
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read remote definition %s: %w", path, err)
		}
		id := strings.TrimSuffix(filepath.Base(path), ".conf")
		r, err := ParseRemote(id, data)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
