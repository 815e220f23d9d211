package cabinet

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fwctl/fwctl/internal/errdefs"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
)

// JcatName is the conventional basename of the detached signature bundle
// inside a cabinet.
const JcatName = "firmware.jcat"

// Jcat is a detached signature bundle: per-entry JWS signatures over the
// archive entries, keyed by lowercased basename.
type Jcat struct {
	Version int        `json:"version"`
	Items   []JcatItem `json:"items"`
}

// JcatItem holds the signatures covering one archive entry.
type JcatItem struct {
	ID    string     `json:"id"`
	Blobs []JcatBlob `json:"blobs"`
}

// JcatBlob is one detached signature. Data is a JWS compact serialization
// with a detached payload.
type JcatBlob struct {
	Kind string `json:"kind"`
	Data string `json:"data"`
}

// ParseJcat parses a signature bundle document.
func ParseJcat(data []byte) (*Jcat, error) {
	var jc Jcat
	if err := json.Unmarshal(data, &jc); err != nil {
		return nil, fmt.Errorf("failed to parse signature bundle: %w: %w", err, errdefs.ErrInvalidFile)
	}
	return &jc, nil
}

// Bytes serializes the bundle.
func (j *Jcat) Bytes() ([]byte, error) {
	return json.MarshalIndent(j, "", "  ")
}

// Item returns the signatures for a basename, case-insensitively.
func (j *Jcat) Item(basename string) *JcatItem {
	basename = strings.ToLower(basename)
	for i := range j.Items {
		if strings.ToLower(j.Items[i].ID) == basename {
			return &j.Items[i]
		}
	}
	return nil
}

// VerifyItem checks that at least one signature on the named entry verifies
// against one of the trusted keys over the given payload bytes.
func (j *Jcat) VerifyItem(basename string, payload []byte, keys jwk.Set) error {
	item := j.Item(basename)
	if item == nil {
		return fmt.Errorf("no signature covers %q: %w", basename, errdefs.ErrSignatureInvalid)
	}
	for _, blob := range item.Blobs {
		if blob.Kind != "jws" {
			continue
		}
		for i := 0; i < keys.Len(); i++ {
			key, ok := keys.Key(i)
			if !ok {
				continue
			}
			_, err := jws.Verify([]byte(blob.Data),
				jws.WithKey(keyAlgorithm(key), key),
				jws.WithDetachedPayload(payload))
			if err == nil {
				return nil
			}
		}
	}
	return fmt.Errorf("no signature on %q verified: %w", basename, errdefs.ErrSignatureInvalid)
}

func keyAlgorithm(key jwk.Key) jwa.SignatureAlgorithm {
	if alg, ok := key.Algorithm().(jwa.SignatureAlgorithm); ok && alg != "" {
		return alg
	}
	return jwa.ES256
}

// AddSignature signs the payload with the private key and appends the
// detached JWS to the entry's item, creating it when absent. Used by signing
// workflows and the test suite.
func (j *Jcat) AddSignature(basename string, payload []byte, key jwk.Key) error {
	sig, err := jws.Sign(nil,
		jws.WithKey(keyAlgorithm(key), key),
		jws.WithDetachedPayload(payload))
	if err != nil {
		return fmt.Errorf("failed to sign %q: %w", basename, err)
	}

	basename = strings.ToLower(basename)
	blob := JcatBlob{Kind: "jws", Data: string(sig)}
	for i := range j.Items {
		if strings.ToLower(j.Items[i].ID) == basename {
			j.Items[i].Blobs = append(j.Items[i].Blobs, blob)
			return nil
		}
	}
	j.Items = append(j.Items, JcatItem{ID: basename, Blobs: []JcatBlob{blob}})
	return nil
}
