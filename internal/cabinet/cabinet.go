// Package cabinet parses the signed archive format firmware ships in: a
// deflate-compressed container holding metadata documents, payload blobs and
// an optional detached signature bundle. Entries are indexed by lowercased
// basename; duplicates fail closed.
package cabinet

import (
	"archive/zip"
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/fwctl/fwctl/internal/errdefs"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// TrustLevel summarizes what the detached signatures cover.
type TrustLevel int

const (
	TrustUntrusted TrustLevel = iota
	TrustPayloadSigned
	TrustMetadataSigned
	TrustBothSigned
)

func (t TrustLevel) String() string {
	switch t {
	case TrustPayloadSigned:
		return "payload-signed"
	case TrustMetadataSigned:
		return "metadata-signed"
	case TrustBothSigned:
		return "both-signed"
	}
	return "untrusted"
}

// DefaultSizeMax bounds archive parsing when the caller sets no limit.
const DefaultSizeMax = 512 * 1024 * 1024

type entry struct {
	name string // original basename
	data []byte
}

// Cabinet is a parsed firmware archive.
type Cabinet struct {
	entries map[string]*entry // keyed by lowercased basename
	order   []string          // lowercased basenames in archive order

	components []*Component
	jcat       *Jcat
}

// ParseOption tunes Parse.
type ParseOption func(*parseOptions)

type parseOptions struct {
	sizeMax uint64
}

// WithSizeMax bounds the accepted archive size.
func WithSizeMax(max uint64) ParseOption {
	return func(o *parseOptions) { o.sizeMax = max }
}

// Parse reads a cabinet archive from memory.
func Parse(data []byte, options ...ParseOption) (*Cabinet, error) {
	opts := parseOptions{sizeMax: DefaultSizeMax}
	for _, o := range options {
		o(&opts)
	}
	if uint64(len(data)) > opts.sizeMax {
		return nil, fmt.Errorf("archive is %d bytes, limit is %d: %w",
			len(data), opts.sizeMax, errdefs.ErrInvalidFile)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w: %w", err, errdefs.ErrInvalidFile)
	}

	cab := &Cabinet{entries: map[string]*entry{}}
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		base := path.Base(zf.Name)
		if !isASCII(base) {
			return nil, fmt.Errorf("entry name %q is not ascii: %w", zf.Name, errdefs.ErrInvalidFile)
		}
		key := strings.ToLower(base)
		if _, ok := cab.entries[key]; ok {
			return nil, fmt.Errorf("duplicate entry basename %q: %w", base, errdefs.ErrInvalidFile)
		}
		rc, err := zf.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open entry %q: %w: %w", zf.Name, err, errdefs.ErrInvalidFile)
		}
		blob, err := io.ReadAll(io.LimitReader(rc, int64(opts.sizeMax)+1))
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read entry %q: %w: %w", zf.Name, err, errdefs.ErrInvalidFile)
		}
		if uint64(len(blob)) > opts.sizeMax {
			return nil, fmt.Errorf("entry %q exceeds size limit: %w", zf.Name, errdefs.ErrInvalidFile)
		}
		cab.entries[key] = &entry{name: base, data: blob}
		cab.order = append(cab.order, key)
	}

	if err := cab.index(); err != nil {
		return nil, err
	}
	return cab, nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return false
		}
	}
	return true
}

func isMetadataName(name string) bool {
	return strings.HasSuffix(name, ".metainfo.xml") || strings.HasSuffix(name, ".metainfo.xml.gz") ||
		(strings.HasSuffix(name, ".xml") && !strings.HasSuffix(name, ".jcat.xml"))
}

// index parses metadata and signature entries after the archive is loaded.
func (c *Cabinet) index() error {
	for _, key := range c.order {
		e := c.entries[key]
		switch {
		case key == JcatName:
			jc, err := ParseJcat(e.data)
			if err != nil {
				return err
			}
			c.jcat = jc
		case isMetadataName(key):
			component, err := parseMetadata(e.data)
			if err != nil {
				return err
			}
			c.components = append(c.components, component)
		}
	}
	if len(c.components) == 0 {
		return fmt.Errorf("archive contains no metadata document: %w", errdefs.ErrInvalidFile)
	}
	// every referenced payload must resolve inside the archive
	for _, component := range c.components {
		for _, rel := range component.Releases {
			for _, loc := range rel.Locations {
				if _, err := c.GetBlob(loc); err != nil {
					return fmt.Errorf("component %s references missing payload %q: %w",
						component.ID, loc, errdefs.ErrInvalidFile)
				}
			}
		}
	}
	return nil
}

// GetComponents returns the metadata components in archive order.
func (c *Cabinet) GetComponents() []*Component {
	return c.components
}

// GetBlob returns the entry bytes by basename, case-insensitively. The name
// must be a bare basename; paths escaping the archive are rejected.
func (c *Cabinet) GetBlob(name string) ([]byte, error) {
	base := path.Base(name)
	if base != name || name == "." || name == "/" {
		return nil, fmt.Errorf("payload reference %q is not a basename: %w", name, errdefs.ErrInvalidArgs)
	}
	e, ok := c.entries[strings.ToLower(base)]
	if !ok {
		return nil, fmt.Errorf("archive entry %q: %w", name, errdefs.ErrNotFound)
	}
	return e.data, nil
}

// HasSignature reports whether a detached signature bundle is present.
func (c *Cabinet) HasSignature() bool { return c.jcat != nil }

// Verify checks the detached signature bundle against the trust store and
// reports how much of the archive is covered. Unknown or mismatched
// signatures yield TrustUntrusted, not an error; structural problems do
// error.
func (c *Cabinet) Verify(keys jwk.Set) TrustLevel {
	if c.jcat == nil || keys == nil || keys.Len() == 0 {
		return TrustUntrusted
	}
	metadataSigned := true
	payloadSigned := true
	for _, key := range c.order {
		if key == JcatName {
			continue
		}
		e := c.entries[key]
		err := c.jcat.VerifyItem(key, e.data, keys)
		if isMetadataName(key) {
			metadataSigned = metadataSigned && err == nil
		} else {
			payloadSigned = payloadSigned && err == nil
		}
	}
	switch {
	case metadataSigned && payloadSigned:
		return TrustBothSigned
	case metadataSigned:
		return TrustMetadataSigned
	case payloadSigned:
		return TrustPayloadSigned
	default:
		return TrustUntrusted
	}
}

// VerifyChecksum matches any of the release's declared checksums against the
// payload bytes.
func VerifyChecksum(checksums []Checksum, payload []byte) error {
	if len(checksums) == 0 {
		return fmt.Errorf("release declares no checksums: %w", errdefs.ErrInvalidFile)
	}
	for _, cs := range checksums {
		var digest string
		switch cs.Kind {
		case "sha1":
			sum := sha1.Sum(payload)
			digest = hex.EncodeToString(sum[:])
		case "sha256", "":
			sum := sha256.Sum256(payload)
			digest = hex.EncodeToString(sum[:])
		default:
			continue
		}
		if digest == cs.Value {
			return nil
		}
	}
	return fmt.Errorf("no declared checksum matched the payload: %w", errdefs.ErrInvalidFile)
}

// Write re-emits the archive deterministically: entries sorted by lowercased
// basename, zeroed timestamps, stored uncompressed. The same cabinet always
// serializes to the same bytes so signing workflows are reproducible.
func (c *Cabinet) Write(w io.Writer) error {
	zw := zip.NewWriter(w)
	names := make([]string, len(c.order))
	copy(names, c.order)
	sort.Strings(names)
	for _, key := range names {
		e := c.entries[key]
		hdr := &zip.FileHeader{
			Name:   e.name,
			Method: zip.Store,
		}
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return fmt.Errorf("failed to create entry %q: %w", e.name, err)
		}
		if _, err := fw.Write(e.data); err != nil {
			return fmt.Errorf("failed to write entry %q: %w", e.name, err)
		}
	}
	return zw.Close()
}

// Builder assembles a cabinet in memory; used by local-file remotes, signing
// workflows and the test suite.
type Builder struct {
	cab *Cabinet
	err error
}

// NewBuilder creates an empty cabinet builder.
func NewBuilder() *Builder {
	return &Builder{cab: &Cabinet{entries: map[string]*entry{}}}
}

// AddEntry appends a named blob.
func (b *Builder) AddEntry(name string, data []byte) *Builder {
	if b.err != nil {
		return b
	}
	key := strings.ToLower(path.Base(name))
	if _, ok := b.cab.entries[key]; ok {
		b.err = fmt.Errorf("duplicate entry basename %q: %w", name, errdefs.ErrInvalidFile)
		return b
	}
	b.cab.entries[key] = &entry{name: path.Base(name), data: data}
	b.cab.order = append(b.cab.order, key)
	return b
}

// Sign adds or extends the detached signature bundle covering every entry
// added so far.
func (b *Builder) Sign(key jwk.Key) *Builder {
	if b.err != nil {
		return b
	}
	jc := &Jcat{Version: 1}
	for _, k := range b.cab.order {
		e := b.cab.entries[k]
		if err := jc.AddSignature(k, e.data, key); err != nil {
			b.err = err
			return b
		}
	}
	data, err := jc.Bytes()
	if err != nil {
		b.err = err
		return b
	}
	return b.AddEntry(JcatName, data)
}

// Bytes serializes and re-parses the archive, returning the canonical form.
func (b *Builder) Bytes() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := b.cab.index(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := b.cab.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
