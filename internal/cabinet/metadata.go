package cabinet

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/fwctl/fwctl/internal/errdefs"
	"github.com/fwctl/fwctl/internal/fwver"
	"github.com/fwctl/fwctl/internal/requirements"
)

// Component is one updatable target described by a metadata document.
type Component struct {
	ID           string
	Name         string
	Summary      string
	Vendor       string
	Branch       string
	Provides     []string // hardware-id GUIDs
	Requirements []requirements.Requirement
	Releases     []*Release

	// RemoteID records provenance once the component enters the metadata
	// index; components parsed straight from a cabinet carry none.
	RemoteID string
}

// Release is an immutable candidate firmware version.
type Release struct {
	Version         string
	VersionFormat   fwver.Format
	Branch          string
	RemoteID        string
	Protocol        string
	Locations       []string
	Checksums       []Checksum
	InstallDuration time.Duration
	Urgency         string
	Description     string
	OnlyOffline     bool
	Tags            []string
}

// Checksum pairs an algorithm with a hex digest.
type Checksum struct {
	Kind     string // "sha1", "sha256"
	Value    string
	Filename string
}

// xml wire structures, AppStream-flavored

type xmlComponent struct {
	XMLName  xml.Name    `xml:"component"`
	Type     string      `xml:"type,attr"`
	ID       string      `xml:"id"`
	Name     string      `xml:"name"`
	Summary  string      `xml:"summary"`
	Branch   string      `xml:"branch"`
	Vendor   string      `xml:"developer_name"`
	Provides xmlProvides `xml:"provides"`
	Requires xmlRequires `xml:"requires"`
	Releases xmlReleases `xml:"releases"`
	Custom   xmlCustom   `xml:"custom"`
}

type xmlProvides struct {
	Firmware []xmlProvidedFirmware `xml:"firmware"`
}

type xmlProvidedFirmware struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

type xmlRequires struct {
	Firmware []xmlRequireItem `xml:"firmware"`
	Hardware []xmlRequireItem `xml:"hardware"`
	Client   []xmlRequireItem `xml:"client"`
	ID       []xmlRequireItem `xml:"id"`
	Vendor   []xmlRequireItem `xml:"vendor"`
}

type xmlRequireItem struct {
	Compare string `xml:"compare,attr"`
	Version string `xml:"version,attr"`
	Value   string `xml:",chardata"`
}

type xmlReleases struct {
	Release []xmlRelease `xml:"release"`
}

type xmlRelease struct {
	Version         string        `xml:"version,attr"`
	Branch          string        `xml:"branch,attr"`
	Urgency         string        `xml:"urgency,attr"`
	InstallDuration int           `xml:"install_duration,attr"`
	Locations       []string      `xml:"location"`
	Checksums       []xmlChecksum `xml:"checksum"`
	Description     string        `xml:"description"`
	Tags            []string      `xml:"tag"`
}

type xmlChecksum struct {
	Type     string `xml:"type,attr"`
	Filename string `xml:"filename,attr"`
	Target   string `xml:"target,attr"`
	Value    string `xml:",chardata"`
}

type xmlCustom struct {
	Values []xmlCustomValue `xml:"value"`
}

type xmlCustomValue struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

// ParseMetadata parses one metainfo document into a Component.
func ParseMetadata(data []byte) (*Component, error) {
	return parseMetadata(data)
}

// ParseCatalog parses a remote catalog document: a <components> root holding
// any number of firmware components.
func ParseCatalog(data []byte) ([]*Component, error) {
	var root struct {
		XMLName    xml.Name `xml:"components"`
		Components []struct {
			Inner []byte `xml:",innerxml"`
		} `xml:"component"`
	}
	if err := xml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w: %w", err, errdefs.ErrInvalidFile)
	}
	out := make([]*Component, 0, len(root.Components))
	for _, raw := range root.Components {
		doc := append([]byte("<component type=\"firmware\">"), raw.Inner...)
		doc = append(doc, []byte("</component>")...)
		component, err := parseMetadata(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, component)
	}
	return out, nil
}

// parseMetadata parses one metainfo document into a Component.
func parseMetadata(data []byte) (*Component, error) {
	var xc xmlComponent
	if err := xml.Unmarshal(data, &xc); err != nil {
		return nil, fmt.Errorf("failed to parse metadata document: %w: %w", err, errdefs.ErrInvalidFile)
	}
	if xc.ID == "" {
		return nil, fmt.Errorf("metadata component has no id: %w", errdefs.ErrInvalidFile)
	}
	c := &Component{
		ID:      xc.ID,
		Name:    xc.Name,
		Summary: strings.TrimSpace(xc.Summary),
		Vendor:  xc.Vendor,
		Branch:  xc.Branch,
	}

	for _, pf := range xc.Provides.Firmware {
		if pf.Type == "" || pf.Type == "flashed" {
			c.Provides = append(c.Provides, strings.ToLower(strings.TrimSpace(pf.Value)))
		}
	}

	var err error
	c.Requirements, err = parseRequires(xc.Requires)
	if err != nil {
		return nil, err
	}

	format := fwver.FormatUnknown
	protocol := ""
	for _, v := range xc.Custom.Values {
		switch v.Key {
		case "fwctl::VersionFormat", "LVFS::VersionFormat":
			format = fwver.ParseFormat(strings.TrimSpace(v.Value))
		case "fwctl::UpdateProtocol", "LVFS::UpdateProtocol":
			protocol = strings.TrimSpace(v.Value)
		}
	}

	for _, xr := range xc.Releases.Release {
		if xr.Version == "" {
			return nil, fmt.Errorf("release in %s has no version: %w", c.ID, errdefs.ErrInvalidFile)
		}
		rel := &Release{
			Version:         xr.Version,
			VersionFormat:   format,
			Branch:          xr.Branch,
			Protocol:        protocol,
			Urgency:         xr.Urgency,
			InstallDuration: time.Duration(xr.InstallDuration) * time.Second,
			Description:     strings.TrimSpace(xr.Description),
		}
		if rel.Branch == "" {
			rel.Branch = xc.Branch
		}
		for _, loc := range xr.Locations {
			rel.Locations = append(rel.Locations, strings.TrimSpace(loc))
		}
		for _, xs := range xr.Checksums {
			if xs.Target != "" && xs.Target != "content" {
				continue
			}
			rel.Checksums = append(rel.Checksums, Checksum{
				Kind:     strings.ToLower(xs.Type),
				Value:    strings.ToLower(strings.TrimSpace(xs.Value)),
				Filename: xs.Filename,
			})
		}
		for _, tag := range xr.Tags {
			if t := strings.TrimSpace(tag); t != "" {
				rel.Tags = append(rel.Tags, t)
			}
		}
		c.Releases = append(c.Releases, rel)
	}
	if len(c.Releases) == 0 {
		return nil, fmt.Errorf("component %s declares no releases: %w", c.ID, errdefs.ErrInvalidFile)
	}
	return c, nil
}

func parseRequires(xr xmlRequires) ([]requirements.Requirement, error) {
	var out []requirements.Requirement
	for _, item := range xr.Firmware {
		op, err := requirements.ParseOp(item.Compare)
		if err != nil {
			return nil, err
		}
		out = append(out, requirements.Requirement{
			Kind:    requirements.KindFirmware,
			ID:      strings.TrimSpace(item.Value),
			Op:      op,
			Version: item.Version,
		})
	}
	for _, item := range xr.Hardware {
		guids := strings.Split(item.Value, "|")
		for i := range guids {
			guids[i] = strings.ToLower(strings.TrimSpace(guids[i]))
		}
		out = append(out, requirements.Requirement{
			Kind:  requirements.KindHardware,
			GUIDs: guids,
		})
	}
	for _, item := range xr.Client {
		out = append(out, requirements.Requirement{
			Kind:     requirements.KindClient,
			Features: strings.Fields(item.Value),
		})
	}
	for _, item := range xr.Vendor {
		out = append(out, requirements.Requirement{
			Kind: requirements.KindVendor,
			ID:   strings.TrimSpace(item.Value),
		})
	}
	for _, item := range xr.ID {
		op, err := requirements.ParseOp(item.Compare)
		if err != nil {
			return nil, err
		}
		out = append(out, requirements.Requirement{
			Kind:    requirements.KindID,
			ID:      strings.TrimSpace(item.Value),
			Op:      op,
			Version: item.Version,
		})
	}
	return out, nil
}

// FindRelease returns the release matching the version, or nil.
func (c *Component) FindRelease(version string) *Release {
	for _, rel := range c.Releases {
		if rel.Version == version {
			return rel
		}
	}
	return nil
}

// ProvidesGUID reports whether the component lists the hardware-id.
func (c *Component) ProvidesGUID(guid string) bool {
	guid = strings.ToLower(guid)
	for _, g := range c.Provides {
		if g == guid {
			return true
		}
	}
	return false
}
