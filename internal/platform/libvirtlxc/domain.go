package libvirtlxc

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/nixlet/nixlet/internal/container"
)

//go:embed domain.xml
var domainTemplateSrc string

const (
	domainNamePrefix = "nixlet-"
	firstInstanceID  = 100

	idMapBase  = 100000
	idMapCount = 65536
)

type domainTemplateData struct {
	Name        string
	Description string
	MemoryMB    int
	SwapLimitMB int
	Cores       int

	Unprivileged bool
	IDMapBase    int
	IDMapCount   int

	RootFS    string
	Bridge    string
	Address   string
	PrefixLen int
	Gateway   string
}

// instanceNote is the JSON blob stored in the domain description so the
// instance's provisioning parameters survive in the platform itself.
type instanceNote struct {
	Hostname     string   `json:"hostname"`
	Version      string   `json:"version"`
	Unprivileged bool     `json:"unprivileged"`
	Nesting      bool     `json:"nesting,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

func domainName(id int) string {
	return fmt.Sprintf("%s%d", domainNamePrefix, id)
}

// idFromDomainName parses an instance id out of a managed domain name.
// Domains without the prefix belong to other tooling and are ignored.
func idFromDomainName(name string) (int, bool) {
	rest, found := strings.CutPrefix(name, domainNamePrefix)
	if !found {
		return 0, false
	}
	id, err := strconv.Atoi(rest)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// nextFreeID returns the lowest unused id at or above firstInstanceID
// given the names of all existing domains.
func nextFreeID(existing []string) int {
	taken := map[int]bool{}
	for _, name := range existing {
		if id, ok := idFromDomainName(name); ok {
			taken[id] = true
		}
	}
	id := firstInstanceID
	for taken[id] {
		id++
	}
	return id
}

func buildDomainTemplateData(spec container.Spec, rootFS, bridge string) (domainTemplateData, error) {
	if spec.ID <= 0 {
		return domainTemplateData{}, errors.New("instance id must be resolved before defining a domain")
	}
	if rootFS == "" {
		return domainTemplateData{}, errors.New("rootfs path is required")
	}
	if bridge == "" {
		return domainTemplateData{}, errors.New("bridge name is required")
	}
	if spec.Cores <= 0 || spec.MemoryMB <= 0 {
		return domainTemplateData{}, errors.New("cores and memory must be positive")
	}

	note, err := json.Marshal(instanceNote{
		Hostname:     spec.Name,
		Version:      spec.Version,
		Unprivileged: spec.Unprivileged,
		Nesting:      spec.Nesting,
		Tags:         spec.Tags,
	})
	if err != nil {
		return domainTemplateData{}, fmt.Errorf("marshal instance note: %w", err)
	}

	data := domainTemplateData{
		Name:         domainName(spec.ID),
		Description:  xmlEscape(string(note)),
		MemoryMB:     spec.MemoryMB,
		Cores:        spec.Cores,
		Unprivileged: spec.Unprivileged,
		IDMapBase:    idMapBase,
		IDMapCount:   idMapCount,
		RootFS:       rootFS,
		Bridge:       bridge,
	}
	if spec.SwapMB > 0 {
		data.SwapLimitMB = spec.MemoryMB + spec.SwapMB
	}
	if spec.Network.Mode == container.NetworkStatic {
		data.Address = spec.Network.Address
		data.PrefixLen = spec.Network.PrefixLen
		data.Gateway = spec.Network.Gateway
	}
	return data, nil
}

func renderDomainXML(data domainTemplateData) ([]byte, error) {
	tmpl, err := template.New("domain").Parse(domainTemplateSrc)
	if err != nil {
		return nil, fmt.Errorf("parse domain template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("execute domain template: %w", err)
	}
	return buf.Bytes(), nil
}

// domainDoc is the subset of the domain definition read back from the
// platform.
type domainDoc struct {
	XMLName     xml.Name `xml:"domain"`
	Name        string   `xml:"name"`
	Description string   `xml:"description"`
	IDMap       *struct {
		UID []struct {
			Start int `xml:"start,attr"`
		} `xml:"uid"`
	} `xml:"idmap"`
	Devices struct {
		Filesystems []struct {
			Source struct {
				Dir string `xml:"dir,attr"`
			} `xml:"source"`
			Target struct {
				Dir string `xml:"dir,attr"`
			} `xml:"target"`
		} `xml:"filesystem"`
	} `xml:"devices"`
}

func parseDomainDoc(raw string) (domainDoc, error) {
	var doc domainDoc
	if err := xml.Unmarshal([]byte(raw), &doc); err != nil {
		return domainDoc{}, fmt.Errorf("decode domain definition: %w", err)
	}
	return doc, nil
}

// rootFSDir returns the host directory mounted at the container root.
func (d domainDoc) rootFSDir() (string, error) {
	for _, fsEntry := range d.Devices.Filesystems {
		if fsEntry.Target.Dir == "/" && fsEntry.Source.Dir != "" {
			return fsEntry.Source.Dir, nil
		}
	}
	return "", fmt.Errorf("domain %s has no root filesystem mount", d.Name)
}

func (d domainDoc) note() instanceNote {
	var note instanceNote
	if raw := strings.TrimSpace(d.Description); raw != "" {
		// Descriptions written by other tools are not JSON; ignore them.
		_ = json.Unmarshal([]byte(raw), &note)
	}
	if note.Hostname == "" {
		note.Hostname = d.Name
	}
	if !note.Unprivileged && d.IDMap != nil {
		note.Unprivileged = true
	}
	return note
}

// storagePoolDoc is the subset of a pool definition needed for listing.
type storagePoolDoc struct {
	XMLName xml.Name `xml:"pool"`
	Type    string   `xml:"type,attr"`
	Target  struct {
		Path string `xml:"path"`
	} `xml:"target"`
}

func parseStoragePoolDoc(raw string) (storagePoolDoc, error) {
	var doc storagePoolDoc
	if err := xml.Unmarshal([]byte(raw), &doc); err != nil {
		return storagePoolDoc{}, fmt.Errorf("decode storage pool definition: %w", err)
	}
	return doc, nil
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	if err := xml.EscapeText(&buf, []byte(s)); err != nil {
		return ""
	}
	return buf.String()
}
