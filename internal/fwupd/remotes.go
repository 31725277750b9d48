package fwupd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// RemoteKind distinguishes downloaded metadata remotes from local ones.
type RemoteKind string

const (
	RemoteKindDownload RemoteKind = "download"
	RemoteKindLocal    RemoteKind = "local"
)

// Remote is one firmware metadata source, defined by a YAML file in the
// remotes.d directory.
type Remote struct {
	ID        string     `yaml:"id"`
	Title     string     `yaml:"title"`
	Kind      RemoteKind `yaml:"kind"`
	Enabled   bool       `yaml:"enabled"`
	Agreement string     `yaml:"agreement"`

	// MetadataURI points at the remote metadata payload; the detached
	// signature lives at MetadataURI + ".asc".
	MetadataURI string `yaml:"metadata-uri"`

	// Checksum is the digest of the last signature this client saw,
	// used to skip payload downloads when nothing changed.
	Checksum string `yaml:"checksum"`
}

// SignatureURI returns where the detached metadata signature lives.
func (r *Remote) SignatureURI() string {
	if r.MetadataURI == "" {
		return ""
	}
	return r.MetadataURI + ".asc"
}

// LoadRemotes reads every remote definition under dir. Files are sorted
// by name so the result order is stable. A missing directory yields an
// empty list.
func LoadRemotes(dir string) ([]*Remote, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read remotes directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !strings.HasSuffix(entry.Name(), ".yaml") && !strings.HasSuffix(entry.Name(), ".yml") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	remotes := make([]*Remote, 0, len(names))
	for _, name := range names {
		remote, err := loadRemoteFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", name, err)
		}
		remotes = append(remotes, remote)
	}
	return remotes, nil
}

func loadRemoteFile(path string) (*Remote, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var remote Remote
	if err := yaml.Unmarshal(data, &remote); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if remote.ID == "" {
		return nil, fmt.Errorf("remote id is required")
	}
	if remote.Kind == "" {
		remote.Kind = RemoteKindDownload
	}
	if remote.Kind == RemoteKindDownload && remote.MetadataURI == "" {
		return nil, fmt.Errorf("metadata-uri is required for download remotes")
	}
	return &remote, nil
}
