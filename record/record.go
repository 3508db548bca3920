// Copyright 2024 The flagstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package record reads and writes the storage record: the manifest that
// tells a reader which files hold each container's flags.
//
// The binary form is protobuf wire format compatible with:
//
//	message storage_file_info {
//	  optional uint32 version = 1;
//	  optional string container = 2;
//	  optional string package_map = 3;
//	  optional string flag_map = 4;
//	  optional string flag_val = 5;
//	  optional int64 timestamp = 6;
//	  optional string flag_info = 7;
//	}
//	message storage_files {
//	  repeated storage_file_info files = 1;
//	}
//
// The text form is YAML with the same field names.
package record

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrMissingPackageMap = errors.New("missing package map file")
	ErrMissingFlagMap    = errors.New("missing flag map file")
	ErrMissingFlagValue  = errors.New("missing flag value file")
	ErrInvalidManifest   = errors.New("invalid storage record")
)

// MissingFileError reports the first manifest entry found without one of
// its required files.
type MissingFileError struct {
	Container string
	// Missing is one of ErrMissingPackageMap, ErrMissingFlagMap or
	// ErrMissingFlagValue.
	Missing error
}

func (e *MissingFileError) Error() string {
	return fmt.Sprintf("invalid storage file record: %s for container %s", e.Missing, e.Container)
}

func (e *MissingFileError) Unwrap() error {
	return e.Missing
}

// Entry binds a container to its storage files.
type Entry struct {
	Version    uint32 `yaml:"version"`
	Container  string `yaml:"container"`
	PackageMap string `yaml:"package_map"`
	FlagMap    string `yaml:"flag_map"`
	FlagVal    string `yaml:"flag_val"`
	FlagInfo   string `yaml:"flag_info,omitempty"`
	Timestamp  int64  `yaml:"timestamp"`
}

// Manifest is an ordered list of entries, at most one per container.
type Manifest struct {
	Files []Entry `yaml:"files"`
}

// Validate fails on the first entry missing its package map, flag map or
// flag value path.  A manifest is never partially trusted.
func (m *Manifest) Validate() error {
	for _, e := range m.Files {
		var missing error
		switch {
		case e.PackageMap == "":
			missing = ErrMissingPackageMap
		case e.FlagMap == "":
			missing = ErrMissingFlagMap
		case e.FlagVal == "":
			missing = ErrMissingFlagValue
		}
		if missing != nil {
			return &MissingFileError{Container: e.Container, Missing: missing}
		}
	}
	return nil
}

// Lookup returns the entry for container.
func (m *Manifest) Lookup(container string) (Entry, bool) {
	i := slices.IndexFunc(m.Files, func(e Entry) bool { return e.Container == container })
	if i < 0 {
		return Entry{}, false
	}
	return m.Files[i], true
}

// Upsert replaces the entry for e.Container, or appends e if the container
// is new.
func (m *Manifest) Upsert(e Entry) {
	i := slices.IndexFunc(m.Files, func(f Entry) bool { return f.Container == e.Container })
	if i < 0 {
		m.Files = append(m.Files, e)
		return
	}
	m.Files[i] = e
}

// ParseYAML decodes and validates the text form.
func ParseYAML(buf []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// EncodeYAML returns the text form.
func (m *Manifest) EncodeYAML() ([]byte, error) {
	return yaml.Marshal(m)
}

// Load reads and validates a manifest, choosing the binary decoder for
// files ending in ".pb" and the YAML decoder otherwise.
func Load(path string) (*Manifest, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("os.ReadFile: %w", err)
	}
	var m *Manifest
	if isBinary(path) {
		m, err = ParseBinary(buf)
	} else {
		m, err = ParseYAML(buf)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

func isBinary(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".pb")
}

// Write validates m and atomically replaces the file at path with it, in
// the format Load would pick for that path.
func (m *Manifest) Write(path string) error {
	if err := m.Validate(); err != nil {
		return err
	}
	var buf []byte
	var err error
	if isBinary(path) {
		buf, err = m.MarshalBinary()
	} else {
		buf, err = m.EncodeYAML()
	}
	if err != nil {
		return err
	}
	return writeFileAtomic(path, buf)
}

// writeFileAtomic writes to a temporary file in the destination directory
// and renames it into place, so readers only ever see a complete file.
func writeFileAtomic(path string, buf []byte) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("filepath.Abs: %w", err)
	}
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "flagstore-record.*.tmp")
	if err != nil {
		return fmt.Errorf("CreateTemp failed (may need permissions for dir %q): %w", dir, err)
	}
	defer func() {
		if f != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
		}
	}()
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("f.Write: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("f.Close: %w", err)
	}
	if err := os.Chmod(f.Name(), 0444); err != nil {
		return fmt.Errorf("os.Chmod(0444): %w", err)
	}
	if err := os.Rename(f.Name(), path); err != nil {
		_ = os.Remove(f.Name())
		return fmt.Errorf("os.Rename: %w", err)
	}
	f = nil
	return nil
}
