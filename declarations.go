// Copyright 2024 The flagstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package flagstore builds and reads compact, memory-mappable storage for
// boolean feature flags.
//
// A container's flags are written once, at build time, as four files: a
// package table, a flag table, a flag value list and a flag info list (see
// package storagefile for the layout).  At runtime a Container maps those
// files read-only and answers lookups without parsing or allocating.
package flagstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bpowers/flagstore/storagefile"
)

var (
	ErrMissingFlagOffset  = errors.New("missing flag offset")
	ErrFlagNotFound       = errors.New("flag not found")
	ErrPackageNotFound    = errors.New("package not found")
	ErrContainerNotFound  = errors.New("container not found")
	ErrDuplicateFlag      = errors.New("duplicate flag")
	ErrTooManyFlags       = errors.New("too many flags in package")
	ErrInvalidDeclaration = errors.New("invalid flag declaration")
)

// State is a flag's build-time value.
type State uint8

const (
	Disabled State = iota
	Enabled
)

func (s State) String() string {
	if s == Enabled {
		return "enabled"
	}
	return "disabled"
}

func (s State) MarshalYAML() (any, error) {
	return s.String(), nil
}

func (s *State) UnmarshalYAML(value *yaml.Node) error {
	switch value.Value {
	case "enabled", "ENABLED":
		*s = Enabled
	case "disabled", "DISABLED":
		*s = Disabled
	default:
		return fmt.Errorf("line %d: unknown state %q", value.Line, value.Value)
	}
	return nil
}

// Permission says whether a flag may be changed at runtime.
type Permission uint8

const (
	ReadOnly Permission = iota
	ReadWrite
)

func (p Permission) String() string {
	if p == ReadWrite {
		return "read_write"
	}
	return "read_only"
}

func (p Permission) MarshalYAML() (any, error) {
	return p.String(), nil
}

func (p *Permission) UnmarshalYAML(value *yaml.Node) error {
	switch value.Value {
	case "read_only", "READ_ONLY":
		*p = ReadOnly
	case "read_write", "READ_WRITE":
		*p = ReadWrite
	default:
		return fmt.Errorf("line %d: unknown permission %q", value.Line, value.Value)
	}
	return nil
}

// FlagDefinition is one declared flag.
type FlagDefinition struct {
	Package         string     `yaml:"package"`
	Name            string     `yaml:"name"`
	Namespace       string     `yaml:"namespace,omitempty"`
	Description     string     `yaml:"description,omitempty"`
	Container       string     `yaml:"container,omitempty"`
	State           State      `yaml:"state"`
	Permission      Permission `yaml:"permission"`
	IsFixedReadOnly bool       `yaml:"is_fixed_read_only,omitempty"`
}

// storageExemptContainers hold read-only flags whose value is fixed at
// build time and compiled into accessors.
var storageExemptContainers = map[string]bool{
	"system":  true,
	"vendor":  true,
	"product": true,
}

// IsExempt reports whether f gets no slot in storage: it is read-only,
// disabled, and lives in the system, vendor or product container.
func (f *FlagDefinition) IsExempt() bool {
	return f.Permission == ReadOnly && f.State == Disabled && storageExemptContainers[f.Container]
}

// StoredType is the flag type recorded in the flag table.
func (f *FlagDefinition) StoredType() storagefile.StoredFlagType {
	switch {
	case f.Permission == ReadWrite:
		return storagefile.ReadWriteBoolean
	case f.IsFixedReadOnly:
		return storagefile.FixedReadOnlyBoolean
	default:
		return storagefile.ReadOnlyBoolean
	}
}

// QualifiedName is "<package>.<name>".
func (f *FlagDefinition) QualifiedName() string {
	return f.Package + "." + f.Name
}

// Declarations is the contents of a flag declaration file.
type Declarations struct {
	Container string           `yaml:"container"`
	Flags     []FlagDefinition `yaml:"flags"`
}

// ParseDeclarations decodes a YAML declaration file.  Flags without their
// own container inherit the file's.
func ParseDeclarations(buf []byte) (*Declarations, error) {
	var d Declarations
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDeclaration, err)
	}

	keys := make(stringSet, len(d.Flags))
	for i := range d.Flags {
		f := &d.Flags[i]
		if f.Container == "" {
			f.Container = d.Container
		}
		switch {
		case f.Package == "":
			return nil, fmt.Errorf("%w: flag %d has no package", ErrInvalidDeclaration, i)
		case f.Name == "":
			return nil, fmt.Errorf("%w: flag %d in %s has no name", ErrInvalidDeclaration, i, f.Package)
		case f.Container == "":
			return nil, fmt.Errorf("%w: flag %s has no container", ErrInvalidDeclaration, f.QualifiedName())
		}
		key := f.Package + "/" + f.Name
		if keys.Contains(key) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateFlag, f.QualifiedName())
		}
		keys.Add(key)
	}
	return &d, nil
}

// LoadDeclarations reads and parses the declaration file at path.
func LoadDeclarations(path string) (*Declarations, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("os.ReadFile: %w", err)
	}
	d, err := ParseDeclarations(buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}
