// Copyright 2021 The flagstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package flagstore

import (
	"encoding"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bpowers/flagstore/record"
	"github.com/bpowers/flagstore/storagefile"
)

// BuilderOption configures the Builder.
type BuilderOption func(*builderOptions)

type builderOptions struct {
	logger  *slog.Logger
	version uint32
	now     func() time.Time
}

// WithBuilderLogger sets an optional logger for the builder to use for progress updates.
// If not provided, no logging output will be produced.
func WithBuilderLogger(logger *slog.Logger) BuilderOption {
	return func(opts *builderOptions) {
		opts.logger = logger
	}
}

// WithFileVersion selects the storage format version to write.  It defaults
// to storagefile.DefaultFileVersion.
func WithFileVersion(version uint32) BuilderOption {
	return func(opts *builderOptions) {
		opts.version = version
	}
}

// StoragePaths are the four files that make up a container's storage.
type StoragePaths struct {
	PackageMap string
	FlagMap    string
	FlagVal    string
	FlagInfo   string
}

// ContainerPaths returns where a container's files live in dir.
func ContainerPaths(dir, container string) StoragePaths {
	return StoragePaths{
		PackageMap: filepath.Join(dir, container+".package.map"),
		FlagMap:    filepath.Join(dir, container+".flag.map"),
		FlagVal:    filepath.Join(dir, container+".val"),
		FlagInfo:   filepath.Join(dir, container+".info"),
	}
}

// Builder is used to construct the storage files for one container from
// flag definitions.  Building should happen once per container per build.
type Builder struct {
	outDir    string
	container string
	version   uint32
	flags     []FlagDefinition
	keys      stringSet
	logger    *slog.Logger
	now       func() time.Time
}

// NewBuilder creates a Builder that writes container's files into outDir.
func NewBuilder(outDir, container string, opts ...BuilderOption) (*Builder, error) {
	options := builderOptions{
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		version: storagefile.DefaultFileVersion,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if container == "" {
		return nil, fmt.Errorf("%w: empty container name", ErrInvalidDeclaration)
	}
	if err := storagefile.CheckVersion(options.version); err != nil {
		return nil, fmt.Errorf("cannot build version %d: %w", options.version, err)
	}
	// we write to temporary files and do atomic renames when we're done
	outDir, err := filepath.Abs(outDir)
	if err != nil {
		return nil, fmt.Errorf("filepath.Abs: %w", err)
	}
	return &Builder{
		outDir:    outDir,
		container: container,
		version:   options.version,
		keys:      make(stringSet),
		logger:    options.logger,
		now:       options.now,
	}, nil
}

// Put adds a flag to the container.  A flag without a container joins the
// builder's; a flag naming a different container is an error.
func (b *Builder) Put(def FlagDefinition) error {
	if def.Container == "" {
		def.Container = b.container
	}
	if def.Container != b.container {
		return fmt.Errorf("%w: %s belongs to container %q, not %q",
			ErrInvalidDeclaration, def.QualifiedName(), def.Container, b.container)
	}
	if def.Package == "" || def.Name == "" {
		return fmt.Errorf("%w: flag needs both a package and a name", ErrInvalidDeclaration)
	}
	key := def.Package + "/" + def.Name
	if b.keys.Contains(key) {
		return fmt.Errorf("%w: %s", ErrDuplicateFlag, def.QualifiedName())
	}
	b.keys.Add(key)
	b.flags = append(b.flags, def)
	return nil
}

// Finalize builds all four storage files and atomically moves them into
// place, returning the storage record entry that describes them.  Nothing
// is written unless every table builds.
func (b *Builder) Finalize() (record.Entry, error) {
	// we're done with this -- nil it so it can be GC'd earlier
	b.keys = nil

	packages, err := GroupFlagsByPackage(b.flags)
	if err != nil {
		return record.Entry{}, err
	}
	b.logger.Debug("grouped flags",
		"container", b.container,
		"flags", len(b.flags),
		"packages", len(packages),
		"booleans", booleanCount(packages))

	packageTable, err := CreatePackageTable(b.container, b.version, packages)
	if err != nil {
		return record.Entry{}, fmt.Errorf("CreatePackageTable: %w", err)
	}
	flagTable, err := CreateFlagTable(b.container, b.version, packages)
	if err != nil {
		return record.Entry{}, fmt.Errorf("CreateFlagTable: %w", err)
	}
	flagValues, err := CreateFlagValueList(b.container, b.version, packages)
	if err != nil {
		return record.Entry{}, fmt.Errorf("CreateFlagValueList: %w", err)
	}
	flagInfo, err := CreateFlagInfo(b.container, b.version, packages)
	if err != nil {
		return record.Entry{}, fmt.Errorf("CreateFlagInfo: %w", err)
	}

	paths := ContainerPaths(b.outDir, b.container)
	// Each rename is atomic but the set is not.  Every lookup starts at the
	// package map, so it goes last: a reader never finds a new package
	// whose flags are missing from the older files.
	outputs := []struct {
		path string
		m    encoding.BinaryMarshaler
	}{
		{paths.FlagMap, flagTable},
		{paths.FlagVal, flagValues},
		{paths.FlagInfo, flagInfo},
		{paths.PackageMap, packageTable},
	}

	encoded := make([][]byte, len(outputs))
	for i, out := range outputs {
		if encoded[i], err = out.m.MarshalBinary(); err != nil {
			return record.Entry{}, fmt.Errorf("MarshalBinary(%s): %w", filepath.Base(out.path), err)
		}
	}
	if err := os.MkdirAll(b.outDir, 0755); err != nil {
		return record.Entry{}, fmt.Errorf("os.MkdirAll: %w", err)
	}
	for i, out := range outputs {
		if err := writeReadOnly(out.path, encoded[i]); err != nil {
			return record.Entry{}, err
		}
		b.logger.Info("wrote storage file", "path", out.path, "bytes", len(encoded[i]))
	}

	return record.Entry{
		Version:    b.version,
		Container:  b.container,
		PackageMap: paths.PackageMap,
		FlagMap:    paths.FlagMap,
		FlagVal:    paths.FlagVal,
		FlagInfo:   paths.FlagInfo,
		Timestamp:  b.now().Unix(),
	}, nil
}

// writeReadOnly writes buf to a temporary file next to path, makes it
// read-only and renames it over path.
func writeReadOnly(path string, buf []byte) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "flagstore-builder.*.tmp")
	if err != nil {
		return fmt.Errorf("CreateTemp failed (may need permissions for dir %q): %w", dir, err)
	}
	if n, err := f.Write(buf); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return fmt.Errorf("f.Write: %w", err)
	} else if n != len(buf) {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return fmt.Errorf("f.Write: short write of %d (wanted %d)", n, len(buf))
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return fmt.Errorf("f.Sync: %w", err)
	}
	if err = f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return fmt.Errorf("f.Close: %w", err)
	}
	// make the file read-only
	if err := os.Chmod(f.Name(), 0444); err != nil {
		_ = os.Remove(f.Name())
		return fmt.Errorf("os.Chmod(0444): %w", err)
	}
	if err := os.Rename(f.Name(), path); err != nil {
		_ = os.Remove(f.Name())
		return fmt.Errorf("os.Rename: %w", err)
	}
	return nil
}

// BuildContainer is a convenience wrapper that builds every flag in decls
// for container.  It fails with ErrContainerNotFound if decls has flags
// but none of them belong to container.
func BuildContainer(outDir, container string, decls *Declarations, opts ...BuilderOption) (record.Entry, error) {
	b, err := NewBuilder(outDir, container, opts...)
	if err != nil {
		return record.Entry{}, err
	}
	for _, f := range decls.Flags {
		if f.Container != "" && f.Container != container {
			continue
		}
		if err := b.Put(f); err != nil {
			return record.Entry{}, err
		}
	}
	if len(b.flags) == 0 && len(decls.Flags) > 0 {
		return record.Entry{}, fmt.Errorf("%w: no flags declared for container %q", ErrContainerNotFound, container)
	}
	return b.Finalize()
}
