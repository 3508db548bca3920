// Copyright 2021 The flagstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package flagstore

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/bpowers/flagstore/internal/mmap"
	"github.com/bpowers/flagstore/query"
	"github.com/bpowers/flagstore/record"
	"github.com/bpowers/flagstore/storagefile"
)

var (
	ErrNoFlagInfo          = errors.New("container has no flag info file")
	ErrFingerprintMismatch = errors.New("package fingerprint mismatch")
)

// ReaderOption configures Open and OpenRegistry.
type ReaderOption func(*readerOptions)

type readerOptions struct {
	logger *slog.Logger
}

// WithReaderLogger sets an optional logger, used only when files are opened
// and closed.
func WithReaderLogger(logger *slog.Logger) ReaderOption {
	return func(opts *readerOptions) {
		opts.logger = logger
	}
}

func newReaderOptions(opts []ReaderOption) readerOptions {
	options := readerOptions{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// Container answers flag lookups against a container's memory-mapped
// storage files.  It is safe for concurrent use.
type Container struct {
	name       string
	packageMap *mmap.ReaderAt
	flagMap    *mmap.ReaderAt
	flagVal    *mmap.ReaderAt
	// flagInfo is nil for records written without an info file.
	flagInfo *mmap.ReaderAt
	logger   *slog.Logger
}

// Open maps the files named by entry and checks that their headers are
// readable and belong to entry's container.
func Open(entry record.Entry, opts ...ReaderOption) (*Container, error) {
	options := newReaderOptions(opts)

	c := &Container{
		name:   entry.Container,
		logger: options.logger,
	}
	files := []struct {
		path     string
		fileType storagefile.FileType
		dst      **mmap.ReaderAt
	}{
		{entry.PackageMap, storagefile.PackageMap, &c.packageMap},
		{entry.FlagMap, storagefile.FlagMap, &c.flagMap},
		{entry.FlagVal, storagefile.FlagVal, &c.flagVal},
		{entry.FlagInfo, storagefile.FlagInfo, &c.flagInfo},
	}
	for _, f := range files {
		if f.path == "" && f.fileType == storagefile.FlagInfo {
			continue
		}
		r, err := mmap.Open(f.path)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("mmap.Open(%s): %w", f.path, err)
		}
		*f.dst = r
		h, err := storagefile.ParseHeader(r.Data())
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("%s: %w", f.path, err)
		}
		if h.FileType != f.fileType {
			_ = c.Close()
			return nil, fmt.Errorf("%s: %w: expected %s, found %s", f.path, storagefile.ErrFileTypeMismatch, f.fileType, h.FileType)
		}
		if h.Container != entry.Container {
			_ = c.Close()
			return nil, fmt.Errorf("%s: built for container %q, not %q", f.path, h.Container, entry.Container)
		}
	}

	c.logger.Debug("opened container", "container", c.name, "has_info", c.flagInfo != nil)
	return c, nil
}

// Name is the container's name.
func (c *Container) Name() string {
	return c.name
}

// Close unmaps the container's files.
func (c *Container) Close() error {
	var errs []error
	for _, r := range []*mmap.ReaderAt{c.packageMap, c.flagMap, c.flagVal, c.flagInfo} {
		if r != nil {
			errs = append(errs, r.Close())
		}
	}
	return errors.Join(errs...)
}

// slot resolves a flag to its absolute offset in the value and info lists.
func (c *Container) slot(pkg, flag string) (uint32, query.FlagReadContext, error) {
	pctx, ok, err := query.FindPackageReadContext(c.packageMap.Data(), pkg)
	if err != nil {
		return 0, query.FlagReadContext{}, fmt.Errorf("%s: package map: %w", c.name, err)
	} else if !ok {
		return 0, query.FlagReadContext{}, fmt.Errorf("%w: %s in container %s", ErrPackageNotFound, pkg, c.name)
	}
	fctx, ok, err := query.FindFlagReadContext(c.flagMap.Data(), pctx.PackageID, flag)
	if err != nil {
		return 0, query.FlagReadContext{}, fmt.Errorf("%s: flag map: %w", c.name, err)
	} else if !ok {
		return 0, query.FlagReadContext{}, fmt.Errorf("%w: %s.%s in container %s", ErrFlagNotFound, pkg, flag, c.name)
	}
	return pctx.BooleanStartIndex + uint32(fctx.FlagIndex), fctx, nil
}

// ReadFlag returns the build-time value of pkg.flag.
func (c *Container) ReadFlag(pkg, flag string) (bool, error) {
	slot, _, err := c.slot(pkg, flag)
	if err != nil {
		return false, err
	}
	v, err := query.FindBooleanFlagValue(c.flagVal.Data(), slot)
	if err != nil {
		return false, fmt.Errorf("%s: flag value: %w", c.name, err)
	}
	return v, nil
}

// HasFlag reports whether pkg.flag has a storage slot in the container.
func (c *Container) HasFlag(pkg, flag string) (bool, error) {
	_, err := c.FlagType(pkg, flag)
	if errors.Is(err, ErrPackageNotFound) || errors.Is(err, ErrFlagNotFound) {
		return false, nil
	}
	return err == nil, err
}

// FlagType returns the stored type of pkg.flag.
func (c *Container) FlagType(pkg, flag string) (storagefile.StoredFlagType, error) {
	_, fctx, err := c.slot(pkg, flag)
	if err != nil {
		return 0, err
	}
	return fctx.FlagType, nil
}

// FlagAttribute returns the flag info bits of pkg.flag.
func (c *Container) FlagAttribute(pkg, flag string) (storagefile.FlagAttribute, error) {
	if c.flagInfo == nil {
		return 0, fmt.Errorf("%w: %s", ErrNoFlagInfo, c.name)
	}
	slot, _, err := c.slot(pkg, flag)
	if err != nil {
		return 0, err
	}
	attr, err := query.FindBooleanFlagAttribute(c.flagInfo.Data(), slot)
	if err != nil {
		return 0, fmt.Errorf("%s: flag info: %w", c.name, err)
	}
	return attr, nil
}

// Package is a resolved package, for readers that address flags by the
// offsets embedded in generated code.
type Package struct {
	c           *Container
	name        string
	id          uint32
	startIndex  uint32
	fingerprint uint64
}

// LoadPackage resolves pkg once so its flags can be read by index.
func (c *Container) LoadPackage(pkg string) (*Package, error) {
	pctx, ok, err := query.FindPackageReadContext(c.packageMap.Data(), pkg)
	if err != nil {
		return nil, fmt.Errorf("%s: package map: %w", c.name, err)
	} else if !ok {
		return nil, fmt.Errorf("%w: %s in container %s", ErrPackageNotFound, pkg, c.name)
	}
	return &Package{
		c:           c,
		name:        pkg,
		id:          pctx.PackageID,
		startIndex:  pctx.BooleanStartIndex,
		fingerprint: pctx.Fingerprint,
	}, nil
}

func (p *Package) ID() uint32 {
	return p.id
}

func (p *Package) Fingerprint() uint64 {
	return p.fingerprint
}

// CheckFingerprint returns an error if the package on disk is not the one
// generated code was built against.  Version 1 files carry no fingerprint,
// so any expected value is accepted for them.
func (p *Package) CheckFingerprint(expected uint64) error {
	if p.fingerprint == 0 || p.fingerprint == expected {
		return nil
	}
	return fmt.Errorf("%w: %s has %#x, expected %#x", ErrFingerprintMismatch, p.name, p.fingerprint, expected)
}

// BooleanFlagValue reads the flag at index within the package.
func (p *Package) BooleanFlagValue(index uint16) (bool, error) {
	v, err := query.FindBooleanFlagValue(p.c.flagVal.Data(), p.startIndex+uint32(index))
	if err != nil {
		return false, fmt.Errorf("%s: %s[%d]: %w", p.c.name, p.name, index, err)
	}
	return v, nil
}

// Registry opens containers named in a storage record on first use.
type Registry struct {
	manifest *record.Manifest
	opts     []ReaderOption
	logger   *slog.Logger

	mu         sync.Mutex
	containers map[string]*Container
}

// OpenRegistry returns a Registry over m.  m must already be validated, as
// record.Load and record.ParseBinary do.
func OpenRegistry(m *record.Manifest, opts ...ReaderOption) *Registry {
	return &Registry{
		manifest:   m,
		opts:       opts,
		logger:     newReaderOptions(opts).logger,
		containers: make(map[string]*Container),
	}
}

// Container returns the named container, opening it if needed.
func (r *Registry) Container(name string) (*Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.containers[name]; ok {
		return c, nil
	}
	entry, ok := r.manifest.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, name)
	}
	c, err := Open(entry, r.opts...)
	if err != nil {
		return nil, err
	}
	r.containers[name] = c
	return c, nil
}

// ReadFlag reads pkg.flag from the named container.
func (r *Registry) ReadFlag(container, pkg, flag string) (bool, error) {
	c, err := r.Container(container)
	if err != nil {
		return false, err
	}
	return c.ReadFlag(pkg, flag)
}

// Close closes every container opened so far.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, c := range r.containers {
		errs = append(errs, c.Close())
		delete(r.containers, name)
	}
	r.logger.Debug("closed registry")
	return errors.Join(errs...)
}
