// Copyright 2024 The flagstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Command flagstore builds container flag storage and inspects storage
// files.
//
//	flagstore build --declarations flags.yaml --out dir --container system [--version N] [--manifest record.pb]
//	flagstore print --file system.package.map --type package-map
//	flagstore list --package-map P --flag-map F --flag-val V
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/bpowers/flagstore"
	"github.com/bpowers/flagstore/record"
	"github.com/bpowers/flagstore/storagefile"
)

const usage = `usage: flagstore <command> [flags]

commands:
  build   build a container's storage files from flag declarations
  print   dump a decoded storage file
  list    list every flag of a container with its value
`

var errUsage = errors.New("usage")

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		// bare usage errors have already been explained by the flag set
		if err != errUsage {
			fmt.Fprintf(os.Stderr, "flagstore: %s\n", err)
		}
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) < 1 {
		fmt.Fprint(stderr, usage)
		return errUsage
	}
	switch cmd, rest := args[0], args[1:]; cmd {
	case "build":
		return runBuild(rest, stdout, stderr)
	case "print":
		return runPrint(rest, stdout, stderr)
	case "list":
		return runList(rest, stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return errUsage
	}
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return errUsage
		}
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return nil
}

func newLogger(stderr io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
}

func runBuild(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("build", stderr)
	var (
		declarations = fs.String("declarations", "", "flag declarations YAML file")
		out          = fs.String("out", "", "output directory")
		container    = fs.String("container", "", "container to build (defaults to the declarations' container)")
		version      = fs.Uint("version", uint(storagefile.DefaultFileVersion), "storage file format version")
		manifest     = fs.String("manifest", "", "storage record to add the container to (.pb for binary, YAML otherwise)")
		verbose      = fs.Bool("verbose", false, "log progress")
	)
	if err := parse(fs, args); err != nil {
		return err
	}
	if *declarations == "" || *out == "" {
		fs.Usage()
		return fmt.Errorf("%w: --declarations and --out are required", errUsage)
	}

	decls, err := flagstore.LoadDeclarations(*declarations)
	if err != nil {
		return err
	}
	name := *container
	if name == "" {
		name = decls.Container
	}

	logger := newLogger(stderr, *verbose)
	entry, err := flagstore.BuildContainer(*out, name, decls,
		flagstore.WithBuilderLogger(logger),
		flagstore.WithFileVersion(uint32(*version)))
	if err != nil {
		return err
	}

	if *manifest != "" {
		m := &record.Manifest{}
		if _, statErr := os.Stat(*manifest); statErr == nil {
			if m, err = record.Load(*manifest); err != nil {
				return err
			}
		}
		m.Upsert(entry)
		if err := m.Write(*manifest); err != nil {
			return fmt.Errorf("writing %s: %w", *manifest, err)
		}
		logger.Debug("updated storage record", "path", *manifest, "containers", len(m.Files))
	}

	fmt.Fprintf(stdout, "%s\n%s\n%s\n%s\n", entry.PackageMap, entry.FlagMap, entry.FlagVal, entry.FlagInfo)
	return nil
}

func runPrint(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("print", stderr)
	var (
		file     = fs.String("file", "", "storage file to print")
		fileType = fs.String("type", "", "package-map, flag-map, flag-val or flag-info")
	)
	if err := parse(fs, args); err != nil {
		return err
	}
	if *file == "" || *fileType == "" {
		fs.Usage()
		return fmt.Errorf("%w: --file and --type are required", errUsage)
	}
	ft, err := storagefile.ParseFileType(*fileType)
	if err != nil {
		return err
	}
	buf, err := os.ReadFile(*file)
	if err != nil {
		return err
	}

	var decoded fmt.Stringer
	switch ft {
	case storagefile.PackageMap:
		decoded, err = storagefile.UnmarshalPackageTable(buf)
	case storagefile.FlagMap:
		decoded, err = storagefile.UnmarshalFlagTable(buf)
	case storagefile.FlagVal:
		decoded, err = storagefile.UnmarshalFlagValueList(buf)
	case storagefile.FlagInfo:
		decoded, err = storagefile.UnmarshalFlagInfoList(buf)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", *file, err)
	}
	_, err = fmt.Fprint(stdout, decoded.String())
	return err
}

func runList(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("list", stderr)
	var (
		packageMap = fs.String("package-map", "", "package map file")
		flagMap    = fs.String("flag-map", "", "flag map file")
		flagVal    = fs.String("flag-val", "", "flag value file")
	)
	if err := parse(fs, args); err != nil {
		return err
	}
	if *packageMap == "" || *flagMap == "" || *flagVal == "" {
		fs.Usage()
		return fmt.Errorf("%w: --package-map, --flag-map and --flag-val are required", errUsage)
	}

	var bufs [3][]byte
	for i, path := range []string{*packageMap, *flagMap, *flagVal} {
		var err error
		if bufs[i], err = os.ReadFile(path); err != nil {
			return err
		}
	}
	listing, err := flagstore.ListFlags(bufs[0], bufs[1], bufs[2])
	if err != nil {
		return err
	}

	// rows are only printed once everything decoded
	var sb strings.Builder
	for _, l := range listing {
		sb.WriteString(l.String())
		sb.WriteByte('\n')
	}
	_, err = io.WriteString(stdout, sb.String())
	return err
}
