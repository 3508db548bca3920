// Copyright 2024 The flagstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Command gen-testdata writes a random flag declarations file, suitable
// as input to `flagstore build` for benchmarks and manual testing.
package main

import (
	crand "crypto/rand"
	"encoding/binary"
	"flag"
	"fmt"
	"math/rand"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bpowers/flagstore"
)

const suffixLen = 8

var (
	nPackages = flag.Int("packages", 100, "number of packages")
	nFlags    = flag.Int("flags", 20, "flags per package")
	container = flag.String("container", "system", "container the flags belong to")
	seed      = flag.Int64("seed", 0, "random seed (0 picks one)")
)

func newRand(seed int64) *rand.Rand {
	if seed == 0 {
		var seedBytes [8]byte
		crand.Read(seedBytes[:])
		seed = int64(binary.LittleEndian.Uint64(seedBytes[:]))
	}
	return rand.New(rand.NewSource(seed))
}

func randomName(rng *rand.Rand, prefix string) string {
	var buf [suffixLen / 2]byte
	rng.Read(buf[:])
	return fmt.Sprintf("%s%x", prefix, buf)
}

func generate(rng *rand.Rand, container string, packages, flags int) *flagstore.Declarations {
	d := &flagstore.Declarations{Container: container}
	for p := 0; p < packages; p++ {
		pkg := randomName(rng, "com.example.gen.p_")
		for f := 0; f < flags; f++ {
			def := flagstore.FlagDefinition{
				Package:    pkg,
				Name:       fmt.Sprintf("flag_%d", f),
				Container:  container,
				State:      flagstore.State(rng.Intn(2)),
				Permission: flagstore.Permission(rng.Intn(2)),
			}
			def.IsFixedReadOnly = def.Permission == flagstore.ReadOnly && rng.Intn(4) == 0
			d.Flags = append(d.Flags, def)
		}
	}
	return d
}

func main() {
	flag.Parse()

	d := generate(newRand(*seed), *container, *nPackages, *nFlags)
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(d); err != nil {
		fmt.Fprintf(os.Stderr, "gen-testdata: %s\n", err)
		os.Exit(1)
	}
	if err := enc.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "gen-testdata: %s\n", err)
		os.Exit(1)
	}
}
