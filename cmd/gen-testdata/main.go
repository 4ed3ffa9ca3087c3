// Copyright 2021 The appendkv Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Command gen-testdata prints random key:value lines suitable for
// `appendkv import`.
package main

import (
	"bufio"
	"crypto/hmac"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"math/rand"
	"os"

	"github.com/urfave/cli/v2"
)

const (
	prefix    = "pref_"
	suffixLen = 16
	hmacKey   = "d259c7f656caf7f1"
)

func newRand(seed int64) *rand.Rand {
	if seed == 0 {
		var seedBytes [8]byte
		_, _ = crand.Read(seedBytes[:])
		seed = int64(binary.LittleEndian.Uint64(seedBytes[:]))
	}
	return rand.New(rand.NewSource(seed))
}

type generator struct {
	rng *rand.Rand
	h   hash.Hash
}

func newGenerator(seed int64) *generator {
	return &generator{
		rng: newRand(seed),
		h:   hmac.New(sha256.New, []byte(hmacKey)),
	}
}

func (g *generator) next() (key, value string) {
	var buf [suffixLen / 2]byte
	_, _ = g.rng.Read(buf[:])
	value = fmt.Sprintf("%s%x", prefix, buf)
	g.h.Reset()
	g.h.Write([]byte(value))
	key = hex.EncodeToString(g.h.Sum(nil))
	return key, value
}

func generate(w io.Writer, n int, seed int64) error {
	bw := bufio.NewWriter(w)
	g := newGenerator(seed)
	for i := 0; i < n; i++ {
		key, value := g.next()
		if _, err := fmt.Fprintf(bw, "%s:%s\n", key, value); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func main() {
	app := &cli.App{
		Name:  "gen-testdata",
		Usage: "print random key:value pairs",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "n", Value: 1000000, Usage: "number of pairs"},
			&cli.Int64Flag{Name: "seed", Usage: "random seed, 0 for a random one"},
		},
		Action: func(c *cli.Context) error {
			return generate(c.App.Writer, c.Int("n"), c.Int64("seed"))
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "gen-testdata: %s\n", err)
		os.Exit(1)
	}
}
