// Copyright 2023 The appendkv Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/bpowers/appendkv"
)

type benchResult struct {
	records  int
	bytes    int64
	writeDur time.Duration
	reads    int
	readDur  time.Duration
}

func benchKey(i int) []byte {
	return strconv.AppendInt([]byte("bench-"), int64(i), 10)
}

// runBench writes n records, then reads all of them back from the given
// number of concurrent readers sharing s.
func runBench(ctx context.Context, s *appendkv.Store, n, readers, valueSize int) (benchResult, error) {
	var result benchResult
	if n <= 0 || readers <= 0 || valueSize < 0 {
		return result, fmt.Errorf("n and readers must be positive, value-size must not be negative")
	}

	value := bytes.Repeat([]byte{'x'}, valueSize)
	startSize := s.Size()
	start := time.Now()
	for i := 0; i < n; i++ {
		if _, err := s.Put(benchKey(i), value); err != nil {
			return result, err
		}
	}
	result.records = n
	result.writeDur = time.Since(start)
	result.bytes = s.Size() - startSize

	g, ctx := errgroup.WithContext(ctx)
	start = time.Now()
	for r := 0; r < readers; r++ {
		r := r // per-iteration copy; module targets go1.21 loop semantics
		g.Go(func() error {
			for i := r; i < n; i += readers {
				if (i-r)/readers%4096 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}
				v, ok, err := s.Get(benchKey(i))
				if err != nil {
					return err
				}
				if !ok || len(v) != valueSize {
					return fmt.Errorf("bench: record %d missing or short", i)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}
	result.reads = n
	result.readDur = time.Since(start)

	return result, nil
}

func perSecond(n int, d time.Duration) string {
	if d <= 0 {
		return "inf"
	}
	return humanize.Comma(int64(float64(n) / d.Seconds()))
}

func (r benchResult) print(w io.Writer, readers int) {
	fmt.Fprintf(w, "wrote %s records (%s) in %v: %s puts/s\n",
		humanize.Comma(int64(r.records)), humanize.Bytes(uint64(r.bytes)), r.writeDur, perSecond(r.records, r.writeDur))
	fmt.Fprintf(w, "read %s records with %d readers in %v: %s gets/s\n",
		humanize.Comma(int64(r.reads)), readers, r.readDur, perSecond(r.reads, r.readDur))
}

func benchAction(ctx context.Context, c *cli.Context, s *appendkv.Store) error {
	readers := c.Int("readers")
	result, err := runBench(ctx, s, c.Int("n"), readers, c.Int("value-size"))
	if err != nil {
		return err
	}
	result.print(c.App.Writer, readers)
	return nil
}
