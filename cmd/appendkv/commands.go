// Copyright 2023 The appendkv Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/bpowers/appendkv"
	"github.com/bpowers/appendkv/backup"
)

func requireArgs(c *cli.Context, n int) error {
	if c.NArg() != n {
		return fmt.Errorf("%s: expected %d argument(s), got %d (usage: %s)", c.Command.Name, n, c.NArg(), c.Command.ArgsUsage)
	}
	return nil
}

func putAction(_ context.Context, c *cli.Context, s *appendkv.Store) error {
	if err := requireArgs(c, 2); err != nil {
		return err
	}
	_, err := s.PutString(c.Args().Get(0), c.Args().Get(1))
	return err
}

func getAction(_ context.Context, c *cli.Context, s *appendkv.Store) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	value, ok, err := s.GetString(c.Args().Get(0))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%q: %w", c.Args().Get(0), errNotFound)
	}
	w := c.App.Writer
	if _, err := w.Write(value); err != nil {
		return err
	}
	_, err = io.WriteString(w, "\n")
	return err
}

func dumpAction(ctx context.Context, c *cli.Context, s *appendkv.Store) error {
	w := bufio.NewWriter(c.App.Writer)
	it := s.Iter()
	for k, v, ok := it.Next(); ok; k, v, ok = it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writeRecord(w, k, v); err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	return w.Flush()
}

func writeRecord(w *bufio.Writer, k, v []byte) error {
	if _, err := w.Write(k); err != nil {
		return fmt.Errorf("w.Write: %w", err)
	}
	if err := w.WriteByte(':'); err != nil {
		return fmt.Errorf("w.WriteByte: %w", err)
	}
	if _, err := w.Write(v); err != nil {
		return fmt.Errorf("w.Write: %w", err)
	}
	if err := w.WriteByte('\n'); err != nil {
		return fmt.Errorf("w.WriteByte: %w", err)
	}
	return nil
}

func checkAction(_ context.Context, c *cli.Context, s *appendkv.Store) error {
	n, err := s.Check()
	if err != nil {
		return fmt.Errorf("checked %d records: %w", n, err)
	}
	fmt.Fprintf(c.App.Writer, "ok: %s records, %s\n", humanize.Comma(int64(n)), humanize.Bytes(uint64(s.Size())))
	return nil
}

// special case of SplitN that doesn't require allocation
func split2(s []byte, sep byte) (l []byte, r []byte, ok bool) {
	m := bytes.IndexByte(s, sep)
	if m < 0 {
		return nil, nil, false
	}

	l = s[:m]
	r = s[m+1:]
	ok = true
	return
}

func importAction(ctx context.Context, c *cli.Context, s *appendkv.Store) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}

	var r io.Reader = c.App.Reader
	if name := c.Args().Get(0); name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	n, err := importRecords(ctx, s, r)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "imported %s records\n", humanize.Comma(int64(n)))
	return nil
}

func importRecords(ctx context.Context, s *appendkv.Store, r io.Reader) (n int, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), appendkv.MaxKeyLen+appendkv.MaxValueLen+1)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return n, err
			}
		}
		k, v, ok := split2(scanner.Bytes(), ':')
		if !ok {
			return n, fmt.Errorf("line %d: missing ':' separator", line)
		}
		if _, err := s.Put(k, v); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("scanner.Err: %w", err)
	}
	return n, nil
}

func backupAction(_ context.Context, c *cli.Context, s *appendkv.Store) (err error) {
	if err := requireArgs(c, 1); err != nil {
		return err
	}

	f, err := os.Create(c.Args().Get(0))
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	n, err := backup.Write(f, s.Iter())
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("f.Sync: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "backed up %s records (%s of data)\n", humanize.Comma(int64(n)), humanize.Bytes(uint64(s.Size())))
	return nil
}

func restoreAction(_ context.Context, c *cli.Context, s *appendkv.Store) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}

	f, err := os.Open(c.Args().Get(0))
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := backup.Restore(bufio.NewReader(f), s)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "restored %s records\n", humanize.Comma(int64(n)))
	return nil
}
