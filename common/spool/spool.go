// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package spool is the local durable fallback for records that could not be
// written to the durable store. Entries are appended as JSON lines and fsynced
// before Append returns; Drain re-drives them and keeps only the failures.
package spool

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrClosed is returned when writing to a closed spool.
var ErrClosed = errors.New("spool closed")

// Spool is a file-backed append-only queue.
type Spool struct {
	path string
	mu   sync.Mutex
	file *os.File
}

// Open opens (or creates) the spool file name inside dir.
func Open(dir, name string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create spool dir: %w", err)
	}
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open spool file: %w", err)
	}
	return &Spool{path: path, file: f}, nil
}

// Path returns the spool file location.
func (s *Spool) Path() string { return s.path }

// Append durably writes v as one JSON line.
func (s *Spool) Append(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal spool entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return ErrClosed
	}
	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write spool entry: %w", err)
	}
	return s.file.Sync()
}

// Len returns the number of pending entries.
func (s *Spool) Len() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.readLocked()
	if err != nil {
		return 0, err
	}
	return len(lines), nil
}

// Drain calls fn for every pending entry in append order. Entries for which fn
// fails stay in the spool. It returns the number of entries replayed.
func (s *Spool) Drain(ctx context.Context, fn func(ctx context.Context, raw json.RawMessage) error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return 0, ErrClosed
	}

	lines, err := s.readLocked()
	if err != nil {
		return 0, err
	}
	if len(lines) == 0 {
		return 0, nil
	}

	var remaining [][]byte
	replayed := 0
	for i, line := range lines {
		if ctx.Err() != nil {
			remaining = append(remaining, lines[i:]...)
			break
		}
		if err := fn(ctx, json.RawMessage(line)); err != nil {
			remaining = append(remaining, line)
			continue
		}
		replayed++
	}

	if err := s.rewriteLocked(remaining); err != nil {
		return replayed, err
	}
	return replayed, nil
}

func (s *Spool) readLocked() ([][]byte, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spool: %w", err)
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan spool: %w", err)
	}
	return lines, nil
}

// rewriteLocked atomically replaces the spool content with lines.
func (s *Spool) rewriteLocked(lines [][]byte) error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create spool temp file: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		_, _ = w.Write(line)
		_ = w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write spool temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync spool temp file: %w", err)
	}
	f.Close()

	if err := s.file.Close(); err != nil {
		return fmt.Errorf("failed to close spool: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace spool: %w", err)
	}
	s.file, err = os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.file = nil
		return fmt.Errorf("failed to reopen spool: %w", err)
	}
	return nil
}

// Close closes the spool file.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
