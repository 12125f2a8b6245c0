// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/bureau-foundation/dispatch/lib/clock"
	"github.com/bureau-foundation/dispatch/lib/codec"
)

// DefaultSegmentBytes is the uncompressed size at which a segment is
// closed and a new one started.
const DefaultSegmentBytes = 64 << 20

const segmentSuffix = ".cbor.zst"

// FileSink appends records to zstd-compressed CBOR segment files in
// a directory. Each record is flushed as its own zstd block, so a
// crash loses at most the record being written.
type FileSink struct {
	directory    string
	segmentBytes int64
	clock        clock.Clock

	mu      sync.Mutex
	file    *os.File
	encoder *zstd.Encoder
	written int64
	closed  bool
}

// OpenFile returns a sink writing segments under directory.
// segmentBytes <= 0 uses DefaultSegmentBytes.
func OpenFile(directory string, segmentBytes int64, c clock.Clock) (*FileSink, error) {
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, fmt.Errorf("audit: creating %s: %w", directory, err)
	}
	if segmentBytes <= 0 {
		segmentBytes = DefaultSegmentBytes
	}
	if c == nil {
		c = clock.Real()
	}
	return &FileSink{directory: directory, segmentBytes: segmentBytes, clock: c}, nil
}

func (s *FileSink) Record(ctx context.Context, record Record) error {
	data, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("audit: encoding %s: %w", record.RequestID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("audit: file sink is closed")
	}
	if s.encoder != nil && s.written+int64(len(data)) > s.segmentBytes {
		if err := s.closeSegment(); err != nil {
			return err
		}
	}
	if s.encoder == nil {
		if err := s.openSegment(); err != nil {
			return err
		}
	}
	if _, err := s.encoder.Write(data); err != nil {
		return fmt.Errorf("audit: writing segment: %w", err)
	}
	if err := s.encoder.Flush(); err != nil {
		return fmt.Errorf("audit: flushing segment: %w", err)
	}
	s.written += int64(len(data))
	return nil
}

// openSegment starts a new segment named by the current time. Names
// sort chronologically.
func (s *FileSink) openSegment() error {
	name := fmt.Sprintf("audit-%020d%s", s.clock.Now().UnixNano(), segmentSuffix)
	file, err := os.OpenFile(filepath.Join(s.directory, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("audit: opening segment: %w", err)
	}
	encoder, err := zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		file.Close()
		return fmt.Errorf("audit: creating zstd writer: %w", err)
	}
	s.file = file
	s.encoder = encoder
	s.written = 0
	return nil
}

func (s *FileSink) closeSegment() error {
	encoderErr := s.encoder.Close()
	fileErr := s.file.Close()
	s.encoder = nil
	s.file = nil
	if err := errors.Join(encoderErr, fileErr); err != nil {
		return fmt.Errorf("audit: closing segment: %w", err)
	}
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.encoder == nil {
		return nil
	}
	return s.closeSegment()
}

// Segments lists the segment files in directory, oldest first.
func Segments(directory string) ([]string, error) {
	entries, err := os.ReadDir(directory)
	if err != nil {
		return nil, fmt.Errorf("audit: listing %s: %w", directory, err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && strings.HasSuffix(entry.Name(), segmentSuffix) {
			paths = append(paths, filepath.Join(directory, entry.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// ReadSegment decodes every record in a segment file.
func ReadSegment(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("audit: reading %s: %w", path, err)
	}
	defer decoder.Close()

	var records []Record
	stream := codec.NewDecoder(decoder)
	for {
		var record Record
		err := stream.Decode(&record)
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return records, fmt.Errorf("audit: decoding %s: %w", path, err)
		}
		records = append(records, record)
	}
}
