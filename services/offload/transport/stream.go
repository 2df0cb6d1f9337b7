// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// Stream frames messages over a byte stream with a Content-Length header:
//
//	Content-Length: 42\r\n
//	\r\n
//	{...42 bytes...}
//
// Thread Safety: Safe for concurrent Send. Recv has a single caller.
type Stream struct {
	reader  *bufio.Reader
	writer  io.Writer
	closers []io.Closer

	writeMu sync.Mutex
	pump    *pump
}

// NewStream starts framing on r and w. Close closes every closer given,
// which must unblock a pending read on r.
func NewStream(r io.Reader, w io.Writer, closers ...io.Closer) *Stream {
	s := &Stream{
		reader:  bufio.NewReader(r),
		writer:  w,
		closers: closers,
	}
	s.pump = newPump(s.readFrame)
	return s
}

// Send writes one framed message.
func (s *Stream) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}
	if s.pump.isClosed() {
		return ErrClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	header := "Content-Length: " + strconv.Itoa(len(frame)) + "\r\n\r\n"
	if _, err := io.WriteString(s.writer, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := s.writer.Write(frame); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// Recv returns the next frame.
func (s *Stream) Recv(ctx context.Context) ([]byte, error) {
	return s.pump.recv(ctx)
}

// Close closes the underlying stream. Safe to call repeatedly.
func (s *Stream) Close() error {
	if s.pump.isClosed() {
		return nil
	}
	s.pump.close()

	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Stream) readFrame() ([]byte, error) {
	contentLength := -1

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			if contentLength < 0 {
				// Blank line before any header; skip.
				continue
			}
			break
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		if !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("invalid Content-Length value %q: %w", value, err)
		}
		if n < 0 {
			return nil, fmt.Errorf("negative Content-Length: %d", n)
		}
		if n > MaxFrameSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
		}
		contentLength = n
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(s.reader, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// Pipe returns two connected in-memory streams. Frames sent on one are
// received on the other. Closing either end makes the peer's Recv fail
// with io.EOF.
func Pipe() (*Stream, *Stream) {
	aReader, bWriter := io.Pipe()
	bReader, aWriter := io.Pipe()

	a := NewStream(aReader, aWriter, aWriter, aReader)
	b := NewStream(bReader, bWriter, bWriter, bReader)
	return a, b
}
