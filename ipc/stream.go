// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
)

// maxLineSize bounds a single encoded message on the stream.
const maxLineSize = 16 * 1024 * 1024

// Stream exchanges newline-delimited JSON envelopes over a reader/writer pair,
// typically the stdin/stdout of a worker process.
type Stream struct {
	r      io.Reader
	w      io.Writer
	logger *slog.Logger

	in       chan Message
	done     chan struct{}
	readDone chan struct{}

	writeMu    sync.Mutex
	closeOnce  sync.Once
	writerOnce sync.Once
	closer     io.Closer
}

// NewStream starts decoding messages from r. Messages written with Send are
// encoded to w. If w implements io.Closer it is closed by Close.
func NewStream(r io.Reader, w io.Writer, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Stream{
		r:        r,
		w:        w,
		logger:   logger,
		in:       make(chan Message, 64),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}

	go s.readLoop()
	return s
}

// Receive returns decoded inbound messages. It is closed when the reader reaches EOF.
func (s *Stream) Receive() <-chan Message {
	return s.in
}

// Done is closed once the stream stops reading or is closed.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Send encodes msg as a single line.
func (s *Stream) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.w.Write(data)
	return err
}

// CloseWrite closes the writer without stopping the reader, signalling EOF to the peer.
func (s *Stream) CloseWrite() error {
	var err error
	s.writerOnce.Do(func() {
		if s.closer != nil {
			err = s.closer.Close()
		}
	})
	return err
}

// Close stops the stream and closes the writer when possible.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.CloseWrite()
}

func (s *Stream) readLoop() {
	defer close(s.readDone)
	defer close(s.in)
	defer s.closeOnce.Do(func() { close(s.done) })

	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			s.logger.Warn("Dropping malformed IPC message", slog.Any("error", err))
			continue
		}

		select {
		case s.in <- msg:
		case <-s.done:
			return
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		s.logger.Error("IPC stream read failed", slog.Any("error", err))
	}
}
