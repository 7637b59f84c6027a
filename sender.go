//
// Copyright (c) 2018 Jon Carlson.  All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.
//
package fileq

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Sender is the exclusive write side of a queue. It owns send.lock and the
// append handle for the current segment. The sender's cursor is never
// persisted: it is always re-derived from the filesystem on open, so there
// is nothing to corrupt or recover on the write side.
type Sender struct {
	base  string
	opts  Options
	lock  *FileGuard
	file  *os.File
	state QueueState
	mu    sync.Mutex
}

// OpenSender creates base if missing, takes exclusive ownership of
// send.lock, and opens (or creates) the current segment for appending.
func OpenSender(base string, opts ...Option) (*Sender, error) {
	o := resolveOptions(opts)

	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, errors.Wrap(err, "error creating queue directory "+base)
	}

	lock, err := tryLockFile(sendLockPath(base), "sender")
	if err != nil {
		return nil, err
	}

	state, err := deriveSenderState(base)
	if err != nil {
		lock.Release()
		return nil, err
	}

	file, err := os.OpenFile(segmentPath(base, state.Segment), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		lock.Release()
		return nil, errors.Wrap(err, "error opening segment "+segmentPath(base, state.Segment))
	}

	return &Sender{base: base, opts: o, lock: lock, file: file, state: state}, nil
}

func sendLockPath(base string) string {
	return filepath.Join(base, sendLockName)
}

func recvLockPath(base string) string {
	return filepath.Join(base, recvLockName)
}

// Send appends a single record. A single flush of header+payload is the
// atomicity boundary: readers either see both or neither. Errors from the
// write itself leave state unchanged, so a retry with the same payload is
// safe modulo at-least-once duplication if bytes partially reached disk.
func (s *Sender) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeRecords([][]byte{data})
}

// SendBatch appends all records in one flush. The flush is the atomicity
// boundary for the entire batch: either all records become visible to a
// reader, or none do.
func (s *Sender) SendBatch(batch [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	return s.writeRecords(batch)
}

// writeRecords composes every header+payload into one buffer and issues a
// single os.File.Write call for the whole batch, so a partially-flushed
// record is never observable by a tailing reader (spec's
// flush-is-atomicity requirement; very large batches on filesystems that
// split large writes are a documented limitation, not handled here).
func (s *Sender) writeRecords(records [][]byte) error {
	var buf bytes.Buffer
	var total uint64
	for _, data := range records {
		if err := checkPayloadLen(len(data)); err != nil {
			return err
		}
		h := EncodeHeader(uint32(len(data)))
		buf.Write(h[:])
		buf.Write(data)
		total += uint64(HeaderLen + len(data))
	}

	if _, err := s.file.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, "error writing to segment "+s.file.Name())
	}
	if s.opts.Fsync {
		if err := s.file.Sync(); err != nil {
			return errors.Wrap(err, "error syncing segment "+s.file.Name())
		}
	}

	s.state.AdvancePosition(total)

	if s.state.IsPastEnd(s.opts.SegmentMax) {
		if err := s.rotate(); err != nil {
			return err
		}
	}
	return nil
}

// checkPayloadLen enforces spec.md's len < 0xFFFFFFFF invariant without
// requiring callers to have already allocated a payload of that size.
func checkPayloadLen(n int) error {
	if uint64(n) > uint64(MaxPayloadLen) {
		return errors.Wrapf(ErrPayloadTooLarge, "payload of %d bytes", n)
	}
	return nil
}

// rotate seals the current segment with the EOF sentinel and opens the
// next one. No durable sender-state write is needed: the state is always
// re-derivable from the filesystem.
func (s *Sender) rotate() error {
	eof := EOFHeaderBytes()
	if _, err := s.file.Write(eof[:]); err != nil {
		return errors.Wrap(err, "error writing EOF marker to "+s.file.Name())
	}
	if s.opts.Fsync {
		if err := s.file.Sync(); err != nil {
			return errors.Wrap(err, "error syncing EOF marker to "+s.file.Name())
		}
	}

	next := s.state.AdvanceSegment()
	newFile, err := os.OpenFile(segmentPath(s.base, next), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		s.state.RetreatSegment()
		return errors.Wrap(err, "error opening segment "+segmentPath(s.base, next))
	}

	old := s.file
	s.file = newFile
	if err := old.Close(); err != nil {
		log.Warn().Str("file", old.Name()).Err(err).Msg("fileq: error closing sealed segment")
	}
	return nil
}

// Close releases send.lock and the current segment handle.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.file.Close()
	s.lock.Release()
	return err
}
