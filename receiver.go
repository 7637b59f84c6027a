//
// Copyright (c) 2018 Jon Carlson.  All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.
//
package fileq

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Predicate is the callable RecvUntil drives. It is invoked once with
// (nil, false) before the loop starts (an initialization hook), then once
// per candidate record as (payload, true). Returning stop=true leaves that
// record un-consumed: the guard delivered to the caller contains every
// record examined before the one that triggered the stop.
type Predicate func(payload []byte, hasPayload bool) (stop bool, err error)

// Receiver is the exclusive read side of a queue. It owns recv.lock, a
// TailFollower on the current segment, the durably persisted QueueState,
// and a small FIFO of records that have been read off disk but not yet
// delivered to a caller.
//
// maybeHeader and unused are the cancel-safety checkpoint: every
// suspension point lives inside TailFollower.ReadExact, called only from
// readOne/readHeader. Nothing outside those two functions ever blocks, so
// a canceled public operation always leaves the Receiver in one of exactly
// two states: as if the call had never been made, or as if it had fully
// succeeded up to the last internally-completed record.
type Receiver struct {
	base        string
	opts        Options
	lock        *FileGuard
	tail        *TailFollower
	state       QueueState
	maybeHeader *Header
	unused      [][]byte
	mu          sync.Mutex
}

// OpenReceiver creates base if missing, takes exclusive ownership of
// recv.lock, loads the persisted checkpoint, and positions a TailFollower
// at the checkpoint's segment and offset.
func OpenReceiver(base string, opts ...Option) (*Receiver, error) {
	o := resolveOptions(opts)

	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, errors.Wrap(err, "error creating queue directory "+base)
	}

	lock, err := tryLockFile(recvLockPath(base), "receiver")
	if err != nil {
		return nil, err
	}

	state, err := loadReceiverState(base)
	if err != nil {
		lock.Release()
		return nil, err
	}

	tail, err := openTailFollower(segmentPath(base, state.Segment), o.PollInterval)
	if err != nil {
		lock.Release()
		return nil, err
	}
	if _, err := tail.Seek(int64(state.Position), 0); err != nil {
		tail.Close()
		lock.Release()
		return nil, errors.Wrap(err, "error seeking to receiver checkpoint")
	}

	return &Receiver{base: base, opts: o, lock: lock, tail: tail, state: state}, nil
}

// readHeader returns the header of the record at the cursor without
// consuming it twice across cancellations: once the 4 bytes are read off
// disk they're cached in maybeHeader until readOne clears it.
func (r *Receiver) readHeader(ctx context.Context) (Header, error) {
	if r.maybeHeader != nil {
		return *r.maybeHeader, nil
	}

	var buf [HeaderLen]byte
	if err := r.tail.ReadExact(ctx, buf[:]); err != nil {
		return Header{}, err
	}
	h := DecodeHeader(buf[:])

	if h.IsEOF() {
		if err := r.advanceSegment(); err != nil {
			return Header{}, err
		}
		if err := r.tail.ReadExact(ctx, buf[:]); err != nil {
			return Header{}, err
		}
		h = DecodeHeader(buf[:])
	}

	r.maybeHeader = &h
	return h, nil
}

// readOne reads the next whole record into the unused FIFO. If canceled
// partway through the payload read, maybeHeader remains set so the next
// call retries only the payload, not the header.
func (r *Receiver) readOne(ctx context.Context) error {
	h, err := r.readHeader(ctx)
	if err != nil {
		return err
	}

	payload := make([]byte, h.Len())
	if len(payload) > 0 {
		if err := r.tail.ReadExact(ctx, payload); err != nil {
			return err
		}
	}

	r.maybeHeader = nil
	r.unused = append(r.unused, payload)
	return nil
}

// advanceSegment transitions the receiver past a sealed segment: the
// durable checkpoint is saved before the old file is removed, so a crash
// between the two can never leave the receiver re-opening a file that was
// already deleted out from under it.
func (r *Receiver) advanceSegment() error {
	oldPath := segmentPath(r.base, r.state.Segment)
	newSegment := r.state.AdvanceSegment()

	if err := saveReceiverState(r.base, r.state); err != nil {
		r.state.RetreatSegment()
		return err
	}

	newTail, err := openTailFollower(segmentPath(r.base, newSegment), r.opts.PollInterval)
	if err != nil {
		return err
	}

	oldTail := r.tail
	r.tail = newTail
	if err := oldTail.Close(); err != nil {
		log.Warn().Str("file", oldPath).Err(err).Msg("fileq: error closing sealed segment")
	}

	if err := os.Remove(oldPath); err != nil {
		return errors.Wrap(err, "error deleting sealed segment "+oldPath)
	}
	return nil
}

// Recv returns the next record, blocking until one is available or ctx is
// canceled. Canceling before a record is ready is observationally
// equivalent to never having called Recv.
func (r *Receiver) Recv(ctx context.Context) (*RecvGuard, error) {
	r.mu.Lock()
	if len(r.unused) == 0 {
		if err := r.readOne(ctx); err != nil {
			r.mu.Unlock()
			return nil, err
		}
	}
	payload := r.unused[0]
	r.unused = r.unused[1:]
	return newRecvGuard(r, [][]byte{payload}, uint64(HeaderLen+len(payload))), nil
}

// TryRecv is a non-blocking Recv: if no record is immediately available it
// returns ErrEmpty rather than waiting, matching the teacher's original
// non-blocking Dequeue.
func (r *Receiver) TryRecv() (*RecvGuard, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	guard, err := r.Recv(ctx)
	if err == nil {
		return guard, nil
	}
	// readOne only blocks inside TailFollower.ReadExact's awaitGrowth; an
	// already-canceled context turns that wait into an immediate error
	// without consuming anything, so this is a true non-blocking attempt.
	// If a record was already buffered in r.unused, Recv never reached the
	// wait at all and returned it above. Any other error is a real failure
	// (e.g. a corrupt segment) and must not be masked as "empty".
	if errors.Is(err, context.Canceled) {
		return nil, ErrEmpty
	}
	return nil, err
}

// RecvTimeout is Recv bounded by timeout. If no record arrives in time it
// returns a nil guard and a nil error ("no element"), distinct from a real
// failure.
func (r *Receiver) RecvTimeout(timeout time.Duration) (*RecvGuard, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	guard, err := r.Recv(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}
	return guard, nil
}

// RecvBatch blocks until n records are available, then returns exactly n.
func (r *Receiver) RecvBatch(ctx context.Context, n int) (*RecvGuard, error) {
	r.mu.Lock()
	for len(r.unused) < n {
		if err := r.readOne(ctx); err != nil {
			r.mu.Unlock()
			return nil, err
		}
	}
	items := append([][]byte(nil), r.unused[:n]...)
	r.unused = r.unused[n:]
	return newRecvGuard(r, items, batchLen(items)), nil
}

// RecvBatchTimeout loops read attempts, each bounded by the time remaining
// on a shared deadline, stopping as soon as one times out. It returns
// however many records were successfully read, from 0 up to n.
func (r *Receiver) RecvBatchTimeout(n int, timeout time.Duration) (*RecvGuard, error) {
	r.mu.Lock()
	deadline := time.Now().Add(timeout)

	for len(r.unused) < n {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		ctx, cancel := context.WithTimeout(context.Background(), remaining)
		err := r.readOne(ctx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			r.mu.Unlock()
			return nil, err
		}
	}

	k := n
	if len(r.unused) < k {
		k = len(r.unused)
	}
	items := append([][]byte(nil), r.unused[:k]...)
	r.unused = r.unused[k:]
	return newRecvGuard(r, items, batchLen(items)), nil
}

// RecvUntil calls predicate(nil, false) once to initialize, then feeds it
// successive records as (payload, true). The first record for which
// predicate returns stop=true is left un-consumed; everything examined
// before it is delivered in the guard.
func (r *Receiver) RecvUntil(ctx context.Context, predicate Predicate) (*RecvGuard, error) {
	r.mu.Lock()
	if _, err := predicate(nil, false); err != nil {
		r.mu.Unlock()
		return nil, err
	}

	nRead := 0
	for {
		if nRead >= len(r.unused) {
			if err := r.readOne(ctx); err != nil {
				r.mu.Unlock()
				return nil, err
			}
		}
		stop, err := predicate(r.unused[nRead], true)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		if stop {
			break
		}
		nRead++
	}

	items := append([][]byte(nil), r.unused[:nRead]...)
	r.unused = r.unused[nRead:]
	return newRecvGuard(r, items, batchLen(items)), nil
}

// Save durably writes the receiver's current checkpoint. Drop (Close)
// already does this best-effort; Save is exposed for callers that want
// periodic durability in between.
func (r *Receiver) Save() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return saveReceiverState(r.base, r.state)
}

// Close flushes the checkpoint (best effort) and releases recv.lock and
// the TailFollower.
func (r *Receiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := saveReceiverState(r.base, r.state)
	if err != nil {
		log.Warn().Err(err).Msg("fileq: error saving receiver state on close")
	}
	if cerr := r.tail.Close(); cerr != nil {
		log.Warn().Err(cerr).Msg("fileq: error closing tail follower")
	}
	r.lock.Release()
	return err
}

func batchLen(items [][]byte) uint64 {
	var total uint64
	for _, it := range items {
		total += uint64(HeaderLen + len(it))
	}
	return total
}
