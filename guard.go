//
// Copyright (c) 2018 Jon Carlson.  All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.
//
package fileq

import (
	"io"

	"github.com/rs/zerolog/log"
)

// RecvGuard is a scoped transaction over one receive: it borrows the
// Receiver exclusively until Commit or Close releases it. Go has no
// destructors, so the usage pattern mirrors *sql.Tx: acquire, `defer
// guard.Close()`, then call Commit() on the success path. Close() after a
// successful Commit is a harmless no-op, exactly like Tx.Rollback after
// Tx.Commit.
type RecvGuard struct {
	r        *Receiver
	items    [][]byte
	length   uint64
	resolved bool
}

func newRecvGuard(r *Receiver, items [][]byte, length uint64) *RecvGuard {
	return &RecvGuard{r: r, items: items, length: length}
}

// Bytes returns the single payload this guard delivered. It panics if the
// guard holds no items; for a guard holding several items it returns only
// the first. Use Items for guards produced by batch operations.
func (g *RecvGuard) Bytes() []byte {
	return g.items[0]
}

// Items returns every payload this guard delivered, in enqueue order.
func (g *RecvGuard) Items() [][]byte {
	return g.items
}

// Len returns the total on-disk bytes (headers included) this guard
// accounts for — what Commit will advance the persisted cursor by.
func (g *RecvGuard) Len() uint64 {
	return g.length
}

// Commit advances the persisted read cursor past the delivered record(s)
// and releases the Receiver borrow. The queue's durable state is not
// necessarily flushed to disk by Commit itself — that happens at segment
// advance or Receiver.Close/Save — so a crash after Commit but before the
// next durable save can still re-deliver.
func (g *RecvGuard) Commit() {
	if g.resolved {
		return
	}
	g.resolved = true
	g.r.state.AdvancePosition(g.length)
	g.r.mu.Unlock()
}

// Rollback seeks the TailFollower backward by the delivered length so the
// next receive re-reads the same record(s), then releases the borrow.
func (g *RecvGuard) Rollback() error {
	if g.resolved {
		return nil
	}
	g.resolved = true
	defer g.r.mu.Unlock()
	// Records already read past this guard's (left in unused, or a cached
	// header) are dropped and the cursor moved back over them too, so the
	// next read starts at this guard's first record.
	back := int64(g.length)
	for _, it := range g.r.unused {
		back += int64(HeaderLen + len(it))
	}
	if g.r.maybeHeader != nil {
		back += HeaderLen
	}
	g.r.unused = nil
	g.r.maybeHeader = nil
	_, err := g.r.tail.Seek(-back, io.SeekCurrent)
	return err
}

// Close rolls back if the guard was never explicitly committed, logging
// (never propagating) any rollback-seek failure. Calling Close after
// Commit or Rollback is a no-op. The canonical usage is:
//
//	guard, err := receiver.Recv(ctx)
//	if err != nil { ... }
//	defer guard.Close()
//	... use guard.Bytes() ...
//	guard.Commit()
func (g *RecvGuard) Close() {
	if g.resolved {
		return
	}
	if err := g.Rollback(); err != nil {
		log.Warn().Err(err).Msg("fileq: error rolling back uncommitted receive")
	}
}
