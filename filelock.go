//
// Copyright (c) 2018 Jon Carlson.  All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.
//
package fileq

import (
	"context"
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	sendLockName = "send.lock"
	recvLockName = "recv.lock"
)

// FileGuard is an advisory, exclusive, whole-file lock on a named path. It
// grants the sender or receiver role for a queue directory: at most one
// holder of send.lock and one holder of recv.lock may exist at a time.
type FileGuard struct {
	path   string
	fl     *flock.Flock
	ignore bool
}

// tryLockFile attempts a non-blocking acquire of path. side identifies the
// role ("sender"/"receiver") for the ErrSideInUse message.
func tryLockFile(path, side string) (*FileGuard, error) {
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "error acquiring lock "+path)
	}
	if !ok {
		return nil, errors.Wrapf(ErrSideInUse, "%s side of queue %s", side, path)
	}
	return &FileGuard{path: path, fl: fl}, nil
}

// lockFile blocks, retrying at interval, until path can be locked or ctx is
// canceled. Cancellation never leaves an orphaned lock file: if TryLock
// never succeeded, nothing was created on this side to clean up.
func lockFile(ctx context.Context, path string, interval time.Duration) (*FileGuard, error) {
	fl := flock.New(path)
	for {
		ok, err := fl.TryLock()
		if err != nil {
			return nil, errors.Wrap(err, "error acquiring lock "+path)
		}
		if ok {
			return &FileGuard{path: path, fl: fl}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Ignore suppresses removal-error logging on Release. Used when the
// guarded directory is about to be deleted wholesale (Clear/TryClear),
// where the lock file disappearing out from under the guard is expected.
func (g *FileGuard) Ignore() {
	g.ignore = true
}

// Release unlocks and removes the lock file. Errors are logged, never
// returned: release always happens on a teardown path (Sender/Receiver
// close, Admin clear) where propagating would just shift the problem to a
// caller that can't act on it differently.
func (g *FileGuard) Release() {
	if err := g.fl.Unlock(); err != nil {
		log.Warn().Str("path", g.path).Err(err).Msg("fileq: error unlocking")
	}
	if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) && !g.ignore {
		log.Warn().Str("path", g.path).Err(err).Msg("fileq: error removing lock file")
	}
}
