//
// Copyright (c) 2018 Jon Carlson.  All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.
//
package fileq

import (
	"context"
	"os"

	"github.com/pkg/errors"
)

// TryClear destroys the queue directory at base, non-blocking: if either
// side is currently in use it fails immediately rather than waiting.
// Locks are acquired send-before-recv, matching the ordering Open uses
// (OpenSender, then OpenReceiver), so a process that already holds both sides of a
// queue can never self-deadlock calling TryClear.
func TryClear(base string) error {
	sendLock, err := tryLockFile(sendLockPath(base), "sender")
	if err != nil {
		return err
	}
	recvLock, err := tryLockFile(recvLockPath(base), "receiver")
	if err != nil {
		sendLock.Release()
		return err
	}
	return clearLocked(base, sendLock, recvLock)
}

// Clear destroys the queue directory at base, blocking until both locks
// can be acquired or ctx is canceled.
func Clear(ctx context.Context, base string, opts ...Option) error {
	o := resolveOptions(opts)

	sendLock, err := lockFile(ctx, sendLockPath(base), o.LockPollInterval)
	if err != nil {
		return err
	}
	recvLock, err := lockFile(ctx, recvLockPath(base), o.LockPollInterval)
	if err != nil {
		sendLock.Release()
		return err
	}
	return clearLocked(base, sendLock, recvLock)
}

func clearLocked(base string, sendLock, recvLock *FileGuard) error {
	sendLock.Ignore()
	recvLock.Ignore()
	defer sendLock.Release()
	defer recvLock.Release()

	if err := os.RemoveAll(base); err != nil {
		return errors.Wrap(err, "error removing queue directory "+base)
	}
	return nil
}
