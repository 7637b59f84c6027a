//
// Copyright (c) 2018 Jon Carlson.  All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.
//
package fileq

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// TailFollower is a read handle on a file that another process may still be
// appending to. ReadExact blocks, rather than returning a short read, when
// the file's current bytes run out before the requested count is
// satisfied; it resumes once the watched directory reports growth, or a
// poll tick fires, whichever comes first.
type TailFollower struct {
	path         string
	file         *os.File
	watcher      *fsnotify.Watcher
	pollInterval time.Duration
	offset       int64
}

// openTailFollower opens path for reading, creating an empty file if it
// doesn't exist yet. Matching the sender's create-on-append policy here is
// what keeps the two sides from deadlocking: a receiver started before the
// sender has written its first segment must still be able to open and wait.
func openTailFollower(path string, pollInterval time.Duration) (*TailFollower, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "error opening "+path+" for tailing")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		file.Close()
		return nil, errors.Wrap(err, "error initializing file watcher for "+path)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		file.Close()
		return nil, errors.Wrap(err, "error watching directory of "+path)
	}

	return &TailFollower{
		path:         path,
		file:         file,
		watcher:      watcher,
		pollInterval: pollInterval,
	}, nil
}

// Seek repositions the read cursor. whence follows io.Seeker conventions.
func (t *TailFollower) Seek(offset int64, whence int) (int64, error) {
	n, err := t.file.Seek(offset, whence)
	if err == nil {
		t.offset = n
	}
	return n, err
}

// ReadExact fills buf completely, blocking for growth as needed. It never
// returns a short read: on any returned error, no bytes of buf should be
// treated as valid, and the file position has not advanced past the last
// byte actually consumed. Cancellation via ctx only ever happens while
// waiting for more bytes to appear, never mid-syscall, and a canceled read
// seeks back over any bytes it had already read, so it never consumes
// partial bytes from the file.
func (t *TailFollower) ReadExact(ctx context.Context, buf []byte) error {
	need := len(buf)
	got := 0
	for got < need {
		n, err := t.file.Read(buf[got:])
		if n > 0 {
			got += n
			t.offset += int64(n)
			continue
		}
		if err != nil && err != io.EOF {
			return errors.Wrap(err, "error reading "+t.path)
		}
		// Nothing read this call (transient EOF-of-file): wait for the
		// file to grow before retrying. This is the only suspension
		// point, and it consumes nothing.
		if werr := t.awaitGrowth(ctx); werr != nil {
			// Give back any bytes already taken by this call so the next
			// read starts where this one did.
			if got > 0 {
				if _, serr := t.Seek(-int64(got), io.SeekCurrent); serr != nil {
					return errors.Wrap(serr, "error rewinding "+t.path+" after canceled read")
				}
			}
			return werr
		}
	}
	return nil
}

// awaitGrowth blocks until a notification or poll tick suggests the file
// may have grown, or ctx is canceled. It does not itself check the file's
// size and does not trust the event to mean growth: a watcher set up after
// bytes were already appended fires no notification for those bytes, so
// the caller simply retries its Read regardless of which path woke it.
func (t *TailFollower) awaitGrowth(ctx context.Context) error {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.watcher.Events:
		// Any event on the watched directory is a cue to retry; the Read
		// loop in ReadExact re-checks actual bytes available, so a
		// same-file match isn't required here.
		return nil
	case <-t.watcher.Errors:
		return nil
	case <-ticker.C:
		return nil
	}
}

// Close releases the watcher and underlying file handle.
func (t *TailFollower) Close() error {
	werr := t.watcher.Close()
	ferr := t.file.Close()
	if werr != nil {
		return werr
	}
	return ferr
}
