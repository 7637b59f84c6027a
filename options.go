//
// Copyright (c) 2018 Jon Carlson.  All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.
//
package fileq

import "time"

// DefaultSegmentMax is the advisory upper bound, in bytes, a segment is
// allowed to grow to before the sender caps it with an EOF header and opens
// the next one.  This is a build-time constant per spec; Options lets a
// process (tests, mainly) override it without touching a config file.
const DefaultSegmentMax = 4 * 1024 * 1024

// DefaultPollInterval is the TailFollower's fallback poll period used when
// no filesystem notification arrives for a pending read.
const DefaultPollInterval = 50 * time.Millisecond

// DefaultLockPollInterval is how often the blocking lock acquire (lockFile,
// used by Clear) retries TryLock while waiting for the other side to release.
const DefaultLockPollInterval = 25 * time.Millisecond

// Options holds the process-local tunables a Sender or Receiver can be
// opened with.  There is deliberately no file- or environment-backed
// loader: the queue path is the only runtime configuration this package
// recognizes; SEGMENT_MAX and friends are build-time constants that a
// caller may override in-process (tests do this to exercise rotation
// without multi-megabyte fixtures).
type Options struct {
	// SegmentMax overrides DefaultSegmentMax. Zero means "use the default".
	SegmentMax uint64

	// Fsync, when true, calls File.Sync after every flushed write. Off by
	// default: the OS-level atomic-append guarantee spec.md §4.5 documents
	// is considered sufficient durability for the common case.
	Fsync bool

	// PollInterval overrides DefaultPollInterval for the TailFollower.
	PollInterval time.Duration

	// LockPollInterval overrides DefaultLockPollInterval for lockFile.
	LockPollInterval time.Duration
}

// Option mutates an Options value. Functional options keep OpenSender and
// OpenReceiver's signatures stable as tunables are added.
type Option func(*Options)

// WithSegmentMax overrides the segment rotation threshold.
func WithSegmentMax(n uint64) Option {
	return func(o *Options) { o.SegmentMax = n }
}

// WithFsync enables File.Sync after every flush.
func WithFsync(enabled bool) Option {
	return func(o *Options) { o.Fsync = enabled }
}

// WithPollInterval overrides the TailFollower's poll fallback period.
func WithPollInterval(d time.Duration) Option {
	return func(o *Options) { o.PollInterval = d }
}

// WithLockPollInterval overrides lockFile's retry period.
func WithLockPollInterval(d time.Duration) Option {
	return func(o *Options) { o.LockPollInterval = d }
}

func resolveOptions(opts []Option) Options {
	o := Options{
		SegmentMax:       DefaultSegmentMax,
		PollInterval:     DefaultPollInterval,
		LockPollInterval: DefaultLockPollInterval,
	}
	for _, apply := range opts {
		apply(&o)
	}
	if o.SegmentMax == 0 {
		o.SegmentMax = DefaultSegmentMax
	}
	if o.PollInterval == 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.LockPollInterval == 0 {
		o.LockPollInterval = DefaultLockPollInterval
	}
	return o
}
