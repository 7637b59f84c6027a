//
// Copyright (c) 2018 Jon Carlson.  All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.
//
package fileq

import "github.com/pkg/errors"

var (
	// ErrEmpty is returned by a non-blocking receive against an empty queue.
	ErrEmpty = errors.New("fileq: queue is empty")

	// ErrSideInUse is returned by OpenSender/OpenReceiver when the
	// corresponding lock file is already held by another Sender/Receiver.
	ErrSideInUse = errors.New("fileq: side already in use")

	// ErrCorruptState is returned when the persisted receiver checkpoint
	// cannot be decoded.  Treated as fatal at open; no heuristic recovery.
	ErrCorruptState = errors.New("fileq: corrupt receiver state")

	// ErrPayloadTooLarge is returned by Send/SendBatch when a payload's
	// length would collide with the EOF sentinel.
	ErrPayloadTooLarge = errors.New("fileq: payload too large")
)
