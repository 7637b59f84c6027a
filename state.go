//
// Copyright (c) 2018 Jon Carlson.  All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.
//
package fileq

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/pkg/errors"
)

const recvStateFileName = "recv-metadata"

var segmentFilePattern = regexp.MustCompile(`^([0-9]+)\.q$`)

// QueueState is the receiver's (and, transiently, the sender's) read/write
// cursor: which segment, and the byte offset within it at which the next
// record header begins.
type QueueState struct {
	Segment  uint64
	Position uint64
}

// segmentPath builds the path of segment N within base.
func segmentPath(base string, n uint64) string {
	return filepath.Join(base, strconv.FormatUint(n, 10)+".q")
}

// listSegments returns the sorted segment numbers present in base.
func listSegments(base string) ([]uint64, error) {
	entries, err := ioutil.ReadDir(base)
	if err != nil {
		return nil, errors.Wrap(err, "error reading queue directory "+base)
	}
	var nums []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := segmentFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums, nil
}

// deriveSenderState scans base for the highest-numbered existing segment
// and sets position to that file's current size, after validating the
// segment's trailing record (see validateAndRepairSegment). Sender state
// is never persisted: it is always recoverable this way.
func deriveSenderState(base string) (QueueState, error) {
	nums, err := listSegments(base)
	if err != nil {
		return QueueState{}, err
	}
	if len(nums) == 0 {
		return QueueState{Segment: 0, Position: 0}, nil
	}
	max := nums[len(nums)-1]
	position, sealed, err := validateAndRepairSegment(segmentPath(base, max))
	if err != nil {
		return QueueState{}, err
	}
	if sealed {
		// The highest segment on disk already ends in an EOF sentinel: a
		// prior sender crashed after sealing it but before creating the
		// next one. Resume one segment further; OpenSender creates it.
		return QueueState{Segment: max + 1, Position: 0}, nil
	}
	return QueueState{Segment: max, Position: position}, nil
}

// validateAndRepairSegment scans path's records from the start. It
// returns the byte offset a sender may safely resume appending at, and
// whether the segment is already sealed with an EOF marker.
//
// Two crash shapes are repaired here: a trailing record whose declared
// length runs past the file's actual size (a flush that landed only
// partially before a crash) is truncated back to the last complete record
// boundary; a segment whose last header is the EOF sentinel is reported
// sealed so the caller resumes in the next segment instead of appending
// past the marker.
func validateAndRepairSegment(path string) (position uint64, sealed bool, err error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return 0, false, errors.Wrap(err, "error opening segment for validation "+path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, false, errors.Wrap(err, "error statting segment "+path)
	}
	size := info.Size()

	var offset int64
	var hdr [HeaderLen]byte
	for offset+HeaderLen <= size {
		if _, err := f.ReadAt(hdr[:], offset); err != nil {
			return 0, false, errors.Wrap(err, "error reading header during validation of "+path)
		}
		h := DecodeHeader(hdr[:])
		if h.IsEOF() {
			return uint64(offset + HeaderLen), true, nil
		}
		recordEnd := offset + HeaderLen + int64(h.Len())
		if recordEnd > size {
			break // trailing record is incomplete; stop before it
		}
		offset = recordEnd
	}

	if offset != size {
		if err := f.Truncate(offset); err != nil {
			return 0, false, errors.Wrap(err, "error truncating incomplete trailing record in "+path)
		}
	}
	return uint64(offset), false, nil
}

// loadReceiverState reads the durable receiver checkpoint. If no metadata
// file exists yet, the receiver starts at the smallest existing segment (or
// 0 if the queue is brand new), position 0.
func loadReceiverState(base string) (QueueState, error) {
	path := filepath.Join(base, recvStateFileName)
	data, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			nums, lerr := listSegments(base)
			if lerr != nil {
				return QueueState{}, lerr
			}
			if len(nums) == 0 {
				return QueueState{Segment: 0, Position: 0}, nil
			}
			return QueueState{Segment: nums[0], Position: 0}, nil
		}
		return QueueState{}, errors.Wrap(err, "error reading receiver state "+path)
	}

	var s QueueState
	dec := gob.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&s); err != nil {
		return QueueState{}, errors.Wrap(ErrCorruptState, err.Error())
	}
	return s, nil
}

// saveReceiverState durably persists s: write to a temp file in the same
// directory, then rename over the canonical path. A crash mid-save leaves
// either the old or the new value on disk, never a torn write.
func saveReceiverState(base string, s QueueState) error {
	path := filepath.Join(base, recvStateFileName)

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return errors.Wrap(err, "error encoding receiver state")
	}

	tmp := path + fmt.Sprintf(".tmp-%d", os.Getpid())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, "error creating temp state file "+tmp)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "error writing temp state file "+tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "error syncing temp state file "+tmp)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "error closing temp state file "+tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "error renaming state file into place")
	}
	return nil
}

// AdvancePosition moves the cursor forward by n bytes within the current
// segment.
func (s *QueueState) AdvancePosition(n uint64) {
	s.Position += n
}

// AdvanceSegment moves the cursor to the start of the next segment and
// returns the new segment number.
func (s *QueueState) AdvanceSegment() uint64 {
	s.Segment++
	s.Position = 0
	return s.Segment
}

// RetreatSegment undoes a failed AdvanceSegment.
func (s *QueueState) RetreatSegment() {
	s.Segment--
}

// IsPastEnd reports whether the current segment has reached or exceeded
// max, the rotation threshold.
func (s *QueueState) IsPastEnd(max uint64) bool {
	return s.Position >= max
}
