// state_test.go
package fileq

import (
	"os"
	"testing"

	"github.com/stvp/assert"
)

func TestState_DeriveSenderState_EmptyDir(t *testing.T) {
	dir := t.TempDir()
	s, err := deriveSenderState(dir)
	assert.Nil(t, err, "unexpected error")
	assert.Equal(t, uint64(0), s.Segment, "fresh queue should start at segment 0")
	assert.Equal(t, uint64(0), s.Position, "fresh queue should start at position 0")
}

func TestState_DeriveSenderState_PicksHighestSegment(t *testing.T) {
	dir := t.TempDir()
	mustWriteFile(t, segmentPath(dir, 0), []byte{})
	h := EncodeHeader(1)
	mustWriteFile(t, segmentPath(dir, 1), append(h[:], 'x')) // one complete 5-byte record

	s, err := deriveSenderState(dir)
	assert.Nil(t, err, "unexpected error")
	assert.Equal(t, uint64(1), s.Segment, "should pick the highest segment number")
	assert.Equal(t, uint64(5), s.Position, "position should equal file size")
}

func TestState_DeriveSenderState_SealedSegmentAdvances(t *testing.T) {
	dir := t.TempDir()
	eof := EOFHeaderBytes()
	mustWriteFile(t, segmentPath(dir, 0), eof[:])

	s, err := deriveSenderState(dir)
	assert.Nil(t, err, "unexpected error")
	assert.Equal(t, uint64(1), s.Segment, "a sealed highest segment should bump to the next one")
	assert.Equal(t, uint64(0), s.Position, "the next segment starts at position 0")
}

func TestState_DeriveSenderState_TruncatesIncompleteTrailingRecord(t *testing.T) {
	dir := t.TempDir()
	h := EncodeHeader(10)
	var content []byte
	content = append(content, h[:]...)
	content = append(content, []byte("short")...) // declares 10 bytes, only 5 present
	mustWriteFile(t, segmentPath(dir, 0), content)

	s, err := deriveSenderState(dir)
	assert.Nil(t, err, "unexpected error")
	assert.Equal(t, uint64(0), s.Position, "incomplete trailing record should be truncated away entirely")

	info, err := os.Stat(segmentPath(dir, 0))
	assert.Nil(t, err, "unexpected stat error")
	assert.Equal(t, int64(0), info.Size(), "file should have been truncated on disk")
}

func TestState_ReceiverState_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := QueueState{Segment: 3, Position: 42}
	assert.Nil(t, saveReceiverState(dir, want), "save failed")

	got, err := loadReceiverState(dir)
	assert.Nil(t, err, "load failed")
	assert.Equal(t, want, got, "loaded state did not match saved state")
}

func TestState_ReceiverState_DefaultsToSmallestSegment(t *testing.T) {
	dir := t.TempDir()
	mustWriteFile(t, segmentPath(dir, 2), []byte{})
	mustWriteFile(t, segmentPath(dir, 5), []byte{})

	got, err := loadReceiverState(dir)
	assert.Nil(t, err, "unexpected error")
	assert.Equal(t, uint64(2), got.Segment, "should default to the smallest existing segment")
	assert.Equal(t, uint64(0), got.Position, "should default to position 0")
}

func TestState_ReceiverState_CorruptFileIsFatal(t *testing.T) {
	dir := t.TempDir()
	mustWriteFile(t, dir+"/"+recvStateFileName, []byte("not gob data"))

	_, err := loadReceiverState(dir)
	assert.True(t, err != nil, "expected an error decoding corrupt state")
}

func TestState_AdvanceAndRetreatSegment(t *testing.T) {
	s := QueueState{Segment: 4, Position: 99}
	next := s.AdvanceSegment()
	assert.Equal(t, uint64(5), next, "AdvanceSegment should return the new segment number")
	assert.Equal(t, uint64(5), s.Segment, "segment should be incremented")
	assert.Equal(t, uint64(0), s.Position, "position should reset to 0")

	s.RetreatSegment()
	assert.Equal(t, uint64(4), s.Segment, "RetreatSegment should undo AdvanceSegment")
}

func TestState_IsPastEnd(t *testing.T) {
	s := QueueState{Position: 100}
	assert.True(t, s.IsPastEnd(100), "position equal to max should be past end")
	assert.False(t, s.IsPastEnd(101), "position below max should not be past end")
}

func mustWriteFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("error writing fixture file %s: %v", path, err)
	}
}
