package audio

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hotpin/hotpinserver/internal/apperr"
)

func frame(n int) []byte { return make([]byte, n) }

func TestAppendAccumulatesBytesAndAcksEveryN(t *testing.T) {
	b := NewBuffer(t.TempDir())
	var diskUsed int64
	rec, err := b.Open("sess-1", 4096, 5, 2, 1<<20, 10, &diskUsed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if res, err := rec.Append(0, frame(64)); err != nil || res.ShouldAck {
		t.Fatalf("Append(0) = %+v, %v; want no ack yet", res, err)
	}
	res, err := rec.Append(1, frame(64))
	if err != nil {
		t.Fatalf("Append(1) error = %v", err)
	}
	if !res.ShouldAck || res.AckSeq != 1 {
		t.Fatalf("Append(1) = %+v, want ShouldAck at seq 1", res)
	}

	if rec.TotalBytes() != 128 {
		t.Fatalf("TotalBytes() = %d, want 128", rec.TotalBytes())
	}
	if diskUsed != 128 {
		t.Fatalf("diskUsed = %d, want 128", diskUsed)
	}
}

func TestAppendRejectsFrameBelowMinimumSize(t *testing.T) {
	b := NewBuffer(t.TempDir())
	var diskUsed int64
	rec, _ := b.Open("sess-2", 4096, 5, 2, 1<<20, 10, &diskUsed)

	_, err := rec.Append(0, frame(16))
	if !apperr.Is(err, apperr.KindFrameProtocolViolation) {
		t.Fatalf("error = %v, want frame_protocol_violation", err)
	}
}

func TestAppendRejectsOversizedFrame(t *testing.T) {
	b := NewBuffer(t.TempDir())
	var diskUsed int64
	rec, _ := b.Open("sess-3", 100, 5, 2, 1<<20, 10, &diskUsed)

	_, err := rec.Append(0, frame(200))
	if !apperr.Is(err, apperr.KindFrameProtocolViolation) {
		t.Fatalf("error = %v, want frame_protocol_violation", err)
	}
}

func TestAppendRejectsSequenceGapBeyondTolerance(t *testing.T) {
	b := NewBuffer(t.TempDir())
	var diskUsed int64
	rec, _ := b.Open("sess-4", 4096, 2, 10, 1<<20, 10, &diskUsed)

	if _, err := rec.Append(0, frame(64)); err != nil {
		t.Fatalf("Append(0) error = %v", err)
	}
	_, err := rec.Append(5, frame(64))
	if !apperr.Is(err, apperr.KindSequenceGap) {
		t.Fatalf("error = %v, want sequence_gap", err)
	}
}

func TestAppendRejectsBackwardsSequence(t *testing.T) {
	b := NewBuffer(t.TempDir())
	var diskUsed int64
	rec, _ := b.Open("sess-5", 4096, 5, 10, 1<<20, 10, &diskUsed)

	if _, err := rec.Append(3, frame(64)); err != nil {
		t.Fatalf("Append(3) error = %v", err)
	}
	_, err := rec.Append(1, frame(64))
	if !apperr.Is(err, apperr.KindSequenceGap) {
		t.Fatalf("error = %v, want sequence_gap", err)
	}
}

func TestAppendRejectsBeyondMaxRecordingBytes(t *testing.T) {
	b := NewBuffer(t.TempDir())
	var diskUsed int64
	rec, _ := b.Open("sess-6", 4096, 5, 10, 100, 10, &diskUsed)

	_, err := rec.Append(0, frame(200))
	if !apperr.Is(err, apperr.KindMaxRecordingExceeded) {
		t.Fatalf("error = %v, want max_recording_exceeded", err)
	}
}

func TestAppendRejectsBeyondSessionDiskQuota(t *testing.T) {
	b := NewBuffer(t.TempDir())
	diskUsed := int64(1 << 20) // already at the 1MB quota
	rec, _ := b.Open("sess-7", 4096, 5, 10, 1<<21, 1, &diskUsed)

	_, err := rec.Append(0, frame(64))
	if !apperr.Is(err, apperr.KindDiskQuotaExceeded) {
		t.Fatalf("error = %v, want disk_quota_exceeded", err)
	}
}

func TestFinalizeReturnsAccumulatedBytes(t *testing.T) {
	b := NewBuffer(t.TempDir())
	var diskUsed int64
	rec, _ := b.Open("sess-8", 32000, 5, 10, 1<<20, 10, &diskUsed)

	if _, err := rec.Append(0, frame(32000)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	data, dur, err := rec.Finalize(16000)
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if len(data) != 32000 {
		t.Fatalf("Finalize() data len = %d, want 32000", len(data))
	}
	if dur.Milliseconds() != 1000 {
		t.Fatalf("Finalize() duration = %v, want 1s", dur)
	}
}

func TestFinalizeTwiceReturnsProtocolViolation(t *testing.T) {
	b := NewBuffer(t.TempDir())
	var diskUsed int64
	rec, _ := b.Open("sess-9", 4096, 5, 10, 1<<20, 10, &diskUsed)

	if _, _, err := rec.Finalize(16000); err != nil {
		t.Fatalf("first Finalize() error = %v", err)
	}
	_, _, err := rec.Finalize(16000)
	if !apperr.Is(err, apperr.KindFrameProtocolViolation) {
		t.Fatalf("error = %v, want frame_protocol_violation", err)
	}
}

func TestAbortDecrementsDiskUsageAndRemovesSpillFile(t *testing.T) {
	b := NewBuffer(t.TempDir())
	var diskUsed int64
	rec, _ := b.Open("sess-10", 4096, 5, 10, 1<<20, 10, &diskUsed)

	if _, err := rec.Append(0, frame(100)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if diskUsed != 100 {
		t.Fatalf("diskUsed before Abort = %d, want 100", diskUsed)
	}

	rec.Abort()
	if diskUsed != 0 {
		t.Fatalf("diskUsed after Abort = %d, want 0", diskUsed)
	}

	if _, err := rec.Append(1, frame(100)); !apperr.Is(err, apperr.KindFrameProtocolViolation) {
		t.Fatalf("Append() after Abort error = %v, want frame_protocol_violation", err)
	}
}

func TestAppendToClosedRecordingIsProtocolViolation(t *testing.T) {
	b := NewBuffer(t.TempDir())
	var diskUsed int64
	rec, _ := b.Open("sess-11", 4096, 5, 10, 1<<20, 10, &diskUsed)
	if _, _, err := rec.Finalize(16000); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	_, err := rec.Append(0, frame(64))
	if !apperr.Is(err, apperr.KindFrameProtocolViolation) {
		t.Fatalf("error = %v, want frame_protocol_violation", err)
	}
}

func TestFinalizeRemovesSpillFileAndDecrementsDiskUsage(t *testing.T) {
	b := NewBuffer(t.TempDir())
	diskUsed := int64(0)
	rec, _ := b.Open("sess-12", 4096, 5, 10, 1<<20, 10, &diskUsed)

	if _, err := rec.Append(0, frame(100)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	spillPath := rec.spillPath

	if _, _, err := rec.Finalize(16000); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if _, err := os.Stat(spillPath); !os.IsNotExist(err) {
		t.Fatalf("spill file still exists after Finalize(): err = %v", err)
	}
	if diskUsed != 0 {
		t.Fatalf("diskUsed after Finalize() = %d, want 0", diskUsed)
	}
}

func TestPurgeSessionRemovesSubdirectory(t *testing.T) {
	tempDir := t.TempDir()
	b := NewBuffer(tempDir)
	var diskUsed int64
	rec, err := b.Open("sess-13", 4096, 5, 10, 1<<20, 10, &diskUsed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	sessionDir := rec.dir

	if err := b.PurgeSession("sess-13"); err != nil {
		t.Fatalf("PurgeSession() error = %v", err)
	}
	if _, err := os.Stat(sessionDir); !os.IsNotExist(err) {
		t.Fatalf("session dir still exists after PurgeSession(): err = %v", err)
	}

	if err := b.PurgeSession("sess-13"); err != nil {
		t.Fatalf("PurgeSession() on an already-purged session error = %v", err)
	}
}

func TestSweepRemovesOnlyStaleSubdirectories(t *testing.T) {
	tempDir := t.TempDir()
	b := NewBuffer(tempDir)

	var diskUsed int64
	staleRec, err := b.Open("sess-stale", 4096, 5, 10, 1<<20, 10, &diskUsed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	staleRec.Abort() // closes the recording but leaves the subdirectory

	freshRec, err := b.Open("sess-fresh", 4096, 5, 10, 1<<20, 10, &diskUsed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	staleTime := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(tempDir, "sess-stale"), staleTime, staleTime); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}

	removed, err := b.Sweep(time.Minute)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if removed != 1 {
		t.Fatalf("Sweep() removed = %d, want 1", removed)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "sess-stale")); !os.IsNotExist(err) {
		t.Fatalf("stale session dir still exists after Sweep()")
	}
	if _, err := os.Stat(freshRec.dir); err != nil {
		t.Fatalf("fresh session dir was swept away: %v", err)
	}
}
