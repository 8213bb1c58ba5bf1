package audio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hotpin/hotpinserver/internal/apperr"
)

// Recording owns the in-flight bytes of one utterance: a spill file on
// disk plus enough in-memory bookkeeping to validate sequence numbers
// and enforce quotas as frames arrive.
type Recording struct {
	mu sync.Mutex

	sessionID string
	dir       string
	spillPath string
	spill     *os.File

	expectedSeq  int
	seqKnown     bool
	gapTolerance int
	maxChunk     int

	totalBytes     int
	maxRecording   int
	diskQuotaBytes int
	diskUsed       *int64 // shared session disk usage counter

	framesSinceAck int
	ackEveryN      int

	firstFrameAt time.Time
	lastFrameAt  time.Time
	closed       bool
}

// Buffer is the Audio Buffer component: it allocates Recordings under a
// configured temp root, one per-session subdirectory at a time.
type Buffer struct {
	tempDir string
}

func NewBuffer(tempDir string) *Buffer {
	return &Buffer{tempDir: tempDir}
}

// Open allocates a spill file for a new Recording. diskUsed is the
// session's shared disk-usage counter (in bytes); Open and subsequent
// Append calls keep it current so the Session Store can enforce
// MAX_SESSION_DISK_MB without a second pass over the data.
func (b *Buffer) Open(sessionID string, maxChunkBytes, gapTolerance, ackEveryN, maxRecordingBytes, diskQuotaMB int, diskUsed *int64) (*Recording, error) {
	dir := filepath.Join(b.tempDir, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.KindDiskQuotaExceeded, "create session temp dir", err)
	}
	spillPath := filepath.Join(dir, fmt.Sprintf("rec-%d.pcm", time.Now().UnixNano()))
	f, err := os.Create(spillPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDiskQuotaExceeded, "create spill file", err)
	}
	return &Recording{
		sessionID:      sessionID,
		dir:            dir,
		spillPath:      spillPath,
		spill:          f,
		gapTolerance:   gapTolerance,
		maxChunk:       maxChunkBytes,
		maxRecording:   maxRecordingBytes,
		diskQuotaBytes: diskQuotaMB << 20,
		diskUsed:       diskUsed,
		ackEveryN:      ackEveryN,
		firstFrameAt:   time.Now(),
	}, nil
}

// PurgeSession removes a session's entire temp subdirectory, including
// any spill file a crashed or killed pipeline task never got to finalize
// or abort. It is safe to call on a session with no subdirectory.
func (b *Buffer) PurgeSession(sessionID string) error {
	if sessionID == "" {
		return nil
	}
	return os.RemoveAll(filepath.Join(b.tempDir, sessionID))
}

// Sweep removes per-session subdirectories that have had no file
// activity for at least maxAge. It never touches a subdirectory a live
// session still owns: Open and Append continually refresh the spill
// file's mtime, so a subdirectory only goes stale once its session has
// finalized, aborted, or otherwise stopped touching it.
func (b *Buffer) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(b.tempDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read temp dir: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(b.tempDir, entry.Name())
		newest, err := dirActivity(dir)
		if err != nil || newest.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err == nil {
			removed++
		}
	}
	return removed, nil
}

// StartSweeper runs Sweep on a timer until ctx is cancelled, implementing
// the periodic orphaned-file cleanup that is independent of any single
// session's own lifecycle.
func (b *Buffer) StartSweeper(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = b.Sweep(maxAge)
			}
		}
	}()
}

// dirActivity returns the most recent modification time among dir
// itself and its immediate children.
func dirActivity(dir string) (time.Time, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return time.Time{}, err
	}
	newest := info.ModTime()
	children, err := os.ReadDir(dir)
	if err != nil {
		return newest, nil
	}
	for _, child := range children {
		childInfo, err := child.Info()
		if err != nil {
			continue
		}
		if childInfo.ModTime().After(newest) {
			newest = childInfo.ModTime()
		}
	}
	return newest, nil
}

// AppendResult tells the caller whether to emit a periodic ack.
type AppendResult struct {
	ShouldAck bool
	AckSeq    int
}

// Append validates and absorbs one (seq, bytes) frame pair.
func (r *Recording) Append(seq int, data []byte) (AppendResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return AppendResult{}, apperr.New(apperr.KindFrameProtocolViolation, "append to closed recording")
	}
	if len(data) < 32 {
		return AppendResult{}, apperr.New(apperr.KindFrameProtocolViolation, "binary frame shorter than 32 bytes")
	}
	if r.maxChunk > 0 && len(data) > r.maxChunk {
		return AppendResult{}, apperr.New(apperr.KindFrameProtocolViolation, "binary frame exceeds configured max chunk size")
	}

	if !r.seqKnown {
		r.expectedSeq = seq
		r.seqKnown = true
	}
	if seq < r.expectedSeq {
		return AppendResult{}, apperr.New(apperr.KindSequenceGap, "sequence number went backwards")
	}
	if seq-r.expectedSeq > r.gapTolerance {
		return AppendResult{}, apperr.New(apperr.KindSequenceGap, "sequence gap exceeds tolerance")
	}

	if r.totalBytes+len(data) > r.maxRecording {
		return AppendResult{}, apperr.New(apperr.KindMaxRecordingExceeded, "recording exceeds absolute byte ceiling")
	}
	if r.diskQuotaBytes > 0 && r.diskUsed != nil && *r.diskUsed+int64(len(data)) > int64(r.diskQuotaBytes) {
		return AppendResult{}, apperr.New(apperr.KindDiskQuotaExceeded, "session disk quota exceeded")
	}

	if _, err := r.spill.Write(data); err != nil {
		return AppendResult{}, apperr.Wrap(apperr.KindDiskQuotaExceeded, "write spill file", err)
	}

	r.totalBytes += len(data)
	if r.diskUsed != nil {
		*r.diskUsed += int64(len(data))
	}
	r.expectedSeq = seq + 1
	r.lastFrameAt = time.Now()

	r.framesSinceAck++
	result := AppendResult{}
	if r.ackEveryN > 0 && r.framesSinceAck >= r.ackEveryN {
		r.framesSinceAck = 0
		result.ShouldAck = true
		result.AckSeq = seq
	}
	return result, nil
}

// IdleSince reports how long it has been since the last accepted frame
// (or since Open, if no frame has arrived yet).
func (r *Recording) IdleSince() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref := r.lastFrameAt
	if ref.IsZero() {
		ref = r.firstFrameAt
	}
	return time.Since(ref)
}

// Finalize flushes and closes the spill file, reads it back into memory,
// and deletes it — a finalized Recording leaves nothing behind on disk,
// same as Abort.
func (r *Recording) Finalize(sampleRate int) ([]byte, time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, 0, apperr.New(apperr.KindFrameProtocolViolation, "finalize on closed recording")
	}
	r.closed = true
	if err := r.spill.Sync(); err != nil {
		r.spill.Close()
		return nil, 0, apperr.Wrap(apperr.KindDiskQuotaExceeded, "sync spill file", err)
	}
	r.spill.Close()

	data, err := os.ReadFile(r.spillPath)
	r.releaseSpill()
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.KindDiskQuotaExceeded, "read finalized recording", err)
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	bytesPerSample := 2 // PCM16LE mono
	durationMS := (len(data) * 1000) / (sampleRate * bytesPerSample)
	return data, time.Duration(durationMS) * time.Millisecond, nil
}

// releaseSpill removes the spill file and returns its bytes to the
// shared session disk-usage counter. Callers must hold r.mu.
func (r *Recording) releaseSpill() {
	if r.diskUsed != nil {
		*r.diskUsed -= int64(r.totalBytes)
		if *r.diskUsed < 0 {
			*r.diskUsed = 0
		}
	}
	os.Remove(r.spillPath)
}

// Abort deletes the spill file and decrements the shared disk counter.
func (r *Recording) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.spill.Close()
	r.releaseSpill()
}

// TotalBytes returns bytes accepted so far.
func (r *Recording) TotalBytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalBytes
}

// SessionID returns the owning session's id.
func (r *Recording) SessionID() string { return r.sessionID }
