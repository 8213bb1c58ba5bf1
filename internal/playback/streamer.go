// Package playback implements the Playback Streamer: it frames a
// finished reply artifact into wire-sized chunks for the ready-handshake
// streaming path, or spills it to disk and mints a Download Handle when
// the client misses the ready window. The ready-timer race itself is the
// Session Controller's concern (only it reads the inbound event channel,
// per §5's single-mutator rule); this package only knows how to move
// bytes once told to.
package playback

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hotpin/hotpinserver/internal/apperr"
	"github.com/hotpin/hotpinserver/internal/downloadstore"
	"github.com/hotpin/hotpinserver/internal/protocol"
)

// Streamer slices a reply artifact into chunkBytes-sized frames and, on
// the fallback branch, spills it under a per-session subdirectory of
// tempDir and registers it with downloads.
type Streamer struct {
	chunkBytes int
	tempDir    string
	downloads  *downloadstore.Store
}

func NewStreamer(chunkBytes int, tempDir string, downloads *downloadstore.Store) *Streamer {
	if chunkBytes <= 0 {
		chunkBytes = 16000
	}
	return &Streamer{chunkBytes: chunkBytes, tempDir: tempDir, downloads: downloads}
}

// SendChunks streams artifact over sender as a sequence of
// tts_chunk_meta text frames each immediately followed by its binary
// payload (§4.7 step 3), calling onChunk after each chunk completes so
// the caller can observe first-audio latency without this package
// knowing about metrics. It stops at the first transport error — no
// retransmit, per §4.7's backpressure note.
func (s *Streamer) SendChunks(sender protocol.Sender, artifact []byte, onChunk func(seq int)) error {
	seq := 0
	for offset := 0; offset < len(artifact); {
		end := offset + s.chunkBytes
		if end > len(artifact) {
			end = len(artifact)
		}
		chunk := artifact[offset:end]

		meta, err := protocol.EncodeTTSChunkMeta(seq, len(chunk))
		if err != nil {
			return apperr.Wrap(apperr.KindWriteFailed, "encode tts_chunk_meta", err)
		}
		if err := sender.SendText(meta); err != nil {
			return apperr.Wrap(apperr.KindWriteFailed, "send tts_chunk_meta", err)
		}
		if err := sender.SendBinary(chunk); err != nil {
			return apperr.Wrap(apperr.KindWriteFailed, "send tts chunk binary", err)
		}
		if onChunk != nil {
			onChunk(seq)
		}
		seq++
		offset = end
	}
	return nil
}

// OfferDownload persists artifact under the session's temp subdirectory
// and issues a Download Handle for it, returning the client-facing URL
// per §4.7 step 4 / §6.2 (the original's create_download_url stub, now
// backed by a real token->path mapping per §12).
func (s *Streamer) OfferDownload(sessionID string, artifact []byte) (string, error) {
	dir := filepath.Join(s.tempDir, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apperr.Wrap(apperr.KindDiskQuotaExceeded, "create session temp dir for download", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("reply-%d.wav", time.Now().UnixNano()))
	if err := os.WriteFile(path, artifact, 0o644); err != nil {
		return "", apperr.Wrap(apperr.KindDiskQuotaExceeded, "write download artifact", err)
	}
	token := s.downloads.Issue(path)
	return "/download/" + token, nil
}
