// Package controller implements the Session Controller: the state
// machine and pipeline orchestrator that wires the Frame Codec's typed
// event stream to the Audio Buffer, the Recognizer/Generator/Synthesizer
// Adapters, and the Playback Streamer, per §4.8's transition table. One
// Controller.Run call is the pipeline task for exactly one attached
// channel, and it alone owns the Session's Recording, History, and
// disk-usage counter. Its image context, state, retry counter, and
// event log are shared with the HTTP goroutine handling image intake
// and diagnostic snapshots, so those are read and written through
// Session's locked accessor methods instead of as plain fields.
package controller

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hotpin/hotpinserver/internal/apperr"
	"github.com/hotpin/hotpinserver/internal/archive"
	"github.com/hotpin/hotpinserver/internal/audio"
	"github.com/hotpin/hotpinserver/internal/generator"
	"github.com/hotpin/hotpinserver/internal/observability"
	"github.com/hotpin/hotpinserver/internal/playback"
	"github.com/hotpin/hotpinserver/internal/policy"
	"github.com/hotpin/hotpinserver/internal/protocol"
	"github.com/hotpin/hotpinserver/internal/session"
	"github.com/hotpin/hotpinserver/internal/voice"
)

// Deps bundles every collaborator the controller drives, plus the
// configuration knobs that govern timeouts, quotas, and pruning.
type Deps struct {
	Buffer      *audio.Buffer
	Recognizer  voice.Recognizer
	Generator   generator.Generator
	Synthesizer voice.Synthesizer
	Streamer    *playback.Streamer
	Archive     archive.Store
	Metrics     *observability.Metrics

	SystemPrompt              string
	SampleRate                int
	ChunkMaxBytes             int
	AudioSeqGapTolerance      int
	AudioAckEveryN            int
	MaxRecordingBytes         int
	MaxSessionDiskMB          int
	ConversationHistoryTurns  int
	PromptBudgetChars         int
	MaxRerecordAttempts       int
	ChunkArrivalTimeout       time.Duration
	PlaybackReadyTimeout      time.Duration
}

// Controller drives one Session's state machine across however many
// times its channel attaches, detaches, and reattaches.
type Controller struct {
	deps Deps
}

func New(deps Deps) *Controller {
	return &Controller{deps: deps}
}

// Run consumes inbound in order, mutating sess and writing outbound
// frames through sender, until inbound is closed (channel detach) or
// ctx is cancelled (process shutdown), in which case it returns
// ctx.Err(). Otherwise it returns a non-nil error only when the channel
// itself must be torn down (a protocol violation or a transport write
// failure); an ordinary detach returns nil so the session can be
// resumed within its grace window.
func (c *Controller) Run(ctx context.Context, sess *session.Session, inbound <-chan any, sender protocol.Sender) error {
	if sess.State() == session.StateStalled {
		c.resumeStalled(sess, sender)
	} else {
		sess.SetState(session.StateConnected)
	}
	if err := sendReady(sender); err != nil {
		return apperr.Wrap(apperr.KindWriteFailed, "send ready", err)
	}
	sess.AppendEvent("channel_attached", "")

	var recordingTimer *time.Timer
	defer stopTimer(recordingTimer)

	for {
		var timerC <-chan time.Time
		if sess.State() == session.StateRecording && recordingTimer != nil {
			timerC = recordingTimer.C
		}

		select {
		case <-ctx.Done():
			c.onShutdown(sess)
			return ctx.Err()

		case <-timerC:
			// The timer arms a worst-case check; IdleSince is the actual
			// arbiter of staleness, since it tracks time since the last
			// accepted frame rather than time since the timer was last
			// reset, so a frame accepted in the narrow window between
			// Reset and the timer firing doesn't cost the recording.
			if sess.Recording != nil && sess.Recording.IdleSince() < c.deps.ChunkArrivalTimeout {
				recordingTimer = time.NewTimer(c.deps.ChunkArrivalTimeout - sess.Recording.IdleSince())
				continue
			}
			recordingTimer = nil
			if sess.Recording != nil {
				sess.Recording.Abort()
				sess.Recording = nil
			}
			sess.SetState(session.StateStalled)
			sess.AppendEvent("chunk_arrival_timeout", "")

		case ev, ok := <-inbound:
			if !ok {
				c.onDetach(sess)
				return nil
			}

			switch msg := ev.(type) {
			case protocol.Hello:
				c.activate(sess)
			case protocol.ClientOn:
				c.activate(sess)

			case protocol.Ping:
				_ = sendAck(sender, "ping", 0)
				sess.Touch()

			case protocol.ImageCaptured:
				_ = sendImageReceived(sender, msg.Filename)
				sess.Touch()

			case protocol.RecordingStarted:
				if sess.State() != session.StateIdle {
					sess.AppendEvent("unexpected_recording_started", string(sess.State()))
					continue
				}
				rec, err := c.deps.Buffer.Open(sess.ID, c.deps.ChunkMaxBytes, c.deps.AudioSeqGapTolerance, c.deps.AudioAckEveryN, c.deps.MaxRecordingBytes, c.deps.MaxSessionDiskMB, &sess.DiskUsageBytes)
				if err != nil {
					sess.AppendEvent("open_recording_failed", err.Error())
					continue
				}
				sess.Recording = rec
				sess.SetState(session.StateRecording)
				sess.AppendEvent("recording_started", "")
				recordingTimer = time.NewTimer(c.deps.ChunkArrivalTimeout)

			case protocol.AudioChunk:
				if sess.State() != session.StateRecording || sess.Recording == nil {
					sess.AppendEvent("unexpected_audio_chunk", "")
					continue
				}
				result, err := sess.Recording.Append(msg.Seq, msg.Data)
				if err != nil {
					stopTimer(recordingTimer)
					recordingTimer = nil
					if kind, ok := apperr.KindOf(err); ok && kind == apperr.KindFrameProtocolViolation {
						c.deps.Metrics.ProviderErrors.WithLabelValues("audio_buffer", string(kind)).Inc()
						sess.Recording.Abort()
						sess.Recording = nil
						sess.SetState(session.StateStalled)
						return apperr.Wrap(apperr.KindFrameProtocolViolation, "closing channel after protocol violation", err)
					}
					c.abortRecordingWithRetryPolicy(sess, sender, err)
					continue
				}
				if recordingTimer != nil {
					recordingTimer.Reset(c.deps.ChunkArrivalTimeout)
				}
				if result.ShouldAck {
					_ = sendAck(sender, "chunk", result.AckSeq)
				}

			case protocol.RecordingStopped:
				if sess.State() != session.StateRecording || sess.Recording == nil {
					sess.AppendEvent("unexpected_recording_stopped", "")
					continue
				}
				stopTimer(recordingTimer)
				recordingTimer = nil
				stoppedAt := time.Now()
				pcm, duration, err := sess.Recording.Finalize(c.deps.SampleRate)
				sess.Recording = nil
				if err != nil {
					c.abortRecordingWithRetryPolicy(sess, sender, err)
					continue
				}
				sess.SetState(session.StateProcessing)
				sess.AppendEvent("recording_stopped", "")
				if err := c.runPipeline(ctx, sess, inbound, sender, pcm, duration, stoppedAt); err != nil {
					return err
				}

			case protocol.ReadyForPlayback:
				sess.AppendEvent("late_ready_for_playback", "")

			case protocol.PlaybackComplete:
				if sess.State() == session.StatePlaying {
					sess.SetState(session.StateIdle)
					sess.AppendEvent("playback_complete", "")
				}

			case protocol.ClientError:
				sess.AppendEvent("client_error", msg.Error)

			case protocol.Reject:
				sess.AppendEvent("client_reject", msg.Reason)
			}
		}
	}
}

func (c *Controller) activate(sess *session.Session) {
	if sess.State() == session.StateConnected || sess.State() == session.StateStalled {
		sess.SetState(session.StateIdle)
		sess.AppendEvent("activated", "")
	}
}

// resumeStalled implements the "stalled -> reattach + client_on -> idle"
// row's recovery side-effects ahead of actually seeing client_on: it
// tells the client why it's stalled and invites a fresh utterance,
// per scenario 5's state_sync + optional request_rerecord.
func (c *Controller) resumeStalled(sess *session.Session, sender protocol.Sender) {
	sess.SetState(session.StateConnected)
	_ = sendStateSync(sender, "stalled", "previous recording was interrupted; please record again")
	_ = sendRequestRerecord(sender, "stalled")
	sess.AppendEvent("resumed_after_stall", "")
}

func (c *Controller) onDetach(sess *session.Session) {
	if sess.Recording != nil {
		sess.Recording.Abort()
		sess.Recording = nil
		sess.SetState(session.StateStalled)
		sess.AppendEvent("detached_during_recording", "")
		return
	}
	if sess.State() != session.StateShutdown {
		sess.SetState(session.StateDisconnected)
		sess.AppendEvent("detached", "")
	}
}

func (c *Controller) onShutdown(sess *session.Session) {
	if sess.Recording != nil {
		sess.Recording.Abort()
		sess.Recording = nil
	}
	if err := c.deps.Buffer.PurgeSession(sess.ID); err != nil {
		sess.AppendEvent("temp_purge_failed", err.Error())
	}
	sess.SetState(session.StateShutdown)
	sess.AppendEvent("shutdown", "")
}

// abortRecordingWithRetryPolicy classifies an ingest failure (sequence
// gap, disk quota, max-recording ceiling) and routes it through the
// interaction-scoped retry policy of §4.8.
func (c *Controller) abortRecordingWithRetryPolicy(sess *session.Session, sender protocol.Sender, err error) {
	if sess.Recording != nil {
		sess.Recording.Abort()
		sess.Recording = nil
	}
	reason := "ingest_error"
	if kind, ok := apperr.KindOf(err); ok {
		reason = string(kind)
		c.deps.Metrics.QuotaRejections.WithLabelValues(reason).Inc()
	}
	c.applyQualityRetryPolicy(sess, sender, reason)
}

// applyQualityRetryPolicy implements §4.8's retry policy: request a
// re-record while under the configured attempt ceiling, otherwise ask
// for user intervention and reset the counter.
func (c *Controller) applyQualityRetryPolicy(sess *session.Session, sender protocol.Sender, reason string) {
	sess.SetState(session.StateIdle)
	if sess.RetryCounter() < c.deps.MaxRerecordAttempts {
		sess.IncRetryCounter()
		c.deps.Metrics.RerecordRequests.Inc()
		_ = sendRequestRerecord(sender, reason)
		sess.AppendEvent("request_rerecord", reason)
		return
	}
	sess.SetRetryCounter(0)
	_ = sendRequestUserIntervention(sender, "please check the device and try again: "+reason)
	sess.AppendEvent("request_user_intervention", reason)
}

// runPipeline chains the Recognizer, Generator, and Synthesizer Adapters
// and hands the result to the Playback Streamer, per §4.4-§4.7.
func (c *Controller) runPipeline(ctx context.Context, sess *session.Session, inbound <-chan any, sender protocol.Sender, pcm []byte, duration time.Duration, stoppedAt time.Time) error {
	stageStart := time.Now()
	recognized, err := c.deps.Recognizer.Recognize(ctx, voice.RecognizeRequest{
		SessionID:  sess.ID,
		PCM:        pcm,
		SampleRate: c.deps.SampleRate,
		Duration:   duration,
	})
	c.deps.Metrics.Stages.Observe("recognize", float64(time.Since(stageStart).Milliseconds()))

	if err != nil || recognized.Verdict == apperr.VerdictCollaboratorError {
		c.deps.Metrics.ProviderErrors.WithLabelValues("recognizer", string(apperr.KindSTTFailed)).Inc()
		_ = sendLLM(sender, "I'm having trouble understanding right now. Please try again.")
		sess.SetState(session.StateIdle)
		sess.AppendEvent("recognizer_collaborator_error", "")
		return nil
	}
	if recognized.Verdict != apperr.VerdictOK {
		sess.AppendEvent("recognizer_quality_reject", string(recognized.Verdict))
		c.applyQualityRetryPolicy(sess, sender, string(recognized.Verdict))
		return nil
	}

	sess.SetRetryCounter(0)
	if err := sendTranscript(sender, recognized.Transcript); err != nil {
		return apperr.Wrap(apperr.KindWriteFailed, "send transcript", err)
	}
	sess.AppendTurn(session.RoleUser, recognized.Transcript, c.deps.ConversationHistoryTurns)

	history := make([]generator.HistoryTurn, 0, len(sess.History))
	for _, turn := range sess.History {
		history = append(history, generator.HistoryTurn{Role: string(turn.Role), Text: turn.Text})
	}
	history = generator.PruneHistory(history, c.deps.PromptBudgetChars)

	var imageBytes []byte
	var imageMime string
	if img := sess.Image(); img != nil {
		imageBytes = img.Bytes
		imageMime = img.MimeType
	}

	stageStart = time.Now()
	replyText, genErr := c.deps.Generator.Generate(ctx, generator.Request{
		SystemPrompt:  c.deps.SystemPrompt,
		ImageBytes:    imageBytes,
		ImageMimeType: imageMime,
		History:       history,
		Transcript:    recognized.Transcript,
	})
	c.deps.Metrics.Stages.Observe("generate", float64(time.Since(stageStart).Milliseconds()))
	if genErr != nil {
		c.deps.Metrics.ProviderErrors.WithLabelValues("generator", string(apperr.KindLLMFailed)).Inc()
		c.deps.Metrics.GeneratorRetries.Inc()
		replyText = "I'm having trouble — please try again."
	}
	if err := sendLLM(sender, replyText); err != nil {
		return apperr.Wrap(apperr.KindWriteFailed, "send llm reply", err)
	}
	sess.AppendTurn(session.RoleAssistant, replyText, c.deps.ConversationHistoryTurns)

	stageStart = time.Now()
	synthesized, err := c.deps.Synthesizer.Synthesize(ctx, sess.ID, replyText)
	c.deps.Metrics.Stages.Observe("synthesize", float64(time.Since(stageStart).Milliseconds()))
	if err != nil {
		c.deps.Metrics.ProviderErrors.WithLabelValues("synthesizer", string(apperr.KindTTSFailed)).Inc()
		_ = sendStateSync(sender, string(session.StateIdle), "speech synthesis failed, please try again")
		sess.SetState(session.StateIdle)
		sess.AppendEvent("synthesizer_failed", err.Error())
		return nil
	}

	// §13.2: the wire always declares format "wav"; the Synthesizer
	// Adapter's canonical PCM is wrapped here, once, for both the
	// streaming and the download-fallback path.
	artifact, err := audio.EncodeWAVPCM16LE(synthesized.PCM, synthesized.SampleRate)
	if err != nil {
		_ = sendStateSync(sender, string(session.StateIdle), "could not package reply audio")
		sess.SetState(session.StateIdle)
		return nil
	}

	sess.SetState(session.StatePlaying)
	outcome, err := c.playArtifact(ctx, sess, inbound, sender, artifact, synthesized.DurationMS, synthesized.SampleRate, stoppedAt)
	if err != nil {
		sess.SetState(session.StateIdle)
		return err
	}

	c.archiveInteraction(ctx, sess, recognized.Transcript, replyText, string(recognized.Verdict), time.Since(stoppedAt))
	_ = outcome
	return nil
}

// playArtifact implements §4.7's ready-handshake: emit tts_ready, race a
// real timer against ready_for_playback (§13.8 — not the original's
// asyncio.sleep(0.1) poll), then either stream chunks or fall back to a
// Download Handle. Any inbound event other than ready_for_playback that
// arrives during the wait is handled inline so pings and late
// image_captured frames are never dropped just because a reply is
// in flight.
func (c *Controller) playArtifact(ctx context.Context, sess *session.Session, inbound <-chan any, sender protocol.Sender, artifact []byte, durationMS int64, sampleRate int, stoppedAt time.Time) (string, error) {
	if err := sendTTSReady(sender, durationMS, sampleRate); err != nil {
		return "", apperr.Wrap(apperr.KindWriteFailed, "send tts_ready", err)
	}

	timer := time.NewTimer(c.deps.PlaybackReadyTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()

		case <-timer.C:
			url, err := c.deps.Streamer.OfferDownload(sess.ID, artifact)
			if err != nil {
				_ = sendStateSync(sender, string(session.StateIdle), "could not prepare download")
				sess.SetState(session.StateIdle)
				sess.AppendEvent("download_fallback_failed", err.Error())
				return "fallback_failed", nil
			}
			c.deps.Metrics.DownloadFallbacks.Inc()
			if err := sendOfferDownload(sender, url); err != nil {
				return "", apperr.Wrap(apperr.KindWriteFailed, "send offer_download", err)
			}
			c.deps.Metrics.ObserveEndToEndLatency(time.Since(stoppedAt))
			sess.DownloadToken = strings.TrimPrefix(url, "/download/")
			sess.SetState(session.StateIdle)
			sess.AppendEvent("offer_download", url)
			return "fallback", nil

		case ev, ok := <-inbound:
			if !ok {
				return "", nil
			}
			switch msg := ev.(type) {
			case protocol.ReadyForPlayback:
				timer.Stop()
				first := true
				sendErr := c.deps.Streamer.SendChunks(sender, artifact, func(int) {
					if first {
						first = false
						c.deps.Metrics.ObserveFirstAudioLatency(time.Since(stoppedAt))
					}
				})
				if sendErr != nil {
					sess.AppendEvent("playback_transport_error", sendErr.Error())
					return "", sendErr
				}
				if err := sendTTSDone(sender); err != nil {
					return "", apperr.Wrap(apperr.KindWriteFailed, "send tts_done", err)
				}
				c.deps.Metrics.ObserveEndToEndLatency(time.Since(stoppedAt))
				sess.AppendEvent("tts_done", "")
				return "streamed", nil

			case protocol.Ping:
				_ = sendAck(sender, "ping", 0)
				sess.Touch()
			case protocol.ImageCaptured:
				_ = sendImageReceived(sender, msg.Filename)
			case protocol.PlaybackComplete:
				sess.AppendEvent("early_playback_complete", "")
			default:
				sess.AppendEvent("ignored_during_ready_wait", "")
			}
		}
	}
}

func (c *Controller) archiveInteraction(ctx context.Context, sess *session.Session, transcript, reply, verdict string, elapsed time.Duration) {
	if c.deps.Archive == nil {
		return
	}
	redactedTranscript, _ := policy.RedactPII(transcript)
	redactedReply, _ := policy.RedactPII(reply)
	err := c.deps.Archive.SaveInteraction(ctx, archive.Interaction{
		ID:         uuid.NewString(),
		SessionID:  sess.ID,
		Transcript: redactedTranscript,
		ReplyText:  redactedReply,
		Verdict:    verdict,
		DurationMS: elapsed.Milliseconds(),
		CreatedAt:  time.Now(),
	})
	if err != nil {
		sess.AppendEvent("archive_write_failed", err.Error())
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func sendReady(sender protocol.Sender) error {
	payload, err := protocol.EncodeReady()
	if err != nil {
		return err
	}
	return sender.SendText(payload)
}

func sendAck(sender protocol.Sender, ref string, seq int) error {
	payload, err := protocol.EncodeAck(ref, seq)
	if err != nil {
		return err
	}
	return sender.SendText(payload)
}

func sendTranscript(sender protocol.Sender, text string) error {
	payload, err := protocol.EncodeTranscript(text)
	if err != nil {
		return err
	}
	return sender.SendText(payload)
}

func sendLLM(sender protocol.Sender, text string) error {
	payload, err := protocol.EncodeLLM(text)
	if err != nil {
		return err
	}
	return sender.SendText(payload)
}

func sendTTSReady(sender protocol.Sender, durationMS int64, sampleRate int) error {
	payload, err := protocol.EncodeTTSReady(durationMS, sampleRate, "wav")
	if err != nil {
		return err
	}
	return sender.SendText(payload)
}

func sendTTSDone(sender protocol.Sender) error {
	payload, err := protocol.EncodeTTSDone()
	if err != nil {
		return err
	}
	return sender.SendText(payload)
}

func sendImageReceived(sender protocol.Sender, filename string) error {
	payload, err := protocol.EncodeImageReceived(filename)
	if err != nil {
		return err
	}
	return sender.SendText(payload)
}

func sendRequestRerecord(sender protocol.Sender, reason string) error {
	payload, err := protocol.EncodeRequestRerecord(reason)
	if err != nil {
		return err
	}
	return sender.SendText(payload)
}

func sendRequestUserIntervention(sender protocol.Sender, message string) error {
	payload, err := protocol.EncodeRequestUserIntervention(message)
	if err != nil {
		return err
	}
	return sender.SendText(payload)
}

func sendOfferDownload(sender protocol.Sender, url string) error {
	payload, err := protocol.EncodeOfferDownload(url)
	if err != nil {
		return err
	}
	return sender.SendText(payload)
}

func sendStateSync(sender protocol.Sender, state, message string) error {
	payload, err := protocol.EncodeStateSync(state, message)
	if err != nil {
		return err
	}
	return sender.SendText(payload)
}
