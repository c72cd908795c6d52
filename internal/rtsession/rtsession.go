// Package rtsession implements the real-time streaming voice session
// manager: a state machine over idle/listening/processing/speaking for
// each open WebSocket connection, driven by inbound audio frames and a
// VAD engine, that stitches STT, phonetic transcript correction, the turn
// orchestrator, and TTS into one continuous conversation.
//
// The transport (the WebSocket handler in internal/api) owns the network
// connection; SessionManager and Session know nothing about HTTP or
// WebSocket framing. Events flow back to the transport through the
// RespondSink the transport supplies at session creation, which inverts
// what would otherwise be a cyclic dependency between session state and
// the orchestrator/transport layer.
package rtsession

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/turnengine/turnengine/internal/observe"
	"github.com/turnengine/turnengine/internal/orchestrator"
	"github.com/turnengine/turnengine/internal/promptbuilder"
	"github.com/turnengine/turnengine/internal/transcript"
	"github.com/turnengine/turnengine/pkg/provider/stt"
	"github.com/turnengine/turnengine/pkg/provider/tts"
	"github.com/turnengine/turnengine/pkg/provider/vad"
	"github.com/turnengine/turnengine/pkg/types"
)

// State is a session's position in the idle/listening/processing/speaking
// state machine.
type State int

const (
	StateIdle State = iota
	StateListening
	StateProcessing
	StateSpeaking
)

// String implements fmt.Stringer for logging and the wire state_change event.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

var (
	// ErrCapacityExceeded is returned by CreateSession once max_sessions
	// concurrent sessions are already open.
	ErrCapacityExceeded = errors.New("rtsession: session capacity exceeded")

	// ErrStateViolation is returned by HandleAudioFrame when a frame
	// arrives while the session is not listening.
	ErrStateViolation = errors.New("rtsession: audio frame received outside listening state")

	// ErrNotFound is returned when a session id is not registered.
	ErrNotFound = errors.New("rtsession: session not found")
)

// RespondSink is implemented by the transport to receive session events.
// Implementations must be safe for concurrent use; Session may call these
// methods from its own goroutine independent of the caller of
// HandleAudioFrame.
type RespondSink interface {
	SendState(state State) error
	SendTranscript(text string) error
	SendResponse(text string, timing orchestrator.Timing, metadata orchestrator.Metadata) error
	SendAudio(frame []byte) error
	SendError(code, message string) error
}

// TurnHandler is the subset of *orchestrator.TurnOrchestrator a Session
// depends on. Declared at the point of use so tests can substitute a fake.
type TurnHandler interface {
	HandleTurn(ctx context.Context, conversationID, userMessage string, opts orchestrator.Options) (orchestrator.TurnResult, error)
}

// SessionConfig tunes one session's audio and VAD behavior. Zero-valued
// fields fall back to the SessionManager's configured defaults.
type SessionConfig struct {
	VADThreshold       float64
	SilenceTimeoutMs   int
	MaxAudioDurationMs int
	SampleRateHz       int
	Channels           int
	Language           string
	Persona            string
}

func mergeConfig(defaults, override SessionConfig) SessionConfig {
	out := defaults
	if override.VADThreshold != 0 {
		out.VADThreshold = override.VADThreshold
	}
	if override.SilenceTimeoutMs != 0 {
		out.SilenceTimeoutMs = override.SilenceTimeoutMs
	}
	if override.MaxAudioDurationMs != 0 {
		out.MaxAudioDurationMs = override.MaxAudioDurationMs
	}
	if override.SampleRateHz != 0 {
		out.SampleRateHz = override.SampleRateHz
	}
	if override.Channels != 0 {
		out.Channels = override.Channels
	}
	if override.Language != "" {
		out.Language = override.Language
	}
	if override.Persona != "" {
		out.Persona = override.Persona
	}
	return out
}

// Deps bundles the shared providers and components every Session uses.
type Deps struct {
	STT           stt.Provider
	TTS           tts.Provider
	VAD           vad.Engine
	Turns         TurnHandler
	Transcript    transcript.Pipeline
	KnownEntities []string
	Voice         types.VoiceProfile
	Metrics       *observe.Metrics
}

// SessionManager creates, tracks, and reaps real-time voice sessions,
// enforcing the configured concurrent-session cap and idle timeout.
type SessionManager struct {
	deps           Deps
	maxSessions    int
	sessionTimeout time.Duration
	defaults       SessionConfig

	mu       sync.Mutex
	sessions map[string]*Session

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a SessionManager and starts its background idle-session
// reaper. Call Close to stop the reaper when the manager is no longer
// needed.
func New(maxSessions int, sessionTimeout time.Duration, defaults SessionConfig, deps Deps) *SessionManager {
	m := &SessionManager{
		deps:           deps,
		maxSessions:    maxSessions,
		sessionTimeout: sessionTimeout,
		defaults:       defaults,
		sessions:       make(map[string]*Session),
		stop:           make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// Close stops the idle-session reaper. It does not end existing sessions.
func (m *SessionManager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *SessionManager) reapLoop() {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.reapIdle()
		case <-m.stop:
			return
		}
	}
}

func (m *SessionManager) reapIdle() {
	now := time.Now()
	var stale []string
	m.mu.Lock()
	for id, s := range m.sessions {
		if now.Sub(s.lastActivity()) > m.sessionTimeout {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()
	for _, id := range stale {
		slog.Info("rtsession: closing idle session", "session_id", id)
		m.EndSession(id)
	}
}

// CreateSession creates and registers a new session for userID, refusing
// with ErrCapacityExceeded once max_sessions concurrent sessions are
// already open. The session starts in the listening state, ready to
// accept audio frames.
func (m *SessionManager) CreateSession(ctx context.Context, userID string, cfg SessionConfig, sink RespondSink) (*Session, error) {
	m.mu.Lock()
	if len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return nil, ErrCapacityExceeded
	}
	id := newSessionID()
	m.mu.Unlock()

	merged := mergeConfig(m.defaults, cfg)

	var vadSession vad.SessionHandle
	if m.deps.VAD != nil {
		var err error
		vadSession, err = m.deps.VAD.NewSession(vad.Config{
			SampleRate:       merged.SampleRateHz,
			FrameSizeMs:      20,
			SpeechThreshold:  merged.VADThreshold,
			SilenceThreshold: merged.VADThreshold / 2,
		})
		if err != nil {
			return nil, fmt.Errorf("rtsession: create vad session: %w", err)
		}
	}

	sessCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:     id,
		userID: userID,
		cfg:    merged,
		sink:   sink,
		deps:   m.deps,
		vad:    vadSession,
		ctx:    sessCtx,
		cancel: cancel,
	}
	s.lastAccessAt = time.Now()

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	if m.deps.Metrics != nil {
		m.deps.Metrics.ActiveSessions.Add(ctx, 1)
	}

	s.setState(StateListening)
	return s, nil
}

// Session looks up a registered session by id.
func (m *SessionManager) Session(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Count returns the number of currently registered sessions.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// EndSession tears down and unregisters the session, cancelling any
// in-flight turn at its next suspension point.
func (m *SessionManager) EndSession(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	s.cancel()
	if s.vad != nil {
		s.vad.Close()
	}
	if m.deps.Metrics != nil {
		m.deps.Metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

func newSessionID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("rtc_%d", time.Now().UnixNano())
	}
	return "rtc_" + base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)
}

// Session is one real-time streaming conversation: a state machine with
// its own audio buffer and VAD session. HandleAudioFrame is safe to call
// repeatedly from the transport's read loop; processTurn runs on its own
// goroutine once a turn boundary is detected, and the state machine
// guarantees that no two of its phases run concurrently for this session.
type Session struct {
	id     string
	userID string
	cfg    SessionConfig
	sink   RespondSink
	deps   Deps
	vad    vad.SessionHandle

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        State
	buffer       []byte
	silenceMs    int
	audioMs      int
	lastAccessAt time.Time
}

// ID returns the session's wire identifier.
func (s *Session) ID() string { return s.id }

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) lastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccessAt
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.lastAccessAt = time.Now()
	s.mu.Unlock()
	if s.sink == nil {
		return
	}
	if err := s.sink.SendState(state); err != nil {
		slog.Warn("rtsession: send state_change failed", "session_id", s.id, "error", err)
	}
}

// UpdateConfig merges non-zero fields of cfg into the session's running
// configuration, taking effect on the next buffered utterance. It does not
// interrupt a turn already in flight.
func (s *Session) UpdateConfig(cfg SessionConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = mergeConfig(s.cfg, cfg)
}

// HandleAudioFrame delivers one inbound audio frame. Frames arriving while
// the session is not listening are dropped and reported via SendError
// rather than buffered, since the caller already has a full utterance in
// flight.
func (s *Session) HandleAudioFrame(frame []byte) error {
	s.mu.Lock()
	if s.state != StateListening {
		s.mu.Unlock()
		if s.sink != nil {
			s.sink.SendError("state_violation", fmt.Sprintf("audio frame ignored in state %s", s.state))
		}
		return ErrStateViolation
	}

	s.buffer = append(s.buffer, frame...)
	frameMs := frameDurationMs(len(frame), s.cfg.SampleRateHz, s.cfg.Channels)
	s.audioMs += frameMs

	if s.vad != nil {
		ev, err := s.vad.ProcessFrame(frame)
		if err != nil {
			slog.Warn("rtsession: vad processing failed", "session_id", s.id, "error", err)
		} else {
			switch ev.Type {
			case vad.VADSilence, vad.VADSpeechEnd:
				s.silenceMs += frameMs
			default:
				s.silenceMs = 0
			}
		}
	}

	shouldProcess := s.audioMs > 0 && (s.audioMs >= s.cfg.MaxAudioDurationMs ||
		s.silenceMs >= s.cfg.SilenceTimeoutMs)
	s.lastAccessAt = time.Now()

	var audio []byte
	if shouldProcess {
		audio = s.buffer
		s.buffer = nil
		s.silenceMs = 0
		s.audioMs = 0
		s.state = StateProcessing
	}
	s.mu.Unlock()

	if shouldProcess {
		if s.sink != nil {
			s.sink.SendState(StateProcessing)
		}
		go s.processTurn(audio)
	}
	return nil
}

// processTurn runs STT, phonetic transcript correction, the turn
// orchestrator, and TTS for one buffered utterance, then returns the
// session to listening. It never holds s.mu during I/O.
func (s *Session) processTurn(audio []byte) {
	ctx := s.ctx
	if ctx.Err() != nil {
		return
	}

	text, err := s.transcribe(ctx, audio)
	if err != nil {
		slog.Warn("rtsession: stt failed", "session_id", s.id, "error", err)
		s.sendErrorAndResume("stt_failed", err.Error())
		return
	}
	if strings.TrimSpace(text) == "" {
		s.resume()
		return
	}

	if s.deps.Transcript != nil {
		corrected, cErr := s.deps.Transcript.Correct(ctx, types.Transcript{Text: text, IsFinal: true}, s.deps.KnownEntities)
		if cErr != nil {
			slog.Warn("rtsession: transcript correction failed", "session_id", s.id, "error", cErr)
		} else if corrected != nil && corrected.Corrected != "" {
			text = corrected.Corrected
		}
	}

	if s.sink != nil {
		if err := s.sink.SendTranscript(text); err != nil {
			slog.Warn("rtsession: send transcript failed", "session_id", s.id, "error", err)
		}
	}

	opts := orchestrator.Options{}
	if s.cfg.Persona != "" {
		opts.Persona = promptbuilder.Persona(s.cfg.Persona)
	}

	result, err := s.deps.Turns.HandleTurn(ctx, s.id, text, opts)
	if err != nil {
		slog.Warn("rtsession: turn failed", "session_id", s.id, "error", err)
		s.sendErrorAndResume("turn_failed", err.Error())
		return
	}

	responseText, timing, metadata := unpackTurnResult(result)
	if s.sink != nil {
		if err := s.sink.SendResponse(responseText, timing, metadata); err != nil {
			slog.Warn("rtsession: send response failed", "session_id", s.id, "error", err)
		}
	}

	if err := s.synthesizeAndStream(ctx, responseText); err != nil {
		slog.Warn("rtsession: tts failed", "session_id", s.id, "error", err)
	}

	s.resume()
}

func unpackTurnResult(r orchestrator.TurnResult) (string, orchestrator.Timing, orchestrator.Metadata) {
	switch v := r.(type) {
	case orchestrator.Success:
		return v.Response, v.Timing, v.Metadata
	case orchestrator.Refusal:
		return v.Response, v.Timing, v.Metadata
	case orchestrator.Degraded:
		return v.Response, v.Timing, v.Metadata
	default:
		return "", orchestrator.Timing{}, orchestrator.Metadata{}
	}
}

func (s *Session) transcribe(ctx context.Context, audio []byte) (string, error) {
	if s.deps.STT == nil {
		return "", errors.New("rtsession: no stt provider configured")
	}
	handle, err := s.deps.STT.StartStream(ctx, stt.StreamConfig{
		SampleRate: s.cfg.SampleRateHz,
		Channels:   s.cfg.Channels,
		Language:   s.cfg.Language,
	})
	if err != nil {
		return "", fmt.Errorf("start stream: %w", err)
	}
	defer handle.Close()

	if len(audio) > 0 {
		if err := handle.SendAudio(audio); err != nil {
			return "", fmt.Errorf("send audio: %w", err)
		}
	}

	select {
	case t, ok := <-handle.Finals():
		if !ok {
			return "", errors.New("stt session closed with no final transcript")
		}
		return t.Text, nil
	case <-time.After(10 * time.Second):
		return "", errors.New("stt timed out waiting for final transcript")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Session) synthesizeAndStream(ctx context.Context, text string) error {
	if s.deps.TTS == nil || text == "" {
		return nil
	}
	textCh := make(chan string, 1)
	textCh <- text
	close(textCh)

	audioCh, err := s.deps.TTS.SynthesizeStream(ctx, textCh, s.deps.Voice)
	if err != nil {
		return err
	}

	s.setState(StateSpeaking)
	for frame := range audioCh {
		if s.sink == nil {
			continue
		}
		if err := s.sink.SendAudio(frame); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) resume() {
	s.mu.Lock()
	s.state = StateListening
	s.lastAccessAt = time.Now()
	s.mu.Unlock()
	if s.sink != nil {
		s.sink.SendState(StateListening)
	}
}

func (s *Session) sendErrorAndResume(code, message string) {
	if s.sink != nil {
		s.sink.SendError(code, message)
	}
	s.resume()
}

// frameDurationMs estimates a 16-bit-PCM frame's duration given the
// session's sample rate and channel count.
func frameDurationMs(byteLen, sampleRateHz, channels int) int {
	if sampleRateHz <= 0 || channels <= 0 {
		return 0
	}
	samples := byteLen / 2 / channels
	return samples * 1000 / sampleRateHz
}
