// Package energy implements a simple RMS-energy-threshold Voice Activity
// Detector: a VAD engine that needs no model weights or native bindings,
// suitable as the default speech/silence gate for the real-time session
// manager when no higher-fidelity backend (Silero, WebRTC) is configured.
//
// Unlike most VAD backends, this engine does not enforce a fixed
// FrameSizeMs — it computes RMS over whatever byte slice it is given. That
// relaxation keeps it usable directly against arbitrarily-sized frames
// arriving off a network transport, at the cost of the smoothing a
// fixed-frame model gets for free.
package energy

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"

	"github.com/turnengine/turnengine/pkg/provider/vad"
)

// ErrClosed is returned by ProcessFrame once the session has been closed.
var ErrClosed = errors.New("energy: session closed")

// Engine is a vad.Engine backed by RMS energy thresholding.
type Engine struct{}

// New creates an energy-threshold VAD engine.
func New() *Engine { return &Engine{} }

// NewSession creates a new energy-threshold VAD session. SilenceThreshold
// must be <= SpeechThreshold; zero values fall back to 0.01/0.02.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SpeechThreshold <= 0 {
		cfg.SpeechThreshold = 0.02
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = 0.01
	}
	if cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, errors.New("energy: silence_threshold must be <= speech_threshold")
	}
	hangoverFrames := 0
	if cfg.HangoverMs > 0 && cfg.FrameSizeMs > 0 {
		hangoverFrames = cfg.HangoverMs / cfg.FrameSizeMs
	}
	return &Session{cfg: cfg, hangoverFrames: hangoverFrames}, nil
}

var _ vad.Engine = (*Engine)(nil)

// Session is a single-stream energy-threshold VAD session.
type Session struct {
	mu             sync.Mutex
	cfg            vad.Config
	speaking       bool
	closed         bool
	hangoverFrames int
	belowStreak    int
}

// ProcessFrame computes the RMS energy of frame, interpreted as 16-bit
// signed little-endian PCM, and classifies it with hysteresis: a frame at or
// above SpeechThreshold always starts/continues speech and resets the
// hangover counter, a frame at or below SilenceThreshold only ends speech
// once it has persisted for HangoverMs (when configured), and values
// strictly between the two thresholds hold whatever state was last observed.
func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, ErrClosed
	}

	rms := rmsAmplitude(frame)
	wasSpeaking := s.speaking

	switch {
	case rms >= s.cfg.SpeechThreshold:
		s.speaking = true
		s.belowStreak = 0
	case rms <= s.cfg.SilenceThreshold:
		s.belowStreak++
		if s.belowStreak >= s.hangoverFrames {
			s.speaking = false
		}
	}

	switch {
	case s.speaking && !wasSpeaking:
		return vad.VADEvent{Type: vad.VADSpeechStart, Probability: rms}, nil
	case s.speaking:
		return vad.VADEvent{Type: vad.VADSpeechContinue, Probability: rms}, nil
	case !s.speaking && wasSpeaking:
		return vad.VADEvent{Type: vad.VADSpeechEnd, Probability: rms}, nil
	default:
		return vad.VADEvent{Type: vad.VADSilence, Probability: rms}, nil
	}
}

// Reset clears the session's speaking/silence state.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = false
	s.belowStreak = 0
}

// Close marks the session closed. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ vad.SessionHandle = (*Session)(nil)

// rmsAmplitude computes the root-mean-square amplitude of frame as 16-bit
// signed little-endian PCM samples, normalised to [0, 1] against full
// scale. An empty frame, or one with a trailing odd byte, contributes no
// partial sample.
func rmsAmplitude(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sumSquares float64
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(frame[i*2 : i*2+2]))
		norm := float64(sample) / 32768.0
		sumSquares += norm * norm
	}
	return math.Sqrt(sumSquares / float64(n))
}
