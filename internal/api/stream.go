package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/turnengine/turnengine/internal/orchestrator"
	"github.com/turnengine/turnengine/internal/rtsession"
)

// wsIdleTimeout bounds how long a connection may sit with nothing sent or
// received before it is closed.
const wsIdleTimeout = 60 * time.Second

// clientMessage is the envelope for every JSON message a client sends on
// /rtc/stream.
type clientMessage struct {
	Type   string      `json:"type"`
	UserID string      `json:"user_id,omitempty"`
	Config *configWire `json:"config,omitempty"`
	Data   string      `json:"data,omitempty"`
}

// configWire is the wire shape of a session's tunable audio/VAD parameters.
// start_session nests it under a "config" key; the "config" message type
// carries the same fields at the top level of the envelope.
type configWire struct {
	VADThreshold       *float64 `json:"vad_threshold,omitempty"`
	SilenceTimeoutMs   *int     `json:"silence_timeout_ms,omitempty"`
	MaxAudioDurationMs *int     `json:"max_audio_duration_ms,omitempty"`
	Language           string   `json:"language,omitempty"`
}

func (c *configWire) toSessionConfig() rtsession.SessionConfig {
	var cfg rtsession.SessionConfig
	if c == nil {
		return cfg
	}
	if c.VADThreshold != nil {
		cfg.VADThreshold = *c.VADThreshold
	}
	if c.SilenceTimeoutMs != nil {
		cfg.SilenceTimeoutMs = *c.SilenceTimeoutMs
	}
	if c.MaxAudioDurationMs != nil {
		cfg.MaxAudioDurationMs = *c.MaxAudioDurationMs
	}
	cfg.Language = c.Language
	return cfg
}

// handleStream upgrades the connection to a WebSocket and bridges it to a
// rtsession.Session for the lifetime of the connection. Reads happen on this
// goroutine; writes (including the ones rtsession's own goroutines make
// through wsSink while a turn is in flight) are serialized by wsSink's mutex,
// since a coder/websocket connection supports only one writer at a time.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		return
	}

	sink := &wsSink{conn: conn}

	defer func() {
		if sess := sink.session(); sess != nil {
			s.sessions.EndSession(sess.ID())
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		readCtx, cancel := context.WithTimeout(r.Context(), wsIdleTimeout)
		msgType, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			return
		}

		switch msgType {
		case websocket.MessageBinary:
			s.handleBinaryFrame(sink, data)
		case websocket.MessageText:
			if !s.handleTextMessage(r.Context(), sink, data) {
				return
			}
		}
	}
}

// handleTextMessage decodes one JSON control message. It returns false when
// the connection should be closed.
func (s *Server) handleTextMessage(ctx context.Context, sink *wsSink, data []byte) bool {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		sink.SendError("invalid_message", "malformed JSON message")
		return true
	}

	switch msg.Type {
	case "start_session":
		return s.startSession(ctx, sink, msg)

	case "end_session":
		if sess := sink.session(); sess != nil {
			s.sessions.EndSession(sess.ID())
			sink.setSession(nil)
		}
		return false

	case "config":
		sess := sink.session()
		if sess == nil {
			sink.SendError("invalid_state", "no active session")
			return true
		}
		var overrides configWire
		_ = json.Unmarshal(data, &overrides)
		sess.UpdateConfig(overrides.toSessionConfig())
		return true

	case "audio_base64":
		raw, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			sink.SendError("invalid_message", "data is not valid base64")
			return true
		}
		s.handleBinaryFrame(sink, raw)
		return true

	default:
		sink.SendError("invalid_message", "unknown message type: "+msg.Type)
		return true
	}
}

func (s *Server) startSession(ctx context.Context, sink *wsSink, msg clientMessage) bool {
	if sink.session() != nil {
		sink.SendError("invalid_state", "session already started")
		return true
	}

	sess, err := s.sessions.CreateSession(ctx, msg.UserID, msg.Config.toSessionConfig(), sink)
	if err != nil {
		if errors.Is(err, rtsession.ErrCapacityExceeded) {
			sink.conn.Close(websocket.StatusPolicyViolation, "session capacity exceeded")
			return false
		}
		sink.SendError("session_failed", err.Error())
		return true
	}

	sink.setSession(sess)
	sink.writeJSON(map[string]any{
		"type":       "session_started",
		"session_id": sess.ID(),
		"config":     msg.Config,
	})
	return true
}

func (s *Server) handleBinaryFrame(sink *wsSink, frame []byte) {
	sess := sink.session()
	if sess == nil {
		sink.SendError("invalid_state", "no active session")
		return
	}
	if err := sess.HandleAudioFrame(frame); err != nil {
		slog.Debug("api: audio frame rejected", "error", err)
	}
}

// wsSink implements rtsession.RespondSink over one WebSocket connection.
// A coder/websocket connection supports only one concurrent writer, so every
// write goes through writeJSON/conn.Write under writeMu; sessMu separately
// guards the sess pointer, which the read loop and a Session's own goroutines
// both touch.
type wsSink struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	sessMu sync.Mutex
	sess   *rtsession.Session
}

func (sink *wsSink) session() *rtsession.Session {
	sink.sessMu.Lock()
	defer sink.sessMu.Unlock()
	return sink.sess
}

func (sink *wsSink) setSession(sess *rtsession.Session) {
	sink.sessMu.Lock()
	sink.sess = sess
	sink.sessMu.Unlock()
}

func (sink *wsSink) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	sink.writeMu.Lock()
	defer sink.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return sink.conn.Write(ctx, websocket.MessageText, b)
}

func (sink *wsSink) SendState(state rtsession.State) error {
	return sink.writeJSON(map[string]any{"type": "state_change", "state": state.String()})
}

func (sink *wsSink) SendTranscript(text string) error {
	return sink.writeJSON(map[string]any{"type": "transcript", "text": text})
}

func (sink *wsSink) SendResponse(text string, timing orchestrator.Timing, metadata orchestrator.Metadata) error {
	return sink.writeJSON(map[string]any{
		"type": "response",
		"text": text,
		"timing": map[string]any{
			"total_ms": timing.TotalMs,
			"llm_ms":   timing.LLMMs,
			"rag_ms":   timing.RAGMs,
			"cache_ms": timing.CacheMs,
		},
	})
}

func (sink *wsSink) SendAudio(frame []byte) error {
	sink.writeMu.Lock()
	defer sink.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return sink.conn.Write(ctx, websocket.MessageBinary, frame)
}

func (sink *wsSink) SendError(code, message string) error {
	return sink.writeJSON(map[string]any{"type": "error", "code": code, "message": message})
}

var _ rtsession.RespondSink = (*wsSink)(nil)
