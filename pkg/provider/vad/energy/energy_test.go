package energy

import (
	"encoding/binary"
	"testing"

	"github.com/turnengine/turnengine/pkg/provider/vad"
)

func pcmFrame(amplitude int16, samples int) []byte {
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:i*2+2], uint16(amplitude))
	}
	return buf
}

func TestSessionDetectsSpeechStartAndEnd(t *testing.T) {
	eng := New()
	sess, err := eng.NewSession(vad.Config{
		SampleRate:       16000,
		SpeechThreshold:  0.5,
		SilenceThreshold: 0.1,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	loud := pcmFrame(30000, 160)
	quiet := pcmFrame(0, 160)

	ev, err := sess.ProcessFrame(loud)
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if ev.Type != vad.VADSpeechStart {
		t.Errorf("first loud frame: got %v, want VADSpeechStart", ev.Type)
	}

	ev, err = sess.ProcessFrame(loud)
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if ev.Type != vad.VADSpeechContinue {
		t.Errorf("second loud frame: got %v, want VADSpeechContinue", ev.Type)
	}

	ev, err = sess.ProcessFrame(quiet)
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if ev.Type != vad.VADSpeechEnd {
		t.Errorf("quiet frame after speech: got %v, want VADSpeechEnd", ev.Type)
	}

	ev, err = sess.ProcessFrame(quiet)
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if ev.Type != vad.VADSilence {
		t.Errorf("second quiet frame: got %v, want VADSilence", ev.Type)
	}
}

func TestProcessFrameAfterCloseErrors(t *testing.T) {
	eng := New()
	sess, err := eng.NewSession(vad.Config{SampleRate: 16000})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := sess.ProcessFrame(pcmFrame(100, 10)); err != ErrClosed {
		t.Errorf("ProcessFrame after close: got %v, want ErrClosed", err)
	}
	if err := sess.Close(); err != nil {
		t.Errorf("second Close: got %v, want nil", err)
	}
}

func TestNewSessionRejectsInvertedThresholds(t *testing.T) {
	eng := New()
	_, err := eng.NewSession(vad.Config{SpeechThreshold: 0.1, SilenceThreshold: 0.5})
	if err == nil {
		t.Fatal("expected error for silence_threshold > speech_threshold")
	}
}

func TestResetClearsSpeakingState(t *testing.T) {
	eng := New()
	sess, err := eng.NewSession(vad.Config{SpeechThreshold: 0.5, SilenceThreshold: 0.1})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if _, err := sess.ProcessFrame(pcmFrame(30000, 160)); err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	sess.Reset()
	ev, err := sess.ProcessFrame(pcmFrame(30000, 160))
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if ev.Type != vad.VADSpeechStart {
		t.Errorf("after Reset: got %v, want VADSpeechStart", ev.Type)
	}
}

func TestHangover_DelaysSpeechEnd(t *testing.T) {
	eng := New()
	sess, err := eng.NewSession(vad.Config{
		SpeechThreshold:  0.5,
		SilenceThreshold: 0.1,
		FrameSizeMs:      20,
		HangoverMs:       60, // 3 frames at 20ms
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	if ev, err := sess.ProcessFrame(pcmFrame(30000, 160)); err != nil || ev.Type != vad.VADSpeechStart {
		t.Fatalf("expected speech start, got %v, err=%v", ev.Type, err)
	}

	// Two sub-threshold frames should NOT end speech yet (hangover=3 frames).
	for i := 0; i < 2; i++ {
		ev, err := sess.ProcessFrame(pcmFrame(0, 160))
		if err != nil {
			t.Fatalf("ProcessFrame: %v", err)
		}
		if ev.Type != vad.VADSpeechContinue {
			t.Errorf("frame %d: got %v, want VADSpeechContinue (still in hangover)", i, ev.Type)
		}
	}

	// Third consecutive sub-threshold frame crosses the hangover and ends speech.
	ev, err := sess.ProcessFrame(pcmFrame(0, 160))
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if ev.Type != vad.VADSpeechEnd {
		t.Errorf("got %v, want VADSpeechEnd after hangover elapses", ev.Type)
	}
}

func TestHangover_ZeroBehavesLikeImmediateEnd(t *testing.T) {
	eng := New()
	sess, err := eng.NewSession(vad.Config{SpeechThreshold: 0.5, SilenceThreshold: 0.1})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if _, err := sess.ProcessFrame(pcmFrame(30000, 160)); err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	ev, err := sess.ProcessFrame(pcmFrame(0, 160))
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if ev.Type != vad.VADSpeechEnd {
		t.Errorf("got %v, want VADSpeechEnd with no hangover configured", ev.Type)
	}
}

func TestVADEventType_String(t *testing.T) {
	cases := map[vad.VADEventType]string{
		vad.VADSpeechStart:    "speech_start",
		vad.VADSpeechContinue: "speech_continue",
		vad.VADSpeechEnd:      "speech_end",
		vad.VADSilence:        "silence",
	}
	for typ, want := range cases {
		if got := typ.String(); got != want {
			t.Errorf("%v.String() = %q, want %q", typ, got, want)
		}
	}
}

func TestVADEvent_IsSpeech(t *testing.T) {
	if !(vad.VADEvent{Type: vad.VADSpeechStart}).IsSpeech() {
		t.Error("VADSpeechStart should be speech")
	}
	if (vad.VADEvent{Type: vad.VADSilence}).IsSpeech() {
		t.Error("VADSilence should not be speech")
	}
}
