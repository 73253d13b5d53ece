package gemini_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/dworldbd-stack/red698/pkg/audio"
	"github.com/dworldbd-stack/red698/pkg/provider/live"
	"github.com/dworldbd-stack/red698/pkg/provider/live/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// sendSetupComplete sends the server-side setupComplete ack.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server, opts ...gemini.Option) *gemini.Provider {
	opts = append([]gemini.Option{gemini.WithBaseURL(wsURL(srv))}, opts...)
	return gemini.New("test-api-key", opts...)
}

// collect reads events until the channel closes.
func collect(t *testing.T, sess live.Session) []live.Event {
	t.Helper()
	var out []live.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sess.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timeout collecting events, got %d so far", len(out))
			return out
		}
	}
}

// nextEvent waits for one event.
func nextEvent(t *testing.T, sess live.Session) live.Event {
	t.Helper()
	select {
	case ev, ok := <-sess.Events():
		if !ok {
			t.Fatal("events channel closed unexpectedly")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return live.Event{}
}

func kinds(evs []live.Event) []live.EventKind {
	out := make([]live.EventKind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}

// ── Setup ─────────────────────────────────────────────────────────────────────

type setupMsg struct {
	Setup struct {
		Model            string `json:"model"`
		GenerationConfig struct {
			ResponseModalities []string `json:"responseModalities"`
			SpeechConfig       *struct {
				VoiceConfig struct {
					PrebuiltVoiceConfig struct {
						VoiceName string `json:"voiceName"`
					} `json:"prebuiltVoiceConfig"`
				} `json:"voiceConfig"`
			} `json:"speechConfig"`
		} `json:"generationConfig"`
		SystemInstruction *struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"systemInstruction"`
		InputAudioTranscription  *struct{} `json:"inputAudioTranscription"`
		OutputAudioTranscription *struct{} `json:"outputAudioTranscription"`
	} `json:"setup"`
}

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	received := make(chan setupMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{
		Instructions:        "You are Red AI.",
		InputTranscription:  true,
		OutputTranscription: true,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case msg := <-received:
		s := msg.Setup
		if want := "models/" + gemini.DefaultModel; s.Model != want {
			t.Errorf("model = %q; want %q", s.Model, want)
		}
		if len(s.GenerationConfig.ResponseModalities) != 1 || s.GenerationConfig.ResponseModalities[0] != "AUDIO" {
			t.Errorf("responseModalities = %v", s.GenerationConfig.ResponseModalities)
		}
		if s.GenerationConfig.SpeechConfig == nil ||
			s.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != gemini.DefaultVoice {
			t.Errorf("speechConfig = %+v; want voice %q", s.GenerationConfig.SpeechConfig, gemini.DefaultVoice)
		}
		if s.SystemInstruction == nil || len(s.SystemInstruction.Parts) == 0 || s.SystemInstruction.Parts[0].Text != "You are Red AI." {
			t.Errorf("systemInstruction = %+v", s.SystemInstruction)
		}
		if s.InputAudioTranscription == nil || s.OutputAudioTranscription == nil {
			t.Error("transcription configs should be present")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup message")
	}
}

func TestConnect_ModelAndVoiceOverrides(t *testing.T) {
	t.Parallel()

	received := make(chan setupMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv, gemini.WithModel("custom-model"), gemini.WithVoice("Puck"))
	sess, err := p.Connect(context.Background(), live.SessionConfig{Voice: "Kore"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case msg := <-received:
		if msg.Setup.Model != "models/custom-model" {
			t.Errorf("model = %q", msg.Setup.Model)
		}
		if got := msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; got != "Kore" {
			t.Errorf("voice = %q; want per-session Kore", got)
		}
		if msg.Setup.InputAudioTranscription != nil {
			t.Error("inputAudioTranscription should be omitted when not requested")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup message")
	}
}

func TestConnect_IncludesAPIKeyInURL(t *testing.T) {
	t.Parallel()

	query := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		query <- r.URL.RawQuery
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := gemini.New("secret-key", gemini.WithBaseURL(wsURL(srv))).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case q := <-query:
		if !strings.Contains(q, "key=secret-key") {
			t.Errorf("URL query %q should contain key=secret-key", q)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	var ce *live.ChannelError
	if !errors.As(err, &ce) || ce.Op != "dial" {
		t.Fatalf("Connect error = %v; want ChannelError{Op: dial}", err)
	}
}

// ── Outbound ──────────────────────────────────────────────────────────────────

type realtimeInput struct {
	RealtimeInput struct {
		MediaChunks []struct {
			MIMEType string `json:"mimeType"`
			Data     string `json:"data"`
		} `json:"mediaChunks"`
	} `json:"realtimeInput"`
}

func TestSendRealtimeInput_BufferedUntilOpen(t *testing.T) {
	t.Parallel()

	type arrival struct {
		data string
		at   time.Time
	}
	release := make(chan struct{})
	ackSent := make(chan time.Time, 1)
	got := make(chan []arrival, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		frames := make(chan arrival, 8)
		go func() {
			defer close(frames)
			for {
				_, data, err := conn.Read(context.Background())
				if err != nil {
					return
				}
				var msg realtimeInput
				if json.Unmarshal(data, &msg) == nil && len(msg.RealtimeInput.MediaChunks) == 1 {
					frames <- arrival{data: msg.RealtimeInput.MediaChunks[0].Data, at: time.Now()}
				}
			}
		}()

		<-release
		ackSent <- time.Now()
		sendSetupComplete(t, conn)

		var out []arrival
		for range 3 {
			select {
			case a, ok := <-frames:
				if !ok {
					got <- out
					return
				}
				out = append(out, a)
			case <-time.After(3 * time.Second):
				got <- out
				return
			}
		}
		got <- out
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	want := []string{"AAA=", "BBB=", "CCC="}
	for _, d := range want {
		if err := sess.SendRealtimeInput(context.Background(), audio.EncodedBlob{Data: d, MIMEType: "audio/pcm;rate=16000"}); err != nil {
			t.Fatalf("SendRealtimeInput: %v", err)
		}
	}
	time.Sleep(200 * time.Millisecond)
	close(release)

	var acked time.Time
	select {
	case acked = <-ackSent:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for ack")
	}

	select {
	case arrivals := <-got:
		if len(arrivals) != len(want) {
			t.Fatalf("received %d frames; want %d", len(arrivals), len(want))
		}
		for i, a := range arrivals {
			if a.data != want[i] {
				t.Errorf("frame %d = %q; want %q", i, a.data, want[i])
			}
			if a.at.Before(acked) {
				t.Errorf("frame %d arrived before setupComplete", i)
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for frames")
	}
}

func TestSendRealtimeInput_EncodesMediaChunk(t *testing.T) {
	t.Parallel()

	audioMsg := make(chan realtimeInput, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		var msg realtimeInput
		readJSON(t, conn, &msg)
		audioMsg <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	blob := audio.EncodeFrame(audio.AudioFrame{Samples: []float32{0, 0.5, -0.5}, SampleRate: audio.InputSampleRate, Channels: 1})
	if err := sess.SendRealtimeInput(context.Background(), blob); err != nil {
		t.Fatalf("SendRealtimeInput: %v", err)
	}

	select {
	case msg := <-audioMsg:
		chunks := msg.RealtimeInput.MediaChunks
		if len(chunks) != 1 {
			t.Fatalf("media chunks = %d; want 1", len(chunks))
		}
		if chunks[0].MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("mimeType = %q", chunks[0].MIMEType)
		}
		if chunks[0].Data != blob.Data {
			t.Errorf("data = %q; want %q", chunks[0].Data, blob.Data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio message")
	}
}

func TestSendRealtimeInput_Backpressure(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		// Never acknowledge, so the queue is never drained.
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := newProvider(srv, gemini.WithOutboundQueue(1)).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	blob := audio.EncodedBlob{Data: "AA==", MIMEType: "audio/pcm;rate=16000"}
	if err := sess.SendRealtimeInput(context.Background(), blob); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := sess.SendRealtimeInput(context.Background(), blob); !errors.Is(err, live.ErrBackpressure) {
		t.Fatalf("second send = %v; want ErrBackpressure", err)
	}
}

func TestSendRealtimeInput_AfterClose(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	err = sess.SendRealtimeInput(context.Background(), audio.EncodedBlob{Data: "AA=="})
	if !errors.Is(err, live.ErrChannelClosed) {
		t.Fatalf("SendRealtimeInput after Close = %v; want ErrChannelClosed", err)
	}
}

// ── Inbound ───────────────────────────────────────────────────────────────────

func TestEvents_OrderedStream(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription": map[string]any{"text": "hi "},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "AAAA"}},
						{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "BBBB"}},
					},
				},
				"outputTranscription": map[string]any{"text": "Hello"},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{"turnComplete": true},
		})
		// Content-free messages produce no event.
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		// Returning closes the socket normally.
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	evs := collect(t, sess)
	want := []live.EventKind{live.EventOpen, live.EventMessage, live.EventMessage, live.EventMessage, live.EventMessage, live.EventClose}
	got := kinds(evs)
	if len(got) != len(want) {
		t.Fatalf("event kinds = %v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event kinds = %v; want %v", got, want)
		}
	}

	if evs[1].Message.InputText != "hi " {
		t.Errorf("input text = %q", evs[1].Message.InputText)
	}
	m := evs[2].Message
	if len(m.Audio) != 2 || m.Audio[0].Data != "AAAA" || m.Audio[1].Data != "BBBB" {
		t.Errorf("audio = %+v", m.Audio)
	}
	if m.Audio[0].MIMEType != "audio/pcm;rate=24000" {
		t.Errorf("audio mime = %q", m.Audio[0].MIMEType)
	}
	if m.OutputText != "Hello" {
		t.Errorf("output text = %q", m.OutputText)
	}
	if !evs[3].Message.TurnComplete {
		t.Error("third message should carry TurnComplete")
	}
	if !evs[4].Message.Interrupted {
		t.Error("fourth message should carry Interrupted")
	}

	closeInfo := evs[len(evs)-1].Close
	if closeInfo.Local {
		t.Error("remote close reported as local")
	}
	if closeInfo.Code != int(websocket.StatusNormalClosure) {
		t.Errorf("close code = %d", closeInfo.Code)
	}
}

func TestEvents_ServerError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		writeJSON(t, conn, map[string]any{
			"error": map[string]any{"code": 400, "message": "bad request"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if ev := nextEvent(t, sess); ev.Kind != live.EventOpen {
		t.Fatalf("first event = %v; want open", ev.Kind)
	}
	ev := nextEvent(t, sess)
	if ev.Kind != live.EventError {
		t.Fatalf("second event = %v; want error", ev.Kind)
	}
	if !strings.Contains(ev.Err.Error(), "bad request") {
		t.Errorf("error = %v", ev.Err)
	}
}

func TestEvents_AbnormalRemoteClose(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		conn.Close(websocket.StatusInternalError, "boom")
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	evs := collect(t, sess)
	got := kinds(evs)
	if len(got) != 3 || got[0] != live.EventOpen || got[1] != live.EventError || got[2] != live.EventClose {
		t.Fatalf("event kinds = %v; want [open error close]", got)
	}
	if evs[2].Close.Code != int(websocket.StatusInternalError) || evs[2].Close.Reason != "boom" {
		t.Errorf("close info = %+v", evs[2].Close)
	}
}

func TestClose_LocalAndIdempotent(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if ev := nextEvent(t, sess); ev.Kind != live.EventOpen {
		t.Fatalf("first event = %v; want open", ev.Kind)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	evs := collect(t, sess)
	if len(evs) != 1 || evs[0].Kind != live.EventClose {
		t.Fatalf("events after Close = %v; want [close]", kinds(evs))
	}
	if !evs[0].Close.Local {
		t.Error("close should be reported as local")
	}
}
