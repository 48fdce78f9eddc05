package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/livelink/internal/domain"
	"github.com/ashureev/livelink/internal/upstream"
	"github.com/ashureev/livelink/internal/upstream/gemini"
	"github.com/coder/websocket"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer runs handler for each accepted connection.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

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

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

func setupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

type setupMsg struct {
	Setup struct {
		Model            string `json:"model"`
		GenerationConfig struct {
			ResponseModalities []string `json:"responseModalities"`
			SpeechConfig       struct {
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

type realtimeMsg struct {
	RealtimeInput struct {
		MediaChunks []struct {
			MIMEType string `json:"mimeType"`
			Data     string `json:"data"`
		} `json:"mediaChunks"`
	} `json:"realtimeInput"`
	ClientContent *struct {
		Turns []struct {
			Role  string `json:"role"`
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"turns"`
		TurnComplete bool `json:"turnComplete"`
	} `json:"clientContent"`
}

// collect subscribes to h and forwards every event.
func collect(t *testing.T, h upstream.Handle) <-chan upstream.Event {
	t.Helper()
	ch := make(chan upstream.Event, 64)
	if err := h.OnEvent(func(ev upstream.Event) { ch <- ev }); err != nil {
		t.Fatalf("OnEvent: %v", err)
	}
	return ch
}

func next(t *testing.T, ch <-chan upstream.Event) upstream.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
		return upstream.Event{}
	}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestAdapter_Name(t *testing.T) {
	if got := gemini.New("k").Name(); got != "google" {
		t.Errorf("Name() = %q, want google", got)
	}
}

func TestOpen_SendsSetupWithAPIKeyHeader(t *testing.T) {
	t.Parallel()

	type seen struct {
		key   string
		path  string
		setup setupMsg
	}
	seenCh := make(chan seen, 1)

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		var s seen
		s.key = r.Header.Get("x-goog-api-key")
		s.path = r.URL.Path
		readJSON(t, conn, &s.setup)
		seenCh <- s
		setupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	a := gemini.New("secret-key", gemini.WithBaseURL(wsURL(srv)), gemini.WithVoice("Kore"))
	h, err := a.Open(context.Background(), upstream.Config{Instruction: "be brief"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	var s seen
	select {
	case s = <-seenCh:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup")
	}

	if s.key != "secret-key" {
		t.Errorf("api key header = %q", s.key)
	}
	if !strings.HasSuffix(s.path, "BidiGenerateContent") {
		t.Errorf("path = %q", s.path)
	}
	if want := "models/" + gemini.DefaultModel; s.setup.Setup.Model != want {
		t.Errorf("model = %q, want %q", s.setup.Setup.Model, want)
	}
	if got := s.setup.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; got != "Kore" {
		t.Errorf("voice = %q, want Kore", got)
	}
	if mods := s.setup.Setup.GenerationConfig.ResponseModalities; len(mods) != 1 || mods[0] != "AUDIO" {
		t.Errorf("modalities = %v", mods)
	}
	if s.setup.Setup.SystemInstruction == nil || s.setup.Setup.SystemInstruction.Parts[0].Text != "be brief" {
		t.Errorf("system instruction missing: %+v", s.setup.Setup.SystemInstruction)
	}
	if s.setup.Setup.InputAudioTranscription == nil || s.setup.Setup.OutputAudioTranscription == nil {
		t.Error("audio transcription not requested")
	}
}

func TestOpen_DialFailureIsUpstreamError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := gemini.New("k", gemini.WithBaseURL(wsURL(srv))).Open(context.Background(), upstream.Config{})
	var ue *domain.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want *domain.UpstreamError", err)
	}
	if ue.Op != "dial" {
		t.Errorf("Op = %q, want dial", ue.Op)
	}
}

func TestSend_QueuedUntilSetupComplete(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	got := make(chan realtimeMsg, 4)

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var s setupMsg
		readJSON(t, conn, &s)
		<-release
		setupComplete(t, conn)
		for i := 0; i < 3; i++ {
			var m realtimeMsg
			readJSON(t, conn, &m)
			got <- m
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	h, err := gemini.New("k", gemini.WithBaseURL(wsURL(srv))).Open(context.Background(), upstream.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()
	events := collect(t, h)

	ctx := context.Background()
	if err := h.SendAudio(ctx, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := h.SendVideo(ctx, []byte{0xff, 0xd8}); err != nil {
		t.Fatalf("SendVideo: %v", err)
	}
	if err := h.SendText(ctx, "hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	close(release)

	if ev := next(t, events); ev.Kind != upstream.EventSetupComplete {
		t.Fatalf("first event = %v, want setup_complete", ev.Kind)
	}

	audio := <-got
	if c := audio.RealtimeInput.MediaChunks; len(c) != 1 || c[0].MIMEType != "audio/pcm;rate=16000" ||
		c[0].Data != base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4}) {
		t.Errorf("audio chunk = %+v", c)
	}
	video := <-got
	if c := video.RealtimeInput.MediaChunks; len(c) != 1 || c[0].MIMEType != "image/jpeg" {
		t.Errorf("video chunk = %+v", c)
	}
	text := <-got
	if text.ClientContent == nil || !text.ClientContent.TurnComplete ||
		text.ClientContent.Turns[0].Role != "user" || text.ClientContent.Turns[0].Parts[0].Text != "hello" {
		t.Errorf("client content = %+v", text.ClientContent)
	}
}

func TestReceive_TranslatesServerContent(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x10, 0x00, 0x20, 0x00}
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var s setupMsg
		readJSON(t, conn, &s)
		setupComplete(t, conn)
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"inputTranscription": map[string]any{"text": "what is this"},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []any{
				map[string]any{"text": "planning", "thought": true},
				map[string]any{"inlineData": map[string]any{
					"mimeType": "audio/pcm;rate=24000",
					"data":     base64.StdEncoding.EncodeToString(pcm),
				}},
				map[string]any{"text": "a cup"},
			}},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"outputTranscription": map[string]any{"text": "it is a cup"},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		<-conn.CloseRead(context.Background()).Done()
	})

	h, err := gemini.New("k", gemini.WithBaseURL(wsURL(srv))).Open(context.Background(), upstream.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()
	events := collect(t, h)

	want := []upstream.EventKind{
		upstream.EventSetupComplete,
		upstream.EventInputTranscript,
		upstream.EventAudio,
		upstream.EventText,
		upstream.EventOutputTranscript,
		upstream.EventInterrupted,
		upstream.EventTurnComplete,
	}
	for i, kind := range want {
		ev := next(t, events)
		if ev.Kind != kind {
			t.Fatalf("event %d = %v, want %v", i, ev.Kind, kind)
		}
		switch ev.Kind {
		case upstream.EventInputTranscript:
			if ev.Text != "what is this" {
				t.Errorf("input transcript = %q", ev.Text)
			}
		case upstream.EventAudio:
			if string(ev.Audio) != string(pcm) {
				t.Errorf("audio = %v, want %v", ev.Audio, pcm)
			}
		case upstream.EventText:
			if ev.Text != "a cup" {
				t.Errorf("text = %q, thought parts must be skipped", ev.Text)
			}
		case upstream.EventOutputTranscript:
			if ev.Text != "it is a cup" {
				t.Errorf("output transcript = %q", ev.Text)
			}
		}
	}
}

func TestReceive_ServiceErrorEndsHandle(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var s setupMsg
		readJSON(t, conn, &s)
		setupComplete(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 429, "message": "quota"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	h, err := gemini.New("k", gemini.WithBaseURL(wsURL(srv))).Open(context.Background(), upstream.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()
	events := collect(t, h)

	if ev := next(t, events); ev.Kind != upstream.EventSetupComplete {
		t.Fatalf("first event = %v", ev.Kind)
	}
	ev := next(t, events)
	if ev.Kind != upstream.EventError || ev.Err == nil || !strings.Contains(ev.Err.Error(), "quota") {
		t.Fatalf("event = %+v, want error containing quota", ev)
	}

	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("handle not done after service error")
	}
	var ue *domain.UpstreamError
	if !errors.As(h.Err(), &ue) {
		t.Errorf("Err() = %v, want *domain.UpstreamError", h.Err())
	}
}

func TestReceive_PeerCloseEmitsError(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var s setupMsg
		readJSON(t, conn, &s)
		setupComplete(t, conn)
		conn.Close(websocket.StatusGoingAway, "bye")
	})

	h, err := gemini.New("k", gemini.WithBaseURL(wsURL(srv))).Open(context.Background(), upstream.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()
	events := collect(t, h)

	for {
		ev := next(t, events)
		if ev.Kind != upstream.EventError {
			continue
		}
		if ev.Err == nil {
			t.Error("error event without Err")
		}
		return
	}
}

func TestClose_IdempotentAndStopsSends(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var s setupMsg
		readJSON(t, conn, &s)
		setupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	h, err := gemini.New("k", gemini.WithBaseURL(wsURL(srv))).Open(context.Background(), upstream.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	collect(t, h)

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := h.SendText(context.Background(), "late"); !errors.Is(err, upstream.ErrClosed) {
		t.Errorf("SendText after Close = %v, want ErrClosed", err)
	}

	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("handle not done after Close")
	}
	if h.Err() != nil {
		t.Errorf("Err() after Close = %v, want nil", h.Err())
	}
}
