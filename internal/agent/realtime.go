package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

const (
	defaultRealtimeURL   = "wss://api.openai.com/v1/realtime"
	defaultRealtimeModel = "gpt-4o-realtime-preview"
)

// openAIRealtime is the speech-to-speech session over the OpenAI Realtime
// websocket. Instructions are pushed via session.update right after dialing;
// turn detection runs server-side.
type openAIRealtime struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan S2SEvent
	done      chan struct{}
}

func dialOpenAIRealtime(ctx context.Context, baseURL, apiKey, instructions string) (*openAIRealtime, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("realtime url: %w", err)
	}
	q := u.Query()
	q.Set("model", defaultRealtimeModel)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+apiKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}

	s := &openAIRealtime{conn: conn, events: make(chan S2SEvent, 512), done: make(chan struct{})}
	go s.readLoop()

	if err := s.writeJSON(map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"instructions":        instructions,
			"modalities":          []string{"audio", "text"},
			"input_audio_format":  "pcm16",
			"output_audio_format": "pcm16",
			"turn_detection":      map[string]any{"type": "server_vad"},
		},
	}); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("realtime session update: %w", err)
	}
	return s, nil
}

func (s *openAIRealtime) AppendAudio(_ context.Context, chunk []byte) error {
	return s.writeJSON(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(chunk),
	})
}

func (s *openAIRealtime) Events() <-chan S2SEvent { return s.events }

func (s *openAIRealtime) readLoop() {
	defer s.safeClose()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Type       string `json:"type"`
			Delta      string `json:"delta"`
			Transcript string `json:"transcript"`
			Error      struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "response.audio.delta":
			if msg.Delta != "" && !s.emit(S2SEvent{AudioBase64: msg.Delta}) {
				return
			}
		case "response.audio_transcript.done":
			if !s.emit(S2SEvent{Transcript: msg.Transcript, Role: "assistant"}) {
				return
			}
		case "conversation.item.input_audio_transcription.completed":
			if !s.emit(S2SEvent{Transcript: msg.Transcript, Role: "user"}) {
				return
			}
		case "error":
			if !s.emit(S2SEvent{Err: fmt.Errorf("realtime: %s", msg.Error.Message)}) {
				return
			}
		}
	}
}

// emit delivers ev unless the session is closed, so a full buffer with no
// consumer cannot strand the read loop.
func (s *openAIRealtime) emit(ev S2SEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *openAIRealtime) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *openAIRealtime) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *openAIRealtime) safeClose() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
	close(s.events)
}
