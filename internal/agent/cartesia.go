package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
)

const (
	defaultCartesiaURL     = "wss://api.cartesia.ai/tts/websocket"
	cartesiaVersion        = "2024-06-10"
	defaultCartesiaModel   = "sonic-2"
	defaultCartesiaVoiceID = "79a125e8-cd45-4c13-8a67-188112f4dd22"
)

// cartesiaTTS streams utterances to Cartesia's websocket synthesizer. Each
// Speak call is one utterance under its own context id.
type cartesiaTTS struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan TTSEvent
	done      chan struct{}

	seq int
}

func dialCartesia(ctx context.Context, baseURL, apiKey string) (*cartesiaTTS, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("cartesia url: %w", err)
	}
	q := u.Query()
	q.Set("api_key", apiKey)
	q.Set("cartesia_version", cartesiaVersion)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial cartesia: %w", err)
	}

	s := &cartesiaTTS{conn: conn, events: make(chan TTSEvent, 512), done: make(chan struct{})}
	go s.readLoop()
	return s, nil
}

func (s *cartesiaTTS) Speak(_ context.Context, text string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.seq++
	return s.conn.WriteJSON(map[string]any{
		"model_id":   defaultCartesiaModel,
		"transcript": text,
		"voice": map[string]any{
			"mode": "id",
			"id":   defaultCartesiaVoiceID,
		},
		"output_format": map[string]any{
			"container":   "raw",
			"encoding":    "pcm_s16le",
			"sample_rate": 16000,
		},
		"context_id": "utt-" + strconv.Itoa(s.seq),
	})
}

func (s *cartesiaTTS) Events() <-chan TTSEvent { return s.events }

func (s *cartesiaTTS) readLoop() {
	defer s.safeClose()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Type  string `json:"type"`
			Data  string `json:"data"`
			Error string `json:"error"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "chunk":
			if msg.Data != "" && !s.emit(TTSEvent{AudioBase64: msg.Data}) {
				return
			}
		case "done":
			if !s.emit(TTSEvent{Final: true}) {
				return
			}
		case "error":
			if !s.emit(TTSEvent{Err: fmt.Errorf("cartesia: %s", msg.Error)}) {
				return
			}
		}
	}
}

// emit delivers ev unless the session is closed, so a full buffer with no
// consumer cannot strand the read loop.
func (s *cartesiaTTS) emit(ev TTSEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *cartesiaTTS) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *cartesiaTTS) safeClose() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
	close(s.events)
}
