package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

const defaultDeepgramURL = "wss://api.deepgram.com/v1/listen"

// deepgramSTT streams opus audio to Deepgram's realtime transcription
// websocket and surfaces transcripts as STTEvents.
type deepgramSTT struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan STTEvent
	done      chan struct{}
}

func dialDeepgram(ctx context.Context, baseURL, apiKey string) (*deepgramSTT, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("deepgram url: %w", err)
	}
	q := u.Query()
	q.Set("model", "nova-2")
	q.Set("encoding", "opus")
	q.Set("sample_rate", "48000")
	q.Set("interim_results", "true")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+apiKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("dial deepgram: %w", err)
	}

	s := &deepgramSTT{conn: conn, events: make(chan STTEvent, 256), done: make(chan struct{})}
	go s.readLoop()
	return s, nil
}

func (s *deepgramSTT) SendAudio(_ context.Context, chunk []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, chunk)
}

func (s *deepgramSTT) Events() <-chan STTEvent { return s.events }

func (s *deepgramSTT) readLoop() {
	defer s.safeClose()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Type    string `json:"type"`
			IsFinal bool   `json:"is_final"`
			Channel struct {
				Alternatives []struct {
					Transcript string `json:"transcript"`
				} `json:"alternatives"`
			} `json:"channel"`
			Description string `json:"description"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "Results":
			if len(msg.Channel.Alternatives) == 0 {
				continue
			}
			text := msg.Channel.Alternatives[0].Transcript
			if text == "" {
				continue
			}
			if !s.emit(STTEvent{Text: text, Final: msg.IsFinal}) {
				return
			}
		case "Error":
			if !s.emit(STTEvent{Err: fmt.Errorf("deepgram: %s", msg.Description)}) {
				return
			}
		case "Metadata", "UtteranceEnd", "SpeechStarted":
			// control events, nothing to surface
		}
	}
}

// emit delivers ev unless the session is closed. The consumer may be gone by
// the time the buffer fills; blocking here would strand the read loop.
func (s *deepgramSTT) emit(ev STTEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *deepgramSTT) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteJSON(map[string]string{"type": "CloseStream"})
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *deepgramSTT) safeClose() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
	close(s.events)
}
