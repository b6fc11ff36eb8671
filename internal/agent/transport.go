package agent

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const outboundQueueLimit = 64

// outboundMessage is what the agent sends to the client over the data
// channel: transcripts of both sides and synthesized audio chunks.
type outboundMessage struct {
	Type string `json:"type"`
	Role string `json:"role,omitempty"`
	Text string `json:"text,omitempty"`
	Data string `json:"data,omitempty"`
}

// channelWriter delivers agent output over whichever data channel the client
// opened. Messages sent before the channel is up are queued, bounded; once
// the limit is hit the oldest are dropped.
type channelWriter struct {
	log *slog.Logger

	mu    sync.Mutex
	dc    *webrtc.DataChannel
	queue []outboundMessage
}

func newChannelWriter(pc *webrtc.PeerConnection, log *slog.Logger) *channelWriter {
	w := &channelWriter{log: log}
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnOpen(func() {
			w.attach(dc)
		})
		if dc.ReadyState() == webrtc.DataChannelStateOpen {
			w.attach(dc)
		}
	})
	return w
}

func (w *channelWriter) attach(dc *webrtc.DataChannel) {
	w.mu.Lock()
	w.dc = dc
	pending := w.queue
	w.queue = nil
	w.mu.Unlock()

	for _, msg := range pending {
		w.write(dc, msg)
	}
}

func (w *channelWriter) Send(msg outboundMessage) {
	w.mu.Lock()
	dc := w.dc
	if dc == nil {
		if len(w.queue) >= outboundQueueLimit {
			w.queue = w.queue[1:]
		}
		w.queue = append(w.queue, msg)
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	w.write(dc, msg)
}

func (w *channelWriter) write(dc *webrtc.DataChannel, msg outboundMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := dc.Send(data); err != nil {
		w.log.Debug("data channel send failed", "err", err)
	}
}

// audioSink consumes RTP packets from the client's audio track.
type audioSink func(*rtp.Packet) error

// forwardInboundAudio routes RTP packets from the client's audio track into
// sink. The read loop ends when the track errors out (connection teardown).
func forwardInboundAudio(pc *webrtc.PeerConnection, sink audioSink, log *slog.Logger) {
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		go pumpAudio(func() (*rtp.Packet, error) {
			pkt, _, err := track.ReadRTP()
			return pkt, err
		}, sink, log)
	})
}

func pumpAudio(readRTP func() (*rtp.Packet, error), sink audioSink, log *slog.Logger) {
	for {
		pkt, err := readRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		if err := sink(pkt); err != nil {
			log.Debug("audio forward failed", "err", err)
			return
		}
	}
}
