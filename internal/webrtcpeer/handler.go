package webrtcpeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/playtalk-labs/voicegate/internal/config"
)

var (
	// ErrUnknownPeerConnection is returned when a patch or renegotiation
	// names a pc_id with no live connection. Unlike a stale session id this
	// is not recoverable: it indicates a genuine race or client bug.
	ErrUnknownPeerConnection = errors.New("webrtcpeer: unknown pc_id")

	errInvalidOfferType = errors.New("webrtcpeer: session description type must be \"offer\"")
)

// Gauge tracks the live connection count. Satisfied by prometheus.Gauge.
type Gauge interface {
	Inc()
	Dec()
}

type noopGauge struct{}

func (noopGauge) Inc() {}
func (noopGauge) Dec() {}

// OfferRequest is the negotiation input in SmallWebRTC transport shape. A
// non-empty PCID addresses an existing connection (renegotiation); RestartPC
// discards it and negotiates from scratch.
type OfferRequest struct {
	SDP       string
	Type      string
	PCID      string
	RestartPC bool
}

// Answer is the negotiation result returned to the client unchanged.
type Answer struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
	PCID string `json:"pc_id"`
}

// Handler negotiates and tracks server-side peer connections keyed by pc_id.
type Handler struct {
	api           *webrtc.API
	pcConfig      webrtc.Configuration
	gatherTimeout time.Duration
	log           *slog.Logger
	gauge         Gauge

	mu     sync.Mutex
	conns  map[string]*Connection
	closed bool
}

// NewHandler builds the negotiator. gauge may be nil.
func NewHandler(api *webrtc.API, cfg config.Config, logger *slog.Logger, gauge Gauge) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if gauge == nil {
		gauge = noopGauge{}
	}
	gatherTimeout := cfg.ICEGatheringTimeout
	if gatherTimeout <= 0 {
		gatherTimeout = config.DefaultICEGatheringTimeout
	}
	return &Handler{
		api:           api,
		pcConfig:      PeerConnectionConfig(cfg.ICEServers),
		gatherTimeout: gatherTimeout,
		log:           logger,
		gauge:         gauge,
		conns:         make(map[string]*Connection),
	}
}

// HandleOffer negotiates an answer for req.
//
// For a fresh offer it creates a new connection and arms onConnected to fire
// exactly once when the peer connection reaches the connected state. For a
// renegotiation (known pc_id, restart not requested) it reuses the existing
// connection and does not re-arm the callback.
func (h *Handler) HandleOffer(ctx context.Context, req OfferRequest, onConnected func(*Connection)) (Answer, error) {
	if req.Type != "offer" {
		return Answer{}, errInvalidOfferType
	}

	if req.PCID != "" {
		h.mu.Lock()
		existing := h.conns[req.PCID]
		h.mu.Unlock()

		if existing != nil && !req.RestartPC {
			return h.negotiate(ctx, existing, req.SDP)
		}
		if existing != nil {
			h.log.Info("restarting peer connection", "pc_id", req.PCID)
			_ = existing.Close()
		}
	}

	conn, err := h.newConnection(onConnected)
	if err != nil {
		return Answer{}, err
	}

	answer, err := h.negotiate(ctx, conn, req.SDP)
	if err != nil {
		_ = conn.Close()
		return Answer{}, err
	}
	return answer, nil
}

// HandlePatch applies trickled remote candidates to the connection matching
// pcID.
func (h *Handler) HandlePatch(pcID string, candidates []webrtc.ICECandidateInit) error {
	h.mu.Lock()
	conn := h.conns[pcID]
	h.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeerConnection, pcID)
	}
	return conn.AddCandidates(candidates)
}

// Len reports the number of live connections.
func (h *Handler) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close tears down every live connection. Used on shutdown.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

func (h *Handler) newConnection(onConnected func(*Connection)) (*Connection, error) {
	pc, err := h.api.NewPeerConnection(h.pcConfig)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	conn := &Connection{
		id:     uuid.NewString(),
		pc:     pc,
		closed: make(chan struct{}),
	}
	conn.onClose = func() {
		h.remove(conn.id)
		h.gauge.Dec()
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			conn.connectedOnce.Do(func() {
				if onConnected != nil {
					onConnected(conn)
				}
			})
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			h.log.Info("peer connection ended", "pc_id", conn.id, "state", state.String())
			_ = conn.Close()
		}
	})

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = pc.Close()
		return nil, errors.New("webrtcpeer: handler closed")
	}
	h.conns[conn.id] = conn
	h.mu.Unlock()
	h.gauge.Inc()

	return conn, nil
}

func (h *Handler) remove(id string) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

func (h *Handler) negotiate(ctx context.Context, conn *Connection, offerSDP string) (Answer, error) {
	pc := conn.pc

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}); err != nil {
		return Answer{}, fmt.Errorf("set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return Answer{}, fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return Answer{}, fmt.Errorf("set local description: %w", err)
	}

	// The SmallWebRTC transport supports trickle via PATCH, but answering
	// with gathered candidates keeps clients on lossy networks working.
	// Bound the wait so a slow STUN server cannot stall the offer.
	waitCtx, cancel := context.WithTimeout(ctx, h.gatherTimeout)
	defer cancel()
	select {
	case <-gatherComplete:
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return Answer{}, ctx.Err()
		}
	}

	local := pc.LocalDescription()
	if local == nil {
		return Answer{}, errors.New("webrtcpeer: missing local description")
	}

	return Answer{
		SDP:  local.SDP,
		Type: local.Type.String(),
		PCID: conn.id,
	}, nil
}
