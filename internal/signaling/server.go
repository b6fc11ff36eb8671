package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/playtalk-labs/voicegate/internal/config"
	"github.com/playtalk-labs/voicegate/internal/metrics"
	"github.com/playtalk-labs/voicegate/internal/session"
	"github.com/playtalk-labs/voicegate/internal/webrtcpeer"
)

const maxBodyBytes = 2 << 20

// Negotiator performs the SDP offer/answer and candidate mechanics. The
// production implementation is webrtcpeer.Handler; tests substitute stubs.
type Negotiator interface {
	HandleOffer(ctx context.Context, req webrtcpeer.OfferRequest, onConnected func(*webrtcpeer.Connection)) (webrtcpeer.Answer, error)
	HandlePatch(pcID string, candidates []webrtc.ICECandidateInit) error
}

// AgentRunner starts the conversational agent once a peer connection exists.
type AgentRunner interface {
	Run(ctx context.Context, conn *webrtcpeer.Connection, cfg session.Config) error
}

// Server implements the signaling surface: session creation, the offer
// handoff, and candidate patch relay.
//
// Endpoints:
//   - POST  /session : create a session, returns the one-time offer endpoint
//   - POST  /offer   : SDP offer -> answer, consumes the session config
//   - PATCH /offer   : trickled ICE candidate updates
type Server struct {
	cfg        config.Config
	log        *slog.Logger
	store      *session.Store
	negotiator Negotiator
	agent      AgentRunner
	metrics    *metrics.Metrics
	tasks      *taskGroup

	agentCtx    context.Context
	agentCancel context.CancelFunc
}

func NewServer(cfg config.Config, logger *slog.Logger, store *session.Store, negotiator Negotiator, agent AgentRunner, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New("voicegate")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:         cfg,
		log:         logger,
		store:       store,
		negotiator:  negotiator,
		agent:       agent,
		metrics:     m,
		tasks:       newTaskGroup(logger),
		agentCtx:    ctx,
		agentCancel: cancel,
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /session", s.handleCreateSession)
	mux.HandleFunc("POST /offer", s.handleOffer)
	mux.HandleFunc("PATCH /offer", s.handlePatch)
}

// Shutdown cancels running agents, stops accepting new agent starts, and
// waits for background tasks, bounded by ctx. Cancellation comes first so a
// live conversation cannot hold the drain for the whole bound.
func (s *Server) Shutdown(ctx context.Context) error {
	s.agentCancel()
	return s.tasks.Drain(ctx)
}

// handleCreateSession resolves the creation request into a configuration
// record, stores it under a fresh session id, and returns the one-time offer
// endpoint. Malformed bodies degrade to the default record rather than
// erroring; session creation never fails under normal input.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBodyMap(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.log.Warn("unparseable session body, using defaults", "err", err)
		body = map[string]any{}
	}

	cfg := session.ResolveConfig(body)
	if s.cfg.DefaultSystemPrompt != "" {
		if _, ok := session.StringField(body, "system_prompt", "systemPrompt"); !ok {
			cfg.SystemPrompt = s.cfg.DefaultSystemPrompt
		}
	}
	sessionID := uuid.NewString()
	s.store.Create(sessionID, cfg)
	s.metrics.SessionsCreated.Inc()

	s.log.Info("created session",
		"session_id", sessionID,
		"mode", cfg.Mode,
		"stt_provider", cfg.STTProvider,
		"llm_provider", cfg.LLMProvider,
		"tts_provider", cfg.TTSProvider,
		"s2s_provider", cfg.S2SProvider,
	)

	writeJSON(w, http.StatusOK, map[string]string{
		"endpoint": fmt.Sprintf("%s/offer?session_id=%s", s.cfg.PublicBaseURL, sessionID),
	})
}

// handleOffer consumes the session config (exactly once) and forwards the
// offer to the negotiator. A missing or already-consumed session id is not
// an error: the handoff degrades to the fallback record so a client that
// raced or retried the single-use URL still connects.
func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.metrics.Offers.WithLabelValues(metrics.OutcomeServerError).Inc()
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	req, err := parseOfferRequest(body)
	if err != nil {
		s.metrics.Offers.WithLabelValues(metrics.OutcomeServerError).Inc()
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	cfg := s.resolveSessionConfig(r.URL.Query().Get("session_id"))

	onConnected := func(conn *webrtcpeer.Connection) {
		s.scheduleAgentStart(conn, cfg)
	}

	answer, err := s.negotiator.HandleOffer(r.Context(), req, onConnected)
	if err != nil {
		s.metrics.Offers.WithLabelValues(metrics.OutcomeServerError).Inc()
		s.log.Error("offer negotiation failed", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	s.metrics.Offers.WithLabelValues(metrics.OutcomeOK).Inc()
	writeJSON(w, http.StatusOK, answer)
}

// handlePatch relays trickled candidates to the negotiator. Missing pc_id is
// a client error; there is no sensible fallback for "which peer connection".
func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.metrics.CandidatePatches.WithLabelValues(metrics.OutcomeServerError).Inc()
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	req, err := parsePatchRequest(body)
	if err != nil {
		s.metrics.CandidatePatches.WithLabelValues(metrics.OutcomeServerError).Inc()
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if req.PCID == "" {
		s.metrics.CandidatePatches.WithLabelValues(metrics.OutcomeClientError).Inc()
		writeJSONError(w, http.StatusBadRequest, "missing_pc_id", "pc_id is required")
		return
	}

	if err := s.negotiator.HandlePatch(req.PCID, normalizeCandidates(req.Candidates)); err != nil {
		s.metrics.CandidatePatches.WithLabelValues(metrics.OutcomeServerError).Inc()
		s.log.Error("candidate patch failed", "pc_id", req.PCID, "err", err)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	s.metrics.CandidatePatches.WithLabelValues(metrics.OutcomeOK).Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// resolveSessionConfig redeems the session id when one was supplied. The
// redemption series only counts offers that actually carried an id, so a
// plain /offer URL does not read as a missed redemption.
func (s *Server) resolveSessionConfig(sessionID string) session.Config {
	if sessionID == "" {
		return session.FallbackConfig()
	}
	if cfg, ok := s.store.TakeOnce(sessionID); ok {
		s.metrics.SessionRedemptions.WithLabelValues(metrics.RedemptionHit).Inc()
		return cfg
	}
	s.log.Warn("no config found for session, using fallback", "session_id", sessionID)
	s.metrics.SessionRedemptions.WithLabelValues(metrics.RedemptionDefault).Inc()
	return session.FallbackConfig()
}

// scheduleAgentStart hands the agent start to the background task group so
// the negotiator's callback returns immediately and never delays the answer.
func (s *Server) scheduleAgentStart(conn *webrtcpeer.Connection, cfg session.Config) {
	if s.agent == nil {
		return
	}
	enqueued := s.tasks.Go(func() {
		if err := s.agent.Run(s.agentCtx, conn, cfg); err != nil {
			s.metrics.AgentStarts.WithLabelValues("error").Inc()
			s.log.Error("agent run failed", "pc_id", conn.ID(), "err", err)
			return
		}
		s.metrics.AgentStarts.WithLabelValues("ok").Inc()
	})
	if !enqueued {
		s.log.Warn("agent start rejected, server draining", "pc_id", conn.ID())
	}
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}
