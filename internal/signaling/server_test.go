package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/playtalk-labs/voicegate/internal/config"
	"github.com/playtalk-labs/voicegate/internal/metrics"
	"github.com/playtalk-labs/voicegate/internal/session"
	"github.com/playtalk-labs/voicegate/internal/webrtcpeer"
)

// stubNegotiator echoes a canned answer and fires the connected callback
// synchronously, standing in for the pion-backed handler.
type stubNegotiator struct {
	offerErr error
	patchErr error

	offers    []webrtcpeer.OfferRequest
	patches   [][]webrtc.ICECandidateInit
	patchPCID string
}

func (n *stubNegotiator) HandleOffer(_ context.Context, req webrtcpeer.OfferRequest, onConnected func(*webrtcpeer.Connection)) (webrtcpeer.Answer, error) {
	n.offers = append(n.offers, req)
	if n.offerErr != nil {
		return webrtcpeer.Answer{}, n.offerErr
	}
	if onConnected != nil {
		onConnected(&webrtcpeer.Connection{})
	}
	return webrtcpeer.Answer{SDP: "v=0\r\n", Type: "answer", PCID: "pc-1"}, nil
}

func (n *stubNegotiator) HandlePatch(pcID string, candidates []webrtc.ICECandidateInit) error {
	n.patchPCID = pcID
	n.patches = append(n.patches, candidates)
	return n.patchErr
}

// recordingAgent captures the configs handed to agent starts.
type recordingAgent struct {
	configs chan session.Config
}

func newRecordingAgent() *recordingAgent {
	return &recordingAgent{configs: make(chan session.Config, 8)}
}

func (a *recordingAgent) Run(_ context.Context, _ *webrtcpeer.Connection, cfg session.Config) error {
	a.configs <- cfg
	return nil
}

func (a *recordingAgent) next(t *testing.T) session.Config {
	t.Helper()
	select {
	case cfg := <-a.configs:
		return cfg
	case <-time.After(2 * time.Second):
		t.Fatalf("agent start was not scheduled")
		return session.Config{}
	}
}

func newTestServer(t *testing.T, negotiator Negotiator, agent AgentRunner) (*Server, *httptest.Server) {
	t.Helper()

	cfg := config.Config{PublicBaseURL: "http://localhost:7860"}
	srv := NewServer(cfg, nil, session.NewStore(), negotiator, agent, metrics.New("test"))
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, ts
}

func createSession(t *testing.T, ts *httptest.Server, body string) string {
	t.Helper()

	resp, err := http.Post(ts.URL+"/session", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /session: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /session status=%d, want 200", resp.StatusCode)
	}
	var out struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode session response: %v", err)
	}
	return out.Endpoint
}

func postOffer(t *testing.T, ts *httptest.Server, sessionID string) *http.Response {
	t.Helper()

	target := ts.URL + "/offer"
	if sessionID != "" {
		target += "?session_id=" + url.QueryEscape(sessionID)
	}
	resp, err := http.Post(target, "application/json",
		strings.NewReader(`{"sdp":"v=0\r\n","type":"offer"}`))
	if err != nil {
		t.Fatalf("POST /offer: %v", err)
	}
	return resp
}

func TestCreateSession_EndpointEmbedsUUID(t *testing.T) {
	_, ts := newTestServer(t, &stubNegotiator{}, nil)

	endpoint := createSession(t, ts, `{}`)
	u, err := url.Parse(endpoint)
	if err != nil {
		t.Fatalf("parse endpoint %q: %v", endpoint, err)
	}
	if u.Path != "/offer" {
		t.Fatalf("endpoint path=%q, want /offer", u.Path)
	}
	id := u.Query().Get("session_id")
	if len(id) != 36 || strings.Count(id, "-") != 4 {
		t.Fatalf("session_id=%q, want a 36-char uuid", id)
	}
	if !strings.HasPrefix(endpoint, "http://localhost:7860/offer?session_id=") {
		t.Fatalf("endpoint=%q, want built from public base URL", endpoint)
	}
}

func TestCreateSession_MalformedBodyDegradesToDefaults(t *testing.T) {
	agent := newRecordingAgent()
	_, ts := newTestServer(t, &stubNegotiator{}, agent)

	resp, err := http.Post(ts.URL+"/session", "application/json", strings.NewReader(`{not json`))
	if err != nil {
		t.Fatalf("POST /session: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200 for malformed creation body", resp.StatusCode)
	}
}

func TestCreateSession_OperatorPromptOverride(t *testing.T) {
	agent := newRecordingAgent()
	cfg := config.Config{PublicBaseURL: "http://localhost:7860", DefaultSystemPrompt: "operator prompt"}
	srv := NewServer(cfg, nil, session.NewStore(), &stubNegotiator{}, agent, metrics.New("test"))
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	// No prompt in the body: the operator override wins over the built-in.
	endpoint := createSession(t, ts, `{}`)
	u, _ := url.Parse(endpoint)
	resp := postOffer(t, ts, u.Query().Get("session_id"))
	resp.Body.Close()
	if got := agent.next(t); got.SystemPrompt != "operator prompt" {
		t.Fatalf("SystemPrompt=%q, want operator override", got.SystemPrompt)
	}

	// An explicit prompt still takes precedence.
	endpoint = createSession(t, ts, `{"system_prompt":"mine"}`)
	u, _ = url.Parse(endpoint)
	resp = postOffer(t, ts, u.Query().Get("session_id"))
	resp.Body.Close()
	if got := agent.next(t); got.SystemPrompt != "mine" {
		t.Fatalf("SystemPrompt=%q, want client-supplied prompt", got.SystemPrompt)
	}
}

func TestOfferHandoff_UsesStoredConfigExactlyOnce(t *testing.T) {
	agent := newRecordingAgent()
	_, ts := newTestServer(t, &stubNegotiator{}, agent)

	endpoint := createSession(t, ts, `{"systemPrompt":"be a pirate","mode":"s2s"}`)
	u, _ := url.Parse(endpoint)
	sessionID := u.Query().Get("session_id")

	resp := postOffer(t, ts, sessionID)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first offer status=%d, want 200", resp.StatusCode)
	}
	var answer webrtcpeer.Answer
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		t.Fatalf("decode answer: %v", err)
	}
	if answer.Type != "answer" || answer.PCID == "" {
		t.Fatalf("answer=%+v, want negotiator's answer passed through", answer)
	}

	got := agent.next(t)
	if got.SystemPrompt != "be a pirate" || got.Mode != session.ModeS2S {
		t.Fatalf("agent config=%+v, want stored record", got)
	}

	// Redeeming the same id again must fall back to the default record.
	resp2 := postOffer(t, ts, sessionID)
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("second offer status=%d, want 200 (fallback, not error)", resp2.StatusCode)
	}
	if got := agent.next(t); got != session.FallbackConfig() {
		t.Fatalf("second agent config=%+v, want fallback record", got)
	}
}

func TestOfferHandoff_EmptyCreationYieldsDefaultRecord(t *testing.T) {
	agent := newRecordingAgent()
	_, ts := newTestServer(t, &stubNegotiator{}, agent)

	endpoint := createSession(t, ts, `{}`)
	u, _ := url.Parse(endpoint)

	resp := postOffer(t, ts, u.Query().Get("session_id"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("offer status=%d, want 200", resp.StatusCode)
	}
	if got := agent.next(t); got != session.DefaultConfig() {
		t.Fatalf("agent config=%+v, want all-default record", got)
	}
}

func TestOffer_UnknownSessionIDStillAnswers(t *testing.T) {
	agent := newRecordingAgent()
	_, ts := newTestServer(t, &stubNegotiator{}, agent)

	resp := postOffer(t, ts, "11111111-2222-3333-4444-555555555555")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200 for unknown session id", resp.StatusCode)
	}
	if got := agent.next(t); got != session.FallbackConfig() {
		t.Fatalf("agent config=%+v, want fallback record", got)
	}
}

func TestOffer_NoSessionIDUsesFallback(t *testing.T) {
	agent := newRecordingAgent()
	_, ts := newTestServer(t, &stubNegotiator{}, agent)

	resp := postOffer(t, ts, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200 without session id", resp.StatusCode)
	}
	if got := agent.next(t); got != session.FallbackConfig() {
		t.Fatalf("agent config=%+v, want fallback record", got)
	}
}

// blockingAgent holds its conversation open until cancelled, the way a real
// pipeline does.
type blockingAgent struct {
	started  chan struct{}
	released chan struct{}
}

func (a *blockingAgent) Run(ctx context.Context, _ *webrtcpeer.Connection, _ session.Config) error {
	close(a.started)
	<-ctx.Done()
	close(a.released)
	return nil
}

func TestShutdown_CancelsRunningAgents(t *testing.T) {
	agent := &blockingAgent{started: make(chan struct{}), released: make(chan struct{})}
	cfg := config.Config{PublicBaseURL: "http://localhost:7860"}
	srv := NewServer(cfg, nil, session.NewStore(), &stubNegotiator{}, agent, metrics.New("test"))
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	resp := postOffer(t, ts, "")
	resp.Body.Close()

	select {
	case <-agent.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("agent never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Shutdown took %v, cancellation must release live agents", elapsed)
	}
	select {
	case <-agent.released:
	default:
		t.Fatalf("agent context was not cancelled during shutdown")
	}
}

func redemptionCount(t *testing.T, m *metrics.Metrics, outcome string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "test_session_redemptions_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "outcome" && label.GetValue() == outcome {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestRedemptionMetric_OnlyCountsOffersCarryingAnID(t *testing.T) {
	agent := newRecordingAgent()
	m := metrics.New("test")
	cfg := config.Config{PublicBaseURL: "http://localhost:7860"}
	srv := NewServer(cfg, nil, session.NewStore(), &stubNegotiator{}, agent, m)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	// No session_id at all: not a redemption, the series stays untouched.
	resp := postOffer(t, ts, "")
	resp.Body.Close()
	agent.next(t)
	if got := redemptionCount(t, m, "default"); got != 0 {
		t.Fatalf("default redemptions=%v after id-less offer, want 0", got)
	}

	// An id that misses the store is a real missed redemption.
	resp = postOffer(t, ts, "11111111-2222-3333-4444-555555555555")
	resp.Body.Close()
	agent.next(t)
	if got := redemptionCount(t, m, "default"); got != 1 {
		t.Fatalf("default redemptions=%v after unknown id, want 1", got)
	}
}

func TestOffer_MalformedBody(t *testing.T) {
	_, ts := newTestServer(t, &stubNegotiator{}, nil)

	resp, err := http.Post(ts.URL+"/offer", "application/json", strings.NewReader(`{"type":"offer"}`))
	if err != nil {
		t.Fatalf("POST /offer: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500 for body missing sdp", resp.StatusCode)
	}
	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Message == "" {
		t.Fatalf("error response should describe the parse failure")
	}
}

func TestOffer_NegotiatorFailurePropagates(t *testing.T) {
	neg := &stubNegotiator{offerErr: errors.New("dtls exploded")}
	_, ts := newTestServer(t, neg, nil)

	resp := postOffer(t, ts, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500 on negotiator failure", resp.StatusCode)
	}
}

func TestPatch_MissingPCIDIsClientError(t *testing.T) {
	neg := &stubNegotiator{}
	_, ts := newTestServer(t, neg, nil)

	req, _ := http.NewRequest(http.MethodPatch, ts.URL+"/offer",
		strings.NewReader(`{"candidates":[{"candidate":"candidate:1"}]}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PATCH /offer: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400 for missing pc_id", resp.StatusCode)
	}
	if len(neg.patches) != 0 {
		t.Fatalf("negotiator must not be invoked without pc_id")
	}
}

func TestPatch_NormalizesBothNamingConventions(t *testing.T) {
	neg := &stubNegotiator{}
	_, ts := newTestServer(t, neg, nil)

	payload := `{
		"pc_id": "pc-7",
		"candidates": [
			{"candidate":"candidate:1","sdp_mid":"0","sdp_mline_index":0},
			{"candidate":"candidate:2","sdpMid":"1","sdpMLineIndex":1},
			{"candidate":"candidate:3"}
		]
	}`
	req, _ := http.NewRequest(http.MethodPatch, ts.URL+"/offer", bytes.NewReader([]byte(payload)))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PATCH /offer: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	var ack map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack["status"] != "success" {
		t.Fatalf("ack=%v, want status success", ack)
	}

	if neg.patchPCID != "pc-7" {
		t.Fatalf("patchPCID=%q, want pc-7", neg.patchPCID)
	}
	if len(neg.patches) != 1 || len(neg.patches[0]) != 3 {
		t.Fatalf("patches=%+v, want one patch with 3 candidates", neg.patches)
	}
	cands := neg.patches[0]
	if *cands[0].SDPMid != "0" || *cands[0].SDPMLineIndex != 0 {
		t.Fatalf("flat candidate normalized wrong: %+v", cands[0])
	}
	if *cands[1].SDPMid != "1" || *cands[1].SDPMLineIndex != 1 {
		t.Fatalf("camel candidate normalized wrong: %+v", cands[1])
	}
	if *cands[2].SDPMLineIndex != 0 {
		t.Fatalf("missing mline index should default to 0, got %d", *cands[2].SDPMLineIndex)
	}
}

func TestPatch_NegotiatorFailurePropagates(t *testing.T) {
	neg := &stubNegotiator{patchErr: webrtcpeer.ErrUnknownPeerConnection}
	_, ts := newTestServer(t, neg, nil)

	req, _ := http.NewRequest(http.MethodPatch, ts.URL+"/offer",
		strings.NewReader(`{"pc_id":"gone","candidates":[]}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PATCH /offer: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500 for unmatched pc_id", resp.StatusCode)
	}
}
