package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"

	"github.com/playtalk-labs/voicegate/internal/session"
	"github.com/playtalk-labs/voicegate/internal/webrtcpeer"
)

// offerRequest is the SmallWebRTC transport offer body. pc_id and restart_pc
// are only present on renegotiation.
type offerRequest struct {
	SDP       string `json:"sdp"`
	Type      string `json:"type"`
	PCID      string `json:"pc_id,omitempty"`
	RestartPC bool   `json:"restart_pc,omitempty"`
}

func parseOfferRequest(body []byte) (webrtcpeer.OfferRequest, error) {
	var req offerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return webrtcpeer.OfferRequest{}, fmt.Errorf("invalid offer body: %w", err)
	}
	if req.SDP == "" {
		return webrtcpeer.OfferRequest{}, fmt.Errorf("offer body missing sdp")
	}
	if req.Type != "offer" {
		return webrtcpeer.OfferRequest{}, fmt.Errorf("offer body has type %q, want \"offer\"", req.Type)
	}
	return webrtcpeer.OfferRequest{
		SDP:       req.SDP,
		Type:      req.Type,
		PCID:      req.PCID,
		RestartPC: req.RestartPC,
	}, nil
}

// patchRequest is the ICE candidate update body. Candidates stay untyped
// until normalization because clients serialize them under two naming
// conventions.
type patchRequest struct {
	PCID       string           `json:"pc_id"`
	Candidates []map[string]any `json:"candidates"`
}

func parsePatchRequest(body []byte) (patchRequest, error) {
	var req patchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return patchRequest{}, fmt.Errorf("invalid patch body: %w", err)
	}
	return req, nil
}

// normalizeCandidates converts raw candidate objects into the negotiator's
// form, accepting flat and camelCase field spellings per field. A missing
// mline index defaults to 0.
func normalizeCandidates(raw []map[string]any) []webrtc.ICECandidateInit {
	out := make([]webrtc.ICECandidateInit, 0, len(raw))
	for _, c := range raw {
		candidate, _ := session.StringField(c, "candidate", "candidate")
		mid, _ := session.StringField(c, "sdp_mid", "sdpMid")
		idx, _ := session.IntField(c, "sdp_mline_index", "sdpMLineIndex")

		mlineIndex := uint16(idx)
		out = append(out, webrtc.ICECandidateInit{
			Candidate:     candidate,
			SDPMid:        &mid,
			SDPMLineIndex: &mlineIndex,
		})
	}
	return out
}

func decodeBodyMap(r io.Reader) (map[string]any, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}, nil
	}
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, err
	}
	if body == nil {
		body = map[string]any{}
	}
	return body, nil
}
