package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	envICEServersJSON = "VOICEGATE_ICE_SERVERS_JSON"

	envStunURLs       = "VOICEGATE_STUN_URLS"
	envTurnURLs       = "VOICEGATE_TURN_URLS"
	envTurnUsername   = "VOICEGATE_TURN_USERNAME"
	envTurnCredential = "VOICEGATE_TURN_CREDENTIAL"
)

// defaultStunURL matches the browser sandbox's client-side ICE config.
const defaultStunURL = "stun:stun.l.google.com:19302"

// ICEServer is a STUN/TURN server entry for server-side peer connections.
// Kept as a plain struct so config stays decoupled from the WebRTC library;
// webrtcpeer converts it at API construction time.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

func parseICEServers(lookup func(string) (string, bool)) ([]ICEServer, error) {
	if raw, ok := lookup(envICEServersJSON); ok && strings.TrimSpace(raw) != "" {
		servers, err := parseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}

	stunURLs := splitURLList(envOrDefault(lookup, envStunURLs, defaultStunURL))
	turnURLs := splitURLList(envOrDefault(lookup, envTurnURLs, ""))
	turnUsername := strings.TrimSpace(envOrDefault(lookup, envTurnUsername, ""))
	turnCredential := strings.TrimSpace(envOrDefault(lookup, envTurnCredential, ""))

	var servers []ICEServer
	if len(stunURLs) > 0 {
		for _, u := range stunURLs {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
				return nil, fmt.Errorf("%s entry %q must use stun: or stuns:", envStunURLs, u)
			}
		}
		servers = append(servers, ICEServer{URLs: stunURLs})
	}
	if len(turnURLs) > 0 {
		for _, u := range turnURLs {
			if !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
				return nil, fmt.Errorf("%s entry %q must use turn: or turns:", envTurnURLs, u)
			}
		}
		if turnUsername == "" || turnCredential == "" {
			return nil, fmt.Errorf("%s and %s are required when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		servers = append(servers, ICEServer{
			URLs:       turnURLs,
			Username:   turnUsername,
			Credential: turnCredential,
		})
	}
	return servers, nil
}

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

func parseICEServersJSON(raw string) ([]ICEServer, error) {
	var entries []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	out := make([]ICEServer, 0, len(entries))
	for i, entry := range entries {
		urls := make([]string, 0, len(entry.URLs))
		for _, u := range entry.URLs {
			u = strings.TrimSpace(u)
			if u == "" {
				continue
			}
			switch {
			case strings.HasPrefix(u, "stun:"), strings.HasPrefix(u, "stuns:"),
				strings.HasPrefix(u, "turn:"), strings.HasPrefix(u, "turns:"):
			default:
				return nil, fmt.Errorf("entry %d: url %q must use a stun/turn scheme", i, u)
			}
			urls = append(urls, u)
		}
		if len(urls) == 0 {
			return nil, fmt.Errorf("entry %d: no urls", i)
		}
		out = append(out, ICEServer{
			URLs:       urls,
			Username:   strings.TrimSpace(entry.Username),
			Credential: strings.TrimSpace(entry.Credential),
		})
	}
	return out, nil
}

func splitURLList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		u := strings.TrimSpace(part)
		if u != "" {
			out = append(out, u)
		}
	}
	return out
}
