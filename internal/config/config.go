package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envListenAddr          = "VOICEGATE_LISTEN_ADDR"
	envPublicBaseURL       = "VOICEGATE_PUBLIC_BASE_URL"
	envAllowedOrigins      = "ALLOWED_ORIGINS"
	envLogFormat           = "VOICEGATE_LOG_FORMAT"
	envLogLevel            = "VOICEGATE_LOG_LEVEL"
	envMode                = "VOICEGATE_MODE"
	envShutdownTimeout     = "VOICEGATE_SHUTDOWN_TIMEOUT"
	envICEGatheringTimeout = "VOICEGATE_ICE_GATHERING_TIMEOUT"
	envAgentStartTimeout   = "VOICEGATE_AGENT_START_TIMEOUT"

	envWebRTCUDPPortMin = "WEBRTC_UDP_PORT_MIN"
	envWebRTCUDPPortMax = "WEBRTC_UDP_PORT_MAX"
	envWebRTCNAT1To1IPs = "WEBRTC_NAT_1TO1_IPS"
	envWebRTCListenIP   = "WEBRTC_UDP_LISTEN_IP"

	envSystemPrompt = "VOICEGATE_SYSTEM_PROMPT"

	envDeepgramAPIKey = "DEEPGRAM_API_KEY"
	envOpenAIAPIKey   = "OPENAI_API_KEY"
	envCartesiaAPIKey = "CARTESIA_API_KEY"
)

const (
	// DefaultListenAddr matches the port the browser sandbox expects.
	DefaultListenAddr          = "127.0.0.1:7860"
	DefaultPublicBaseURL       = "http://localhost:7860"
	DefaultShutdownTimeout     = 15 * time.Second
	DefaultICEGatheringTimeout = 2 * time.Second
	// DefaultAgentStartTimeout bounds how long a queued agent start may take
	// to acquire its provider connections before giving up.
	DefaultAgentStartTimeout = 30 * time.Second

	DefaultMode Mode = ModeDev
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Config contains all runtime settings for the signaling gateway.
type Config struct {
	ListenAddr string

	// PublicBaseURL is the externally reachable base used to build the
	// /offer endpoint URLs handed back from session creation.
	PublicBaseURL string

	// AllowedOrigins is the CORS allow-list. A single "*" entry allows any
	// origin, which is the sandbox default.
	AllowedOrigins []string

	LogFormat LogFormat
	LogLevel  slog.Level
	Mode      Mode

	ShutdownTimeout time.Duration

	// ICEGatheringTimeout bounds how long an offer waits for server-side
	// candidate gathering before answering with whatever has been gathered.
	ICEGatheringTimeout time.Duration

	AgentStartTimeout time.Duration

	// ICEServers configures STUN/TURN for server-side peer connections.
	ICEServers []ICEServer

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion
	// uses OS ephemeral port selection.
	WebRTCUDPPortRange *UDPPortRange

	// WebRTCNAT1To1IPs configures pion to advertise these public IPs when the
	// gateway is behind NAT. Values must be literal IPs.
	WebRTCNAT1To1IPs []string

	// WebRTCUDPListenIP restricts which local address ICE binds UDP sockets
	// to. 0.0.0.0 means "use library default".
	WebRTCUDPListenIP net.IP

	// DefaultSystemPrompt, when set, replaces the built-in default system
	// prompt for sessions created without one.
	DefaultSystemPrompt string

	// Provider credentials for the agent pipelines. Empty keys disable the
	// corresponding provider; the agent reports the failure at start time.
	DeepgramAPIKey string
	OpenAIAPIKey   string
	CartesiaAPIKey string
}

type UDPPortRange struct {
	Min uint16
	Max uint16
}

// Load reads configuration from the process environment and command line.
func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	fs := flag.NewFlagSet("voicegate", flag.ContinueOnError)
	listenAddr := fs.String("listen-addr", "", "listen address (overrides "+envListenAddr+")")
	publicBaseURL := fs.String("public-base-url", "", "public base URL (overrides "+envPublicBaseURL+")")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:    envOrDefault(lookup, envListenAddr, DefaultListenAddr),
		PublicBaseURL: envOrDefault(lookup, envPublicBaseURL, DefaultPublicBaseURL),
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *publicBaseURL != "" {
		cfg.PublicBaseURL = *publicBaseURL
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	if _, err := url.Parse(cfg.PublicBaseURL); err != nil {
		return Config{}, fmt.Errorf("invalid %s %q: %w", envPublicBaseURL, cfg.PublicBaseURL, err)
	}

	switch mode := strings.ToLower(envOrDefault(lookup, envMode, string(DefaultMode))); mode {
	case string(ModeDev):
		cfg.Mode = ModeDev
	case string(ModeProd), "production":
		cfg.Mode = ModeProd
	default:
		return Config{}, fmt.Errorf("invalid %s %q (want dev or prod)", envMode, mode)
	}

	defaultFormat := LogFormatText
	if cfg.Mode == ModeProd {
		defaultFormat = LogFormatJSON
	}
	switch format := strings.ToLower(envOrDefault(lookup, envLogFormat, string(defaultFormat))); format {
	case string(LogFormatText):
		cfg.LogFormat = LogFormatText
	case string(LogFormatJSON):
		cfg.LogFormat = LogFormatJSON
	default:
		return Config{}, fmt.Errorf("invalid %s %q (want text or json)", envLogFormat, format)
	}

	level, err := parseLogLevel(envOrDefault(lookup, envLogLevel, "info"))
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	cfg.AllowedOrigins = parseAllowedOrigins(envOrDefault(lookup, envAllowedOrigins, "*"))

	cfg.ShutdownTimeout, err = envDurationOrDefault(lookup, envShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ICEGatheringTimeout, err = envDurationOrDefault(lookup, envICEGatheringTimeout, DefaultICEGatheringTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AgentStartTimeout, err = envDurationOrDefault(lookup, envAgentStartTimeout, DefaultAgentStartTimeout)
	if err != nil {
		return Config{}, err
	}

	cfg.ICEServers, err = parseICEServers(lookup)
	if err != nil {
		return Config{}, err
	}

	cfg.WebRTCUDPPortRange, err = parseUDPPortRange(lookup)
	if err != nil {
		return Config{}, err
	}

	if raw, ok := lookup(envWebRTCNAT1To1IPs); ok && strings.TrimSpace(raw) != "" {
		for _, part := range strings.Split(raw, ",") {
			ip := strings.TrimSpace(part)
			if ip == "" {
				continue
			}
			if net.ParseIP(ip) == nil {
				return Config{}, fmt.Errorf("invalid %s entry %q", envWebRTCNAT1To1IPs, ip)
			}
			cfg.WebRTCNAT1To1IPs = append(cfg.WebRTCNAT1To1IPs, ip)
		}
	}

	listenIPRaw := envOrDefault(lookup, envWebRTCListenIP, "0.0.0.0")
	cfg.WebRTCUDPListenIP = net.ParseIP(strings.TrimSpace(listenIPRaw))
	if cfg.WebRTCUDPListenIP == nil {
		return Config{}, fmt.Errorf("invalid %s %q", envWebRTCListenIP, listenIPRaw)
	}

	cfg.DefaultSystemPrompt = strings.TrimSpace(envOrDefault(lookup, envSystemPrompt, ""))

	cfg.DeepgramAPIKey = strings.TrimSpace(envOrDefault(lookup, envDeepgramAPIKey, ""))
	cfg.OpenAIAPIKey = strings.TrimSpace(envOrDefault(lookup, envOpenAIAPIKey, ""))
	cfg.CartesiaAPIKey = strings.TrimSpace(envOrDefault(lookup, envCartesiaAPIKey, ""))

	return cfg, nil
}

// IsUnspecifiedIP reports whether ip means "bind everywhere".
func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.IsUnspecified()
}

// AllowsAnyOrigin reports whether the allow-list contains the wildcard.
func (c Config) AllowsAnyOrigin() bool {
	for _, o := range c.AllowedOrigins {
		if o == "*" {
			return true
		}
	}
	return false
}

func parseAllowedOrigins(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		if origin != "*" && origin != "null" {
			origin = strings.TrimRight(strings.ToLower(origin), "/")
		}
		out = append(out, origin)
	}
	return out
}

func parseUDPPortRange(lookup func(string) (string, bool)) (*UDPPortRange, error) {
	minRaw, minOK := lookup(envWebRTCUDPPortMin)
	maxRaw, maxOK := lookup(envWebRTCUDPPortMax)
	minRaw = strings.TrimSpace(minRaw)
	maxRaw = strings.TrimSpace(maxRaw)
	if (!minOK || minRaw == "") && (!maxOK || maxRaw == "") {
		return nil, nil
	}
	if minRaw == "" || maxRaw == "" {
		return nil, fmt.Errorf("%s and %s must be set together", envWebRTCUDPPortMin, envWebRTCUDPPortMax)
	}
	minPort, err := parsePort(envWebRTCUDPPortMin, minRaw)
	if err != nil {
		return nil, err
	}
	maxPort, err := parsePort(envWebRTCUDPPortMax, maxRaw)
	if err != nil {
		return nil, err
	}
	if maxPort < minPort {
		return nil, fmt.Errorf("%s (%d) must be >= %s (%d)", envWebRTCUDPPortMax, maxPort, envWebRTCUDPPortMin, minPort)
	}
	return &UDPPortRange{Min: minPort, Max: maxPort}, nil
}

func parsePort(key, raw string) (uint16, error) {
	n, err := strconv.ParseUint(raw, 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return uint16(n), nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid %s %q", envLogLevel, raw)
	}
}

// NewLogger builds the process logger from the loaded configuration.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, raw)
	}
	return d, nil
}
