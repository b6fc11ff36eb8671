package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pion/rtp"

	"github.com/playtalk-labs/voicegate/internal/config"
	"github.com/playtalk-labs/voicegate/internal/session"
	"github.com/playtalk-labs/voicegate/internal/webrtcpeer"
)

var (
	// ErrUnknownProvider is returned when a session config names a provider
	// this build has no client for. Configuration resolution deliberately
	// passes provider names through unvalidated; this is where they are
	// finally checked.
	ErrUnknownProvider = errors.New("agent: unknown provider")

	// ErrMissingCredentials is returned when the named provider is known but
	// its API key was not configured.
	ErrMissingCredentials = errors.New("agent: provider credentials not configured")
)

const historyLimit = 40

// Runner starts the conversational agent for a connected peer. One Run call
// per peer connection; it blocks until the connection dies or ctx is
// cancelled.
type Runner struct {
	cfg config.Config
	log *slog.Logger

	// provider endpoints, overridable in tests
	deepgramURL   string
	cartesiaURL   string
	openAIBaseURL string
	realtimeURL   string
}

func NewRunner(cfg config.Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:           cfg,
		log:           logger,
		deepgramURL:   defaultDeepgramURL,
		cartesiaURL:   defaultCartesiaURL,
		openAIBaseURL: defaultOpenAIBaseURL,
		realtimeURL:   defaultRealtimeURL,
	}
}

func (r *Runner) Run(ctx context.Context, conn *webrtcpeer.Connection, sess session.Config) error {
	log := r.log.With("pc_id", conn.ID(), "mode", sess.Mode)
	switch sess.Mode {
	case session.ModeThreeTier:
		return r.runThreeTier(ctx, conn, sess, log)
	case session.ModeS2S:
		return r.runS2S(ctx, conn, sess, log)
	default:
		return fmt.Errorf("%w: mode %q", ErrUnknownProvider, sess.Mode)
	}
}

// runThreeTier wires STT transcripts into the LLM and speaks replies through
// TTS. Transcripts and synthesized audio go to the client over the data
// channel.
func (r *Runner) runThreeTier(ctx context.Context, conn *webrtcpeer.Connection, sess session.Config, log *slog.Logger) error {
	dialCtx, cancel := r.dialContext(ctx)
	defer cancel()

	stt, err := r.sttSession(dialCtx, sess)
	if err != nil {
		return err
	}
	defer stt.Close()

	llm, err := r.llmClient(sess)
	if err != nil {
		return err
	}

	tts, err := r.ttsSession(dialCtx, sess)
	if err != nil {
		return err
	}
	defer tts.Close()

	pc := conn.PeerConnection()
	out := newChannelWriter(pc, log)
	forwardInboundAudio(pc, func(pkt *rtp.Packet) error {
		return stt.SendAudio(ctx, pkt.Payload)
	}, log)

	log.Info("agent pipeline started",
		"stt", sess.STTProvider, "llm", sess.LLMProvider, "tts", sess.TTSProvider)

	system := instructions(sess)
	var history []Turn
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-conn.Done():
			return nil
		case ev, ok := <-stt.Events():
			if !ok {
				return nil
			}
			if ev.Err != nil {
				return ev.Err
			}
			if !ev.Final {
				continue
			}
			out.Send(outboundMessage{Type: "transcript", Role: "user", Text: ev.Text})

			reply, err := llm.Complete(ctx, system, history, ev.Text)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			history = appendTurns(history, ev.Text, reply)
			out.Send(outboundMessage{Type: "transcript", Role: "assistant", Text: reply})
			if err := tts.Speak(ctx, reply); err != nil {
				return err
			}
		case ev, ok := <-tts.Events():
			if !ok {
				return nil
			}
			if ev.Err != nil {
				return ev.Err
			}
			if ev.AudioBase64 != "" {
				out.Send(outboundMessage{Type: "audio", Data: ev.AudioBase64})
			}
		}
	}
}

// runS2S bridges the peer's audio into the speech-to-speech provider and its
// output back over the data channel.
func (r *Runner) runS2S(ctx context.Context, conn *webrtcpeer.Connection, sess session.Config, log *slog.Logger) error {
	dialCtx, cancel := r.dialContext(ctx)
	defer cancel()

	s2s, err := r.s2sSession(dialCtx, sess)
	if err != nil {
		return err
	}
	defer s2s.Close()

	pc := conn.PeerConnection()
	out := newChannelWriter(pc, log)
	forwardInboundAudio(pc, func(pkt *rtp.Packet) error {
		return s2s.AppendAudio(ctx, pkt.Payload)
	}, log)

	log.Info("agent pipeline started", "s2s", sess.S2SProvider)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-conn.Done():
			return nil
		case ev, ok := <-s2s.Events():
			if !ok {
				return nil
			}
			if ev.Err != nil {
				return ev.Err
			}
			if ev.AudioBase64 != "" {
				out.Send(outboundMessage{Type: "audio", Data: ev.AudioBase64})
			}
			if ev.Transcript != "" {
				out.Send(outboundMessage{Type: "transcript", Role: ev.Role, Text: ev.Transcript})
			}
		}
	}
}

func (r *Runner) sttSession(ctx context.Context, sess session.Config) (STTSession, error) {
	switch sess.STTProvider {
	case session.STTProviderDeepgram:
		if r.cfg.DeepgramAPIKey == "" {
			return nil, fmt.Errorf("%w: deepgram", ErrMissingCredentials)
		}
		return dialDeepgram(ctx, r.deepgramURL, r.cfg.DeepgramAPIKey)
	default:
		return nil, fmt.Errorf("%w: stt provider %q", ErrUnknownProvider, sess.STTProvider)
	}
}

func (r *Runner) llmClient(sess session.Config) (LLM, error) {
	switch sess.LLMProvider {
	case session.LLMProviderOpenAI:
		if r.cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("%w: openai", ErrMissingCredentials)
		}
		return newOpenAIChat(r.openAIBaseURL, r.cfg.OpenAIAPIKey), nil
	default:
		return nil, fmt.Errorf("%w: llm provider %q", ErrUnknownProvider, sess.LLMProvider)
	}
}

func (r *Runner) ttsSession(ctx context.Context, sess session.Config) (TTSSession, error) {
	switch sess.TTSProvider {
	case session.TTSProviderCartesia:
		if r.cfg.CartesiaAPIKey == "" {
			return nil, fmt.Errorf("%w: cartesia", ErrMissingCredentials)
		}
		return dialCartesia(ctx, r.cartesiaURL, r.cfg.CartesiaAPIKey)
	default:
		return nil, fmt.Errorf("%w: tts provider %q", ErrUnknownProvider, sess.TTSProvider)
	}
}

func (r *Runner) s2sSession(ctx context.Context, sess session.Config) (S2SSession, error) {
	switch sess.S2SProvider {
	case session.S2SProviderOpenAIRT:
		if r.cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("%w: openai_realtime", ErrMissingCredentials)
		}
		return dialOpenAIRealtime(ctx, r.realtimeURL, r.cfg.OpenAIAPIKey, instructions(sess))
	default:
		return nil, fmt.Errorf("%w: s2s provider %q", ErrUnknownProvider, sess.S2SProvider)
	}
}

// dialContext bounds how long acquiring the provider connections may take.
// The session itself runs under the parent ctx.
func (r *Runner) dialContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := r.cfg.AgentStartTimeout
	if timeout <= 0 {
		timeout = config.DefaultAgentStartTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// instructions joins the system and activity prompts into the single
// instruction string providers take.
func instructions(sess session.Config) string {
	if sess.ActivityPrompt == "" {
		return sess.SystemPrompt
	}
	if sess.SystemPrompt == "" {
		return sess.ActivityPrompt
	}
	return sess.SystemPrompt + "\n\n" + sess.ActivityPrompt
}

func appendTurns(history []Turn, user, assistant string) []Turn {
	history = append(history,
		Turn{Role: "user", Content: user},
		Turn{Role: "assistant", Content: assistant},
	)
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	return history
}
