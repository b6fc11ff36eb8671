package agent

import "context"

// STTEvent is one message from a speech-to-text stream. Err is set on
// provider-reported failures; the stream ends when the channel closes.
type STTEvent struct {
	Text  string
	Final bool
	Err   error
}

// STTSession is a live speech-to-text stream.
type STTSession interface {
	SendAudio(ctx context.Context, chunk []byte) error
	Events() <-chan STTEvent
	Close() error
}

// Turn is one prior exchange in the conversation history.
type Turn struct {
	Role    string
	Content string
}

// LLM produces the assistant reply for a user utterance.
type LLM interface {
	Complete(ctx context.Context, system string, history []Turn, user string) (string, error)
}

// TTSEvent is one message from a text-to-speech stream. AudioBase64 carries
// a synthesized chunk; Final marks the end of one utterance.
type TTSEvent struct {
	AudioBase64 string
	Final       bool
	Err         error
}

// TTSSession is a live text-to-speech stream.
type TTSSession interface {
	Speak(ctx context.Context, text string) error
	Events() <-chan TTSEvent
	Close() error
}

// S2SEvent is one message from a speech-to-speech stream: synthesized audio,
// a transcript of either side, or a provider error.
type S2SEvent struct {
	AudioBase64 string
	Transcript  string
	Role        string
	Err         error
}

// S2SSession is a live speech-to-speech stream.
type S2SSession interface {
	AppendAudio(ctx context.Context, chunk []byte) error
	Events() <-chan S2SEvent
	Close() error
}
