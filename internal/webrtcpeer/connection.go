package webrtcpeer

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// Connection wraps one server-side PeerConnection, identified by the pc_id
// handed back to the client in the answer.
type Connection struct {
	id string
	pc *webrtc.PeerConnection

	onClose func()
	closed  chan struct{}

	connectedOnce sync.Once
	closeOnce     sync.Once
}

func (c *Connection) ID() string { return c.id }

// Done is closed when the connection is torn down, from either side.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// PeerConnection exposes the underlying pion object for the agent's media
// plumbing.
func (c *Connection) PeerConnection() *webrtc.PeerConnection { return c.pc }

// AddCandidates applies trickled remote candidates in order. The first
// failure aborts; candidates after a malformed one are not applied.
func (c *Connection) AddCandidates(candidates []webrtc.ICECandidateInit) error {
	for _, cand := range candidates {
		if err := c.pc.AddICECandidate(cand); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.pc.Close()
		if c.closed != nil {
			close(c.closed)
		}
		if c.onClose != nil {
			c.onClose()
		}
	})
	return err
}
