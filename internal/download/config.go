package download

import "time"

// Config bounds the coordinator's resource usage. The zero value of any
// field falls back to its default.
type Config struct {
	// PeerID is our 20-byte identifier sent in every handshake.
	PeerID [20]byte

	// MaxPeers bounds concurrently open sessions.
	MaxPeers int

	// PipelineDepth bounds outstanding block requests per peer.
	PipelineDepth int

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration

	// RequestTimeout is how long a block request may stay unanswered
	// before it is handed to another peer.
	RequestTimeout time.Duration

	// KeepAliveInterval is how often an idle connection is pinged.
	KeepAliveInterval time.Duration

	// IdleTimeout retires a session with no inbound traffic at all.
	IdleTimeout time.Duration

	// PollInterval is how often the peer source is re-polled.
	PollInterval time.Duration

	// DialAttempts is how many times one address is tried before it is
	// written off.
	DialAttempts int
}

func (c Config) withDefaults() Config {
	if c.MaxPeers == 0 {
		c.MaxPeers = 30
	}
	if c.PipelineDepth == 0 {
		c.PipelineDepth = 5
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 3 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 20 * time.Second
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 90 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 3 * time.Minute
	}
	if c.PollInterval == 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.DialAttempts == 0 {
		c.DialAttempts = 3
	}
	return c
}
