package logic

import "time"

// Config tunes a swarm participant. Zero fields take the defaults below.
type Config struct {
	// ListenAddr is where peers connect to us; its port is announced to the tracker.
	ListenAddr string
	// MaxPeers bounds connections, pending dials and accepted ones included.
	MaxPeers int
	// PipelineDepth is the number of outstanding requests per peer.
	PipelineDepth int
	// RequestTimeout re-queues a request the peer did not answer in time.
	RequestTimeout time.Duration
	// IdleTimeout closes a connection that sent nothing, keepalives included.
	IdleTimeout time.Duration
	// StallTimeout fails a download that verified no piece for that long.
	StallTimeout time.Duration
	// RetryInterval paces re-announces while no peer is connected and redials of failed peers.
	RetryInterval time.Duration
	// MaxPeerTimeouts evicts a peer after that many consecutive request timeouts.
	MaxPeerTimeouts int
	// UploadRate caps served piece bytes per second, zero is unlimited.
	UploadRate int
}

const (
	DefaultMaxPeers        = 30
	DefaultPipelineDepth   = 5
	DefaultRequestTimeout  = 20 * time.Second
	DefaultIdleTimeout     = 30 * time.Second
	DefaultStallTimeout    = 2 * time.Minute
	DefaultRetryInterval   = 5 * time.Second
	DefaultMaxPeerTimeouts = 3
)

func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = ":0"
	}
	if c.MaxPeers <= 0 {
		c.MaxPeers = DefaultMaxPeers
	}
	if c.PipelineDepth <= 0 {
		c.PipelineDepth = DefaultPipelineDepth
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = DefaultStallTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.MaxPeerTimeouts <= 0 {
		c.MaxPeerTimeouts = DefaultMaxPeerTimeouts
	}
	return c
}

// tickInterval is how often timeouts are checked and the peer set reconciled.
func (c Config) tickInterval() time.Duration {
	return min(time.Second, c.RequestTimeout/4)
}
