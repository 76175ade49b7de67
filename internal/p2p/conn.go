package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WendelHime/swarmbench/internal/shared/models"
	"github.com/boljen/go-bitmap"
	"golang.org/x/time/rate"
)

var (
	// ErrPeerTimeout closes a connection that sent nothing, not even a keepalive, for the
	// idle timeout.
	ErrPeerTimeout = errors.New("peer timed out")
	ErrConnClosed  = errors.New("connection closed")
	// ErrSlowPeer closes a connection whose peer stopped reading our control messages.
	ErrSlowPeer = errors.New("peer is not reading")
)

const (
	DefaultIdleTimeout      = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second

	outgoingQueue = 64
	servingQueue  = 256
	// MaxControlBacklog bounds the control messages waiting for the writer.
	MaxControlBacklog = 1024
)

// PieceSource is what a connection serves incoming requests from.
type PieceSource interface {
	Has(index int) bool
	ReadPiece(index int) ([]byte, error)
}

type Options struct {
	IdleTimeout      time.Duration
	HandshakeTimeout time.Duration
	MaxFrameSize     int
	// NumPieces validates bitfields and have messages. Zero while the descriptor is unknown.
	NumPieces int
	Source    PieceSource
	// InfoBytes answers metadata requests.
	InfoBytes []byte
	// Limiter throttles uploads, it may be shared between connections.
	Limiter *rate.Limiter
	Logger  *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = DefaultMaxFrameSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type EventKind int

const (
	EventBitfield EventKind = iota
	EventHave
	EventPiece
	EventMetadata
	// EventClosed is the last event of a connection.
	EventClosed
)

type Event struct {
	Conn   *Conn
	Kind   EventKind
	Index  int
	Data   []byte
	Pieces bitmap.Bitmap
	Err    error
}

// Conn is an established, handshaken connection with one peer. After Start it runs a reader,
// a writer and a server goroutine and reports what the peer sends over the events channel.
type Conn struct {
	conn     *countingConn
	addr     models.Addr
	peerID   models.Hash
	outbound bool
	opts     Options
	log      *slog.Logger

	// out carries piece and metadata payloads, written by the connection's own goroutines.
	out   chan models.PeerMessage
	serve chan int

	// control holds the small messages sent by the coordinator. Queuing them never blocks.
	controlMu sync.Mutex
	control   []models.PeerMessage
	wake      chan struct{}

	mu        sync.Mutex
	cancelled map[int]struct{}

	uploaded  atomic.Int64
	lastWrite atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// Dial connects to addr and performs the handshake for swarmID.
func Dial(ctx context.Context, addr models.Addr, swarmID, peerID models.Hash, opts Options) (*Conn, error) {
	opts = opts.withDefaults()
	d := net.Dialer{Timeout: opts.HandshakeTimeout}
	netConn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}
	return handshake(netConn, addr, swarmID, peerID, true, opts)
}

// Accept performs the handshake on an inbound connection.
func Accept(netConn net.Conn, swarmID, peerID models.Hash, opts Options) (*Conn, error) {
	opts = opts.withDefaults()
	addr := models.Addr{}
	if tcp, ok := netConn.RemoteAddr().(*net.TCPAddr); ok {
		addr = models.Addr{IP: tcp.IP, Port: uint16(tcp.Port)}
	}
	return handshake(netConn, addr, swarmID, peerID, false, opts)
}

func handshake(netConn net.Conn, addr models.Addr, swarmID, peerID models.Hash, outbound bool, opts Options) (*Conn, error) {
	counting := &countingConn{Conn: netConn}
	remote, err := DoHandshake(counting, swarmID, peerID, opts.HandshakeTimeout)
	if err != nil {
		netConn.Close()
		return nil, err
	}

	return &Conn{
		conn:      counting,
		addr:      addr,
		peerID:    remote.PeerID,
		outbound:  outbound,
		opts:      opts,
		log:       opts.Logger.With(slog.String("peer", addr.String())),
		out:       make(chan models.PeerMessage, outgoingQueue),
		serve:     make(chan int, servingQueue),
		wake:      make(chan struct{}, 1),
		cancelled: make(map[int]struct{}),
		done:      make(chan struct{}),
	}, nil
}

func (c *Conn) Addr() models.Addr {
	return c.addr
}

func (c *Conn) PeerID() models.Hash {
	return c.peerID
}

// Outbound reports whether we dialled the peer.
func (c *Conn) Outbound() bool {
	return c.outbound
}

// BytesRead counts every byte received, framing and handshake included.
func (c *Conn) BytesRead() int64 {
	return c.conn.read.Load()
}

func (c *Conn) BytesWritten() int64 {
	return c.conn.written.Load()
}

// Uploaded counts the piece bytes served to the peer.
func (c *Conn) Uploaded() int64 {
	return c.uploaded.Load()
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection closed, nil while it is open.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Start runs the connection until it fails, Close is called or ctx is done. Events are sent on
// events; the last one is always EventClosed.
func (c *Conn) Start(ctx context.Context, events chan<- Event) {
	stop := context.AfterFunc(ctx, func() {
		c.closeWithError(ctx.Err())
	})

	var wg sync.WaitGroup
	loops := []func(context.Context, chan<- Event) error{c.readLoop, c.writeLoop, c.serveLoop}
	for _, loop := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := loop(ctx, events)
			if err != nil {
				c.closeWithError(err)
			}
		}()
	}

	go func() {
		wg.Wait()
		stop()
		select {
		case events <- Event{Conn: c, Kind: EventClosed, Err: c.err}:
		case <-ctx.Done():
		}
	}()
}

func (c *Conn) Close() error {
	c.closeWithError(ErrConnClosed)
	return nil
}

func (c *Conn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		c.conn.Close()
	})
}

func (c *Conn) SendBitfield(pieces bitmap.Bitmap) error {
	return c.send(Bitfield{Pieces: pieces})
}

func (c *Conn) SendHave(index int) error {
	return c.send(Have{Index: index})
}

// RequestPiece asks the peer for a piece. The data arrives later as an EventPiece.
func (c *Conn) RequestPiece(index int) error {
	return c.send(Request{Index: index})
}

func (c *Conn) Cancel(index int) error {
	return c.send(Cancel{Index: index})
}

func (c *Conn) RequestMetadata() error {
	return c.send(MetadataRequest{})
}

// send queues m for the writer. Control messages return at once; payloads wait for room in
// the outgoing queue and are only sent from the connection's goroutines.
func (c *Conn) send(m Message) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	switch m.(type) {
	case Piece, Metadata:
	default:
		return c.sendControl(Encode(m))
	}
	select {
	case c.out <- Encode(m):
		return nil
	case <-c.done:
		return ErrConnClosed
	}
}

func (c *Conn) sendControl(msg models.PeerMessage) error {
	c.controlMu.Lock()
	if len(c.control) >= MaxControlBacklog {
		c.controlMu.Unlock()
		c.closeWithError(fmt.Errorf("%w: %d control messages queued", ErrSlowPeer, MaxControlBacklog))
		return ErrConnClosed
	}
	c.control = append(c.control, msg)
	c.controlMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) takeControl() []models.PeerMessage {
	c.controlMu.Lock()
	defer c.controlMu.Unlock()
	msgs := c.control
	c.control = nil
	return msgs
}

func (c *Conn) deliver(ctx context.Context, events chan<- Event, ev Event) error {
	ev.Conn = c
	select {
	case events <- ev:
		return nil
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) readLoop(ctx context.Context, events chan<- Event) error {
	for {
		err := c.conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
		if err != nil {
			return err
		}
		raw, err := ReadMessage(c.conn, c.opts.MaxFrameSize)
		if err != nil {
			if isTimeout(err) {
				return fmt.Errorf("%w: nothing received for %s", ErrPeerTimeout, c.opts.IdleTimeout)
			}
			return err
		}
		msg, err := Decode(raw)
		if err != nil {
			return err
		}

		switch m := msg.(type) {
		case Bitfield:
			if c.opts.NumPieces > 0 && len(m.Pieces) != (c.opts.NumPieces+7)/8 {
				return fmt.Errorf("%w: bitfield of %d bytes", ErrMalformedMessage, len(m.Pieces))
			}
			err = c.deliver(ctx, events, Event{Kind: EventBitfield, Pieces: m.Pieces})
		case Have:
			if c.opts.NumPieces > 0 && m.Index >= c.opts.NumPieces {
				return fmt.Errorf("%w: have %d", ErrMalformedMessage, m.Index)
			}
			err = c.deliver(ctx, events, Event{Kind: EventHave, Index: m.Index})
		case Piece:
			err = c.deliver(ctx, events, Event{Kind: EventPiece, Index: m.Index, Data: m.Data})
		case Metadata:
			err = c.deliver(ctx, events, Event{Kind: EventMetadata, Data: m.Info})
		case Request:
			c.queueRequest(m.Index)
		case Cancel:
			c.mu.Lock()
			c.cancelled[m.Index] = struct{}{}
			c.mu.Unlock()
		case MetadataRequest:
			if len(c.opts.InfoBytes) > 0 {
				err = c.send(Metadata{Info: c.opts.InfoBytes})
			}
		case Keepalive:
		case Handshake:
			return fmt.Errorf("%w: second handshake", ErrMalformedMessage)
		}
		if err != nil {
			return err
		}
	}
}

func (c *Conn) queueRequest(index int) {
	c.mu.Lock()
	delete(c.cancelled, index)
	c.mu.Unlock()

	select {
	case c.serve <- index:
	default:
		c.log.Warn("dropping request, serving queue is full", slog.Int("piece", index))
	}
}

func (c *Conn) takeCancelled(index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.cancelled[index]
	delete(c.cancelled, index)
	return ok
}

func (c *Conn) writeLoop(ctx context.Context, _ chan<- Event) error {
	interval := c.opts.IdleTimeout / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return nil
		case <-c.wake:
			for _, msg := range c.takeControl() {
				err := c.write(msg)
				if err != nil {
					return err
				}
			}
		case msg := <-c.out:
			err := c.write(msg)
			if err != nil {
				return err
			}
		case <-ticker.C:
			last := time.Unix(0, c.lastWrite.Load())
			if time.Since(last) < interval {
				continue
			}
			err := c.write(Encode(Keepalive{}))
			if err != nil {
				return err
			}
		}
	}
}

func (c *Conn) write(msg models.PeerMessage) error {
	err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.IdleTimeout))
	if err != nil {
		return err
	}
	err = WriteMessage(c.conn, msg)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: write stalled for %s", ErrPeerTimeout, c.opts.IdleTimeout)
		}
		return err
	}
	c.lastWrite.Store(time.Now().UnixNano())
	return nil
}

func (c *Conn) serveLoop(ctx context.Context, _ chan<- Event) error {
	for {
		select {
		case <-c.done:
			return nil
		case index := <-c.serve:
			if c.takeCancelled(index) {
				continue
			}
			if c.opts.Source == nil || !c.opts.Source.Has(index) {
				c.log.Debug("peer requested a piece we do not have", slog.Int("piece", index))
				continue
			}
			data, err := c.opts.Source.ReadPiece(index)
			if err != nil {
				c.log.Warn("failed to read requested piece", slog.Int("piece", index), slog.Any("error", err))
				continue
			}
			err = c.throttle(ctx, len(data))
			if err != nil {
				return err
			}
			// the peer may have cancelled while we waited for the limiter
			if c.takeCancelled(index) {
				continue
			}
			err = c.send(Piece{Index: index, Data: data})
			if err != nil {
				return nil
			}
			c.uploaded.Add(int64(len(data)))
		}
	}
}

func (c *Conn) throttle(ctx context.Context, n int) error {
	if c.opts.Limiter == nil {
		return nil
	}
	burst := c.opts.Limiter.Burst()
	if burst <= 0 {
		burst = n
	}
	for n > 0 {
		chunk := min(n, burst)
		err := c.opts.Limiter.WaitN(ctx, chunk)
		if err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// countingConn counts the bytes that cross the socket in each direction.
type countingConn struct {
	net.Conn
	read    atomic.Int64
	written atomic.Int64
}

func (c *countingConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.read.Add(int64(n))
	return n, err
}

func (c *countingConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	c.written.Add(int64(n))
	return n, err
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
