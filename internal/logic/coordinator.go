package logic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/WendelHime/swarmbench/internal/metrics"
	"github.com/WendelHime/swarmbench/internal/p2p"
	"github.com/WendelHime/swarmbench/internal/piecestore"
	"github.com/WendelHime/swarmbench/internal/shared/models"
	"github.com/WendelHime/swarmbench/internal/tracker"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/time/rate"
)

var (
	// ErrNoPeers is returned when the first announce failed and no peer was known.
	ErrNoPeers = errors.New("no peers to join the swarm")
	// ErrStalled is returned when no piece was verified for the stall timeout.
	ErrStalled = errors.New("transfer stalled")
)

const (
	defaultAnnounceInterval = 30 * time.Second
	stoppedAnnounceTimeout  = 2 * time.Second
)

// Coordinator runs one participant of a swarm. A store that is already complete makes it a
// seeder, which only serves; otherwise it downloads until every piece is verified.
type Coordinator struct {
	cfg     Config
	store   *piecestore.Store
	desc    models.Descriptor
	tracker tracker.Tracker
	peerID  models.Hash
	log     *slog.Logger
	bar     *progressbar.ProgressBar
	ln      net.Listener
	initial []models.Addr
	peak    atomic.Int32
}

func NewCoordinator(cfg Config, store *piecestore.Store, t tracker.Tracker, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:     cfg.withDefaults(),
		store:   store,
		desc:    store.Descriptor(),
		tracker: t,
		peerID:  GeneratePeerID(),
		log:     logger,
	}
}

func (c *Coordinator) WithProgress(bar *progressbar.ProgressBar) *Coordinator {
	c.bar = bar
	return c
}

// WithPeers adds peers known before the first announce.
func (c *Coordinator) WithPeers(addrs ...models.Addr) *Coordinator {
	c.initial = append(c.initial, addrs...)
	return c
}

// WithListener makes the coordinator accept peers on ln instead of listening on ListenAddr.
func (c *Coordinator) WithListener(ln net.Listener) *Coordinator {
	c.ln = ln
	return c
}

func (c *Coordinator) WithPeerID(id models.Hash) *Coordinator {
	c.peerID = id
	return c
}

func (c *Coordinator) PeerID() models.Hash {
	return c.peerID
}

// PeakPeers is the highest number of connections, pending dials included, held at once.
func (c *Coordinator) PeakPeers() int {
	return int(c.peak.Load())
}

// Listen opens the listener if needed and returns the address peers reach us on.
func (c *Coordinator) Listen() (models.Addr, error) {
	if c.ln == nil {
		ln, err := net.Listen("tcp", c.cfg.ListenAddr)
		if err != nil {
			return models.Addr{}, err
		}
		c.ln = ln
	}
	return ListenerAddr(c.ln)
}

func ListenerAddr(ln net.Listener) (models.Addr, error) {
	tcp, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return models.Addr{}, models.ErrInvalidAddr
	}
	ip := tcp.IP
	if ip == nil || ip.IsUnspecified() {
		ip = net.IPv4(127, 0, 0, 1)
	}
	return models.Addr{IP: ip, Port: uint16(tcp.Port)}, nil
}

type dialResult struct {
	addr models.Addr
	conn *p2p.Conn
	err  error
}

type announceResult struct {
	resp tracker.AnnounceResponse
	err  error
}

// session is the state of one Run.
type session struct {
	*Coordinator
	state    *SwarmState
	rec      *metrics.Recorder
	seeder   bool
	port     uint16
	limiter  *rate.Limiter
	verified int64

	// open mirrors state.Connections() and handshaking counts inbound handshakes in
	// progress; both are read by the accept loop
	open        atomic.Int32
	handshaking atomic.Int32

	events     chan p2p.Event
	accepted   chan *p2p.Conn
	dialed     chan dialResult
	announced  chan announceResult
	announcing bool
	timer      *time.Timer
}

// Run takes part in the swarm until the download completes or, for a seeder, until ctx is
// done. A leecher writes the assembled file to out when out is not nil.
func (c *Coordinator) Run(ctx context.Context, out io.Writer) (models.TransferMetrics, error) {
	self, err := c.Listen()
	if err != nil {
		return models.TransferMetrics{}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	context.AfterFunc(ctx, func() {
		c.ln.Close()
	})

	s := &session{
		Coordinator: c,
		state:       NewSwarmState(c.desc.NumPieces(), time.Now()),
		seeder:      c.store.IsComplete(),
		port:        self.Port,
		events:      make(chan p2p.Event, 64),
		accepted:    make(chan *p2p.Conn),
		dialed:      make(chan dialResult),
		announced:   make(chan announceResult, 1),
	}
	if c.cfg.UploadRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(c.cfg.UploadRate), c.cfg.UploadRate)
	}
	direction := models.DirectionDownload
	if s.seeder {
		direction = models.DirectionUpload
	}
	s.rec = metrics.NewRecorder(models.ProtocolSwarm, direction, c.desc.Info.Name, c.desc.Info.Length)
	s.rec.MarkStart()

	for _, addr := range c.initial {
		s.state.known[addr.String()] = addr
	}

	c.log.Info("joining swarm",
		slog.String("swarm", c.desc.InfoHash.String()),
		slog.String("listen", self.String()),
		slog.Bool("seeder", s.seeder),
		slog.Int("pieces", c.desc.NumPieces()))

	go s.acceptLoop(ctx)

	resp, err := c.tracker.Announce(ctx, s.announceRequest(tracker.EventStarted))
	if err != nil {
		if !s.seeder && len(s.state.known) == 0 {
			return models.TransferMetrics{}, fmt.Errorf("%w: %w", ErrNoPeers, err)
		}
		c.log.Warn("announce failed, continuing with known peers", slog.Any("error", err))
		s.timer = time.NewTimer(c.cfg.RetryInterval)
	} else {
		s.rec.Record(metrics.PhaseAnnounced, time.Now())
		s.timer = time.NewTimer(s.merge(resp))
	}
	defer s.timer.Stop()
	defer s.announceStopped(ctx)

	s.reconcile(ctx, time.Now())
	return s.loop(ctx, out)
}

func (s *session) loop(ctx context.Context, out io.Writer) (models.TransferMetrics, error) {
	ticker := time.NewTicker(s.cfg.tickInterval())
	defer ticker.Stop()

	for {
		if !s.seeder && s.store.IsComplete() {
			return s.finish(ctx, out)
		}

		select {
		case <-ctx.Done():
			if s.seeder {
				return s.finalize()
			}
			return models.TransferMetrics{}, ctx.Err()
		case ev := <-s.events:
			err := s.handleEvent(ev)
			if err != nil {
				return models.TransferMetrics{}, err
			}
		case conn := <-s.accepted:
			s.addConn(ctx, conn)
		case res := <-s.dialed:
			s.handleDial(ctx, res)
		case res := <-s.announced:
			s.announcing = false
			next := s.cfg.RetryInterval
			if res.err != nil {
				s.log.Warn("re-announce failed", slog.Any("error", res.err))
			} else {
				next = s.merge(res.resp)
			}
			s.timer.Reset(next)
		case <-s.timer.C:
			s.startAnnounce(ctx)
		case now := <-ticker.C:
			err := s.tick(ctx, now)
			if err != nil {
				return models.TransferMetrics{}, err
			}
		}
	}
}

func (s *session) acceptLoop(ctx context.Context) {
	for {
		netConn, err := s.ln.Accept()
		if err != nil {
			return
		}
		if int(s.open.Load()+s.handshaking.Load()) >= s.cfg.MaxPeers {
			s.log.Debug("peer limit reached, refusing inbound connection", slog.String("peer", netConn.RemoteAddr().String()))
			netConn.Close()
			continue
		}
		s.handshaking.Add(1)
		go func() {
			defer s.handshaking.Add(-1)
			conn, err := p2p.Accept(netConn, s.desc.InfoHash, s.peerID, s.connOptions())
			if err != nil {
				s.log.Debug("inbound handshake failed", slog.String("peer", netConn.RemoteAddr().String()), slog.Any("error", err))
				return
			}
			select {
			case s.accepted <- conn:
			case <-ctx.Done():
				conn.Close()
			}
		}()
	}
}

func (s *session) connOptions() p2p.Options {
	return p2p.Options{
		IdleTimeout: s.cfg.IdleTimeout,
		NumPieces:   s.desc.NumPieces(),
		Source:      s.store,
		InfoBytes:   s.desc.InfoBytes,
		Limiter:     s.limiter,
		Logger:      s.log,
	}
}

func (s *session) announceRequest(event tracker.Event) tracker.AnnounceRequest {
	var left int64
	for _, index := range s.store.Missing() {
		left += s.desc.PieceSize(index)
	}
	return tracker.AnnounceRequest{
		SwarmID:    s.desc.InfoHash,
		PeerID:     s.peerID,
		Port:       s.port,
		Uploaded:   s.uploaded(),
		Downloaded: s.verified,
		Left:       left,
		Event:      event,
		NumWant:    -1,
	}
}

// merge adds announced peers to the known set and returns when to announce again.
func (s *session) merge(resp tracker.AnnounceResponse) time.Duration {
	for _, addr := range resp.Peers {
		s.state.known[addr.String()] = addr
	}
	s.log.Info("tracker answered", slog.Int("peers", len(resp.Peers)), slog.Int("seeders", resp.Seeders), slog.Int("leechers", resp.Leechers))

	interval := resp.Interval
	if interval <= 0 {
		interval = defaultAnnounceInterval
	}
	if !s.seeder && len(s.state.peers) == 0 {
		interval = min(interval, s.cfg.RetryInterval)
	}
	return interval
}

func (s *session) startAnnounce(ctx context.Context) {
	if s.announcing {
		return
	}
	s.announcing = true
	req := s.announceRequest(tracker.EventNone)
	go func() {
		resp, err := s.tracker.Announce(ctx, req)
		select {
		case s.announced <- announceResult{resp: resp, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (s *session) announceStopped(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stoppedAnnounceTimeout)
	defer cancel()
	_, err := s.tracker.Announce(ctx, s.announceRequest(tracker.EventStopped))
	if err != nil {
		s.log.Debug("stopped announce failed", slog.Any("error", err))
	}
}

func (s *session) dial(ctx context.Context, addr models.Addr, now time.Time) {
	key := addr.String()
	s.state.dialing.Add(key)
	s.state.lastDial[key] = now
	s.connectionsChanged()

	go func() {
		conn, err := p2p.Dial(ctx, addr, s.desc.InfoHash, s.peerID, s.connOptions())
		select {
		case s.dialed <- dialResult{addr: addr, conn: conn, err: err}:
		case <-ctx.Done():
			if conn != nil {
				conn.Close()
			}
		}
	}()
}

func (s *session) handleDial(ctx context.Context, res dialResult) {
	key := res.addr.String()
	s.state.dialing.Remove(key)
	s.connectionsChanged()
	if res.err != nil {
		if errors.Is(res.err, p2p.ErrHandshakeRejected) {
			s.log.Warn("peer rejected, not dialling it again", slog.String("peer", key), slog.Any("error", res.err))
			s.state.rejected.Add(key)
			return
		}
		s.log.Debug("dial failed", slog.String("peer", key), slog.Any("error", res.err))
		return
	}
	s.addConn(ctx, res.conn)
}

// initiator is the peer id of the side that opened conn.
func (s *session) initiator(conn *p2p.Conn) models.Hash {
	if conn.Outbound() {
		return s.peerID
	}
	return conn.PeerID()
}

func (s *session) addConn(ctx context.Context, conn *p2p.Conn) {
	// two peers that dialled each other keep the connection opened by the lower peer id
	if existing, ok := s.state.byPeerID[conn.PeerID()]; ok {
		if bytes.Compare(s.initiator(existing).Bytes(), s.initiator(conn).Bytes()) <= 0 {
			conn.Close()
			return
		}
		s.dropPeer(existing)
	}
	if s.state.Connections() >= s.cfg.MaxPeers {
		s.log.Debug("peer limit reached, closing connection", slog.String("peer", conn.Addr().String()))
		conn.Close()
		return
	}

	s.state.addPeer(conn, time.Now())
	s.connectionsChanged()
	s.rec.Record(metrics.PhaseFirstPeer, time.Now())
	conn.Start(ctx, s.events)
	if s.store.HaveCount() > 0 {
		err := conn.SendBitfield(s.store.Bitfield())
		if err != nil {
			s.log.Debug("failed to send bitfield", slog.Any("error", err))
		}
	}
	s.log.Info("peer connected", slog.String("peer", conn.Addr().String()), slog.Bool("outbound", conn.Outbound()), slog.Int("peers", len(s.state.peers)))
}

// connectionsChanged publishes the connection count to the accept loop and keeps the peak.
func (s *session) connectionsChanged() {
	n := int32(s.state.Connections())
	s.open.Store(n)
	for {
		peak := s.peak.Load()
		if n <= peak || s.peak.CompareAndSwap(peak, n) {
			return
		}
	}
}

// dropPeer closes conn now and re-queues its requests.
func (s *session) dropPeer(conn *p2p.Conn) {
	s.state.removePeer(conn)
	s.connectionsChanged()
	conn.Close()
	s.fillAll()
}

func (s *session) handleEvent(ev p2p.Event) error {
	ps, ok := s.state.peers[ev.Conn]
	if !ok {
		return nil
	}
	ps.record.LastSeen = time.Now()

	switch ev.Kind {
	case p2p.EventBitfield:
		s.state.setBitfield(ps, ev.Pieces)
		s.fill(ps)
	case p2p.EventHave:
		s.state.addHave(ps, ev.Index)
		s.fill(ps)
	case p2p.EventPiece:
		return s.handlePiece(ps, ev.Index, ev.Data)
	case p2p.EventClosed:
		if errors.Is(ev.Err, p2p.ErrPeerTimeout) {
			s.log.Warn("evicting unresponsive peer", slog.String("peer", ev.Conn.Addr().String()), slog.Int("in_flight", len(ps.pending)))
		} else {
			s.log.Info("peer disconnected", slog.String("peer", ev.Conn.Addr().String()), slog.Any("reason", ev.Err))
		}
		s.state.removePeer(ev.Conn)
		s.connectionsChanged()
		s.fillAll()
	}
	return nil
}

func (s *session) handlePiece(ps *peerState, index int, data []byte) error {
	delete(ps.pending, index)
	if index < 0 || index >= s.desc.NumPieces() || s.store.Has(index) {
		return nil
	}

	err := s.store.WritePiece(index, data)
	if errors.Is(err, piecestore.ErrHashMismatch) {
		s.log.Warn("discarding corrupt piece", slog.Int("piece", index), slog.String("peer", ps.conn.Addr().String()))
		if req, ok := s.state.inflight[index]; ok && req.conn == ps.conn {
			delete(s.state.inflight, index)
		}
		ps.avoid[index] = struct{}{}
		s.fillAll()
		return nil
	}
	if err != nil {
		return err
	}

	if req, ok := s.state.release(index); ok && req.conn != ps.conn {
		req.conn.Cancel(index)
	}
	now := time.Now()
	ps.timeouts = 0
	s.state.lastProgress = now
	s.verified += int64(len(data))
	s.rec.AddPayload(int64(len(data)))
	s.rec.Record(metrics.PhaseFirstPiece, now)
	if s.bar != nil {
		s.bar.Add(len(data))
	}
	s.log.Debug("piece verified", slog.Int("piece", index), slog.Int("have", s.store.HaveCount()), slog.Int("pieces", s.desc.NumPieces()))

	for conn, other := range s.state.peers {
		if !other.has(index) {
			conn.SendHave(index)
		}
	}
	s.fill(ps)
	return nil
}

func (s *session) fill(ps *peerState) {
	if s.seeder {
		return
	}
	for _, index := range s.state.assign(ps, s.store.Has, s.cfg.PipelineDepth, time.Now()) {
		err := ps.conn.RequestPiece(index)
		if err != nil {
			// the closed event re-queues it
			return
		}
	}
}

func (s *session) fillAll() {
	for _, ps := range s.state.peers {
		s.fill(ps)
	}
}

func (s *session) tick(ctx context.Context, now time.Time) error {
	if s.seeder {
		return nil
	}

	for _, exp := range s.state.expired(now, s.cfg.RequestTimeout) {
		// evicting a peer earlier in this loop may have handed the piece to someone else
		if req, ok := s.state.inflight[exp.index]; !ok || req.conn != exp.conn {
			continue
		}
		s.state.release(exp.index)
		ps, ok := s.state.peers[exp.conn]
		if !ok {
			continue
		}
		exp.conn.Cancel(exp.index)
		ps.avoid[exp.index] = struct{}{}
		ps.timeouts++
		s.log.Warn("request timed out", slog.Int("piece", exp.index), slog.String("peer", exp.conn.Addr().String()), slog.Int("timeouts", ps.timeouts))
		if ps.timeouts >= s.cfg.MaxPeerTimeouts {
			s.log.Warn("evicting peer after repeated timeouts", slog.String("peer", exp.conn.Addr().String()))
			s.dropPeer(exp.conn)
		}
	}

	if now.Sub(s.state.lastProgress) >= s.cfg.StallTimeout {
		return fmt.Errorf("%w: no piece verified for %s, %d of %d pieces", ErrStalled, s.cfg.StallTimeout, s.store.HaveCount(), s.desc.NumPieces())
	}

	s.reconcile(ctx, now)
	s.fillAll()
	return nil
}

// reconcile dials known peers while there is room. When the set is full and untried peers
// are waiting, the idle connection offering the fewest pieces we lack gives its slot away if it
// offers nothing or far less than the best connected peer.
func (s *session) reconcile(ctx context.Context, now time.Time) {
	if s.seeder {
		return
	}
	candidates := s.state.candidates(now, s.cfg.RetryInterval)
	if len(candidates) == 0 {
		return
	}

	if s.state.Connections() >= s.cfg.MaxPeers {
		worst, worstUseful, best := s.churnCandidate()
		if worst != nil && (worstUseful == 0 || worstUseful*churnRatio < best) {
			s.log.Info("dropping peer to make room", slog.String("peer", worst.conn.Addr().String()), slog.Int("useful", worstUseful), slog.Int("best", best))
			s.dropPeer(worst.conn)
		}
	}

	for _, addr := range candidates {
		if s.state.Connections() >= s.cfg.MaxPeers {
			return
		}
		s.dial(ctx, addr, now)
	}
}

// churnRatio is how many times more useful the best peer must be before the weakest idle one
// is replaced.
const churnRatio = 4

// churnCandidate returns the idle peer offering the fewest pieces we lack, how many it offers,
// and the most any connected peer offers. Ties go to the peer holding fewer pieces overall.
func (s *session) churnCandidate() (*peerState, int, int) {
	var worst *peerState
	worstUseful, worstHeld, best := 0, 0, 0
	for _, ps := range s.state.peers {
		if ps.record.Pieces == nil {
			continue
		}
		useful := s.state.useful(ps, s.store.Has)
		best = max(best, useful)
		if len(ps.pending) > 0 {
			continue
		}
		held := s.state.held(ps)
		if worst == nil || useful < worstUseful || (useful == worstUseful && held < worstHeld) {
			worst, worstUseful, worstHeld = ps, useful, held
		}
	}
	return worst, worstUseful, best
}

func (s *session) uploaded() int64 {
	total := s.state.closedUploaded
	for conn := range s.state.peers {
		total += conn.Uploaded()
	}
	return total
}

func (s *session) wire() (read, written int64) {
	read, written = s.state.closedRead, s.state.closedWritten
	for conn := range s.state.peers {
		read += conn.BytesRead()
		written += conn.BytesWritten()
	}
	return read, written
}

func (s *session) finish(ctx context.Context, out io.Writer) (models.TransferMetrics, error) {
	now := time.Now()
	s.rec.MarkEnd()
	s.rec.Record(metrics.PhaseComplete, now)
	s.log.Info("download complete", slog.String("swarm", s.desc.InfoHash.String()), slog.Int("pieces", s.desc.NumPieces()))

	if out != nil {
		_, err := s.store.Assemble(out)
		if err != nil {
			return models.TransferMetrics{}, err
		}
	}

	_, err := s.tracker.Announce(ctx, s.announceRequest(tracker.EventCompleted))
	if err != nil {
		s.log.Warn("completed announce failed", slog.Any("error", err))
	}

	read, _ := s.wire()
	s.rec.AddWire(read)
	return s.rec.Finalize()
}

// finalize closes the record of a seeder: what it served and what it sent.
func (s *session) finalize() (models.TransferMetrics, error) {
	s.rec.MarkEnd()
	_, written := s.wire()
	s.rec.AddPayload(s.uploaded())
	s.rec.AddWire(written)
	s.log.Info("stopped seeding", slog.Int64("uploaded", s.uploaded()), slog.Int64("wire", written))
	return s.rec.Finalize()
}
