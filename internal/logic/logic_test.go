package logic

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WendelHime/swarmbench/internal/magnet"
	"github.com/WendelHime/swarmbench/internal/p2p"
	"github.com/WendelHime/swarmbench/internal/piecestore"
	"github.com/WendelHime/swarmbench/internal/shared/models"
	"github.com/WendelHime/swarmbench/internal/tracker"
	"github.com/boljen/go-bitmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTracker struct {
	mu       sync.Mutex
	peers    []models.Addr
	interval time.Duration
	err      error
	events   []tracker.Event
}

func (f *fakeTracker) Announce(ctx context.Context, req tracker.AnnounceRequest) (tracker.AnnounceResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, req.Event)
	if f.err != nil {
		return tracker.AnnounceResponse{}, f.err
	}
	interval := f.interval
	if interval == 0 {
		interval = time.Minute
	}
	return tracker.AnnounceResponse{Interval: interval, Peers: append([]models.Addr(nil), f.peers...)}, nil
}

func (f *fakeTracker) Scrape(context.Context, models.Hash) (tracker.ScrapeResponse, error) {
	return tracker.ScrapeResponse{}, tracker.ErrScrapeUnsupported
}

func (f *fakeTracker) WithHTTPClient(*http.Client) tracker.Tracker {
	return f
}

func (f *fakeTracker) setPeers(peers ...models.Addr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peers = peers
}

func (f *fakeTracker) announced() []tracker.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tracker.Event(nil), f.events...)
}

func randomFile(size int) []byte {
	data := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(data)
	return data
}

func testConfig() Config {
	return Config{
		ListenAddr:     "127.0.0.1:0",
		RequestTimeout: 2 * time.Second,
		IdleTimeout:    5 * time.Second,
		StallTimeout:   20 * time.Second,
		RetryInterval:  100 * time.Millisecond,
	}
}

func seededStore(t *testing.T, data []byte, pieceLength int64) *piecestore.Store {
	t.Helper()
	desc, err := piecestore.Split(bytes.NewReader(data), "file.bin", pieceLength, "udp://127.0.0.1:6969")
	require.NoError(t, err)
	backend := piecestore.NewMemoryBackend(int64(len(data)))
	_, err = backend.WriteAt(data, 0)
	require.NoError(t, err)
	store, err := piecestore.NewSeeded(desc, backend, 8, true)
	require.NoError(t, err)
	return store
}

func emptyStore(t *testing.T, desc models.Descriptor) *piecestore.Store {
	t.Helper()
	store, err := piecestore.New(desc, piecestore.NewMemoryBackend(desc.Info.Length), 0)
	require.NoError(t, err)
	return store
}

// startSeeder runs a seeding coordinator until the test ends and returns its address.
func startSeeder(t *testing.T, store *piecestore.Store) models.Addr {
	t.Helper()
	_, addr := runSeeder(t, testConfig(), store)
	return addr
}

func runSeeder(t *testing.T, cfg Config, store *piecestore.Store) (*Coordinator, models.Addr) {
	t.Helper()
	c := NewCoordinator(cfg, store, &fakeTracker{}, discardLogger())
	addr, err := c.Listen()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, nil)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c, addr
}

type fakePeerMode int

const (
	silentPeer fakePeerMode = iota
	corruptPeer
)

// fakePeer claims every piece of desc and then either ignores requests or answers them
// with garbage.
type fakePeer struct {
	addr     models.Addr
	requests atomic.Int32
}

func startFakePeer(t *testing.T, desc models.Descriptor, mode fakePeerMode) *fakePeer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	addr, err := ListenerAddr(ln)
	require.NoError(t, err)
	p := &fakePeer{addr: addr}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go p.serve(conn, desc, mode)
		}
	}()
	return p
}

func (p *fakePeer) serve(conn net.Conn, desc models.Descriptor, mode fakePeerMode) {
	defer conn.Close()
	_, err := p2p.DoHandshake(conn, desc.InfoHash, GeneratePeerID(), time.Second)
	if err != nil {
		return
	}
	all := bitmap.New(desc.NumPieces())
	for i := 0; i < desc.NumPieces(); i++ {
		all.Set(i, true)
	}
	if p2p.WriteMessage(conn, p2p.Encode(p2p.Bitfield{Pieces: all})) != nil {
		return
	}
	for {
		raw, err := p2p.ReadMessage(conn, p2p.DefaultMaxFrameSize)
		if err != nil {
			return
		}
		msg, err := p2p.Decode(raw)
		if err != nil {
			return
		}
		req, ok := msg.(p2p.Request)
		if !ok {
			continue
		}
		p.requests.Add(1)
		if mode == corruptPeer {
			garbage := make([]byte, desc.PieceSize(req.Index))
			if p2p.WriteMessage(conn, p2p.Encode(p2p.Piece{Index: req.Index, Data: garbage})) != nil {
				return
			}
		}
	}
}

func TestRarestFirst(t *testing.T) {
	var tests = []struct {
		name         string
		pieces       []int
		availability []int
		expected     []int
	}{
		{
			name:         "rarest piece first",
			pieces:       []int{0, 1, 2},
			availability: []int{3, 1, 2},
			expected:     []int{1, 2, 0},
		},
		{
			name:         "ties go to the lowest index",
			pieces:       []int{4, 2, 0, 3},
			availability: []int{2, 9, 1, 2, 1},
			expected:     []int{2, 4, 0, 3},
		},
		{
			name:         "pieces nobody holds are skipped",
			pieces:       []int{0, 1, 2},
			availability: []int{0, 5, 0},
			expected:     []int{1},
		},
		{
			name:         "nothing to pick",
			availability: []int{1},
			expected:     []int{},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, RarestFirst(tt.pieces, tt.availability))
		})
	}
}

// handshakenConn returns our end of a real, not started connection.
func handshakenConn(t *testing.T, swarm models.Hash) *p2p.Conn {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan *p2p.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		c, _ := p2p.Accept(conn, swarm, GeneratePeerID(), p2p.Options{Logger: discardLogger()})
		accepted <- c
	}()
	addr, err := ListenerAddr(ln)
	require.NoError(t, err)
	conn, err := p2p.Dial(context.Background(), addr, swarm, GeneratePeerID(), p2p.Options{Logger: discardLogger()})
	require.NoError(t, err)
	remote := <-accepted
	require.NotNil(t, remote)
	t.Cleanup(func() {
		conn.Close()
		remote.Close()
	})
	return conn
}

func TestSwarmStateAssign(t *testing.T) {
	swarm := models.Hash{1}
	now := time.Now()
	state := NewSwarmState(4, now)
	have := map[int]bool{3: true}
	hasPiece := func(i int) bool { return have[i] }

	a := state.addPeer(handshakenConn(t, swarm), now)
	b := state.addPeer(handshakenConn(t, swarm), now)
	all := bitmap.New(4)
	for i := 0; i < 4; i++ {
		all.Set(i, true)
	}
	state.setBitfield(a, all)
	partial := bitmap.New(4)
	partial.Set(0, true)
	state.setBitfield(b, partial)
	assert.Equal(t, []int{2, 1, 1, 1}, state.availability)

	// piece 3 is ours and piece 0 is held by both, so 1 and 2 go first
	assert.Equal(t, []int{1, 2}, state.assign(a, hasPiece, 2, now))
	assert.Empty(t, state.assign(a, hasPiece, 2, now))
	assert.Equal(t, []int{0}, state.assign(b, hasPiece, 2, now))

	requeued := state.removePeer(a.conn)
	assert.Equal(t, []int{1, 2}, requeued)
	assert.Equal(t, []int{1, 0, 0, 0}, state.availability)
	assert.NotContains(t, state.inflight, 1)
	assert.Contains(t, state.inflight, 0)

	expired := state.expired(now.Add(time.Minute), time.Second)
	require.Len(t, expired, 1)
	assert.Equal(t, 0, expired[0].index)
}

func TestCoordinatorDownloadsFromSeeder(t *testing.T) {
	data := randomFile(1<<20 + 1234)
	seed := seededStore(t, data, 64*1024)
	seedAddr := startSeeder(t, seed)

	tr := &fakeTracker{peers: []models.Addr{seedAddr}}
	leecher := NewCoordinator(testConfig(), emptyStore(t, seed.Descriptor()), tr, discardLogger())
	out := &bytes.Buffer{}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	m, err := leecher.Run(ctx, out)
	require.NoError(t, err)

	assert.Equal(t, data, out.Bytes())
	assert.Equal(t, models.ProtocolSwarm, m.Protocol)
	assert.Equal(t, models.DirectionDownload, m.Direction)
	assert.Equal(t, int64(len(data)), m.PayloadBytes)
	assert.Greater(t, m.OverheadRatio, 1.0)
	events := tr.announced()
	require.NotEmpty(t, events)
	assert.Equal(t, tracker.EventStarted, events[0])
	assert.Contains(t, events, tracker.EventCompleted)
	assert.Equal(t, tracker.EventStopped, events[len(events)-1])
}

func TestCoordinatorRespectsMaxPeers(t *testing.T) {
	data := randomFile(512 * 1024)
	var seeds []models.Addr
	var desc models.Descriptor
	for i := 0; i < 5; i++ {
		store := seededStore(t, data, 32*1024)
		desc = store.Descriptor()
		seeds = append(seeds, startSeeder(t, store))
	}

	cfg := testConfig()
	cfg.MaxPeers = 2
	leecher := NewCoordinator(cfg, emptyStore(t, desc), &fakeTracker{peers: seeds}, discardLogger())
	out := &bytes.Buffer{}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	_, err := leecher.Run(ctx, out)
	require.NoError(t, err)

	assert.Equal(t, data, out.Bytes())
	assert.LessOrEqual(t, leecher.PeakPeers(), 2)
	assert.Greater(t, leecher.PeakPeers(), 0)
}

func TestCoordinatorReassignsRequestsOfSilentPeer(t *testing.T) {
	data := randomFile(256 * 1024)
	seed := seededStore(t, data, 16*1024)
	desc := seed.Descriptor()
	silent := startFakePeer(t, desc, silentPeer)
	seedAddr := startSeeder(t, seed)

	cfg := testConfig()
	cfg.RequestTimeout = 300 * time.Millisecond
	cfg.MaxPeerTimeouts = 1
	tr := &fakeTracker{interval: 100 * time.Millisecond}
	leecher := NewCoordinator(cfg, emptyStore(t, desc), tr, discardLogger()).WithPeers(silent.addr)

	// the seeder only shows up once the silent peer holds requests
	go func() {
		for silent.requests.Load() == 0 {
			time.Sleep(10 * time.Millisecond)
		}
		tr.setPeers(seedAddr)
	}()

	out := &bytes.Buffer{}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	start := time.Now()
	_, err := leecher.Run(ctx, out)
	require.NoError(t, err)

	assert.Equal(t, data, out.Bytes())
	assert.GreaterOrEqual(t, silent.requests.Load(), int32(DefaultPipelineDepth))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestCoordinatorRequeuesCorruptPieces(t *testing.T) {
	data := randomFile(128 * 1024)
	seed := seededStore(t, data, 16*1024)
	desc := seed.Descriptor()
	corrupt := startFakePeer(t, desc, corruptPeer)
	seedAddr := startSeeder(t, seed)

	leecher := NewCoordinator(testConfig(), emptyStore(t, desc), &fakeTracker{peers: []models.Addr{corrupt.addr, seedAddr}}, discardLogger())
	out := &bytes.Buffer{}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	_, err := leecher.Run(ctx, out)
	require.NoError(t, err)
	assert.Equal(t, data, out.Bytes())
}

func TestCoordinatorTerminalFailures(t *testing.T) {
	data := randomFile(64 * 1024)
	desc := seededStore(t, data, 16*1024).Descriptor()

	var tests = []struct {
		name    string
		tracker *fakeTracker
		cfg     func(cfg Config) Config
		err     error
	}{
		{
			name:    "tracker unreachable and no known peers",
			tracker: &fakeTracker{err: tracker.ErrDiscoveryFailed},
			cfg:     func(cfg Config) Config { return cfg },
			err:     ErrNoPeers,
		},
		{
			name:    "no piece ever arrives",
			tracker: &fakeTracker{},
			cfg: func(cfg Config) Config {
				cfg.StallTimeout = 300 * time.Millisecond
				return cfg
			},
			err: ErrStalled,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			c := NewCoordinator(tt.cfg(testConfig()), emptyStore(t, desc), tt.tracker, discardLogger())
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_, err := c.Run(ctx, io.Discard)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestSeederReportsUploads(t *testing.T) {
	data := randomFile(200 * 1000)
	seed := seededStore(t, data, 32*1024)
	seeder := NewCoordinator(testConfig(), seed, &fakeTracker{}, discardLogger())
	seedAddr, err := seeder.Listen()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		m   models.TransferMetrics
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := seeder.Run(ctx, nil)
		done <- result{m, err}
	}()

	leecher := NewCoordinator(testConfig(), emptyStore(t, seed.Descriptor()), &fakeTracker{peers: []models.Addr{seedAddr}}, discardLogger())
	lctx, lcancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer lcancel()
	_, err = leecher.Run(lctx, io.Discard)
	require.NoError(t, err)

	cancel()
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, models.DirectionUpload, res.m.Direction)
	assert.Equal(t, int64(len(data)), res.m.PayloadBytes)
	assert.Greater(t, res.m.WireBytes, res.m.PayloadBytes)
}

func TestFetchDescriptor(t *testing.T) {
	data := randomFile(300 * 1000)
	seed := seededStore(t, data, 32*1024)
	seedAddr := startSeeder(t, seed)
	want := seed.Descriptor()

	link := magnet.FromDescriptor(want)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	got, err := FetchDescriptor(ctx, link, &fakeTracker{peers: []models.Addr{seedAddr}}, GeneratePeerID(), 7000, testConfig(), discardLogger())
	require.NoError(t, err)
	assert.Equal(t, want.InfoHash, got.InfoHash)
	assert.Equal(t, want.PieceHashes, got.PieceHashes)
	assert.Equal(t, want.Info, got.Info)
	assert.Equal(t, want.Announce, got.Announce)

	_, err = FetchDescriptor(ctx, link, &fakeTracker{err: tracker.ErrDiscoveryFailed}, GeneratePeerID(), 7000, testConfig(), discardLogger())
	assert.ErrorIs(t, err, ErrNoPeers)
	assert.ErrorIs(t, err, tracker.ErrDiscoveryFailed)
}
