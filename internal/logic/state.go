package logic

import (
	"bytes"
	"sort"
	"time"

	"github.com/WendelHime/swarmbench/internal/p2p"
	"github.com/WendelHime/swarmbench/internal/shared/models"
	"github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set/v2"
)

type request struct {
	conn *p2p.Conn
	at   time.Time
}

type peerState struct {
	conn     *p2p.Conn
	record   models.PeerRecord
	pending  map[int]time.Time
	avoid    map[int]struct{}
	timeouts int
}

func (p *peerState) has(index int) bool {
	return index >= 0 && index/8 < len(p.record.Pieces) && p.record.Pieces.Get(index)
}

// SwarmState is what a participant knows about its swarm for the duration of one run. Only the
// coordinator's event loop touches it.
type SwarmState struct {
	numPieces    int
	peers        map[*p2p.Conn]*peerState
	byPeerID     map[models.Hash]*p2p.Conn
	availability []int
	inflight     map[int]request

	known    map[string]models.Addr
	addrPeer map[string]models.Hash
	dialing  mapset.Set[string]
	rejected mapset.Set[string]
	lastDial map[string]time.Time

	lastProgress time.Time

	// counters of connections that are gone
	closedRead     int64
	closedWritten  int64
	closedUploaded int64
}

func NewSwarmState(numPieces int, now time.Time) *SwarmState {
	return &SwarmState{
		numPieces:    numPieces,
		peers:        make(map[*p2p.Conn]*peerState),
		byPeerID:     make(map[models.Hash]*p2p.Conn),
		availability: make([]int, numPieces),
		inflight:     make(map[int]request),
		known:        make(map[string]models.Addr),
		addrPeer:     make(map[string]models.Hash),
		dialing:      mapset.NewThreadUnsafeSet[string](),
		rejected:     mapset.NewThreadUnsafeSet[string](),
		lastDial:     make(map[string]time.Time),
		lastProgress: now,
	}
}

// Connections counts open connections and pending dials.
func (s *SwarmState) Connections() int {
	return len(s.peers) + s.dialing.Cardinality()
}

func (s *SwarmState) addPeer(conn *p2p.Conn, now time.Time) *peerState {
	ps := &peerState{
		conn: conn,
		record: models.PeerRecord{
			Addr:     conn.Addr(),
			PeerID:   conn.PeerID(),
			LastSeen: now,
		},
		pending: make(map[int]time.Time),
		avoid:   make(map[int]struct{}),
	}
	s.peers[conn] = ps
	s.byPeerID[conn.PeerID()] = conn
	if conn.Outbound() {
		s.addrPeer[conn.Addr().String()] = conn.PeerID()
	}
	return ps
}

// removePeer forgets a connection. Its in-flight requests become free to assign again.
func (s *SwarmState) removePeer(conn *p2p.Conn) []int {
	ps, ok := s.peers[conn]
	if !ok {
		return nil
	}
	delete(s.peers, conn)
	if s.byPeerID[conn.PeerID()] == conn {
		delete(s.byPeerID, conn.PeerID())
	}

	requeued := make([]int, 0, len(ps.pending))
	for index := range ps.pending {
		if req, ok := s.inflight[index]; ok && req.conn == conn {
			delete(s.inflight, index)
			requeued = append(requeued, index)
		}
	}
	sort.Ints(requeued)

	for i := 0; i < s.numPieces; i++ {
		if ps.has(i) {
			s.availability[i]--
		}
	}

	s.closedRead += conn.BytesRead()
	s.closedWritten += conn.BytesWritten()
	s.closedUploaded += conn.Uploaded()
	return requeued
}

func (s *SwarmState) setBitfield(ps *peerState, pieces bitmap.Bitmap) {
	for i := 0; i < s.numPieces; i++ {
		if ps.has(i) {
			s.availability[i]--
		}
	}
	ps.record.Pieces = bitmap.Bitmap(bytes.Clone(pieces))
	for i := 0; i < s.numPieces; i++ {
		if ps.has(i) {
			s.availability[i]++
		}
	}
}

func (s *SwarmState) addHave(ps *peerState, index int) {
	if index < 0 || index >= s.numPieces || ps.has(index) {
		return
	}
	if ps.record.Pieces == nil {
		ps.record.Pieces = bitmap.New(s.numPieces)
	}
	ps.record.Pieces.Set(index, true)
	s.availability[index]++
}

// assign picks up to PipelineDepth pieces for ps, rarest first, skipping pieces we have or
// that are already requested from someone. Pieces that failed on ps are only retried on it
// when nobody else holds them.
func (s *SwarmState) assign(ps *peerState, have func(int) bool, depth int, now time.Time) []int {
	slots := depth - len(ps.pending)
	if slots <= 0 || ps.record.Pieces == nil {
		return nil
	}

	candidates := make([]int, 0)
	for i := 0; i < s.numPieces; i++ {
		if !ps.has(i) || have(i) {
			continue
		}
		if _, ok := s.inflight[i]; ok {
			continue
		}
		if _, ok := ps.avoid[i]; ok && s.availability[i] > 1 {
			continue
		}
		candidates = append(candidates, i)
	}

	picked := RarestFirst(candidates, s.availability)
	if len(picked) > slots {
		picked = picked[:slots]
	}
	for _, index := range picked {
		s.inflight[index] = request{conn: ps.conn, at: now}
		ps.pending[index] = now
	}
	return picked
}

// release drops the in-flight request of index, whoever it was sent to.
func (s *SwarmState) release(index int) (request, bool) {
	req, ok := s.inflight[index]
	if !ok {
		return request{}, false
	}
	delete(s.inflight, index)
	if ps, ok := s.peers[req.conn]; ok {
		delete(ps.pending, index)
	}
	return req, true
}

type expiredRequest struct {
	index int
	conn  *p2p.Conn
}

func (s *SwarmState) expired(now time.Time, timeout time.Duration) []expiredRequest {
	var out []expiredRequest
	for index, req := range s.inflight {
		if now.Sub(req.at) >= timeout {
			out = append(out, expiredRequest{index: index, conn: req.conn})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out
}

// candidates returns known addresses worth dialling now.
func (s *SwarmState) candidates(now time.Time, retry time.Duration) []models.Addr {
	connected := make(map[string]struct{}, len(s.peers))
	for conn := range s.peers {
		if conn.Outbound() {
			connected[conn.Addr().String()] = struct{}{}
		}
	}

	var out []models.Addr
	for key, addr := range s.known {
		if _, ok := connected[key]; ok {
			continue
		}
		if s.dialing.Contains(key) || s.rejected.Contains(key) {
			continue
		}
		if id, ok := s.addrPeer[key]; ok {
			if _, ok := s.byPeerID[id]; ok {
				continue
			}
		}
		if last, ok := s.lastDial[key]; ok && now.Sub(last) < retry {
			continue
		}
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// useful counts the pieces ps holds that we lack.
func (s *SwarmState) useful(ps *peerState, have func(int) bool) int {
	n := 0
	for i := 0; i < s.numPieces; i++ {
		if ps.has(i) && !have(i) {
			n++
		}
	}
	return n
}

func (s *SwarmState) held(ps *peerState) int {
	n := 0
	for i := 0; i < s.numPieces; i++ {
		if ps.has(i) {
			n++
		}
	}
	return n
}
