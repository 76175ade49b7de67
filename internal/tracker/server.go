package tracker

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/WendelHime/swarmbench/internal/shared/models"
	"github.com/jackpal/bencode-go"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultNumWant  = 50
)

// Server is a minimal tracker answering announces and scrapes over UDP and announces over HTTP.
type Server struct {
	registry *Registry
	interval time.Duration
	log      *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	conns map[uint64]time.Time
}

func NewServer(interval time.Duration, logger *slog.Logger) (*Server, error) {
	registry, err := NewRegistry()
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry: registry,
		interval: interval,
		log:      logger,
		now:      time.Now,
		conns:    make(map[uint64]time.Time),
	}, nil
}

// ServeUDP answers datagrams on conn until ctx is done.
func (s *Server) ServeUDP(ctx context.Context, conn net.PacketConn) error {
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, 65507)
	for {
		n, raddr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		udpAddr, ok := raddr.(*net.UDPAddr)
		if !ok {
			continue
		}
		from := models.Addr{IP: udpAddr.IP, Port: uint16(udpAddr.Port)}
		resp := s.HandlePacket(buf[:n], from)
		if resp == nil {
			continue
		}
		_, err = conn.WriteTo(resp, raddr)
		if err != nil {
			s.log.Warn("failed to answer tracker request", slog.String("peer", from.String()), slog.Any("error", err))
		}
	}
}

// HandlePacket answers one UDP request. Packets too short to carry a transaction id get no answer.
func (s *Server) HandlePacket(b []byte, from models.Addr) []byte {
	if len(b) < 16 {
		return nil
	}
	// every request starts with connection id, action and transaction id
	action := binary.BigEndian.Uint32(b[8:12])
	transactionID := binary.BigEndian.Uint32(b[12:16])

	switch action {
	case actionConnect:
		_, err := decodeConnectRequest(b)
		if err != nil {
			return encodeErrorResponse(transactionID, "bad connect request")
		}
		return encodeConnectResponse(connectResponse{TransactionID: transactionID, ConnectionID: s.issueConnectionID()})
	case actionAnnounce:
		p, err := decodeAnnounceRequest(b)
		if err != nil {
			return encodeErrorResponse(transactionID, "bad announce request")
		}
		if !s.validConnectionID(p.ConnectionID) {
			return encodeErrorResponse(transactionID, "unknown connection id")
		}
		// ip, zero means the sender of the packet
		if p.IP != 0 {
			from.IP = net.IPv4(byte(p.IP>>24), byte(p.IP>>16), byte(p.IP>>8), byte(p.IP))
		}
		from.Port = p.Request.Port
		resp, err := s.announce(p.Request, from)
		if err != nil {
			return encodeErrorResponse(transactionID, err.Error())
		}
		return encodeAnnounceResponse(announceReply{
			TransactionID: transactionID,
			Interval:      uint32(resp.Interval / time.Second),
			Leechers:      uint32(resp.Leechers),
			Seeders:       uint32(resp.Seeders),
			Peers:         resp.Peers,
		})
	case actionScrape:
		p, err := decodeScrapeRequest(b)
		if err != nil {
			return encodeErrorResponse(transactionID, "bad scrape request")
		}
		if !s.validConnectionID(p.ConnectionID) {
			return encodeErrorResponse(transactionID, "unknown connection id")
		}
		entries := make([]ScrapeResponse, 0, len(p.SwarmIDs))
		for _, id := range p.SwarmIDs {
			stats, err := s.registry.Stats(id, s.now().Add(-2*s.interval))
			if err != nil {
				return encodeErrorResponse(transactionID, err.Error())
			}
			entries = append(entries, stats)
		}
		return encodeScrapeResponse(transactionID, entries)
	default:
		return encodeErrorResponse(transactionID, "unknown action")
	}
}

func (s *Server) issueConnectionID() uint64 {
	id := rand.Uint64()
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, expires := range s.conns {
		if now.After(expires) {
			delete(s.conns, k)
		}
	}
	// trackers accept an id for two minutes, a minute longer than clients use it
	s.conns[id] = now.Add(2 * connectionIDLifetime)
	return id
}

func (s *Server) validConnectionID(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	expires, ok := s.conns[id]
	return ok && s.now().Before(expires)
}

var errInvalidPort = errors.New("invalid port")

func (s *Server) announce(req AnnounceRequest, from models.Addr) (AnnounceResponse, error) {
	if from.Port == 0 {
		return AnnounceResponse{}, errInvalidPort
	}
	now := s.now()

	var err error
	switch req.Event {
	case EventStopped:
		err = s.registry.Remove(req.SwarmID, from)
	case EventCompleted:
		err = s.registry.MarkCompleted(req.SwarmID)
		if err == nil {
			err = s.registry.Upsert(req.SwarmID, req.PeerID, from, req.Left, now)
		}
	default:
		err = s.registry.Upsert(req.SwarmID, req.PeerID, from, req.Left, now)
	}
	if err != nil {
		return AnnounceResponse{}, err
	}
	s.log.Info("announce", slog.String("swarm", req.SwarmID.String()), slog.String("peer", from.String()), slog.String("event", req.Event.String()), slog.Int64("left", req.Left))

	entries, err := s.registry.Peers(req.SwarmID, now.Add(-2*s.interval))
	if err != nil {
		return AnnounceResponse{}, err
	}

	numWant := int(req.NumWant)
	if numWant <= 0 {
		numWant = DefaultNumWant
	}
	resp := AnnounceResponse{Interval: s.interval}
	self := from.String()
	for _, entry := range entries {
		if entry.Left == 0 {
			resp.Seeders++
		} else {
			resp.Leechers++
		}
		if entry.Addr.String() == self || len(resp.Peers) >= numWant {
			continue
		}
		resp.Peers = append(resp.Peers, entry.Addr)
	}
	return resp, nil
}

// ServeHTTP answers GET /announce with a bencoded compact peer list.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, from, err := parseHTTPAnnounce(r)
	if err != nil {
		writeFailure(w, err.Error())
		return
	}
	resp, err := s.announce(req, from)
	if err != nil {
		writeFailure(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	err = bencode.Marshal(w, peersResponse{
		Interval:   int(resp.Interval / time.Second),
		Complete:   resp.Seeders,
		Incomplete: resp.Leechers,
		Peers:      string(models.EncodeCompactPeers(resp.Peers)),
	})
	if err != nil {
		s.log.Warn("failed to write announce response", slog.Any("error", err))
	}
}

func writeFailure(w http.ResponseWriter, reason string) {
	w.Header().Set("Content-Type", "text/plain")
	bencode.Marshal(w, failureResponse{FailureReason: reason})
}

// parseCounter reads an optional byte counter; absent means zero.
func parseCounter(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, strconv.ErrRange
	}
	return n, nil
}

func parseHTTPAnnounce(r *http.Request) (AnnounceRequest, models.Addr, error) {
	query := r.URL.Query()

	swarmID, err := models.HashFromBytes([]byte(query.Get("info_hash")))
	if err != nil {
		return AnnounceRequest{}, models.Addr{}, errors.New("invalid info_hash")
	}
	peerID, err := models.HashFromBytes([]byte(query.Get("peer_id")))
	if err != nil {
		return AnnounceRequest{}, models.Addr{}, errors.New("invalid peer_id")
	}
	port, err := strconv.ParseUint(query.Get("port"), 10, 16)
	if err != nil {
		return AnnounceRequest{}, models.Addr{}, errInvalidPort
	}
	req := AnnounceRequest{
		SwarmID: swarmID,
		PeerID:  peerID,
		Port:    uint16(port),
		Event:   ParseEvent(query.Get("event")),
	}
	req.Uploaded, err = parseCounter(query.Get("uploaded"))
	if err != nil {
		return AnnounceRequest{}, models.Addr{}, errors.New("invalid uploaded")
	}
	req.Downloaded, err = parseCounter(query.Get("downloaded"))
	if err != nil {
		return AnnounceRequest{}, models.Addr{}, errors.New("invalid downloaded")
	}
	req.Left, err = strconv.ParseInt(query.Get("left"), 10, 64)
	if err != nil {
		return AnnounceRequest{}, models.Addr{}, errors.New("invalid left")
	}
	numWant, err := strconv.ParseInt(query.Get("numwant"), 10, 32)
	if err == nil {
		req.NumWant = int32(numWant)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := query.Get("ip"); ip != "" {
		host = ip
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return AnnounceRequest{}, models.Addr{}, models.ErrInvalidAddr
	}
	return req, models.Addr{IP: ip, Port: req.Port}, nil
}
