package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/WendelHime/swarmbench/internal/shared/models"
)

// connectionIDLifetime is how long a client may reuse a connection id.
const connectionIDLifetime = time.Minute

type connectionID struct {
	id      uint64
	expires time.Time
}

type UDPGetter struct {
	timeout time.Duration
	retries int
	log     *slog.Logger

	mu    sync.Mutex
	conns map[string]connectionID
}

func NewUDPGetter(timeout time.Duration, retries int, logger *slog.Logger) *UDPGetter {
	return &UDPGetter{
		timeout: timeout,
		retries: retries,
		log:     logger,
		conns:   make(map[string]connectionID),
	}
}

func (u *UDPGetter) Announce(ctx context.Context, announce string, req AnnounceRequest) (AnnounceResponse, error) {
	var reply announceReply
	err := u.roundTrip(ctx, announce, func(connID uint64, transactionID uint32) []byte {
		return encodeAnnounceRequest(announcePacket{
			ConnectionID:  connID,
			TransactionID: transactionID,
			Request:       req,
			Key:           rand.Uint32(),
		})
	}, actionAnnounce, func(b []byte) error {
		var err error
		reply, err = decodeAnnounceResponse(b)
		return err
	})
	if err != nil {
		return AnnounceResponse{}, err
	}

	return AnnounceResponse{
		Interval: time.Duration(reply.Interval) * time.Second,
		Leechers: int(reply.Leechers),
		Seeders:  int(reply.Seeders),
		Peers:    reply.Peers,
	}, nil
}

func (u *UDPGetter) Scrape(ctx context.Context, announce string, swarmID models.Hash) (ScrapeResponse, error) {
	var entries []ScrapeResponse
	err := u.roundTrip(ctx, announce, func(connID uint64, transactionID uint32) []byte {
		return encodeScrapeRequest(scrapePacket{
			ConnectionID:  connID,
			TransactionID: transactionID,
			SwarmIDs:      []models.Hash{swarmID},
		})
	}, actionScrape, func(b []byte) error {
		var err error
		entries, err = decodeScrapeResponse(b)
		return err
	})
	if err != nil {
		return ScrapeResponse{}, err
	}
	if len(entries) != 1 {
		return ScrapeResponse{}, ErrMalformedResponse
	}
	return entries[0], nil
}

// roundTrip runs the connect/request exchange. Every attempt doubles the timeout of the
// previous one; when all attempts time out the error wraps ErrDiscoveryFailed.
func (u *UDPGetter) roundTrip(ctx context.Context, announce string, encode func(connID uint64, transactionID uint32) []byte, action uint32, decode func([]byte) error) error {
	tracker, err := url.Parse(announce)
	if err != nil {
		return err
	}
	raddr, err := net.ResolveUDPAddr("udp", tracker.Host)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDiscoveryFailed, err)
	}

	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDiscoveryFailed, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	timeout := u.timeout
	for attempt := 1; attempt <= u.retries; attempt, timeout = attempt+1, timeout*2 {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		connID, err := u.connectionID(conn, tracker.Host, timeout)
		if err == nil {
			transactionID := rand.Uint32()
			_, err = conn.Write(encode(connID, transactionID))
			if err == nil {
				var resp []byte
				resp, err = u.read(conn, transactionID, timeout)
				if err == nil {
					return u.handle(tracker.Host, resp, action, decode)
				}
			}
		}
		if !isTimeout(err) {
			return fmt.Errorf("%w: %v", ErrDiscoveryFailed, err)
		}
		u.log.Warn("tracker did not answer", slog.String("tracker", announce), slog.Int("attempt", attempt), slog.Duration("timeout", timeout))
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	return fmt.Errorf("%w: no answer from %s after %d attempts", ErrDiscoveryFailed, announce, u.retries)
}

func (u *UDPGetter) handle(host string, resp []byte, action uint32, decode func([]byte) error) error {
	got, _, _ := header(resp)
	switch got {
	case action:
		return decode(resp)
	case actionError:
		// the connection id may have expired on the tracker side
		u.forget(host)
		return fmt.Errorf("%w: %s", ErrTrackerFailure, string(resp[8:]))
	default:
		return ErrMalformedResponse
	}
}

func (u *UDPGetter) connectionID(conn *net.UDPConn, host string, timeout time.Duration) (uint64, error) {
	u.mu.Lock()
	cached, ok := u.conns[host]
	u.mu.Unlock()
	if ok && time.Now().Before(cached.expires) {
		return cached.id, nil
	}

	transactionID := rand.Uint32()
	_, err := conn.Write(encodeConnectRequest(transactionID))
	if err != nil {
		return 0, err
	}
	resp, err := u.read(conn, transactionID, timeout)
	if err != nil {
		return 0, err
	}
	if action, _, _ := header(resp); action != actionConnect {
		return 0, ErrMalformedResponse
	}
	connect, err := decodeConnectResponse(resp)
	if err != nil {
		return 0, err
	}

	u.mu.Lock()
	u.conns[host] = connectionID{id: connect.ConnectionID, expires: time.Now().Add(connectionIDLifetime)}
	u.mu.Unlock()
	return connect.ConnectionID, nil
}

func (u *UDPGetter) forget(host string) {
	u.mu.Lock()
	delete(u.conns, host)
	u.mu.Unlock()
}

// read waits for the response to transactionID, skipping stale datagrams.
func (u *UDPGetter) read(conn *net.UDPConn, transactionID uint32, timeout time.Duration) ([]byte, error) {
	err := conn.SetReadDeadline(time.Now().Add(timeout))
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 65507)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return nil, err
		}
		if _, got, ok := header(buf[:n]); ok && got == transactionID {
			return buf[:n], nil
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
