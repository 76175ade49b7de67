package httpbench

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"path"
	"sync/atomic"
	"time"

	"github.com/WendelHime/swarmbench/internal/metrics"
	"github.com/WendelHime/swarmbench/internal/shared/models"
	"golang.org/x/net/http2"
)

var (
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	ErrUnexpectedStatus    = errors.New("unexpected status")
)

const DefaultTimeout = 60 * time.Second

// Client downloads files over a single HTTP version. Every download opens a fresh connection,
// so its wire bytes include connection setup.
type Client struct {
	protocol models.Protocol
	timeout  time.Duration
	log      *slog.Logger
}

func NewClient(protocol models.Protocol, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	switch protocol {
	case models.ProtocolHTTP1, models.ProtocolHTTP2:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, protocol)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{protocol: protocol, timeout: timeout, log: logger}, nil
}

func (c *Client) Protocol() models.Protocol {
	return c.protocol
}

func (c *Client) transport(d *countingDialer) http.RoundTripper {
	if c.protocol == models.ProtocolHTTP2 {
		return &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return d.DialContext(ctx, network, addr)
			},
		}
	}
	return &http.Transport{
		DialContext:       d.DialContext,
		DisableKeepAlives: true,
	}
}

// Download fetches rawURL into w. Payload is the body length, wire is every byte read from the
// connection, status line and headers included.
func (c *Client) Download(ctx context.Context, rawURL string, w io.Writer) (models.TransferMetrics, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return models.TransferMetrics{}, err
	}

	dialer := &countingDialer{dialer: net.Dialer{Timeout: c.timeout}}
	transport := c.transport(dialer)
	if closer, ok := transport.(interface{ CloseIdleConnections() }); ok {
		defer closer.CloseIdleConnections()
	}
	client := &http.Client{Transport: transport, Timeout: c.timeout}

	rec := metrics.NewRecorder(c.protocol, models.DirectionDownload, path.Base(u.Path), 0)
	trace := &httptrace.ClientTrace{
		GotConn: func(httptrace.GotConnInfo) {
			rec.Record(metrics.PhaseConnected, time.Now())
		},
		GotFirstResponseByte: func() {
			rec.Record(metrics.PhaseHeaders, time.Now())
		},
	}
	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), http.MethodGet, rawURL, nil)
	if err != nil {
		return models.TransferMetrics{}, err
	}
	if c.protocol == models.ProtocolHTTP1 {
		req.Close = true
	}

	rec.MarkStart()
	resp, err := client.Do(req)
	if err != nil {
		return models.TransferMetrics{}, fmt.Errorf("failed to get %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.TransferMetrics{}, fmt.Errorf("%w: %s from %s", ErrUnexpectedStatus, resp.Status, rawURL)
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return models.TransferMetrics{}, fmt.Errorf("failed to read body of %s: %w", rawURL, err)
	}
	rec.MarkEnd()
	rec.AddPayload(n)
	rec.AddWire(dialer.read.Load())

	m, err := rec.Finalize()
	if err != nil {
		return models.TransferMetrics{}, err
	}
	m.FileSize = n
	c.log.Debug("download finished",
		slog.String("url", rawURL),
		slog.String("proto", resp.Proto),
		slog.Int64("payload", m.PayloadBytes),
		slog.Int64("wire", m.WireBytes),
		slog.Float64("transfer_time", m.TransferTime))
	return m, nil
}

type countingDialer struct {
	dialer net.Dialer
	read   atomic.Int64
}

func (d *countingDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := d.dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return &countingConn{Conn: conn, read: &d.read}, nil
}

type countingConn struct {
	net.Conn
	read *atomic.Int64
}

func (c *countingConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.read.Add(int64(n))
	return n, err
}
