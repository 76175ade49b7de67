package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/WendelHime/swarmbench/internal/shared/models"
)

var (
	// ErrDiscoveryFailed is returned once every announce attempt timed out.
	ErrDiscoveryFailed = errors.New("peer discovery failed")
	// ErrTrackerFailure is returned when the tracker answered with an error.
	ErrTrackerFailure     = errors.New("tracker returned an error")
	ErrUnsupportedScheme  = errors.New("unsupported tracker protocol")
	ErrScrapeUnsupported  = errors.New("scrape is not supported by this tracker")
	ErrMalformedResponse  = errors.New("malformed tracker response")
	ErrInvalidAnnounceURL = errors.New("announce url is empty")
)

// Event codes follow the UDP tracker protocol numbering.
type Event uint32

const (
	EventNone Event = iota
	EventCompleted
	EventStarted
	EventStopped
)

func (e Event) String() string {
	switch e {
	case EventCompleted:
		return "completed"
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	default:
		return ""
	}
}

func ParseEvent(s string) Event {
	switch s {
	case "completed":
		return EventCompleted
	case "started":
		return EventStarted
	case "stopped":
		return EventStopped
	default:
		return EventNone
	}
}

type AnnounceRequest struct {
	SwarmID    models.Hash
	PeerID     models.Hash
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	NumWant    int32
}

type AnnounceResponse struct {
	Interval time.Duration
	Leechers int
	Seeders  int
	Peers    []models.Addr
}

type ScrapeResponse struct {
	Seeders   int
	Completed int
	Leechers  int
}

type Tracker interface {
	Announce(ctx context.Context, req AnnounceRequest) (AnnounceResponse, error)
	Scrape(ctx context.Context, swarmID models.Hash) (ScrapeResponse, error)
	WithHTTPClient(client *http.Client) Tracker
}

type PeersGetter interface {
	Announce(ctx context.Context, announce string, req AnnounceRequest) (AnnounceResponse, error)
	Scrape(ctx context.Context, announce string, swarmID models.Hash) (ScrapeResponse, error)
}

type Options struct {
	// Timeout of the first attempt; each retry doubles it.
	Timeout time.Duration
	Retries int
	Logger  *slog.Logger
}

const (
	DefaultTimeout = 2 * time.Second
	DefaultRetries = 3
)

type tracker struct {
	AnnounceURL string
	HTTPClient  PeersGetter
	UDPClient   PeersGetter
	log         *slog.Logger
}

func NewTracker(announceURL string, opts Options) Tracker {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries <= 0 {
		opts.Retries = DefaultRetries
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &tracker{
		AnnounceURL: announceURL,
		HTTPClient:  NewHTTPGetter(&http.Client{Timeout: opts.Timeout * time.Duration(opts.Retries)}),
		UDPClient:   NewUDPGetter(opts.Timeout, opts.Retries, opts.Logger),
		log:         opts.Logger,
	}
}

func (t *tracker) WithHTTPClient(client *http.Client) Tracker {
	t.HTTPClient = NewHTTPGetter(client)
	return t
}

func (t *tracker) getter() (PeersGetter, error) {
	switch {
	case t.AnnounceURL == "":
		return nil, ErrInvalidAnnounceURL
	case strings.HasPrefix(t.AnnounceURL, "http"):
		return t.HTTPClient, nil
	case strings.HasPrefix(t.AnnounceURL, "udp"):
		return t.UDPClient, nil
	default:
		t.log.Error("unsupported protocol", slog.String("announce-url", t.AnnounceURL))
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, t.AnnounceURL)
	}
}

func (t *tracker) Announce(ctx context.Context, req AnnounceRequest) (AnnounceResponse, error) {
	g, err := t.getter()
	if err != nil {
		return AnnounceResponse{}, err
	}
	return g.Announce(ctx, t.AnnounceURL, req)
}

func (t *tracker) Scrape(ctx context.Context, swarmID models.Hash) (ScrapeResponse, error) {
	g, err := t.getter()
	if err != nil {
		return ScrapeResponse{}, err
	}
	return g.Scrape(ctx, t.AnnounceURL, swarmID)
}
