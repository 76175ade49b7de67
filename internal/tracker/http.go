package tracker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/WendelHime/swarmbench/internal/shared/models"
	"github.com/jackpal/bencode-go"
)

type peersResponse struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int    `bencode:"interval"`
	Complete      int    `bencode:"complete"`
	Incomplete    int    `bencode:"incomplete"`
	Peers         string `bencode:"peers"`
}

type failureResponse struct {
	FailureReason string `bencode:"failure reason"`
}

type HTTPGetter struct {
	client *http.Client
}

func NewHTTPGetter(client *http.Client) *HTTPGetter {
	return &HTTPGetter{client: client}
}

func (h *HTTPGetter) Announce(ctx context.Context, announce string, req AnnounceRequest) (AnnounceResponse, error) {
	tracker, err := url.Parse(announce)
	if err != nil {
		return AnnounceResponse{}, err
	}

	query := tracker.Query()
	query.Add("info_hash", string(req.SwarmID[:]))
	query.Add("peer_id", string(req.PeerID[:]))
	query.Add("port", strconv.Itoa(int(req.Port)))
	query.Add("uploaded", strconv.FormatInt(req.Uploaded, 10))
	query.Add("downloaded", strconv.FormatInt(req.Downloaded, 10))
	query.Add("left", strconv.FormatInt(req.Left, 10))
	query.Add("compact", "1")
	if req.Event != EventNone {
		query.Add("event", req.Event.String())
	}
	if req.NumWant > 0 {
		query.Add("numwant", strconv.Itoa(int(req.NumWant)))
	}
	tracker.RawQuery = query.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, tracker.String(), nil)
	if err != nil {
		return AnnounceResponse{}, err
	}
	response, err := h.client.Do(httpReq)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("%w: %v", ErrDiscoveryFailed, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return AnnounceResponse{}, fmt.Errorf("%w: http error: %s", ErrTrackerFailure, response.Status)
	}

	return decodeHTTPResponse(response.Body)
}

func (h *HTTPGetter) Scrape(context.Context, string, models.Hash) (ScrapeResponse, error) {
	return ScrapeResponse{}, ErrScrapeUnsupported
}

func decodeHTTPResponse(response io.Reader) (AnnounceResponse, error) {
	resp := peersResponse{}
	err := bencode.Unmarshal(response, &resp)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if resp.FailureReason != "" {
		return AnnounceResponse{}, fmt.Errorf("%w: %s", ErrTrackerFailure, resp.FailureReason)
	}

	peers, err := models.DecodeCompactPeers([]byte(resp.Peers))
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	return AnnounceResponse{
		Interval: time.Duration(resp.Interval) * time.Second,
		Seeders:  resp.Complete,
		Leechers: resp.Incomplete,
		Peers:    peers,
	}, nil
}
