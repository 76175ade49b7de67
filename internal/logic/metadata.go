package logic

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/WendelHime/swarmbench/internal/decoder"
	"github.com/WendelHime/swarmbench/internal/magnet"
	"github.com/WendelHime/swarmbench/internal/p2p"
	"github.com/WendelHime/swarmbench/internal/shared/models"
	"github.com/WendelHime/swarmbench/internal/tracker"
	mapset "github.com/deckarep/golang-set/v2"
)

var ErrInvalidMetadata = errors.New("metadata does not match the swarm id")

// FetchDescriptor joins the swarm named by link and asks its peers for the info dictionary.
// The first answer whose SHA-1 is the swarm id wins. port is announced so that peers can
// reach the coordinator started with the descriptor.
func FetchDescriptor(ctx context.Context, link magnet.Link, t tracker.Tracker, peerID models.Hash, port uint16, cfg Config, logger *slog.Logger) (models.Descriptor, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithTimeoutCause(ctx, cfg.StallTimeout, ErrStalled)
	defer cancel()

	rejected := mapset.NewSet[string]()
	for attempt := 1; ; attempt++ {
		resp, err := t.Announce(ctx, tracker.AnnounceRequest{
			SwarmID: link.InfoHash,
			PeerID:  peerID,
			Port:    port,
			// the size is unknown until the metadata arrives
			Left:    1,
			Event:   tracker.EventStarted,
			NumWant: -1,
		})
		switch {
		case err != nil && attempt == 1:
			return models.Descriptor{}, fmt.Errorf("%w: %w", ErrNoPeers, err)
		case err != nil:
			logger.Warn("announce failed while fetching metadata", slog.Any("error", err))
		default:
			peers := make([]models.Addr, 0, len(resp.Peers))
			for _, addr := range resp.Peers {
				if !rejected.Contains(addr.String()) {
					peers = append(peers, addr)
				}
			}
			desc, err := fetchFromPeers(ctx, link, peers, peerID, cfg, logger, rejected)
			if err == nil {
				return desc, nil
			}
			logger.Warn("no peer sent the metadata", slog.Int("peers", len(peers)), slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			return models.Descriptor{}, context.Cause(ctx)
		case <-time.After(cfg.RetryInterval):
		}
	}
}

func fetchFromPeers(ctx context.Context, link magnet.Link, peers []models.Addr, peerID models.Hash, cfg Config, logger *slog.Logger, rejected mapset.Set[string]) (models.Descriptor, error) {
	if len(peers) == 0 {
		return models.Descriptor{}, ErrNoPeers
	}
	if len(peers) > cfg.MaxPeers {
		peers = peers[:cfg.MaxPeers]
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		desc models.Descriptor
		err  error
	}
	results := make(chan result, len(peers))
	for _, addr := range peers {
		go func() {
			desc, err := fetchFromPeer(ctx, link, addr, peerID, cfg, logger)
			if errors.Is(err, p2p.ErrHandshakeRejected) {
				rejected.Add(addr.String())
			}
			results <- result{desc: desc, err: err}
		}()
	}

	var errs []error
	for range peers {
		res := <-results
		if res.err == nil {
			return res.desc, nil
		}
		errs = append(errs, res.err)
	}
	return models.Descriptor{}, errors.Join(errs...)
}

func fetchFromPeer(ctx context.Context, link magnet.Link, addr models.Addr, peerID models.Hash, cfg Config, logger *slog.Logger) (models.Descriptor, error) {
	conn, err := p2p.Dial(ctx, addr, link.InfoHash, peerID, p2p.Options{IdleTimeout: cfg.IdleTimeout, Logger: logger})
	if err != nil {
		return models.Descriptor{}, err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()
	events := make(chan p2p.Event, 8)
	conn.Start(ctx, events)
	err = conn.RequestMetadata()
	if err != nil {
		return models.Descriptor{}, err
	}

	for {
		select {
		case <-ctx.Done():
			return models.Descriptor{}, fmt.Errorf("metadata from %s: %w", addr, ctx.Err())
		case ev := <-events:
			switch ev.Kind {
			case p2p.EventClosed:
				return models.Descriptor{}, fmt.Errorf("metadata from %s: %w", addr, ev.Err)
			case p2p.EventMetadata:
				if sha1.Sum(ev.Data) != link.InfoHash {
					return models.Descriptor{}, fmt.Errorf("%w: from %s", ErrInvalidMetadata, addr)
				}
				logger.Info("metadata received", slog.String("peer", addr.String()), slog.Int("bytes", len(ev.Data)))
				return decoder.FromInfoBytes(link.Tracker, ev.Data)
			}
		}
	}
}
