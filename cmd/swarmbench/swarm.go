package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"github.com/WendelHime/swarmbench/internal/config"
	"github.com/WendelHime/swarmbench/internal/decoder"
	"github.com/WendelHime/swarmbench/internal/logic"
	"github.com/WendelHime/swarmbench/internal/magnet"
	"github.com/WendelHime/swarmbench/internal/metrics"
	"github.com/WendelHime/swarmbench/internal/piecestore"
	"github.com/WendelHime/swarmbench/internal/shared/models"
	"github.com/WendelHime/swarmbench/internal/tracker"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/pflag"
)

var errMissingSource = errors.New("either --magnet or --descriptor is required")

func swarmFlags(fs *pflag.FlagSet) func(cfg *config.Config) {
	listen := fs.String("listen", "", "peer listen address, overrides swarm.listen or swarm.leech_listen")
	maxPeers := fs.Int("max-peers", 0, "connection limit, overrides swarm.max_peers")
	uploadRate := fs.Int("upload-rate", 0, "upload cap in bytes per second, overrides swarm.upload_rate")
	results := fs.String("results", "", "results directory, overrides results_dir")
	return func(cfg *config.Config) {
		if *listen != "" {
			cfg.Swarm.Listen = *listen
			cfg.Swarm.LeechListen = *listen
		}
		if *maxPeers > 0 {
			cfg.Swarm.MaxPeers = *maxPeers
		}
		if *uploadRate > 0 {
			cfg.Swarm.UploadRate = *uploadRate
		}
		if *results != "" {
			cfg.ResultsDir = *results
		}
	}
}

func seedCommand(fs *pflag.FlagSet) runFunc {
	file := fs.String("file", "", "file to share")
	announce := fs.String("tracker", "udp://127.0.0.1:6969", "tracker announce URL")
	descPath := fs.String("descriptor", "", "where to write the descriptor, defaults to <file>.torrent")
	pieceLength := fs.Int64("piece-length", 0, "piece length in bytes, overrides swarm.piece_length")
	apply := swarmFlags(fs)

	return func(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
		apply(&cfg)
		if *file == "" {
			return errors.New("--file is required")
		}
		if *pieceLength > 0 {
			cfg.Swarm.PieceLength = *pieceLength
		}
		if *descPath == "" {
			*descPath = *file + ".torrent"
		}

		desc, err := splitFile(*file, cfg.Swarm.PieceLength, *announce)
		if err != nil {
			return err
		}
		err = writeDescriptor(*descPath, desc)
		if err != nil {
			return err
		}

		backend, err := piecestore.OpenReadOnlyFileBackend(*file)
		if err != nil {
			return err
		}
		store, err := piecestore.NewSeeded(desc, backend, cfg.Swarm.CacheSize, false)
		if err != nil {
			backend.Close()
			return err
		}
		defer store.Close()

		link := magnet.FromDescriptor(desc)
		fmt.Printf("seeding %s (%d bytes, %d pieces)\n", desc.Info.Name, desc.Info.Length, desc.NumPieces())
		fmt.Printf("descriptor: %s\n", *descPath)
		fmt.Printf("magnet: %s\n", link)
		logger.Info("seeding", slog.String("magnet", link.String()), slog.String("descriptor", *descPath))

		t := tracker.NewTracker(desc.Announce, trackerOptions(cfg, logger))
		m, err := logic.NewCoordinator(cfg.Swarm.Logic(), store, t, logger).Run(ctx, nil)
		if err != nil {
			return err
		}
		fmt.Printf("\nuploaded %d bytes, %d on the wire\n", m.PayloadBytes, m.WireBytes)
		return saveResult(cfg, m, logger)
	}
}

func leechCommand(fs *pflag.FlagSet) runFunc {
	link := fs.String("magnet", "", "magnet link of the swarm")
	descPath := fs.String("descriptor", "", "descriptor file of the swarm")
	output := fs.StringP("output", "o", ".", "output directory")
	keepSeeding := fs.Bool("seed", false, "keep seeding once the download completes")
	apply := swarmFlags(fs)

	return func(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
		apply(&cfg)
		swarmCfg := cfg.Swarm.LeechLogic()

		ln, err := net.Listen("tcp", swarmCfg.ListenAddr)
		if err != nil {
			return err
		}
		self, err := logic.ListenerAddr(ln)
		if err != nil {
			ln.Close()
			return err
		}
		peerID := logic.GeneratePeerID()

		var desc models.Descriptor
		var t tracker.Tracker
		switch {
		case *descPath != "":
			desc, err = readDescriptor(*descPath)
			if err != nil {
				ln.Close()
				return err
			}
			t = tracker.NewTracker(desc.Announce, trackerOptions(cfg, logger))
		case *link != "":
			l, err := magnet.Parse(*link)
			if err != nil {
				ln.Close()
				return err
			}
			t = tracker.NewTracker(l.Tracker, trackerOptions(cfg, logger))
			fmt.Printf("fetching metadata of %s\n", l.InfoHash)
			desc, err = logic.FetchDescriptor(ctx, l, t, peerID, self.Port, swarmCfg, logger)
			if err != nil {
				ln.Close()
				return err
			}
		default:
			ln.Close()
			return errMissingSource
		}

		path := filepath.Join(*output, desc.Info.Name)
		backend, err := piecestore.OpenFileBackend(path, desc.Info.Length)
		if err != nil {
			ln.Close()
			return err
		}
		store, err := piecestore.New(desc, backend, cfg.Swarm.CacheSize)
		if err != nil {
			backend.Close()
			ln.Close()
			return err
		}
		defer store.Close()

		bar := progressbar.DefaultBytes(desc.Info.Length, "downloading "+desc.Info.Name)
		coord := logic.NewCoordinator(swarmCfg, store, t, logger).
			WithListener(ln).
			WithPeerID(peerID).
			WithProgress(bar)
		m, err := coord.Run(ctx, nil)
		if err != nil {
			return err
		}
		bar.Finish()
		fmt.Printf("\n%s: %d bytes in %.3fs, %.2f KB/s, overhead %.4f\n",
			path, m.PayloadBytes, m.TransferTime, m.Throughput/1024, m.OverheadRatio)
		err = saveResult(cfg, m, logger)
		if err != nil || !*keepSeeding {
			return err
		}

		fmt.Println("seeding, interrupt to stop")
		m, err = logic.NewCoordinator(swarmCfg, store, t, logger).WithPeerID(peerID).Run(ctx, nil)
		if err != nil {
			return err
		}
		return saveResult(cfg, m, logger)
	}
}

func splitFile(path string, pieceLength int64, announce string) (models.Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.Descriptor{}, err
	}
	defer f.Close()
	return piecestore.Split(f, filepath.Base(path), pieceLength, announce)
}

func writeDescriptor(path string, desc models.Descriptor) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	err = decoder.Encode(f, desc)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func readDescriptor(path string) (models.Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.Descriptor{}, err
	}
	defer f.Close()
	return decoder.NewDecoder().Decode(f)
}

func trackerOptions(cfg config.Config, logger *slog.Logger) tracker.Options {
	opts := cfg.Tracker.Options()
	opts.Logger = logger
	return opts
}

func saveResult(cfg config.Config, m models.TransferMetrics, logger *slog.Logger) error {
	store, err := metrics.NewResultStore(cfg.ResultsDir)
	if err != nil {
		return err
	}
	path, err := store.Save(m)
	if err != nil {
		return err
	}
	logger.Info("result saved", slog.String("path", path), slog.String("run", m.RunID))
	fmt.Printf("result saved to %s\n", path)
	return nil
}
