package integration

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/WendelHime/swarmbench/internal/httpbench"
	"github.com/WendelHime/swarmbench/internal/logic"
	"github.com/WendelHime/swarmbench/internal/magnet"
	"github.com/WendelHime/swarmbench/internal/piecestore"
	"github.com/WendelHime/swarmbench/internal/shared/models"
	"github.com/WendelHime/swarmbench/internal/tracker"
	"github.com/cucumber/godog"
)

type leecherResult struct {
	data    []byte
	metrics models.TransferMetrics
	err     error
}

type IntegrationTest struct {
	logger      *slog.Logger
	announceURL string
	trackerOpts tracker.Options
	original    []byte
	link        magnet.Link
	results     []leecherResult

	ctx     context.Context
	cancel  context.CancelFunc
	done    sync.WaitGroup
	cleanup []func()
}

func swarmConfig() logic.Config {
	return logic.Config{
		ListenAddr:     "127.0.0.1:0",
		RequestTimeout: 2 * time.Second,
		IdleTimeout:    5 * time.Second,
		StallTimeout:   30 * time.Second,
		RetryInterval:  200 * time.Millisecond,
	}
}

func (i *IntegrationTest) aTrackerIsRunning() error {
	srv, err := tracker.NewServer(time.Second, i.logger)
	if err != nil {
		return err
	}
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	i.done.Add(1)
	go func() {
		defer i.done.Done()
		srv.ServeUDP(i.ctx, pc)
	}()
	i.cleanup = append(i.cleanup, func() { pc.Close() })
	i.announceURL = "udp://" + pc.LocalAddr().String()
	return nil
}

func (i *IntegrationTest) anUnreachableTracker() error {
	// nothing answers on a socket that was closed right away
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	i.announceURL = "udp://" + pc.LocalAddr().String()
	i.trackerOpts = tracker.Options{Timeout: 50 * time.Millisecond, Retries: 2, Logger: i.logger}
	return pc.Close()
}

func (i *IntegrationTest) aSeederSharesARandomFile(size, pieceLength string) error {
	n, err := httpbench.ParseSize(size)
	if err != nil {
		return err
	}
	pl, err := httpbench.ParseSize(pieceLength)
	if err != nil {
		return err
	}
	i.original = make([]byte, n)
	_, err = rand.Read(i.original)
	if err != nil {
		return err
	}

	desc, err := piecestore.Split(bytes.NewReader(i.original), "shared.bin", pl, i.announceURL)
	if err != nil {
		return err
	}
	backend := piecestore.NewMemoryBackend(desc.Info.Length)
	_, err = backend.WriteAt(i.original, 0)
	if err != nil {
		return err
	}
	store, err := piecestore.NewSeeded(desc, backend, 16, true)
	if err != nil {
		return err
	}
	i.link = magnet.FromDescriptor(desc)

	seeder := logic.NewCoordinator(swarmConfig(), store, tracker.NewTracker(i.announceURL, i.trackerOpts), i.logger)
	_, err = seeder.Listen()
	if err != nil {
		return err
	}
	i.done.Add(1)
	go func() {
		defer i.done.Done()
		seeder.Run(i.ctx, nil)
	}()
	return nil
}

func (i *IntegrationTest) leechersJoinTheSwarm(count int) error {
	link, err := magnet.Parse(i.link.String())
	if err != nil {
		return err
	}

	i.results = make([]leecherResult, count)
	var wg sync.WaitGroup
	for n := 0; n < count; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			i.results[n] = i.leech(link)
		}(n)
	}
	wg.Wait()
	return nil
}

func (i *IntegrationTest) leech(link magnet.Link) leecherResult {
	cfg := swarmConfig()
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return leecherResult{err: err}
	}
	self, err := logic.ListenerAddr(ln)
	if err != nil {
		ln.Close()
		return leecherResult{err: err}
	}
	t := tracker.NewTracker(link.Tracker, i.trackerOpts)
	peerID := logic.GeneratePeerID()

	ctx, cancel := context.WithTimeout(i.ctx, time.Minute)
	defer cancel()
	desc, err := logic.FetchDescriptor(ctx, link, t, peerID, self.Port, cfg, i.logger)
	if err != nil {
		ln.Close()
		return leecherResult{err: err}
	}
	store, err := piecestore.New(desc, piecestore.NewMemoryBackend(desc.Info.Length), 16)
	if err != nil {
		ln.Close()
		return leecherResult{err: err}
	}

	var out bytes.Buffer
	m, err := logic.NewCoordinator(cfg, store, t, i.logger).
		WithListener(ln).
		WithPeerID(peerID).
		Run(ctx, &out)
	return leecherResult{data: out.Bytes(), metrics: m, err: err}
}

func (i *IntegrationTest) everyLeecherShouldHaveAnIdenticalCopy() error {
	for n, r := range i.results {
		if r.err != nil {
			return fmt.Errorf("leecher %d failed: %w", n, r.err)
		}
		if !bytes.Equal(r.data, i.original) {
			return fmt.Errorf("leecher %d assembled %d bytes that differ from the original", n, len(r.data))
		}
		if r.metrics.PayloadBytes < int64(len(i.original)) {
			return fmt.Errorf("leecher %d reported %d payload bytes", n, r.metrics.PayloadBytes)
		}
		if r.metrics.OverheadRatio < 1 {
			return fmt.Errorf("leecher %d reported an overhead ratio of %f", n, r.metrics.OverheadRatio)
		}
	}
	return nil
}

func (i *IntegrationTest) theTrackerShouldCountCompletedDownloads(expected int) error {
	t := tracker.NewTracker(i.announceURL, i.trackerOpts)
	// completed announces are sent right before the leechers return
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := t.Scrape(i.ctx, i.link.InfoHash)
		if err != nil {
			return err
		}
		if resp.Completed == expected {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("tracker counted %d completed downloads, expected %d", resp.Completed, expected)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (i *IntegrationTest) everyLeecherShouldFailWith(message string) error {
	for n, r := range i.results {
		if r.err == nil {
			return fmt.Errorf("leecher %d succeeded", n)
		}
		if !strings.Contains(r.err.Error(), message) {
			return fmt.Errorf("leecher %d failed with %q", n, r.err)
		}
		if !errors.Is(r.err, logic.ErrNoPeers) {
			return fmt.Errorf("leecher %d failed with %v, not ErrNoPeers", n, r.err)
		}
	}
	return nil
}

func (i *IntegrationTest) stop() {
	i.cancel()
	i.done.Wait()
	for _, f := range i.cleanup {
		f()
	}
	i.cleanup = nil
}

func InitializeScenario(ctx *godog.ScenarioContext) {
	i := &IntegrationTest{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	ctx.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		i.ctx, i.cancel = context.WithCancel(context.Background())
		i.trackerOpts = tracker.Options{Logger: i.logger}
		return ctx, nil
	})
	ctx.After(func(ctx context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		i.stop()
		return ctx, nil
	})

	ctx.Step(`^a tracker is running$`, i.aTrackerIsRunning)
	ctx.Step(`^an unreachable tracker$`, i.anUnreachableTracker)
	ctx.Step(`^a seeder shares a random file of "([^"]*)" with pieces of "([^"]*)"$`, i.aSeederSharesARandomFile)
	ctx.Step(`^(\d+) leechers join the swarm with the magnet link$`, i.leechersJoinTheSwarm)
	ctx.Step(`^every leecher should have a copy identical to the original$`, i.everyLeecherShouldHaveAnIdenticalCopy)
	ctx.Step(`^the tracker should count (\d+) completed downloads$`, i.theTrackerShouldCountCompletedDownloads)
	ctx.Step(`^every leecher should fail with "([^"]*)"$`, i.everyLeecherShouldFailWith)
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t, // Testing instance that will run subtests.
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
