package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/WendelHime/swarmbench/internal/httpbench"
	"github.com/WendelHime/swarmbench/internal/logic"
	"github.com/WendelHime/swarmbench/internal/piecestore"
	"github.com/WendelHime/swarmbench/internal/tracker"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

// Duration reads "30s"-style strings from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	err := value.Decode(&s)
	if err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%w: line %d: %v", ErrInvalidConfig, value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

type Tracker struct {
	Listen   string   `yaml:"listen"`
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
	Retries  int      `yaml:"retries"`
}

// Swarm configures the peer engine. Listen is used by seeders; leechers bind LeechListen so
// a seeder and leechers can share a host with the defaults.
type Swarm struct {
	Listen          string   `yaml:"listen"`
	LeechListen     string   `yaml:"leech_listen"`
	MaxPeers        int      `yaml:"max_peers"`
	PipelineDepth   int      `yaml:"pipeline_depth"`
	RequestTimeout  Duration `yaml:"request_timeout"`
	IdleTimeout     Duration `yaml:"idle_timeout"`
	StallTimeout    Duration `yaml:"stall_timeout"`
	RetryInterval   Duration `yaml:"retry_interval"`
	MaxPeerTimeouts int      `yaml:"max_peer_timeouts"`
	UploadRate      int      `yaml:"upload_rate"`
	PieceLength     int64    `yaml:"piece_length"`
	CacheSize       int      `yaml:"cache_size"`
}

type HTTP struct {
	Listen   string   `yaml:"listen"`
	FilesDir string   `yaml:"files_dir"`
	Timeout  Duration `yaml:"timeout"`
}

type Config struct {
	Tracker     Tracker                `yaml:"tracker"`
	Swarm       Swarm                  `yaml:"swarm"`
	HTTP        HTTP                   `yaml:"http"`
	Experiments []httpbench.Experiment `yaml:"experiments"`
	ResultsDir  string                 `yaml:"results_dir"`
	LogFile     string                 `yaml:"log_file"`
}

const DefaultCacheSize = 64

func Default() Config {
	swarm := logic.DefaultConfig()
	return Config{
		Tracker: Tracker{
			Listen:   ":6969",
			Interval: Duration(tracker.DefaultInterval),
			Timeout:  Duration(tracker.DefaultTimeout),
			Retries:  tracker.DefaultRetries,
		},
		Swarm: Swarm{
			Listen:          ":6881",
			LeechListen:     ":0",
			MaxPeers:        swarm.MaxPeers,
			PipelineDepth:   swarm.PipelineDepth,
			RequestTimeout:  Duration(swarm.RequestTimeout),
			IdleTimeout:     Duration(swarm.IdleTimeout),
			StallTimeout:    Duration(swarm.StallTimeout),
			RetryInterval:   Duration(swarm.RetryInterval),
			MaxPeerTimeouts: swarm.MaxPeerTimeouts,
			PieceLength:     piecestore.DefaultPieceLength,
			CacheSize:       DefaultCacheSize,
		},
		HTTP: HTTP{
			Listen:   ":8000",
			FilesDir: "files",
			Timeout:  Duration(httpbench.DefaultTimeout),
		},
		Experiments: httpbench.DefaultExperiments,
		ResultsDir:  "results",
		LogFile:     "log.txt",
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Swarm.PieceLength <= 0 {
		return fmt.Errorf("%w: piece_length must be positive", ErrInvalidConfig)
	}
	if c.Swarm.MaxPeers < 0 || c.Swarm.PipelineDepth < 0 {
		return fmt.Errorf("%w: negative peer limits", ErrInvalidConfig)
	}
	for _, exp := range c.Experiments {
		_, err := httpbench.ParseSize(exp.Size)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if exp.Repetitions <= 0 {
			return fmt.Errorf("%w: %s needs at least one repetition", ErrInvalidConfig, exp.Size)
		}
	}
	return nil
}

// LeechLogic is Logic with the leecher's listen address.
func (s Swarm) LeechLogic() logic.Config {
	cfg := s.Logic()
	cfg.ListenAddr = s.LeechListen
	return cfg
}

func (s Swarm) Logic() logic.Config {
	return logic.Config{
		ListenAddr:      s.Listen,
		MaxPeers:        s.MaxPeers,
		PipelineDepth:   s.PipelineDepth,
		RequestTimeout:  time.Duration(s.RequestTimeout),
		IdleTimeout:     time.Duration(s.IdleTimeout),
		StallTimeout:    time.Duration(s.StallTimeout),
		RetryInterval:   time.Duration(s.RetryInterval),
		MaxPeerTimeouts: s.MaxPeerTimeouts,
		UploadRate:      s.UploadRate,
	}
}

func (t Tracker) Options() tracker.Options {
	return tracker.Options{
		Timeout: time.Duration(t.Timeout),
		Retries: t.Retries,
	}
}
