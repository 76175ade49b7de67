package httpbench

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/WendelHime/swarmbench/internal/metrics"
	"github.com/WendelHime/swarmbench/internal/shared/models"
	"github.com/schollz/progressbar/v3"
)

var (
	ErrInvalidSize      = errors.New("invalid size")
	ErrNoSuccessfulRuns = errors.New("no successful downloads")
)

type Experiment struct {
	Size        string `yaml:"size"`
	Repetitions int    `yaml:"repetitions"`
}

var DefaultExperiments = []Experiment{
	{Size: "10kB", Repetitions: 1000},
	{Size: "100kB", Repetitions: 100},
	{Size: "1MB", Repetitions: 10},
	{Size: "10MB", Repetitions: 1},
}

type Result struct {
	File    string                   `json:"file"`
	Records []models.TransferMetrics `json:"records"`
	Failed  int                      `json:"failed"`
	Summary metrics.Summary          `json:"summary"`
}

// ParseSize reads sizes such as "10kB" or "1MB" using binary multiples.
func ParseSize(s string) (int64, error) {
	units := []struct {
		suffix string
		mult   int64
	}{
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"kB", 1 << 10},
		{"KB", 1 << 10},
		{"B", 1},
	}
	for _, u := range units {
		if !strings.HasSuffix(s, u.suffix) {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSuffix(s, u.suffix), 10, 64)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidSize, s)
		}
		return n * u.mult, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidSize, s)
}

func FileName(prefix, size string) string {
	return prefix + "_" + size
}

// GenerateFiles writes a random file for every experiment size that dir does not hold yet.
func GenerateFiles(dir, prefix string, experiments []Experiment) error {
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return err
	}
	for _, exp := range experiments {
		size, err := ParseSize(exp.Size)
		if err != nil {
			return err
		}
		name := filepath.Join(dir, FileName(prefix, exp.Size))
		info, err := os.Stat(name)
		if err == nil && info.Size() == size {
			continue
		}
		f, err := os.Create(name)
		if err != nil {
			return err
		}
		_, err = io.CopyN(f, rand.Reader, size)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("failed to generate %s: %w", name, err)
		}
	}
	return nil
}

// RunExperiment downloads prefix_size from baseURL exp.Repetitions times. Failed downloads are
// logged and counted; the summary covers the successful ones.
func RunExperiment(ctx context.Context, client *Client, baseURL, prefix string, exp Experiment, progress io.Writer, logger *slog.Logger) (Result, error) {
	name := FileName(prefix, exp.Size)
	result := Result{File: name}
	if progress == nil {
		progress = io.Discard
	}
	bar := progressbar.NewOptions(exp.Repetitions,
		progressbar.OptionSetWriter(progress),
		progressbar.OptionSetDescription(fmt.Sprintf("%s %s", client.Protocol(), name)),
		progressbar.OptionShowCount(),
	)
	defer bar.Finish()

	url := strings.TrimSuffix(baseURL, "/") + "/" + name
	for i := 0; i < exp.Repetitions; i++ {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		m, err := client.Download(ctx, url, io.Discard)
		bar.Add(1)
		if err != nil {
			result.Failed++
			logger.Error("download failed", slog.String("url", url), slog.Int("repetition", i), slog.String("error", err.Error()))
			continue
		}
		result.Records = append(result.Records, m)
	}
	if len(result.Records) == 0 {
		return result, fmt.Errorf("%w: %s", ErrNoSuccessfulRuns, name)
	}
	result.Summary = metrics.Summarize(result.Records)
	return result, nil
}
