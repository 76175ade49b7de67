package metrics

import (
	"testing"
	"time"

	"github.com/WendelHime/swarmbench/internal/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(times ...time.Time) func() time.Time {
	i := 0
	return func() time.Time {
		t := times[i]
		if i < len(times)-1 {
			i++
		}
		return t
	}
}

func TestRecorderFinalize(t *testing.T) {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	var tests = []struct {
		name   string
		setup  func(r *Recorder)
		assert func(t *testing.T, actual models.TransferMetrics, err error)
	}{
		{
			name: "throughput and overhead",
			setup: func(r *Recorder) {
				r.now = fixedClock(start, start.Add(2*time.Second))
				r.MarkStart()
				r.AddPayload(1000)
				r.AddWire(1100)
				r.MarkEnd()
			},
			assert: func(t *testing.T, actual models.TransferMetrics, err error) {
				require.NoError(t, err)
				assert.Equal(t, 2.0, actual.TransferTime)
				assert.Equal(t, 500.0, actual.Throughput)
				assert.InDelta(t, 1.1, actual.OverheadRatio, 1e-9)
				assert.Equal(t, models.ProtocolSwarm, actual.Protocol)
				assert.NotEmpty(t, actual.RunID)
			},
		},
		{
			name: "phases keep their first timestamp",
			setup: func(r *Recorder) {
				r.now = fixedClock(start, start.Add(time.Second))
				r.MarkStart()
				r.Record(PhaseFirstPiece, start.Add(100*time.Millisecond))
				r.Record(PhaseFirstPiece, start.Add(500*time.Millisecond))
			},
			assert: func(t *testing.T, actual models.TransferMetrics, err error) {
				require.NoError(t, err)
				assert.Equal(t, start.Add(100*time.Millisecond), actual.Phases[PhaseFirstPiece])
				assert.Equal(t, start.Add(time.Second), actual.End)
			},
		},
		{
			name: "nothing transferred",
			setup: func(r *Recorder) {
				r.now = fixedClock(start)
			},
			assert: func(t *testing.T, actual models.TransferMetrics, err error) {
				require.NoError(t, err)
				assert.Zero(t, actual.Throughput)
				assert.Zero(t, actual.OverheadRatio)
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			r := NewRecorder(models.ProtocolSwarm, models.DirectionDownload, "file", 1000)
			tt.setup(r)
			actual, err := r.Finalize()
			tt.assert(t, actual, err)
		})
	}
}

func TestRecorderIsImmutableAfterFinalize(t *testing.T) {
	r := NewRecorder(models.ProtocolHTTP2, models.DirectionDownload, "file", 10)
	r.MarkStart()
	r.AddPayload(10)
	first, err := r.Finalize()
	require.NoError(t, err)

	r.AddPayload(10)
	r.Record(PhaseComplete, time.Now())
	_, err = r.Finalize()
	assert.ErrorIs(t, err, ErrFinalized)
	assert.Equal(t, int64(10), r.metrics.PayloadBytes)
	assert.NotContains(t, first.Phases, PhaseComplete)
}

func TestResultStore(t *testing.T) {
	store, err := NewResultStore(t.TempDir())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = store.Save(models.TransferMetrics{Protocol: models.ProtocolHTTP1, Direction: models.DirectionDownload, FileSize: 10_000, TransferTime: float64(i)})
		require.NoError(t, err)
	}
	path, err := store.Save(models.TransferMetrics{Protocol: models.ProtocolSwarm, Direction: models.DirectionUpload, FileSize: 10_000})
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Contains(t, path, "results_bittorrent_upload_10000.json")

	records, err := store.Load(models.ProtocolHTTP1, models.DirectionDownload, 10_000)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, 2.0, records[2].TransferTime)

	records, err = store.Load(models.ProtocolHTTP2, models.DirectionDownload, 10_000)
	require.NoError(t, err)
	assert.Empty(t, records)

	paths, err := store.SaveAll([]models.TransferMetrics{
		{Protocol: models.ProtocolHTTP2, Direction: models.DirectionDownload, FileSize: 10_000},
		{Protocol: models.ProtocolHTTP1, Direction: models.DirectionDownload, FileSize: 10_000, TransferTime: 3},
		{Protocol: models.ProtocolHTTP2, Direction: models.DirectionDownload, FileSize: 10_000},
	})
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Contains(t, paths[0], "results_http2_download_10000.json")

	records, err = store.Load(models.ProtocolHTTP2, models.DirectionDownload, 10_000)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	records, err = store.Load(models.ProtocolHTTP1, models.DirectionDownload, 10_000)
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, 3.0, records[3].TransferTime)
}

func TestSummarize(t *testing.T) {
	var tests = []struct {
		name     string
		records  []models.TransferMetrics
		expected Summary
	}{
		{
			name:     "empty",
			expected: Summary{},
		},
		{
			name:    "single transfer has no deviation",
			records: []models.TransferMetrics{{FileSize: 5, TransferTime: 2, Throughput: 3, OverheadRatio: 1.5, PayloadBytes: 4, WireBytes: 6}},
			expected: Summary{
				Count:         1,
				FileSize:      5,
				TransferTime:  Stat{Mean: 2},
				Throughput:    Stat{Mean: 3},
				OverheadRatio: Stat{Mean: 1.5},
				TotalPayload:  4,
				TotalWire:     6,
				Overall:       1.5,
			},
		},
		{
			name: "sample standard deviation",
			records: []models.TransferMetrics{
				{TransferTime: 2, Throughput: 10, OverheadRatio: 1},
				{TransferTime: 4, Throughput: 10, OverheadRatio: 1},
				{TransferTime: 6, Throughput: 10, OverheadRatio: 1},
			},
			expected: Summary{
				Count:         3,
				TransferTime:  Stat{Mean: 4, StdDev: 2},
				Throughput:    Stat{Mean: 10},
				OverheadRatio: Stat{Mean: 1},
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Summarize(tt.records))
		})
	}
}
