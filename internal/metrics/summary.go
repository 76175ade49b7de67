package metrics

import (
	"math"

	"github.com/WendelHime/swarmbench/internal/shared/models"
)

type Stat struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
}

type Summary struct {
	Count         int     `json:"count"`
	FileSize      int64   `json:"file_size"`
	TransferTime  Stat    `json:"transfer_time"`
	Throughput    Stat    `json:"throughput"`
	OverheadRatio Stat    `json:"overhead_ratio"`
	TotalPayload  int64   `json:"total_payload"`
	TotalWire     int64   `json:"total_wire"`
	Overall       float64 `json:"overall_overhead_ratio"`
}

// Summarize returns the mean and sample standard deviation of a set of transfers. The
// deviation of a single transfer is zero.
func Summarize(records []models.TransferMetrics) Summary {
	s := Summary{Count: len(records)}
	if len(records) == 0 {
		return s
	}
	s.FileSize = records[0].FileSize

	times := make([]float64, len(records))
	throughputs := make([]float64, len(records))
	overheads := make([]float64, len(records))
	for i, r := range records {
		times[i] = r.TransferTime
		throughputs[i] = r.Throughput
		overheads[i] = r.OverheadRatio
		s.TotalPayload += r.PayloadBytes
		s.TotalWire += r.WireBytes
	}
	s.TransferTime = stat(times)
	s.Throughput = stat(throughputs)
	s.OverheadRatio = stat(overheads)
	if s.TotalPayload > 0 {
		s.Overall = float64(s.TotalWire) / float64(s.TotalPayload)
	}
	return s
}

func stat(values []float64) Stat {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	if len(values) < 2 {
		return Stat{Mean: mean}
	}

	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return Stat{Mean: mean, StdDev: math.Sqrt(sq / float64(len(values)-1))}
}
