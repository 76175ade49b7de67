package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/WendelHime/swarmbench/internal/shared/models"
	"github.com/google/uuid"
)

var ErrFinalized = errors.New("metrics already finalized")

// Phase names recorded by the transfer paths.
const (
	PhaseAnnounced  = "announced"
	PhaseFirstPeer  = "first_peer"
	PhaseFirstPiece = "first_piece"
	PhaseMetadata   = "metadata"
	PhaseComplete   = "complete"
	PhaseConnected  = "connected"
	PhaseHeaders    = "headers"
)

// Recorder collects the timestamps and byte counts of one transfer. Once finalized it only
// returns ErrFinalized.
type Recorder struct {
	mu        sync.Mutex
	metrics   models.TransferMetrics
	finalized bool
	now       func() time.Time
}

func NewRecorder(protocol models.Protocol, direction models.Direction, fileName string, fileSize int64) *Recorder {
	return &Recorder{
		metrics: models.TransferMetrics{
			RunID:     uuid.NewString(),
			Protocol:  protocol,
			Direction: direction,
			FileName:  fileName,
			FileSize:  fileSize,
			Phases:    make(map[string]time.Time),
		},
		now: time.Now,
	}
}

func (r *Recorder) RunID() string {
	return r.metrics.RunID
}

func (r *Recorder) MarkStart() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.finalized {
		r.metrics.Start = r.now()
	}
}

func (r *Recorder) MarkEnd() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.finalized {
		r.metrics.End = r.now()
	}
}

// Record stores the first time event happened.
func (r *Recorder) Record(event string, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	if _, ok := r.metrics.Phases[event]; !ok {
		r.metrics.Phases[event] = ts
	}
}

// AddWire counts bytes that crossed the network, protocol framing included.
func (r *Recorder) AddWire(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.finalized {
		r.metrics.WireBytes += n
	}
}

// AddPayload counts useful file bytes.
func (r *Recorder) AddPayload(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.finalized {
		r.metrics.PayloadBytes += n
	}
}

// Finalize computes the derived figures and freezes the record. A transfer never marked as
// ended ends now.
func (r *Recorder) Finalize() (models.TransferMetrics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return models.TransferMetrics{}, ErrFinalized
	}
	r.finalized = true

	m := r.metrics
	if m.Start.IsZero() {
		m.Start = r.now()
	}
	if m.End.IsZero() {
		m.End = r.now()
	}
	m.TransferTime = m.End.Sub(m.Start).Seconds()
	if m.TransferTime > 0 {
		m.Throughput = float64(m.PayloadBytes) / m.TransferTime
	}
	if m.PayloadBytes > 0 {
		m.OverheadRatio = float64(m.WireBytes) / float64(m.PayloadBytes)
	}
	phases := make(map[string]time.Time, len(m.Phases))
	for k, v := range m.Phases {
		phases[k] = v
	}
	m.Phases = phases
	r.metrics = m
	return m, nil
}
