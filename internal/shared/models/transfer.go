package models

import "time"

type Protocol string

const (
	ProtocolHTTP1 Protocol = "http1.1"
	ProtocolHTTP2 Protocol = "http2"
	ProtocolSwarm Protocol = "bittorrent"
)

type Direction string

const (
	DirectionDownload Direction = "download"
	DirectionUpload   Direction = "upload"
)

// TransferMetrics is the result of one transfer, identical in shape for every protocol.
type TransferMetrics struct {
	RunID         string               `json:"run_id"`
	Protocol      Protocol             `json:"protocol"`
	Direction     Direction            `json:"direction"`
	FileName      string               `json:"file_name"`
	FileSize      int64                `json:"file_size"`
	Start         time.Time            `json:"start"`
	End           time.Time            `json:"end"`
	TransferTime  float64              `json:"transfer_time"`
	WireBytes     int64                `json:"wire_bytes"`
	PayloadBytes  int64                `json:"payload_bytes"`
	Throughput    float64              `json:"throughput"`
	OverheadRatio float64              `json:"overhead_ratio"`
	Phases        map[string]time.Time `json:"phases,omitempty"`
}
