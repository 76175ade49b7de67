package tracker

import (
	"encoding/binary"
	"fmt"

	"github.com/WendelHime/swarmbench/internal/shared/models"
)

const (
	protocolID = 0x41727101980

	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
	actionScrape   uint32 = 2
	actionError    uint32 = 3

	connectRequestSize  = 16
	connectResponseSize = 16
	announceRequestSize = 98
	announceHeaderSize  = 20
	scrapeHeaderSize    = 16
	scrapeEntrySize     = 12
	maxScrapeHashes     = 74
)

type connectResponse struct {
	TransactionID uint32
	ConnectionID  uint64
}

type announcePacket struct {
	ConnectionID  uint64
	TransactionID uint32
	Request       AnnounceRequest
	IP            uint32
	Key           uint32
}

type announceReply struct {
	TransactionID uint32
	Interval      uint32
	Leechers      uint32
	Seeders       uint32
	Peers         []models.Addr
}

type scrapePacket struct {
	ConnectionID  uint64
	TransactionID uint32
	SwarmIDs      []models.Hash
}

func encodeConnectRequest(transactionID uint32) []byte {
	b := make([]byte, 0, connectRequestSize)
	b = binary.BigEndian.AppendUint64(b, protocolID)
	b = binary.BigEndian.AppendUint32(b, actionConnect)
	b = binary.BigEndian.AppendUint32(b, transactionID)
	return b
}

func decodeConnectRequest(b []byte) (uint32, error) {
	if len(b) < connectRequestSize || binary.BigEndian.Uint64(b[:8]) != protocolID {
		return 0, ErrMalformedResponse
	}
	return binary.BigEndian.Uint32(b[12:16]), nil
}

func encodeConnectResponse(r connectResponse) []byte {
	b := make([]byte, 0, connectResponseSize)
	b = binary.BigEndian.AppendUint32(b, actionConnect)
	b = binary.BigEndian.AppendUint32(b, r.TransactionID)
	b = binary.BigEndian.AppendUint64(b, r.ConnectionID)
	return b
}

func decodeConnectResponse(b []byte) (connectResponse, error) {
	if len(b) < connectResponseSize {
		return connectResponse{}, ErrMalformedResponse
	}
	return connectResponse{
		TransactionID: binary.BigEndian.Uint32(b[4:8]),
		ConnectionID:  binary.BigEndian.Uint64(b[8:16]),
	}, nil
}

func encodeAnnounceRequest(p announcePacket) []byte {
	b := make([]byte, 0, announceRequestSize)
	b = binary.BigEndian.AppendUint64(b, p.ConnectionID)
	b = binary.BigEndian.AppendUint32(b, actionAnnounce)
	b = binary.BigEndian.AppendUint32(b, p.TransactionID)
	b = append(b, p.Request.SwarmID[:]...)
	b = append(b, p.Request.PeerID[:]...)
	b = binary.BigEndian.AppendUint64(b, uint64(p.Request.Downloaded))
	b = binary.BigEndian.AppendUint64(b, uint64(p.Request.Left))
	b = binary.BigEndian.AppendUint64(b, uint64(p.Request.Uploaded))
	b = binary.BigEndian.AppendUint32(b, uint32(p.Request.Event))
	// ip, zero means the sender of the packet
	b = binary.BigEndian.AppendUint32(b, p.IP)
	b = binary.BigEndian.AppendUint32(b, p.Key)
	// num_want, -1 for the tracker default
	b = binary.BigEndian.AppendUint32(b, uint32(p.Request.NumWant))
	b = binary.BigEndian.AppendUint16(b, p.Request.Port)
	return b
}

func decodeAnnounceRequest(b []byte) (announcePacket, error) {
	if len(b) < announceRequestSize {
		return announcePacket{}, ErrMalformedResponse
	}
	p := announcePacket{
		ConnectionID:  binary.BigEndian.Uint64(b[0:8]),
		TransactionID: binary.BigEndian.Uint32(b[12:16]),
		IP:            binary.BigEndian.Uint32(b[84:88]),
		Key:           binary.BigEndian.Uint32(b[88:92]),
	}
	copy(p.Request.SwarmID[:], b[16:36])
	copy(p.Request.PeerID[:], b[36:56])
	p.Request.Downloaded = int64(binary.BigEndian.Uint64(b[56:64]))
	p.Request.Left = int64(binary.BigEndian.Uint64(b[64:72]))
	p.Request.Uploaded = int64(binary.BigEndian.Uint64(b[72:80]))
	p.Request.Event = Event(binary.BigEndian.Uint32(b[80:84]))
	p.Request.NumWant = int32(binary.BigEndian.Uint32(b[92:96]))
	p.Request.Port = binary.BigEndian.Uint16(b[96:98])
	return p, nil
}

func encodeAnnounceResponse(r announceReply) []byte {
	b := make([]byte, 0, announceHeaderSize+6*len(r.Peers))
	b = binary.BigEndian.AppendUint32(b, actionAnnounce)
	b = binary.BigEndian.AppendUint32(b, r.TransactionID)
	b = binary.BigEndian.AppendUint32(b, r.Interval)
	b = binary.BigEndian.AppendUint32(b, r.Leechers)
	b = binary.BigEndian.AppendUint32(b, r.Seeders)
	b = append(b, models.EncodeCompactPeers(r.Peers)...)
	return b
}

func decodeAnnounceResponse(b []byte) (announceReply, error) {
	if len(b) < announceHeaderSize {
		return announceReply{}, ErrMalformedResponse
	}
	peers, err := models.DecodeCompactPeers(b[announceHeaderSize:])
	if err != nil {
		return announceReply{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return announceReply{
		TransactionID: binary.BigEndian.Uint32(b[4:8]),
		Interval:      binary.BigEndian.Uint32(b[8:12]),
		Leechers:      binary.BigEndian.Uint32(b[12:16]),
		Seeders:       binary.BigEndian.Uint32(b[16:20]),
		Peers:         peers,
	}, nil
}

func encodeScrapeRequest(p scrapePacket) []byte {
	b := make([]byte, 0, scrapeHeaderSize+20*len(p.SwarmIDs))
	b = binary.BigEndian.AppendUint64(b, p.ConnectionID)
	b = binary.BigEndian.AppendUint32(b, actionScrape)
	b = binary.BigEndian.AppendUint32(b, p.TransactionID)
	for _, id := range p.SwarmIDs {
		b = append(b, id[:]...)
	}
	return b
}

func decodeScrapeRequest(b []byte) (scrapePacket, error) {
	if len(b) < scrapeHeaderSize || (len(b)-scrapeHeaderSize)%20 != 0 {
		return scrapePacket{}, ErrMalformedResponse
	}
	p := scrapePacket{
		ConnectionID:  binary.BigEndian.Uint64(b[0:8]),
		TransactionID: binary.BigEndian.Uint32(b[12:16]),
	}
	for i := scrapeHeaderSize; i < len(b) && len(p.SwarmIDs) < maxScrapeHashes; i += 20 {
		var id models.Hash
		copy(id[:], b[i:i+20])
		p.SwarmIDs = append(p.SwarmIDs, id)
	}
	return p, nil
}

func encodeScrapeResponse(transactionID uint32, entries []ScrapeResponse) []byte {
	b := make([]byte, 0, 8+scrapeEntrySize*len(entries))
	b = binary.BigEndian.AppendUint32(b, actionScrape)
	b = binary.BigEndian.AppendUint32(b, transactionID)
	for _, e := range entries {
		b = binary.BigEndian.AppendUint32(b, uint32(e.Seeders))
		b = binary.BigEndian.AppendUint32(b, uint32(e.Completed))
		b = binary.BigEndian.AppendUint32(b, uint32(e.Leechers))
	}
	return b
}

func decodeScrapeResponse(b []byte) ([]ScrapeResponse, error) {
	if len(b) < 8 || (len(b)-8)%scrapeEntrySize != 0 {
		return nil, ErrMalformedResponse
	}
	entries := make([]ScrapeResponse, 0, (len(b)-8)/scrapeEntrySize)
	for i := 8; i < len(b); i += scrapeEntrySize {
		entries = append(entries, ScrapeResponse{
			Seeders:   int(binary.BigEndian.Uint32(b[i : i+4])),
			Completed: int(binary.BigEndian.Uint32(b[i+4 : i+8])),
			Leechers:  int(binary.BigEndian.Uint32(b[i+8 : i+12])),
		})
	}
	return entries, nil
}

func encodeErrorResponse(transactionID uint32, message string) []byte {
	b := make([]byte, 0, 8+len(message))
	b = binary.BigEndian.AppendUint32(b, actionError)
	b = binary.BigEndian.AppendUint32(b, transactionID)
	return append(b, message...)
}

// header returns the action and transaction id every response starts with.
func header(b []byte) (action, transactionID uint32, ok bool) {
	if len(b) < 8 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint32(b[:4]), binary.BigEndian.Uint32(b[4:8]), true
}
