package models

type MessageID uint8

const (
	MessageIDHandshake MessageID = iota
	MessageIDBitfield
	MessageIDHave
	MessageIDRequest
	MessageIDPiece
	MessageIDCancel
	MessageIDKeepalive
	MessageIDMetadataRequest
	MessageIDMetadata
)

func (id MessageID) String() string {
	switch id {
	case MessageIDHandshake:
		return "handshake"
	case MessageIDBitfield:
		return "bitfield"
	case MessageIDHave:
		return "have"
	case MessageIDRequest:
		return "request"
	case MessageIDPiece:
		return "piece"
	case MessageIDCancel:
		return "cancel"
	case MessageIDKeepalive:
		return "keepalive"
	case MessageIDMetadataRequest:
		return "metadata-request"
	case MessageIDMetadata:
		return "metadata"
	default:
		return "unknown"
	}
}
