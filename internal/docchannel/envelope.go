// Package docchannel implements the envelope framing of the per-peer binary
// doc-channel connection (C3). Subscription and awareness-client bookkeeping
// live in internal/httpapi.
package docchannel

import (
	"encoding/binary"
	"fmt"
)

// MessageType is the one-byte envelope discriminator for the doc-channel
// wire format.
type MessageType byte

const (
	MessageSync         MessageType = 1
	MessageAwareness    MessageType = 2
	MessageSubscribe    MessageType = 3
	MessageUnsubscribe  MessageType = 4
	MessageInitialSync  MessageType = 5
	MessageConnected    MessageType = 6
	MessageDisconnected MessageType = 7
)

func (t MessageType) String() string {
	switch t {
	case MessageSync:
		return "SYNC"
	case MessageAwareness:
		return "AWARENESS"
	case MessageSubscribe:
		return "SUBSCRIBE"
	case MessageUnsubscribe:
		return "UNSUBSCRIBE"
	case MessageInitialSync:
		return "INITIAL_SYNC"
	case MessageConnected:
		return "CONNECTED"
	case MessageDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Envelope is one doc-channel frame: a message type, the document id it
// targets, and a payload whose shape depends on the type (SYNC carries a
// crdtdoc.Patch, SUBSCRIBE carries a server URL, etc).
type Envelope struct {
	Type    MessageType
	DocID   string
	Payload []byte
}

// Encode serializes an envelope as: 1 byte type, 2 bytes big-endian docId
// length, docId bytes (UTF-8), remaining bytes payload.
func Encode(e Envelope) ([]byte, error) {
	if len(e.DocID) > 0xFFFF {
		return nil, fmt.Errorf("docId too long: %d bytes", len(e.DocID))
	}

	buf := make([]byte, 1+2+len(e.DocID)+len(e.Payload))
	buf[0] = byte(e.Type)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(e.DocID)))
	copy(buf[3:3+len(e.DocID)], e.DocID)
	copy(buf[3+len(e.DocID):], e.Payload)
	return buf, nil
}

// Decode parses a raw frame into an Envelope. Callers treat a malformed
// envelope as droppable, not as a reason to tear down the connection.
func Decode(raw []byte) (Envelope, error) {
	if len(raw) < 3 {
		return Envelope{}, fmt.Errorf("envelope too short: %d bytes", len(raw))
	}

	msgType := MessageType(raw[0])
	docIDLen := int(binary.BigEndian.Uint16(raw[1:3]))
	if len(raw) < 3+docIDLen {
		return Envelope{}, fmt.Errorf("envelope truncated: declared docId length %d exceeds frame", docIDLen)
	}

	docID := string(raw[3 : 3+docIDLen])
	payload := raw[3+docIDLen:]
	if len(payload) == 0 {
		payload = nil
	}

	return Envelope{Type: msgType, DocID: docID, Payload: payload}, nil
}
