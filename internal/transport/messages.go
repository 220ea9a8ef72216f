// Package transport replicates the session over WebSocket: the host
// accepts peer connections and fans out confirmed events; clients dial
// the host, upload stamp bytes, and propose placements. Messages are
// JSON; the inbound side of each peer is queued and drained by the
// single session loop once per tick.
package transport

import (
	"fmt"

	"github.com/google/uuid"

	"StampLedger/internal/event"
)

// MsgType discriminates the wire message union.
type MsgType string

const (
	MsgHello            MsgType = "hello"
	MsgProposePlace     MsgType = "propose_place"
	MsgProposeRemove    MsgType = "propose_remove"
	MsgConfirmed        MsgType = "confirmed"
	MsgRejected         MsgType = "rejected"
	MsgSnapshotRequest  MsgType = "snapshot_request"
	MsgSnapshotResponse MsgType = "snapshot_response"
	MsgStampData        MsgType = "stamp_data"
)

// Hello is the first message on every connection, identifying the
// author. Resync asks for a snapshot immediately (reconnect path).
type Hello struct {
	AuthorID uuid.UUID `json:"author_id"`
	Resync   bool      `json:"resync"`
}

// StampData carries raw source image bytes so every peer can decode a
// fingerprint independently. Sent by the originator before its
// ProposePlace; the host relays it to the other peers.
type StampData struct {
	Fingerprint string `json:"fingerprint"`
	Raw         []byte `json:"raw"`
}

// Message is the wire union. Exactly one payload field matches Type.
type Message struct {
	Type MsgType `json:"type"`

	Hello         *Hello               `json:"hello,omitempty"`
	ProposePlace  *event.ProposePlace  `json:"propose_place,omitempty"`
	ProposeRemove *event.ProposeRemove `json:"propose_remove,omitempty"`
	Confirmed     *event.Envelope      `json:"confirmed,omitempty"`
	Rejected      *event.Rejected      `json:"rejected,omitempty"`
	Snapshot      *event.Snapshot      `json:"snapshot,omitempty"`
	StampData     *StampData           `json:"stamp_data,omitempty"`
}

// Validate checks that the payload matching Type is present.
func (m *Message) Validate() error {
	var ok bool
	switch m.Type {
	case MsgHello:
		ok = m.Hello != nil
	case MsgProposePlace:
		ok = m.ProposePlace != nil
	case MsgProposeRemove:
		ok = m.ProposeRemove != nil
	case MsgConfirmed:
		ok = m.Confirmed != nil
	case MsgRejected:
		ok = m.Rejected != nil
	case MsgSnapshotRequest:
		ok = true
	case MsgSnapshotResponse:
		ok = m.Snapshot != nil
	case MsgStampData:
		ok = m.StampData != nil
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if !ok {
		return fmt.Errorf("message type %q missing payload", m.Type)
	}
	return nil
}
