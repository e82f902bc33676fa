// Package peer implements the mesh synchronization protocol: the
// registry of live connections, the envelope router, and the sync
// engine that merges replicated records.
package peer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crossroad-p2p/crossroad/pkg/board"
)

// MessageType tags a wire envelope. The set is closed; unknown types
// are logged and dropped by the router.
type MessageType string

const (
	TypeHello            MessageType = "hello"
	TypeUserInfo         MessageType = "user_info"
	TypeListingBroadcast MessageType = "listing_broadcast"
	TypeDealProposal     MessageType = "deal_proposal"
	TypeDealResponse     MessageType = "deal_response"
	TypeChatMessage      MessageType = "chat_message"
	TypePeerList         MessageType = "peer_list"
)

// Known reports whether the type belongs to the protocol.
func (t MessageType) Known() bool {
	switch t {
	case TypeHello, TypeUserInfo, TypeListingBroadcast, TypeDealProposal,
		TypeDealResponse, TypeChatMessage, TypePeerList:
		return true
	}
	return false
}

// Envelope is the wire wrapper around every message exchanged between
// peers. Exactly one payload group is set, matching the type. The
// "message" field is raw because the wire reuses the name for two
// shapes: a chat Message on chat_message and a free-text note on
// deal_response.
type Envelope struct {
	Type      MessageType `json:"type"`
	SenderID  string      `json:"senderId"`
	Timestamp int64       `json:"timestamp"`
	MessageID string      `json:"messageId"`

	UserData *board.User     `json:"userData,omitempty"` // hello
	User     *board.User     `json:"user,omitempty"`     // user_info
	Listing  *board.Listing  `json:"listing,omitempty"`  // listing_broadcast
	Deal     *board.Deal     `json:"deal,omitempty"`     // deal_proposal
	DealID   string          `json:"dealId,omitempty"`   // deal_response, chat_message
	Accepted *bool           `json:"accepted,omitempty"` // deal_response
	Message  json.RawMessage `json:"message,omitempty"`  // chat_message / deal_response
	Peers    []string        `json:"peers,omitempty"`    // peer_list
}

func newEnvelope(t MessageType, senderID string) *Envelope {
	return &Envelope{
		Type:      t,
		SenderID:  senderID,
		Timestamp: time.Now().UnixMilli(),
		MessageID: uuid.NewString(),
	}
}

// NewHello wraps the local user profile for a handshake.
func NewHello(senderID string, user *board.User) *Envelope {
	env := newEnvelope(TypeHello, senderID)
	env.UserData = user
	return env
}

// NewUserInfo wraps a profile update push.
func NewUserInfo(senderID string, user *board.User) *Envelope {
	env := newEnvelope(TypeUserInfo, senderID)
	env.User = user
	return env
}

// NewListingBroadcast wraps a new or updated listing.
func NewListingBroadcast(senderID string, listing *board.Listing) *Envelope {
	env := newEnvelope(TypeListingBroadcast, senderID)
	env.Listing = listing
	return env
}

// NewDealProposal wraps a new or updated deal record.
func NewDealProposal(senderID string, deal *board.Deal) *Envelope {
	env := newEnvelope(TypeDealProposal, senderID)
	env.Deal = deal
	return env
}

// NewDealResponse wraps a point-to-point status notification.
func NewDealResponse(senderID, dealID string, accepted bool, note string) *Envelope {
	env := newEnvelope(TypeDealResponse, senderID)
	env.DealID = dealID
	env.Accepted = &accepted
	if note != "" {
		raw, _ := json.Marshal(note)
		env.Message = raw
	}
	return env
}

// NewChatMessage wraps a chat message append.
func NewChatMessage(senderID string, msg *board.Message) *Envelope {
	env := newEnvelope(TypeChatMessage, senderID)
	env.DealID = msg.DealID
	raw, _ := json.Marshal(msg)
	env.Message = raw
	return env
}

// NewPeerList wraps the gossip of known peer ids.
func NewPeerList(senderID string, peers []string) *Envelope {
	env := newEnvelope(TypePeerList, senderID)
	env.Peers = peers
	return env
}

// ChatMessage decodes the message field of a chat_message envelope.
func (e *Envelope) ChatMessage() (*board.Message, error) {
	if e.Type != TypeChatMessage {
		return nil, fmt.Errorf("envelope %s is not a chat message", e.Type)
	}
	var m board.Message
	if err := json.Unmarshal(e.Message, &m); err != nil {
		return nil, fmt.Errorf("malformed chat message payload: %w", err)
	}
	return &m, nil
}

// ResponseNote decodes the optional note of a deal_response envelope.
func (e *Envelope) ResponseNote() string {
	if len(e.Message) == 0 {
		return ""
	}
	var note string
	if err := json.Unmarshal(e.Message, &note); err != nil {
		return ""
	}
	return note
}

// DecodeEnvelope parses raw wire bytes.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	return &env, nil
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}
