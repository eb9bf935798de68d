package session

import "encoding/json"

// DeliveryKind is the closed set of outbound event names the engine can
// schedule. The gateway maps each kind straight onto a frame type.
type DeliveryKind string

const (
	DeliverRoomList    DeliveryKind = "rooms:list"
	DeliverPresence    DeliveryKind = "presence:update"
	DeliverChatMessage DeliveryKind = "chat:message"
	DeliverChannels    DeliveryKind = "chat:channels"
	DeliverChatDelete  DeliveryKind = "chat:delete"
	DeliverRollResult  DeliveryKind = "roll:result"
	DeliverSheetUpdate DeliveryKind = "sheet:update"
	DeliverPeerJoined  DeliveryKind = "voice:peer-joined"
	DeliverPeerLeft    DeliveryKind = "voice:peer-left"
	DeliverSignal      DeliveryKind = "voice:signal"
)

// Delivery is one outbound broadcast the caller must fan out. Targets lists
// the receiving connection ids; Everyone addresses all connected clients
// regardless of room and is only used for discovery updates.
type Delivery struct {
	Kind     DeliveryKind
	Targets  []string
	Everyone bool
	Payload  any
}

// DeletePayload announces a tombstoned message.
type DeletePayload struct {
	ChannelID string `json:"channelId"`
	MessageID string `json:"messageId"`
}

// SheetPayload carries a member's character-sheet snapshot.
type SheetPayload struct {
	ConnID    string         `json:"socketId"`
	Sheet     map[string]any `json:"sheet"`
	UpdatedAt int64          `json:"updatedAt"`
}

// PeerPayload announces a voice mesh membership change.
type PeerPayload struct {
	ConnID string `json:"socketId"`
}

// SignalPayload relays one opaque WebRTC negotiation blob.
type SignalPayload struct {
	From string          `json:"from"`
	Data json.RawMessage `json:"data"`
}

func toAll(room *Room, kind DeliveryKind, payload any) Delivery {
	return Delivery{Kind: kind, Targets: room.memberIDs(), Payload: payload}
}

func toConns(kind DeliveryKind, payload any, conns ...string) Delivery {
	return Delivery{Kind: kind, Targets: conns, Payload: payload}
}

func toEveryone(kind DeliveryKind, payload any) Delivery {
	return Delivery{Kind: kind, Everyone: true, Payload: payload}
}
