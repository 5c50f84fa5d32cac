package model

import "encoding/json"

// Client to server message types.
const (
	TypeEnter        = "enter"
	TypeStartCall    = "start-call"
	TypeJoinExisting = "join-existing"
	TypeJoinRandom   = "join-random"
	TypeLeaveCall    = "leave-call"
	TypeRelayOffer   = "relay-offer"
	TypeRelayAnswer  = "relay-answer"
	TypeRelayICE     = "relay-ice-candidate"
)

// Server to client message types.
const (
	TypeJoinCall      = "join-call"
	TypeUserJoined    = "user-joined"
	TypeUserLeft      = "user-left"
	TypeCallEnded     = "call-ended"
	TypeLeftCall      = "left-call"
	TypeNoRandomCalls = "no-random-calls"
	TypeEventsUpdate  = "events-update"
)

// Envelope is the single wire message shape in both directions.
// For inbound messages the server re-assigns From based on the
// websocket session; it is never taken from the client.
type Envelope struct {
	Type     string          `json:"type"`
	To       string          `json:"to,omitempty"`
	From     string          `json:"from,omitempty"`
	FromName string          `json:"from_name,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type EnterPayload struct {
	EventID   string `json:"event_id"`
	EventName string `json:"event_name"`
}

type CallPayload struct {
	EventID string `json:"event_id"`
}

// Member identifies a room participant in join-call and user-joined payloads.
type Member struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type JoinCallPayload struct {
	RoomID        string   `json:"room_id"`
	ExistingUsers []Member `json:"existing_users"`
}

type UserLeftPayload struct {
	ID string `json:"id"`
}

// EventStatus is one entry of the events-update broadcast.
type EventStatus struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	InCall       bool   `json:"in_call"`
	Participants int    `json:"participants"`
}

// LeaveEffects describes what must be emitted after a connection
// left its room. Zero RoomID means the connection was not in a call.
type LeaveEffects struct {
	ConnID    string
	Name      string
	EventID   string
	RoomID    string
	Remaining []string // were in the same room, get user-left
	CallEnded bool     // host departed, Remaining also get call-ended
	EventGone bool     // event removed from the directory
}

// JoinResult describes a completed start-call or join transition.
type JoinResult struct {
	EventID  string
	RoomID   string
	Existing []Member      // already in the room, each gets user-joined
	Left     *LeaveEffects // implicit leave from a previous room
	Evicted  []string      // members of a superseded room, get call-ended
}

type Wire struct {
	RX chan Envelope
	TX chan Envelope
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Envelope),
		TX: make(chan Envelope),
	}
}
