package memory

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	randv2 "math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/gamerwaves/campfire-portal/backend/model"
)

var (
	ErrConnNotFound  = errors.New("connection is not found")
	ErrEventNotFound = errors.New("event is not found")
	ErrNoActiveCall  = errors.New("event has no active call")
)

type connection struct {
	id      string
	eventID string
	name    string
	inCall  bool
	roomID  string
}

type event struct {
	id     string
	name   string
	roomID string // empty while idle
	hostID string
}

// MemStore is the event directory and connection registry. A single
// mutex makes every multi-step transition atomic with respect to
// other connection handlers.
type MemStore struct {
	mx     *sync.Mutex
	conns  map[string]*connection
	events map[string]*event
	order  []string // event ids, first-enter order
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx:     &sync.Mutex{},
		conns:  make(map[string]*connection),
		events: make(map[string]*event),
	}
}

func (ms *MemStore) Register(connID string) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	ms.conns[connID] = &connection{id: connID}
}

// Announce binds the connection to an event, creating the event if it
// does not exist yet. Idempotent; an existing event keeps the name it
// was first created with.
func (ms *MemStore) Announce(connID, eventID, name string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	c, ok := ms.conns[connID]
	if !ok {
		return ErrConnNotFound
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = eventID
	}
	c.eventID = eventID
	c.name = name

	if _, ok = ms.events[eventID]; !ok {
		ms.events[eventID] = &event{id: eventID, name: name}
		ms.order = append(ms.order, eventID)
	}
	return nil
}

// StartCall mints a brand-new room for the event and makes the caller
// its host. An already active room is superseded: its members are
// evicted and must be told the call ended.
func (ms *MemStore) StartCall(connID, eventID string) (*model.JoinResult, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	c, ok := ms.conns[connID]
	if !ok {
		return nil, ErrConnNotFound
	}
	ev, ok := ms.events[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}

	res := &model.JoinResult{EventID: eventID, Existing: []model.Member{}}
	if left := ms.leaveLocked(c); left.RoomID != "" {
		res.Left = &left
	}
	if ev.roomID != "" {
		res.Evicted = ms.evictRoomLocked(ev.roomID)
	}

	ev.roomID = newRoomID()
	ev.hostID = connID
	c.inCall = true
	c.roomID = ev.roomID
	res.RoomID = ev.roomID
	return res, nil
}

// JoinExisting adds the connection to the event's active room.
// The implicit leave from a previous room runs first; if that leave
// happened to end this very call (the caller was its host), the join
// fails with ErrNoActiveCall and the returned result still carries
// the leave effects to emit.
func (ms *MemStore) JoinExisting(connID, eventID string) (*model.JoinResult, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	c, ok := ms.conns[connID]
	if !ok {
		return nil, ErrConnNotFound
	}
	ev, ok := ms.events[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	if ev.roomID == "" {
		return nil, ErrNoActiveCall
	}

	res := &model.JoinResult{EventID: eventID}
	if left := ms.leaveLocked(c); left.RoomID != "" {
		res.Left = &left
	}
	if ev.roomID == "" {
		return res, ErrNoActiveCall
	}

	res.Existing = ms.roomMembersLocked(ev.roomID, connID)
	c.inCall = true
	c.roomID = ev.roomID
	res.RoomID = ev.roomID
	return res, nil
}

// Leave runs the explicit leave-call path. The second return value is
// false when the connection was not in a call; repeating leave-call is
// a no-op beyond the caller's own ack.
func (ms *MemStore) Leave(connID string) (model.LeaveEffects, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	c, ok := ms.conns[connID]
	if !ok || !c.inCall {
		return model.LeaveEffects{ConnID: connID}, false
	}
	return ms.leaveLocked(c), true
}

// Unregister runs the full leave path as if the client had left
// explicitly, evaluates event cleanup, and drops the connection.
func (ms *MemStore) Unregister(connID string) (model.LeaveEffects, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	c, ok := ms.conns[connID]
	if !ok {
		return model.LeaveEffects{ConnID: connID}, false
	}
	eff := ms.leaveLocked(c)
	delete(ms.conns, connID)

	// The event survives a host departure in the Idle state so that
	// latecomers can still find it. It is deleted only once nobody
	// announced for it remains connected.
	if c.eventID != "" && !eff.CallEnded {
		if _, ok = ms.events[c.eventID]; ok && !ms.eventReferencedLocked(c.eventID) {
			ms.deleteEventLocked(c.eventID)
			eff.EventGone = true
		}
	}
	return eff, c.eventID != ""
}

// RandomActiveEvent picks a uniformly random event, other than the
// connection's own, that has an active call.
func (ms *MemStore) RandomActiveEvent(connID string) (string, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	var own string
	if c, ok := ms.conns[connID]; ok {
		own = c.eventID
	}
	var candidates []string
	for _, id := range ms.order {
		if id != own && ms.events[id].roomID != "" {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[randv2.IntN(len(candidates))], true
}

// Snapshot serializes the directory. Participant counts are computed
// from live connection membership, never from a separate counter.
func (ms *MemStore) Snapshot() []model.EventStatus {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	out := make([]model.EventStatus, 0, len(ms.order))
	for _, id := range ms.order {
		ev := ms.events[id]
		var participants int
		if ev.roomID != "" {
			for _, c := range ms.conns {
				if c.roomID == ev.roomID {
					participants++
				}
			}
		}
		out = append(out, model.EventStatus{
			ID:           ev.id,
			Name:         ev.name,
			InCall:       ev.roomID != "",
			Participants: participants,
		})
	}
	return out
}

func (ms *MemStore) DisplayName(connID string) string {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if c, ok := ms.conns[connID]; ok && c.name != "" {
		return c.name
	}
	return "Unknown"
}

// leaveLocked removes the connection from its room and computes the
// side effects. The room's owning event is resolved by room id, not by
// the connection's own event: a connection can occupy another event's
// room after join-random.
func (ms *MemStore) leaveLocked(c *connection) model.LeaveEffects {
	eff := model.LeaveEffects{ConnID: c.id, Name: c.name, EventID: c.eventID}
	if !c.inCall {
		return eff
	}

	roomID := c.roomID
	c.inCall = false
	c.roomID = ""
	eff.RoomID = roomID
	for _, m := range ms.roomMembersLocked(roomID, c.id) {
		eff.Remaining = append(eff.Remaining, m.ID)
	}

	ev := ms.eventByRoomLocked(roomID)
	if ev == nil {
		return eff
	}
	if ev.hostID == c.id {
		eff.CallEnded = true
		ev.roomID = ""
		ev.hostID = ""
		ms.evictRoomLocked(roomID)
	} else if len(eff.Remaining) == 0 {
		ev.roomID = ""
		ev.hostID = ""
	}
	return eff
}

// evictRoomLocked clears every member out of the room and returns
// their ids so the caller can notify them the call ended.
func (ms *MemStore) evictRoomLocked(roomID string) []string {
	var evicted []string
	for _, c := range ms.conns {
		if c.roomID == roomID {
			c.inCall = false
			c.roomID = ""
			evicted = append(evicted, c.id)
		}
	}
	return evicted
}

func (ms *MemStore) roomMembersLocked(roomID, except string) []model.Member {
	members := make([]model.Member, 0)
	for _, c := range ms.conns {
		if c.roomID == roomID && c.id != except {
			name := c.name
			if name == "" {
				name = "Unknown"
			}
			members = append(members, model.Member{ID: c.id, Name: name})
		}
	}
	return members
}

func (ms *MemStore) eventByRoomLocked(roomID string) *event {
	for _, ev := range ms.events {
		if ev.roomID == roomID {
			return ev
		}
	}
	return nil
}

func (ms *MemStore) eventReferencedLocked(eventID string) bool {
	for _, c := range ms.conns {
		if c.eventID == eventID {
			return true
		}
	}
	return false
}

func (ms *MemStore) deleteEventLocked(eventID string) {
	delete(ms.events, eventID)
	for i, id := range ms.order {
		if id == eventID {
			ms.order = append(ms.order[:i], ms.order[i+1:]...)
			break
		}
	}
}

// newRoomID mints a token that is never reused across calls, so stale
// signaling referencing an old room cannot match the new one.
func newRoomID() string {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("campfire-%d-%s", time.Now().UnixMilli(), hex.EncodeToString(buf))
}
