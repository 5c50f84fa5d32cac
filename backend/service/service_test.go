package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/gamerwaves/campfire-portal/backend/model"
	store "github.com/gamerwaves/campfire-portal/backend/storage/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSwitch records every delivery instead of pushing to wires.
type fakeSwitch struct {
	mx         sync.Mutex
	connected  map[string]bool
	sent       map[string][]model.Envelope
	broadcasts []model.Envelope
}

func newFakeSwitch() *fakeSwitch {
	return &fakeSwitch{
		connected: make(map[string]bool),
		sent:      make(map[string][]model.Envelope),
	}
}

func (f *fakeSwitch) Connect(connID string, _ model.Wire) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.connected[connID] = true
}

func (f *fakeSwitch) Disconnect(connID string) {
	f.mx.Lock()
	defer f.mx.Unlock()
	delete(f.connected, connID)
}

func (f *fakeSwitch) Send(_ context.Context, env model.Envelope) bool {
	f.mx.Lock()
	defer f.mx.Unlock()
	if !f.connected[env.To] {
		return false
	}
	f.sent[env.To] = append(f.sent[env.To], env)
	return true
}

func (f *fakeSwitch) Broadcast(_ context.Context, env model.Envelope) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.broadcasts = append(f.broadcasts, env)
}

func (f *fakeSwitch) sentTo(connID string) []model.Envelope {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]model.Envelope(nil), f.sent[connID]...)
}

func (f *fakeSwitch) lastBroadcast(t *testing.T) []model.EventStatus {
	t.Helper()
	f.mx.Lock()
	defer f.mx.Unlock()
	require.NotEmpty(t, f.broadcasts)
	env := f.broadcasts[len(f.broadcasts)-1]
	require.Equal(t, model.TypeEventsUpdate, env.Type)
	var snap []model.EventStatus
	require.NoError(t, json.Unmarshal(env.Payload, &snap))
	return snap
}

func (f *fakeSwitch) broadcastCount() int {
	f.mx.Lock()
	defer f.mx.Unlock()
	return len(f.broadcasts)
}

func newTestService(t *testing.T) (*Service, *fakeSwitch) {
	t.Helper()
	logger := zerolog.Nop()
	fs := newFakeSwitch()
	svc := NewService(Config{
		Directory: store.NewMemStore(),
		Switch:    fs,
		Logger:    &logger,
	})
	return svc, fs
}

func connect(t *testing.T, svc *Service, fs *fakeSwitch, connID, eventID, name string) {
	t.Helper()
	ctx := context.Background()
	// register directly, bypassing the dispatch goroutine for determinism
	svc.store.Register(connID)
	fs.Connect(connID, model.Wire{})
	payload, err := json.Marshal(model.EnterPayload{EventID: eventID, EventName: name})
	require.NoError(t, err)
	svc.handle(ctx, connID, model.Envelope{Type: model.TypeEnter, Payload: payload})
}

func call(t *testing.T, svc *Service, connID, msgType, eventID string) {
	t.Helper()
	payload, err := json.Marshal(model.CallPayload{EventID: eventID})
	require.NoError(t, err)
	svc.handle(context.Background(), connID, model.Envelope{Type: msgType, Payload: payload})
}

func typesOf(envs []model.Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, env := range envs {
		out = append(out, env.Type)
	}
	return out
}

func TestEnterBroadcastsDirectory(t *testing.T) {
	svc, fs := newTestService(t)
	connect(t, svc, fs, "a", "ev1", "Alice")

	snap := fs.lastBroadcast(t)
	require.Len(t, snap, 1)
	assert.Equal(t, "ev1", snap[0].ID)
	assert.Equal(t, "Alice", snap[0].Name)
	assert.False(t, snap[0].InCall)
}

func TestStartThenJoinHandshake(t *testing.T) {
	svc, fs := newTestService(t)
	connect(t, svc, fs, "a", "ev1", "Alice")
	connect(t, svc, fs, "b", "ev1", "Bob")

	call(t, svc, "a", model.TypeStartCall, "ev1")

	aMsgs := fs.sentTo("a")
	require.Equal(t, []string{model.TypeJoinCall}, typesOf(aMsgs))
	var aAck model.JoinCallPayload
	require.NoError(t, json.Unmarshal(aMsgs[0].Payload, &aAck))
	assert.NotEmpty(t, aAck.RoomID)
	assert.Empty(t, aAck.ExistingUsers)

	call(t, svc, "b", model.TypeJoinExisting, "ev1")

	// B's ack lists A as an existing participant
	bMsgs := fs.sentTo("b")
	require.Equal(t, []string{model.TypeJoinCall}, typesOf(bMsgs))
	var bAck model.JoinCallPayload
	require.NoError(t, json.Unmarshal(bMsgs[0].Payload, &bAck))
	assert.Equal(t, aAck.RoomID, bAck.RoomID)
	assert.Equal(t, []model.Member{{ID: "a", Name: "Alice"}}, bAck.ExistingUsers)

	// A is told about B so it can initiate its side of the mesh
	aMsgs = fs.sentTo("a")
	require.Equal(t, []string{model.TypeJoinCall, model.TypeUserJoined}, typesOf(aMsgs))
	var joined model.Member
	require.NoError(t, json.Unmarshal(aMsgs[1].Payload, &joined))
	assert.Equal(t, model.Member{ID: "b", Name: "Bob"}, joined)

	snap := fs.lastBroadcast(t)
	assert.Equal(t, 2, snap[0].Participants)
}

func TestStartCallOnUnknownEventIsIgnored(t *testing.T) {
	svc, fs := newTestService(t)
	connect(t, svc, fs, "a", "ev1", "Alice")
	before := fs.broadcastCount()

	call(t, svc, "a", model.TypeStartCall, "nope")

	assert.Empty(t, fs.sentTo("a"))
	assert.Equal(t, before, fs.broadcastCount(), "silent no-op, no directory change")
}

func TestJoinRandomWithoutCandidates(t *testing.T) {
	svc, fs := newTestService(t)
	connect(t, svc, fs, "a", "ev1", "Alice")
	before := fs.broadcastCount()

	svc.handle(context.Background(), "a", model.Envelope{Type: model.TypeJoinRandom})

	assert.Equal(t, []string{model.TypeNoRandomCalls}, typesOf(fs.sentTo("a")))
	assert.Equal(t, before, fs.broadcastCount())
}

func TestJoinRandomPicksOtherActiveCall(t *testing.T) {
	svc, fs := newTestService(t)
	connect(t, svc, fs, "a", "evA", "Alice")
	connect(t, svc, fs, "b", "evB", "Bob")

	call(t, svc, "b", model.TypeStartCall, "evB")
	svc.handle(context.Background(), "a", model.Envelope{Type: model.TypeJoinRandom})

	aMsgs := fs.sentTo("a")
	require.Equal(t, []string{model.TypeJoinCall}, typesOf(aMsgs))
	var ack model.JoinCallPayload
	require.NoError(t, json.Unmarshal(aMsgs[0].Payload, &ack))
	assert.Equal(t, []model.Member{{ID: "b", Name: "Bob"}}, ack.ExistingUsers)
}

func TestHostDisconnectEndsCall(t *testing.T) {
	svc, fs := newTestService(t)
	connect(t, svc, fs, "a", "ev1", "Alice")
	connect(t, svc, fs, "b", "ev1", "Bob")

	call(t, svc, "a", model.TypeStartCall, "ev1")
	call(t, svc, "b", model.TypeJoinExisting, "ev1")

	require.NoError(t, svc.DeleteSession(context.Background(), "a"))

	bMsgs := fs.sentTo("b")
	require.Equal(t,
		[]string{model.TypeJoinCall, model.TypeUserLeft, model.TypeCallEnded},
		typesOf(bMsgs))
	var left model.UserLeftPayload
	require.NoError(t, json.Unmarshal(bMsgs[1].Payload, &left))
	assert.Equal(t, "a", left.ID)

	snap := fs.lastBroadcast(t)
	require.Len(t, snap, 1, "event survives host departure")
	assert.False(t, snap[0].InCall)
	assert.Zero(t, snap[0].Participants)
}

func TestNonHostLeave(t *testing.T) {
	svc, fs := newTestService(t)
	connect(t, svc, fs, "a", "ev1", "Alice")
	connect(t, svc, fs, "b", "ev1", "Bob")

	call(t, svc, "a", model.TypeStartCall, "ev1")
	call(t, svc, "b", model.TypeJoinExisting, "ev1")

	svc.handle(context.Background(), "b", model.Envelope{Type: model.TypeLeaveCall})

	bMsgs := fs.sentTo("b")
	assert.Equal(t, model.TypeLeftCall, bMsgs[len(bMsgs)-1].Type)

	aMsgs := fs.sentTo("a")
	assert.Equal(t,
		[]string{model.TypeJoinCall, model.TypeUserJoined, model.TypeUserLeft},
		typesOf(aMsgs), "no call-ended for a non-host departure")

	snap := fs.lastBroadcast(t)
	assert.True(t, snap[0].InCall)
	assert.Equal(t, 1, snap[0].Participants)
}

func TestRepeatedLeaveIsHarmless(t *testing.T) {
	svc, fs := newTestService(t)
	connect(t, svc, fs, "a", "ev1", "Alice")

	call(t, svc, "a", model.TypeStartCall, "ev1")
	svc.handle(context.Background(), "a", model.Envelope{Type: model.TypeLeaveCall})

	before := fs.broadcastCount()
	svc.handle(context.Background(), "a", model.Envelope{Type: model.TypeLeaveCall})

	aMsgs := fs.sentTo("a")
	assert.Equal(t, model.TypeLeftCall, aMsgs[len(aMsgs)-1].Type, "repeat ack is fine")
	assert.Equal(t, before, fs.broadcastCount(), "no duplicate broadcast")
}

func TestRelayTagsSender(t *testing.T) {
	svc, fs := newTestService(t)
	connect(t, svc, fs, "a", "ev1", "Alice")
	connect(t, svc, fs, "b", "ev1", "Bob")

	payload := json.RawMessage(`{"sdp":"v=0 ..."}`)
	svc.handle(context.Background(), "a", model.Envelope{
		Type:    model.TypeRelayOffer,
		To:      "b",
		Payload: payload,
	})

	bMsgs := fs.sentTo("b")
	require.Len(t, bMsgs, 1)
	assert.Equal(t, model.TypeRelayOffer, bMsgs[0].Type)
	assert.Equal(t, "a", bMsgs[0].From)
	assert.Equal(t, "Alice", bMsgs[0].FromName)
	assert.JSONEq(t, string(payload), string(bMsgs[0].Payload), "payload is opaque and verbatim")
}

func TestRelayToDepartedPeerIsDropped(t *testing.T) {
	svc, fs := newTestService(t)
	connect(t, svc, fs, "a", "ev1", "Alice")
	connect(t, svc, fs, "b", "ev1", "Bob")
	require.NoError(t, svc.DeleteSession(context.Background(), "b"))

	svc.handle(context.Background(), "a", model.Envelope{
		Type:    model.TypeRelayAnswer,
		To:      "b",
		Payload: json.RawMessage(`{}`),
	})

	assert.Empty(t, fs.sentTo("b"))
	assert.Empty(t, fs.sentTo("a"), "no error is surfaced to the sender")
}

func TestSupersedingStartEvictsOldRoom(t *testing.T) {
	svc, fs := newTestService(t)
	connect(t, svc, fs, "a", "ev1", "Alice")
	connect(t, svc, fs, "b", "ev1", "Bob")
	connect(t, svc, fs, "c", "ev1", "Carol")

	call(t, svc, "a", model.TypeStartCall, "ev1")
	call(t, svc, "b", model.TypeJoinExisting, "ev1")
	call(t, svc, "c", model.TypeStartCall, "ev1")

	aMsgs := fs.sentTo("a")
	assert.Equal(t, model.TypeCallEnded, aMsgs[len(aMsgs)-1].Type)
	bMsgs := fs.sentTo("b")
	assert.Equal(t, model.TypeCallEnded, bMsgs[len(bMsgs)-1].Type)

	snap := fs.lastBroadcast(t)
	assert.True(t, snap[0].InCall)
	assert.Equal(t, 1, snap[0].Participants)
}

func TestUnknownMessageTypeIsDropped(t *testing.T) {
	svc, fs := newTestService(t)
	connect(t, svc, fs, "a", "ev1", "Alice")
	before := fs.broadcastCount()

	svc.handle(context.Background(), "a", model.Envelope{Type: "bogus"})

	assert.Empty(t, fs.sentTo("a"))
	assert.Equal(t, before, fs.broadcastCount())
}
