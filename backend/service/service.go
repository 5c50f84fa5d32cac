package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/davecgh/go-spew/spew"
	"github.com/gamerwaves/campfire-portal/backend/model"
	"github.com/rs/zerolog"
)

var (
	ErrAnnounce = errors.New("unable to announce event")
)

type (
	// Directory owns all connection and event state. Every method is a
	// single atomic transition.
	Directory interface {
		Register(connID string)
		Unregister(connID string) (model.LeaveEffects, bool)
		Announce(connID, eventID, name string) error
		StartCall(connID, eventID string) (*model.JoinResult, error)
		JoinExisting(connID, eventID string) (*model.JoinResult, error)
		Leave(connID string) (model.LeaveEffects, bool)
		RandomActiveEvent(connID string) (string, bool)
		Snapshot() []model.EventStatus
		DisplayName(connID string) string
	}

	Switch interface {
		Connect(connID string, wire model.Wire)
		Disconnect(connID string)
		Send(ctx context.Context, env model.Envelope) bool
		Broadcast(ctx context.Context, env model.Envelope)
	}

	Service struct {
		store  Directory
		sw     Switch
		logger zerolog.Logger
	}

	Config struct {
		Directory Directory
		Switch    Switch
		Logger    *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		store:  cfg.Directory,
		sw:     cfg.Switch,
		logger: cfg.Logger.With().Str("component", "signaling").Logger(),
	}
}

// CreateSession registers the connection and starts consuming its
// inbound wire until the session context is canceled.
func (svc *Service) CreateSession(ctx context.Context, connID string, wire model.Wire) error {
	svc.store.Register(connID)
	svc.sw.Connect(connID, wire)
	svc.logger.Debug().
		Str("connID", connID).
		Msg("session created")

	go svc.dispatch(ctx, connID, wire.RX)
	return nil
}

// DeleteSession runs the full disconnect path: the implicit leave with
// its notifications, event cleanup, then removal of the endpoint.
func (svc *Service) DeleteSession(ctx context.Context, connID string) error {
	eff, changed := svc.store.Unregister(connID)
	svc.emitLeave(ctx, eff)
	svc.sw.Disconnect(connID)
	svc.logger.Debug().
		Str("connID", connID).
		Msg("session deleted")

	if changed {
		svc.broadcastEvents(ctx)
	}
	return nil
}

func (svc *Service) dispatch(ctx context.Context, connID string, rx <-chan model.Envelope) {
dispatchLoop:
	for {
		select {
		case <-ctx.Done():
			break dispatchLoop
		case env, ok := <-rx:
			if !ok {
				break dispatchLoop
			}
			svc.handle(ctx, connID, env)
		}
	}
}

func (svc *Service) handle(ctx context.Context, connID string, env model.Envelope) {
	switch env.Type {
	case model.TypeEnter:
		var p model.EnterPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			svc.logger.Debug().Err(err).Str("connID", connID).Msg("malformed enter payload")
			return
		}
		svc.enter(ctx, connID, p)

	case model.TypeStartCall:
		var p model.CallPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			svc.logger.Debug().Err(err).Str("connID", connID).Msg("malformed start-call payload")
			return
		}
		svc.startCall(ctx, connID, p.EventID)

	case model.TypeJoinExisting:
		var p model.CallPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			svc.logger.Debug().Err(err).Str("connID", connID).Msg("malformed join-existing payload")
			return
		}
		svc.join(ctx, connID, p.EventID)

	case model.TypeJoinRandom:
		svc.joinRandom(ctx, connID)

	case model.TypeLeaveCall:
		svc.leaveCall(ctx, connID)

	case model.TypeRelayOffer, model.TypeRelayAnswer, model.TypeRelayICE:
		svc.relay(ctx, connID, env)

	default:
		svc.logger.Debug().
			Str("connID", connID).
			Str("type", env.Type).
			Msg("unknown message type")
	}
}

func (svc *Service) enter(ctx context.Context, connID string, p model.EnterPayload) {
	if p.EventID == "" {
		svc.logger.Debug().Str("connID", connID).Msg("enter without event id")
		return
	}
	if err := svc.store.Announce(connID, p.EventID, p.EventName); err != nil {
		svc.logger.Error().Err(errors.Join(ErrAnnounce, err)).Str("connID", connID).Send()
		return
	}
	svc.logger.Debug().
		Str("connID", connID).
		Str("eventID", p.EventID).
		Msg("entered event")
	svc.broadcastEvents(ctx)
}

func (svc *Service) startCall(ctx context.Context, connID, eventID string) {
	res, err := svc.store.StartCall(connID, eventID)
	if err != nil {
		// stale directory on the client side, not an error
		svc.logger.Debug().Err(err).
			Str("connID", connID).
			Str("eventID", eventID).
			Msg("start-call ignored")
		return
	}
	svc.logger.Debug().
		Str("connID", connID).
		Str("eventID", eventID).
		Str("roomID", res.RoomID).
		Msg("call started")

	svc.emitJoin(ctx, connID, res)
	svc.broadcastEvents(ctx)
}

func (svc *Service) join(ctx context.Context, connID, eventID string) {
	res, err := svc.store.JoinExisting(connID, eventID)
	if err != nil {
		if res != nil && res.Left != nil {
			svc.emitLeave(ctx, *res.Left)
			svc.broadcastEvents(ctx)
		}
		svc.logger.Debug().Err(err).
			Str("connID", connID).
			Str("eventID", eventID).
			Msg("join ignored")
		return
	}
	svc.logger.Debug().
		Str("connID", connID).
		Str("eventID", eventID).
		Str("roomID", res.RoomID).
		Msg("joined call")

	svc.emitJoin(ctx, connID, res)
	svc.broadcastEvents(ctx)
}

func (svc *Service) joinRandom(ctx context.Context, connID string) {
	eventID, ok := svc.store.RandomActiveEvent(connID)
	if !ok {
		svc.sw.Send(ctx, model.Envelope{Type: model.TypeNoRandomCalls, To: connID})
		return
	}
	svc.join(ctx, connID, eventID)
}

func (svc *Service) leaveCall(ctx context.Context, connID string) {
	eff, wasInCall := svc.store.Leave(connID)
	if wasInCall {
		svc.emitLeave(ctx, eff)
	}
	svc.sw.Send(ctx, model.Envelope{Type: model.TypeLeftCall, To: connID})
	if wasInCall {
		svc.broadcastEvents(ctx)
	}
}

// relay forwards the payload verbatim, tagged with the sender taken
// from the transport session. A vanished target is a silent drop.
func (svc *Service) relay(ctx context.Context, connID string, env model.Envelope) {
	if env.To == "" {
		svc.logger.Debug().
			Str("connID", connID).
			Str("type", env.Type).
			Msg("relay without destination")
		return
	}
	svc.sw.Send(ctx, model.Envelope{
		Type:     env.Type,
		To:       env.To,
		From:     connID,
		FromName: svc.store.DisplayName(connID),
		Payload:  env.Payload,
	})
}

// emitJoin delivers everything a completed join produced: leave and
// eviction notices, user-joined to every present member, and the
// join-call ack. Both sides of each new pair initiate an offer (the
// joiner towards existing_users, members towards the user-joined
// notice); glare between the two offers is resolved by clients.
func (svc *Service) emitJoin(ctx context.Context, connID string, res *model.JoinResult) {
	if res.Left != nil {
		svc.emitLeave(ctx, *res.Left)
	}
	for _, id := range res.Evicted {
		svc.sw.Send(ctx, model.Envelope{Type: model.TypeCallEnded, To: id})
	}

	joined, err := json.Marshal(model.Member{ID: connID, Name: svc.store.DisplayName(connID)})
	if err != nil {
		svc.logger.Error().Err(err).Msg("failed to marshal user-joined payload")
		return
	}
	for _, m := range res.Existing {
		svc.sw.Send(ctx, model.Envelope{Type: model.TypeUserJoined, To: m.ID, Payload: joined})
	}

	ack, err := json.Marshal(model.JoinCallPayload{RoomID: res.RoomID, ExistingUsers: res.Existing})
	if err != nil {
		svc.logger.Error().Err(err).Msg("failed to marshal join-call payload")
		return
	}
	svc.sw.Send(ctx, model.Envelope{Type: model.TypeJoinCall, To: connID, Payload: ack})
}

func (svc *Service) emitLeave(ctx context.Context, eff model.LeaveEffects) {
	if eff.RoomID == "" {
		return
	}
	left, err := json.Marshal(model.UserLeftPayload{ID: eff.ConnID})
	if err != nil {
		svc.logger.Error().Err(err).Msg("failed to marshal user-left payload")
		return
	}
	for _, id := range eff.Remaining {
		svc.sw.Send(ctx, model.Envelope{Type: model.TypeUserLeft, To: id, Payload: left})
	}
	if eff.CallEnded {
		for _, id := range eff.Remaining {
			svc.sw.Send(ctx, model.Envelope{Type: model.TypeCallEnded, To: id})
		}
	}
}

// broadcastEvents pushes the directory snapshot to every connection,
// strictly after the mutation it reflects.
func (svc *Service) broadcastEvents(ctx context.Context) {
	snapshot := svc.store.Snapshot()
	b, err := json.Marshal(snapshot)
	if err != nil {
		svc.logger.Error().Err(err).Msg("failed to marshal events snapshot")
		return
	}
	if e := svc.logger.Trace(); e.Enabled() {
		e.Str("snapshot", spew.Sdump(snapshot)).Msg("directory changed")
	}
	svc.sw.Broadcast(ctx, model.Envelope{Type: model.TypeEventsUpdate, Payload: b})
}
