package _switch

import (
	"context"
	"sync"
	"time"

	"github.com/gamerwaves/campfire-portal/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = time.Second
)

// Switch holds the outbound wire of every live connection and fans
// messages out to one endpoint or to all of them.
type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	fwd    map[string]model.Wire
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		fwd:    make(map[string]model.Wire),
	}
}

func (sw *Switch) Connect(connID string, wire model.Wire) {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().
			Str("connID", connID).
			Msg("endpoint connected")
	}()

	sw.fwd[connID] = wire
}

func (sw *Switch) Disconnect(connID string) {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().
			Str("connID", connID).
			Msg("endpoint disconnected")
	}()

	delete(sw.fwd, connID)
}

// Send delivers to a single endpoint. Unknown destinations are dropped
// silently; the eventual user-left notice is the sender's recovery
// signal.
func (sw *Switch) Send(ctx context.Context, env model.Envelope) bool {
	logger := sw.logger.With().
		Str("type", env.Type).
		Str("src", env.From).Logger()

	sw.mx.RLock()
	wire, ok := sw.fwd[env.To]
	sw.mx.RUnlock()

	if !ok {
		logger.Debug().Str("dst", env.To).Msg("cannot forward, dst not found")
		return false
	}
	sent, _ := send(ctx, env, env.To, wire.TX, &logger)
	return sent
}

// Broadcast delivers to every connected endpoint, sender included.
func (sw *Switch) Broadcast(ctx context.Context, env model.Envelope) {
	env.To = "" // clear dst just in case

	sw.mx.RLock()
	wires := make(map[string]model.Wire, len(sw.fwd))
	for id, wire := range sw.fwd {
		wires[id] = wire
	}
	sw.mx.RUnlock()

	var sent bool
	for dst, wire := range wires {
		annSent, canceled := send(ctx, env, dst, wire.TX, &sw.logger)
		if canceled {
			break
		}
		if annSent {
			sent = true
		}
	}
	if !sent {
		sw.logger.Debug().
			Str("type", env.Type).
			Msg("broadcast did not reach anyone")
	}
}

func send(ctx context.Context, env model.Envelope, dst string, tx chan<- model.Envelope, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Str("dst", dst).Msg("dead endpoint")
	case tx <- env:
		logger.Trace().Str("dst", dst).Msg("message is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
