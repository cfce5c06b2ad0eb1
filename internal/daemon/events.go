package daemon

import (
	"context"
	"time"

	"github.com/parleyhq/parley/pkg/fanout"
	"github.com/parleyhq/parley/pkg/gateway"
)

// mirrorFanOutEvents forwards fan-out lifecycle events to the tenant's
// operator stream on the gateway.
func (d *Daemon) mirrorFanOutEvents() {
	events := []fanout.Event{
		fanout.EventSpecialistCompleted,
		fanout.EventSynthesis,
		fanout.EventTerminal,
		fanout.EventLateArrival,
	}
	for _, ev := range events {
		ev := ev
		d.orchestrator.Events().On(ev, func(payload fanout.EventPayload) {
			d.broadcastFanOutEvent(ev, payload)
		})
	}
}

func (d *Daemon) broadcastFanOutEvent(ev fanout.Event, payload fanout.EventPayload) {
	// The payload carries only the session id; the tenant scoping the
	// broadcast needs comes from the session record.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := d.sessions.Get(ctx, payload.SessionID)
	if err != nil {
		d.logger.Debug().Err(err).
			Str("session_id", payload.SessionID).
			Str("event", string(ev)).
			Msg("Dropping fan-out event for unknown session")
		return
	}

	d.gatewayServer.BroadcastTyped(gateway.EventMessage{
		Type:      "event",
		Event:     "fanout." + string(ev),
		Stream:    gateway.StreamTypeFanOut,
		Data:      payload,
		Timestamp: time.Now().UnixMilli(),
		TenantID:  sess.TenantID,
		SessionID: payload.SessionID,
	})
}
