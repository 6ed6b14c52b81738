package api

import (
	"context"

	"github.com/rookery-ai/rookery/pkg/bus"
	"github.com/rookery-ai/rookery/pkg/logger"
)

// EventBridge taps the internal event bus and forwards everything to
// the WebSocket hub so API clients see the same stream the gateway
// sees.
type EventBridge struct {
	bus   *bus.Bus
	wsHub *WSHub
}

func NewEventBridge(b *bus.Bus, wsHub *WSHub) *EventBridge {
	return &EventBridge{bus: b, wsHub: wsHub}
}

// Run consumes bus events until the context is cancelled or the bus
// closes.
func (eb *EventBridge) Run(ctx context.Context) {
	ch := eb.bus.Subscribe("event-bridge")
	defer eb.bus.Unsubscribe(ch)

	logger.DebugC("api", "event bridge running")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			eb.wsHub.Broadcast(ev)
		}
	}
}
