package orchestrator

import (
	"context"

	"github.com/opencode-lore/lore/internal/bus"
	"github.com/opencode-lore/lore/internal/llm"
	. "github.com/opencode-lore/lore/internal/logging"
	"github.com/opencode-lore/lore/internal/loreconfig"
)

// Event topics the host publishes to, per spec §6's event-stream hook.
const (
	TopicMessageUpdated = "message.updated"
	TopicSessionIdle    = "session.idle"
	TopicSessionError   = "session.error"
)

// MessageUpdatedPayload accompanies TopicMessageUpdated.
type MessageUpdatedPayload struct {
	ProjectPath string
	SessionID   string
}

// IdlePayload accompanies TopicSessionIdle: the host has gone quiet and it
// is safe to run background maintenance.
type IdlePayload struct {
	ProjectPath string
	SessionID   string
	Config      loreconfig.ProjectConfig
}

// ErrorPayload accompanies TopicSessionError.
type ErrorPayload struct {
	ProjectPath string
	SessionID   string
	Message     string
}

// subscriptions holds the ids returned by bus.SubscribeEvent so Stop can
// unregister them.
type subscriptions struct {
	updated bus.SubscriptionID
	idle    bus.SubscriptionID
	error   bus.SubscriptionID
}

// Start subscribes the orchestrator's handlers to the shared event bus.
// One Orchestrator should call this once; calling it twice registers
// duplicate handlers.
func (o *Orchestrator) Start() *subscriptions {
	o.RegisterCommands()
	return &subscriptions{
		updated: bus.SubscribeEvent(TopicMessageUpdated, func(ev bus.Event) {
			if _, ok := ev.Data.(MessageUpdatedPayload); !ok {
				L_warn("orchestrator: message.updated event with unexpected payload type")
			}
			// Persistence happens in TransformMessages on the next turn; this
			// handler exists so the host's three documented topics all have a
			// registered subscriber, and as a hook point for future per-chunk
			// bookkeeping.
		}),
		idle: bus.SubscribeEvent(TopicSessionIdle, func(ev bus.Event) {
			payload, ok := ev.Data.(IdlePayload)
			if !ok {
				L_warn("orchestrator: session.idle event with unexpected payload type")
				return
			}
			if _, err := o.RunIdleMaintenance(context.Background(), payload.ProjectPath, payload.SessionID, payload.Config, false); err != nil {
				L_warn("orchestrator: idle maintenance failed", "session", payload.SessionID, "error", err)
			}
		}),
		error: bus.SubscribeEvent(TopicSessionError, func(ev bus.Event) {
			payload, ok := ev.Data.(ErrorPayload)
			if !ok {
				L_warn("orchestrator: session.error event with unexpected payload type")
				return
			}
			o.handleSessionError(payload)
		}),
	}
}

// Stop unregisters the handlers Start registered.
func (o *Orchestrator) Stop(subs *subscriptions) {
	o.UnregisterCommands()
	if subs == nil {
		return
	}
	bus.UnsubscribeEvent(subs.updated)
	bus.UnsubscribeEvent(subs.idle)
	bus.UnsubscribeEvent(subs.error)
}

// handleSessionError implements the gradient transformer's escape hatch
// (spec §4.6): a context-overflow error from the model forces the next
// transform down to layer 2 regardless of the normal layer selection, since
// the host just proved the current budget estimate was wrong.
func (o *Orchestrator) handleSessionError(payload ErrorPayload) {
	if !llm.IsContextOverflowMessage(payload.Message) {
		return
	}
	proj, err := o.resolveProject(payload.ProjectPath)
	if err != nil {
		L_warn("orchestrator: resolving project for session.error", "error", err)
		return
	}
	if err := o.gradient.SetForceMinLayer(payload.SessionID, proj.ID, 2); err != nil {
		L_warn("orchestrator: failed to force min layer after context overflow", "session", payload.SessionID, "error", err)
		return
	}
	L_info("orchestrator: forced layer 2 after context overflow", "session", payload.SessionID)
}
