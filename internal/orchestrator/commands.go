package orchestrator

import (
	"context"

	"github.com/opencode-lore/lore/internal/bus"
	"github.com/opencode-lore/lore/internal/loreconfig"
	"github.com/opencode-lore/lore/internal/recall"
)

// busComponent is the component name the orchestrator registers its command
// handlers under, so a host can dispatch through bus.SendCommand instead of
// holding a direct *Orchestrator reference (e.g. from a different process
// boundary, or a CLI that only knows about the bus).
const busComponent = "orchestrator"

// MaintainCommandPayload is the Command.Payload shape for the "maintain"
// command: equivalent to calling RunIdleMaintenance directly.
type MaintainCommandPayload struct {
	ProjectPath string
	SessionID   string
	Config      loreconfig.ProjectConfig
	Force       bool
}

// RecallCommandPayload is the Command.Payload shape for the "recall" command.
type RecallCommandPayload struct {
	ProjectPath string
	SessionID   string
	Query       string
	Scope       recall.Scope
}

// RegisterCommands exposes RunIdleMaintenance and recall search through the
// shared command bus, so callers that only hold a bus reference (lorectl
// running against an already-started host, or a future host process in a
// different goroutine) can reach them without a direct *Orchestrator value.
func (o *Orchestrator) RegisterCommands() {
	bus.RegisterCommand(busComponent, "maintain", func(cmd bus.Command) bus.CommandResult {
		payload, ok := cmd.Payload.(MaintainCommandPayload)
		if !ok {
			return bus.CommandResult{Success: false, Message: "maintain: unexpected payload type"}
		}
		result, err := o.RunIdleMaintenance(context.Background(), payload.ProjectPath, payload.SessionID, payload.Config, payload.Force)
		if err != nil {
			return bus.CommandResult{Success: false, Message: err.Error(), Error: err}
		}
		return bus.CommandResult{Success: true, Data: result}
	})

	bus.RegisterCommand(busComponent, "recall", func(cmd bus.Command) bus.CommandResult {
		payload, ok := cmd.Payload.(RecallCommandPayload)
		if !ok {
			return bus.CommandResult{Success: false, Message: "recall: unexpected payload type"}
		}
		proj, err := o.resolveProject(payload.ProjectPath)
		if err != nil {
			return bus.CommandResult{Success: false, Message: err.Error(), Error: err}
		}
		store := recall.NewStore(o.temporal, o.distill, o.knowledge)
		text, err := store.Query(context.Background(), proj.ID, payload.SessionID, payload.Query, payload.Scope)
		if err != nil {
			return bus.CommandResult{Success: false, Message: err.Error(), Error: err}
		}
		return bus.CommandResult{Success: true, Message: text, Data: text}
	})
}

// UnregisterCommands removes the handlers RegisterCommands added.
func (o *Orchestrator) UnregisterCommands() {
	bus.UnregisterComponent(busComponent)
}
