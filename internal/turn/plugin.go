package turn

import "context"
import "github.com/turnloop/agentcore/pkg/models"

// Plugin observes agent events for side effects (metrics, external
// notifications); it must not block the emitting goroutine for long.
type Plugin interface {
	OnEvent(ctx context.Context, e models.AgentEvent)
}

// PluginFunc adapts a plain function to the Plugin interface.
type PluginFunc func(ctx context.Context, e models.AgentEvent)

// OnEvent implements Plugin.
func (f PluginFunc) OnEvent(ctx context.Context, e models.AgentEvent) { f(ctx, e) }

// PluginRegistry fans an AgentEvent out to every registered Plugin.
type PluginRegistry struct {
	plugins []Plugin
}

// NewPluginRegistry creates an empty plugin registry.
func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{}
}

// Use registers a plugin with the registry.
func (r *PluginRegistry) Use(p Plugin) {
	if r == nil || p == nil {
		return
	}
	r.plugins = append(r.plugins, p)
}

// Emit dispatches e to every registered plugin, in registration order.
func (r *PluginRegistry) Emit(ctx context.Context, e models.AgentEvent) {
	if r == nil {
		return
	}
	for _, p := range r.plugins {
		p.OnEvent(ctx, e)
	}
}
