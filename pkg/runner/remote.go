package runner

import (
	"context"
	"encoding/json"

	"github.com/joeydtaylor/steeze-tunnel/pkg/manifest"
	"github.com/joeydtaylor/steeze-tunnel/pkg/worker"
)

// RemoteTask forwards execution to the worker channel with the operation id
// embedded in the outgoing envelope.
type RemoteTask struct {
	Channel *worker.Channel
	ID      string
}

func (h RemoteTask) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return h.Channel.ExecuteTask(ctx, h.ID, input)
}

// RemoteEvent is RemoteTask's fire-and-forget sibling.
type RemoteEvent struct {
	Channel *worker.Channel
	ID      string
}

func (h RemoteEvent) Emit(ctx context.Context, payload json.RawMessage) error {
	return h.Channel.EmitEvent(ctx, h.ID, payload)
}

// BindRemote registers remote handlers for every allow-listed id that has no
// local handler yet, so an enabled allow-list doubles as the worker's exposed
// surface. Locally registered ids keep their handlers.
func BindRemote(reg *Registry, ch *worker.Channel, al manifest.AllowList) {
	if ch == nil || !al.Enabled {
		return
	}
	for _, id := range al.Tasks {
		if !reg.HasTask(id) {
			reg.RegisterTask(id, RemoteTask{Channel: ch, ID: id})
		}
	}
	for _, id := range al.Events {
		if !reg.HasEvent(id) {
			reg.RegisterEvent(id, RemoteEvent{Channel: ch, ID: id})
		}
	}
}
