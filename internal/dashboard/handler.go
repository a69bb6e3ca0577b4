package dashboard

import (
	"github.com/dbmirror/dbmirror/internal/daemon"
	"github.com/dbmirror/dbmirror/internal/progress"
)

// CycleData describes a finished update cycle.
type CycleData struct {
	Trigger string   `json:"trigger"`
	Updated bool     `json:"updated"`
	Success int      `json:"success"`
	Failed  int      `json:"failed"`
	Skipped int      `json:"skipped"`
	Flagged []string `json:"flagged,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Handler forwards progress events and coordinator notifications to the
// server.
type Handler struct {
	server *Server
	unsubs []func()
}

// NewHandler creates a handler for server.
func NewHandler(server *Server) *Handler {
	return &Handler{server: server}
}

// OnProgress broadcasts a progress event.
func (h *Handler) OnProgress(ev progress.Event) {
	h.server.BroadcastData(MessageTypeProgress, ev)
}

// OnNotification broadcasts a finished cycle. Poll notifications without a
// cycle are not forwarded.
func (h *Handler) OnNotification(n daemon.Notification) {
	if n.Trigger == daemon.TriggerPoll && n.Stale > 0 {
		return
	}
	data := CycleData{
		Trigger: string(n.Trigger),
		Updated: n.Updated,
		Success: n.Result.Batch.SuccessCount,
		Failed:  n.Result.Batch.FailCount,
		Skipped: n.Result.Batch.Skipped,
		Flagged: n.Result.Batch.Flagged,
	}
	if n.Err != nil {
		data.Error = n.Err.Error()
	}
	h.server.BroadcastData(MessageTypeCycle, data)
}

// Attach subscribes the handler to a progress registry and, when given, a
// coordinator.
func (h *Handler) Attach(reg *progress.Registry, coord *daemon.Coordinator) {
	if reg != nil {
		h.unsubs = append(h.unsubs, reg.Subscribe(h.OnProgress))
	}
	if coord != nil {
		h.unsubs = append(h.unsubs, coord.Subscribe(h.OnNotification))
	}
}

// Detach removes every subscription made by Attach.
func (h *Handler) Detach() {
	for _, u := range h.unsubs {
		u()
	}
	h.unsubs = nil
}
