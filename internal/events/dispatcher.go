// Package events receives push frames from the realtime channel and
// dispatches them as typed deliveries.
//
// Frames arrive as {"event": ..., "data": ...} JSON. The dispatcher
// normalizes them into typed callbacks in arrival order; a malformed
// frame is dropped with an error and never reaches the entity store.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/boardsync/boardsync/internal/model"
)

// Event names carried on the realtime channel.
const (
	EventTaskCreated   = "task:created"
	EventTaskUpdated   = "task:updated"
	EventTaskDeleted   = "task:deleted"
	EventProjectUpdate = "project:updated"
	EventProjectDelete = "project:deleted"
	EventMemberAdded   = "project:member-added"
	EventMemberRemoved = "project:member-removed"
	EventNotification  = "notification:new"
)

// ErrMalformedEvent reports a frame that could not be normalized.
type ErrMalformedEvent struct {
	Event string
	Err   error
}

func (e *ErrMalformedEvent) Error() string {
	return fmt.Sprintf("malformed %q event: %v", e.Event, e.Err)
}

func (e *ErrMalformedEvent) Unwrap() error { return e.Err }

// Notification is a user-facing alert delivered over the channel. It
// is passed through to the consumer untouched; notifications carry no
// entity state.
type Notification struct {
	ID        string          `json:"id"`
	Kind      string          `json:"type"`
	Message   string          `json:"message"`
	ProjectID string          `json:"projectId"`
	TaskID    string          `json:"taskId"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Handler consumes normalized deliveries. Calls are made from the
// channel's read goroutine, one at a time, in arrival order.
type Handler interface {
	// TaskUpserted delivers the server's copy of a created or updated
	// task, with any member reference data embedded in the payload.
	TaskUpserted(task *model.Task, members []model.Member)

	// TaskDeleted delivers a task deletion.
	TaskDeleted(taskID, projectID string)

	// ProjectUpserted delivers the server's copy of a project,
	// including membership changes.
	ProjectUpserted(project *model.Project, members []model.Member)

	// ProjectDeleted delivers a project deletion.
	ProjectDeleted(projectID string)

	// Notification delivers a user-facing alert.
	Notification(n Notification)
}

// frame is the wire shape of one push event.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// deleteData is the payload of task:deleted and project:deleted.
type deleteData struct {
	ID        wireString `json:"id"`
	TaskID    wireString `json:"taskId"`
	ProjectID wireString `json:"projectId"`
}

// wireString tolerates a bare string or an object with an id.
type wireString struct {
	value string
}

func (w *wireString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		w.value = s
		return nil
	}
	var obj struct {
		ID  string `json:"id"`
		OID string `json:"_id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if obj.ID != "" {
		w.value = obj.ID
	} else {
		w.value = obj.OID
	}
	return nil
}

// Dispatcher routes raw frames to a Handler.
type Dispatcher struct {
	handler Handler
	logger  *log.Logger

	dispatched int
	dropped    int
}

// NewDispatcher creates a dispatcher for the given handler.
func NewDispatcher(handler Handler, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{handler: handler, logger: logger}
}

// Dispatch normalizes one frame and invokes the handler. Unknown
// event names are ignored; malformed payloads return
// *ErrMalformedEvent and leave the handler untouched.
func (d *Dispatcher) Dispatch(raw []byte) error {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		d.dropped++
		return &ErrMalformedEvent{Event: "?", Err: err}
	}

	switch f.Event {
	case EventTaskCreated, EventTaskUpdated:
		task, members, err := model.DecodeTask(f.Data)
		if err != nil {
			return d.drop(f.Event, err)
		}
		d.handler.TaskUpserted(task, members)

	case EventTaskDeleted:
		var data deleteData
		if err := json.Unmarshal(f.Data, &data); err != nil {
			return d.drop(f.Event, err)
		}
		id := data.TaskID.value
		if id == "" {
			id = data.ID.value
		}
		if id == "" {
			return d.drop(f.Event, fmt.Errorf("missing task id"))
		}
		d.handler.TaskDeleted(id, data.ProjectID.value)

	case EventProjectUpdate, EventMemberAdded, EventMemberRemoved:
		project, members, err := model.DecodeProject(f.Data)
		if err != nil {
			return d.drop(f.Event, err)
		}
		d.handler.ProjectUpserted(project, members)

	case EventProjectDelete:
		var data deleteData
		if err := json.Unmarshal(f.Data, &data); err != nil {
			return d.drop(f.Event, err)
		}
		id := data.ProjectID.value
		if id == "" {
			id = data.ID.value
		}
		if id == "" {
			return d.drop(f.Event, fmt.Errorf("missing project id"))
		}
		d.handler.ProjectDeleted(id)

	case EventNotification:
		var n Notification
		if err := json.Unmarshal(f.Data, &n); err != nil {
			return d.drop(f.Event, err)
		}
		d.handler.Notification(n)

	default:
		// Forward-compatible: new event names from a newer server are
		// skipped, not errors.
		return nil
	}

	d.dispatched++
	return nil
}

func (d *Dispatcher) drop(event string, err error) error {
	d.dropped++
	d.logger.Printf("[events] dropping %s: %v", event, err)
	return &ErrMalformedEvent{Event: event, Err: err}
}

// Stats reports how many frames were dispatched and dropped.
func (d *Dispatcher) Stats() (dispatched, dropped int) {
	return d.dispatched, d.dropped
}
