package domain

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// Message names carried in the "event" field of every frame.
const (
	EventSyncTasks    = "sync:tasks"
	EventTaskCreate   = "task:create"
	EventTaskCreated  = "task:created"
	EventTaskUpdate   = "task:update"
	EventTaskUpdated  = "task:updated"
	EventTaskMove     = "task:move"
	EventTaskMoved    = "task:moved"
	EventTaskDelete   = "task:delete"
	EventTaskDeleted  = "task:deleted"
	EventTaskUpload   = "task:upload"
	EventTaskUploaded = "task:uploaded"
)

// Command is an inbound client request. The set of implementations is closed.
type Command interface {
	CommandName() string
	isCommand()
}

type CreateTask struct {
	Draft TaskDraft
}

type UpdateTask struct {
	ID    string
	Patch TaskPatch
}

type MoveTask struct {
	TaskID    string
	NewColumn Column
}

type DeleteTask struct {
	TaskID string
}

type UploadAttachment struct {
	TaskID string
	File   Upload
}

func (CreateTask) CommandName() string       { return EventTaskCreate }
func (UpdateTask) CommandName() string       { return EventTaskUpdate }
func (MoveTask) CommandName() string         { return EventTaskMove }
func (DeleteTask) CommandName() string       { return EventTaskDelete }
func (UploadAttachment) CommandName() string { return EventTaskUpload }

func (CreateTask) isCommand()       {}
func (UpdateTask) isCommand()       {}
func (MoveTask) isCommand()         {}
func (DeleteTask) isCommand()       {}
func (UploadAttachment) isCommand() {}

// TargetID returns the task a command refers to, or "" for creates.
func TargetID(cmd Command) string {
	switch c := cmd.(type) {
	case UpdateTask:
		return c.ID
	case MoveTask:
		return c.TaskID
	case DeleteTask:
		return c.TaskID
	case UploadAttachment:
		return c.TaskID
	}
	return ""
}

// Event is an outbound server notification. The set of implementations is closed.
type Event interface {
	EventName() string
	Payload() any
	isEvent()
}

type SyncTasks struct {
	Tasks []Task
}

type TaskCreated struct {
	Task Task
}

type TaskUpdated struct {
	Task Task
}

type TaskMoved struct {
	Move TaskMove
}

type TaskDeleted struct {
	TaskID string
}

type TaskUploaded struct {
	TaskID     string     `json:"taskId"`
	Attachment Attachment `json:"attachment"`
}

func (SyncTasks) EventName() string    { return EventSyncTasks }
func (TaskCreated) EventName() string  { return EventTaskCreated }
func (TaskUpdated) EventName() string  { return EventTaskUpdated }
func (TaskMoved) EventName() string    { return EventTaskMoved }
func (TaskDeleted) EventName() string  { return EventTaskDeleted }
func (TaskUploaded) EventName() string { return EventTaskUploaded }

func (e SyncTasks) Payload() any {
	if e.Tasks == nil {
		return []Task{}
	}
	return e.Tasks
}
func (e TaskCreated) Payload() any  { return e.Task }
func (e TaskUpdated) Payload() any  { return e.Task }
func (e TaskMoved) Payload() any    { return e.Move }
func (e TaskDeleted) Payload() any  { return e.TaskID }
func (e TaskUploaded) Payload() any { return e }

func (SyncTasks) isEvent()    {}
func (TaskCreated) isEvent()  {}
func (TaskUpdated) isEvent()  {}
func (TaskMoved) isEvent()    {}
func (TaskDeleted) isEvent()  {}
func (TaskUploaded) isEvent() {}

// Frame is the wire envelope shared by both directions.
type Frame struct {
	Event string                 `json:"event"`
	Data  sonic.NoCopyRawMessage `json:"data,omitempty"`
}

type outboundFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// EncodeEvent renders ev as a wire frame.
func EncodeEvent(ev Event) ([]byte, error) {
	return sonic.ConfigStd.Marshal(outboundFrame{Event: ev.EventName(), Data: ev.Payload()})
}

// DecodeFrame parses a raw frame and its payload into a Command.
func DecodeFrame(raw []byte) (Command, error) {
	var f Frame
	if err := sonic.ConfigStd.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return DecodeCommand(f.Event, f.Data)
}

type createPayload struct {
	Title       *string `json:"title"`
	Description string  `json:"description"`
	Priority    string  `json:"priority"`
	Category    string  `json:"category"`
	Column      string  `json:"column"`
}

type updatePayload struct {
	ID          string  `json:"id"`
	TaskID      string  `json:"taskId"`
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Priority    *string `json:"priority"`
	Category    *string `json:"category"`
}

type movePayload struct {
	TaskID    string `json:"taskId"`
	NewColumn string `json:"newColumn"`
}

type taskRef struct {
	ID     string `json:"id"`
	TaskID string `json:"taskId"`
}

type uploadPayload struct {
	TaskID   string  `json:"taskId"`
	FileData *Upload `json:"fileData"`
}

// DecodeCommand checks the coarse shape of data for the named message. Business
// rules such as blank titles are left to the store.
func DecodeCommand(event string, data []byte) (Command, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s without data", ErrInvalidPayload, event)
	}
	switch event {
	case EventTaskCreate:
		var p createPayload
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, err
		}
		if p.Title == nil {
			return nil, fmt.Errorf("%w: title is required", ErrInvalidPayload)
		}
		return CreateTask{Draft: TaskDraft{
			Title:       *p.Title,
			Description: p.Description,
			Priority:    p.Priority,
			Category:    p.Category,
			Column:      p.Column,
		}}, nil
	case EventTaskUpdate:
		var p updatePayload
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, err
		}
		id := firstNonEmpty(p.ID, p.TaskID)
		if id == "" {
			return nil, fmt.Errorf("%w: id is required", ErrInvalidPayload)
		}
		return UpdateTask{ID: id, Patch: TaskPatch{
			Title:       p.Title,
			Description: p.Description,
			Priority:    p.Priority,
			Category:    p.Category,
		}}, nil
	case EventTaskMove:
		var p movePayload
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, err
		}
		id := firstNonEmpty(p.TaskID)
		if id == "" {
			return nil, fmt.Errorf("%w: taskId is required", ErrInvalidPayload)
		}
		col, ok := ParseColumn(p.NewColumn)
		if !ok {
			return nil, fmt.Errorf("%w: unknown column %q", ErrInvalidPayload, p.NewColumn)
		}
		return MoveTask{TaskID: id, NewColumn: col}, nil
	case EventTaskDelete:
		var id string
		if err := sonic.ConfigStd.Unmarshal(data, &id); err != nil {
			var ref taskRef
			if err := unmarshalPayload(data, &ref); err != nil {
				return nil, err
			}
			id = firstNonEmpty(ref.TaskID, ref.ID)
		}
		if id = strings.TrimSpace(id); id == "" {
			return nil, fmt.Errorf("%w: taskId is required", ErrInvalidPayload)
		}
		return DeleteTask{TaskID: id}, nil
	case EventTaskUpload:
		var p uploadPayload
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, err
		}
		id := firstNonEmpty(p.TaskID)
		if id == "" || p.FileData == nil {
			return nil, fmt.Errorf("%w: taskId and fileData are required", ErrInvalidPayload)
		}
		return UploadAttachment{TaskID: id, File: *p.FileData}, nil
	default:
		return nil, fmt.Errorf("%w: unknown event %q", ErrInvalidPayload, event)
	}
}

func unmarshalPayload(data []byte, v any) error {
	if err := sonic.ConfigStd.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// firstNonEmpty returns the first value that is not blank, trimmed. Every task
// id read from a frame goes through it so all commands agree on one id.
func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
