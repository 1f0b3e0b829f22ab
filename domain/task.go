package domain

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when an operation references an unknown task.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidPayload is returned when a message or draft is missing a required field
	// or carries a value outside its enum.
	ErrInvalidPayload = errors.New("invalid payload")
)

// Column is the workflow stage a task sits in.
type Column string

const (
	ColumnToDo       Column = "To Do"
	ColumnInProgress Column = "In Progress"
	ColumnDone       Column = "Done"
)

// Columns lists the board columns in display order.
var Columns = []Column{ColumnToDo, ColumnInProgress, ColumnDone}

// ParseColumn accepts the wire spelling and the compact spelling of a column.
func ParseColumn(s string) (Column, bool) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", "")) {
	case "todo":
		return ColumnToDo, true
	case "inprogress":
		return ColumnInProgress, true
	case "done":
		return ColumnDone, true
	}
	return "", false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func ParsePriority(s string) (Priority, bool) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return p, true
	}
	return "", false
}

type Category string

const (
	CategoryBug         Category = "bug"
	CategoryFeature     Category = "feature"
	CategoryEnhancement Category = "enhancement"
)

// ParseCategory treats "improvement" as a synonym of enhancement.
func ParseCategory(s string) (Category, bool) {
	switch c := Category(strings.ToLower(strings.TrimSpace(s))); c {
	case CategoryBug, CategoryFeature, CategoryEnhancement:
		return c, true
	case "improvement":
		return CategoryEnhancement, true
	}
	return "", false
}

// Task represents a single board item.
type Task struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Priority    Priority     `json:"priority"`
	Category    Category     `json:"category"`
	Column      Column       `json:"column"`
	CreatedAt   time.Time    `json:"createdAt"`
	Attachments []Attachment `json:"attachments"`
}

// Clone returns a copy that shares no mutable state with t.
func (t Task) Clone() Task {
	out := t
	out.Attachments = make([]Attachment, len(t.Attachments))
	copy(out.Attachments, t.Attachments)
	return out
}

// Attachment is metadata for uploaded content. ContentRef is an ephemeral
// handle that is only valid while the server process is running.
type Attachment struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	ContentRef string    `json:"contentRef"`
	Size       int       `json:"size"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// TaskDraft carries the caller supplied fields of a new task.
type TaskDraft struct {
	Title       string
	Description string
	Priority    string
	Category    string
	Column      string
}

// TaskPatch holds the subset of fields an update overwrites. Nil fields are left
// unchanged.
type TaskPatch struct {
	Title       *string
	Description *string
	Priority    *string
	Category    *string
}

// Empty reports whether the patch carries no fields.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Priority == nil && p.Category == nil
}

// TaskMove is the result of a column transition.
type TaskMove struct {
	TaskID    string `json:"taskId"`
	NewColumn Column `json:"newColumn"`
}

// Upload is the caller supplied file data of an attachment.
type Upload struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Data []byte `json:"data"`
}

// BoardStats summarizes the distribution of tasks over columns.
type BoardStats struct {
	Columns              map[Column]int `json:"columns"`
	Total                int            `json:"total"`
	CompletionPercentage int            `json:"completionPercentage"`
}
