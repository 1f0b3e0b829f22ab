package storage

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskboard-sync/domain"
)

// DefaultMaxAttachmentBytes bounds the size of a single uploaded file.
const DefaultMaxAttachmentBytes = 10 * 1024 * 1024

// Options tunes a Store. Zero values select the defaults.
type Options struct {
	// NewID generates task and attachment identifiers. It must never repeat a value.
	NewID              func() string
	Now                func() time.Time
	MaxAttachmentBytes int
}

// Store is the canonical in-memory task collection. It is not safe for
// concurrent use: a single owner (the dispatcher loop) must serialize all calls.
type Store struct {
	tasks    map[string]*domain.Task
	order    []string
	retired  map[string]struct{}
	contents *contentRegistry
	newID    func() string
	clock    *monotonicClock
	maxBytes int
}

// New creates an empty Store.
func New(opts Options) *Store {
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.MaxAttachmentBytes <= 0 {
		opts.MaxAttachmentBytes = DefaultMaxAttachmentBytes
	}
	return &Store{
		tasks:    make(map[string]*domain.Task),
		retired:  make(map[string]struct{}),
		contents: newContentRegistry(),
		newID:    opts.NewID,
		clock:    newMonotonicClock(opts.Now),
		maxBytes: opts.MaxAttachmentBytes,
	}
}

// Create materializes a new task from draft.
func (s *Store) Create(draft domain.TaskDraft) (domain.Task, error) {
	title := strings.TrimSpace(draft.Title)
	if title == "" {
		return domain.Task{}, fmt.Errorf("%w: title must not be blank", domain.ErrInvalidPayload)
	}
	priority := domain.PriorityMedium
	if draft.Priority != "" {
		p, ok := domain.ParsePriority(draft.Priority)
		if !ok {
			return domain.Task{}, fmt.Errorf("%w: unknown priority %q", domain.ErrInvalidPayload, draft.Priority)
		}
		priority = p
	}
	category := domain.CategoryFeature
	if draft.Category != "" {
		c, ok := domain.ParseCategory(draft.Category)
		if !ok {
			return domain.Task{}, fmt.Errorf("%w: unknown category %q", domain.ErrInvalidPayload, draft.Category)
		}
		category = c
	}
	column := domain.ColumnToDo
	if draft.Column != "" {
		c, ok := domain.ParseColumn(draft.Column)
		if !ok {
			return domain.Task{}, fmt.Errorf("%w: unknown column %q", domain.ErrInvalidPayload, draft.Column)
		}
		column = c
	}

	task := &domain.Task{
		ID:          s.newID(),
		Title:       title,
		Description: draft.Description,
		Priority:    priority,
		Category:    category,
		Column:      column,
		CreatedAt:   s.clock.Next(),
		Attachments: []domain.Attachment{},
	}
	if !s.idAvailable(task.ID) {
		return domain.Task{}, fmt.Errorf("id generator repeated %q", task.ID)
	}
	s.tasks[task.ID] = task
	s.order = append(s.order, task.ID)
	return task.Clone(), nil
}

// Update overwrites the fields present in patch. The result is validated before
// anything is written, so a rejected patch leaves the task untouched.
func (s *Store) Update(id string, patch domain.TaskPatch) (domain.Task, error) {
	task, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	next := *task
	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			return domain.Task{}, fmt.Errorf("%w: title must not be blank", domain.ErrInvalidPayload)
		}
		next.Title = title
	}
	if patch.Description != nil {
		next.Description = *patch.Description
	}
	if patch.Priority != nil {
		p, ok := domain.ParsePriority(*patch.Priority)
		if !ok {
			return domain.Task{}, fmt.Errorf("%w: unknown priority %q", domain.ErrInvalidPayload, *patch.Priority)
		}
		next.Priority = p
	}
	if patch.Category != nil {
		c, ok := domain.ParseCategory(*patch.Category)
		if !ok {
			return domain.Task{}, fmt.Errorf("%w: unknown category %q", domain.ErrInvalidPayload, *patch.Category)
		}
		next.Category = c
	}
	*task = next
	return task.Clone(), nil
}

// Move places the task in column.
func (s *Store) Move(id string, column domain.Column) (domain.TaskMove, error) {
	task, ok := s.tasks[id]
	if !ok {
		return domain.TaskMove{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	task.Column = column
	return domain.TaskMove{TaskID: id, NewColumn: column}, nil
}

// Delete removes the task and releases the content of its attachments.
func (s *Store) Delete(id string) error {
	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	for _, a := range task.Attachments {
		s.contents.release(a.ContentRef)
	}
	delete(s.tasks, id)
	s.retired[id] = struct{}{}
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// idAvailable reports whether id was never handed to a task, live or deleted.
func (s *Store) idAvailable(id string) bool {
	if _, live := s.tasks[id]; live {
		return false
	}
	_, gone := s.retired[id]
	return !gone
}

// AddAttachment appends a new attachment to the task.
func (s *Store) AddAttachment(id string, upload domain.Upload) (domain.Attachment, error) {
	task, ok := s.tasks[id]
	if !ok {
		return domain.Attachment{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if strings.TrimSpace(upload.Name) == "" {
		return domain.Attachment{}, fmt.Errorf("%w: file name is required", domain.ErrInvalidPayload)
	}
	if len(upload.Data) > s.maxBytes {
		return domain.Attachment{}, fmt.Errorf("%w: file exceeds %d bytes", domain.ErrInvalidPayload, s.maxBytes)
	}
	att := domain.Attachment{
		ID:         s.nextAttachmentID(task),
		Name:       upload.Name,
		Type:       upload.Type,
		ContentRef: s.contents.put(upload.Type, upload.Data),
		Size:       len(upload.Data),
		UploadedAt: s.clock.Next(),
	}
	task.Attachments = append(task.Attachments, att)
	return att, nil
}

func (s *Store) nextAttachmentID(task *domain.Task) string {
	for {
		id := s.newID()
		taken := false
		for _, a := range task.Attachments {
			if a.ID == id {
				taken = true
				break
			}
		}
		if !taken {
			return id
		}
	}
}

// Get returns a copy of a single task.
func (s *Store) Get(id string) (domain.Task, bool) {
	task, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	return task.Clone(), true
}

// Snapshot copies every task in creation order.
func (s *Store) Snapshot() []domain.Task {
	out := make([]domain.Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tasks[id].Clone())
	}
	return out
}

// Len reports the number of live tasks.
func (s *Store) Len() int { return len(s.order) }

// Stats counts tasks per column.
func (s *Store) Stats() domain.BoardStats {
	stats := domain.BoardStats{Columns: make(map[domain.Column]int, len(domain.Columns))}
	for _, c := range domain.Columns {
		stats.Columns[c] = 0
	}
	for _, t := range s.tasks {
		stats.Columns[t.Column]++
	}
	stats.Total = len(s.tasks)
	if stats.Total > 0 {
		stats.CompletionPercentage = int(math.Round(float64(stats.Columns[domain.ColumnDone]) / float64(stats.Total) * 100))
	}
	return stats
}

// Content resolves an attachment content handle.
func (s *Store) Content(ref string) (Content, bool) {
	return s.contents.get(ref)
}
