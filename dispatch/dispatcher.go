package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard-sync/domain"
	"taskboard-sync/session"
	"taskboard-sync/storage"
)

// ErrStopped is returned for requests made after the processing loop exited.
var ErrStopped = errors.New("dispatcher stopped")

// TaskStore is the store contract the dispatcher drives.
type TaskStore interface {
	Create(draft domain.TaskDraft) (domain.Task, error)
	Update(id string, patch domain.TaskPatch) (domain.Task, error)
	Move(id string, column domain.Column) (domain.TaskMove, error)
	Delete(id string) error
	AddAttachment(id string, upload domain.Upload) (domain.Attachment, error)
	Snapshot() []domain.Task
	Stats() domain.BoardStats
	Content(ref string) (storage.Content, bool)
}

// Broadcaster delivers events to sessions.
type Broadcaster interface {
	SendSnapshot(s *session.Session, tasks []domain.Task) error
	Broadcast(ev domain.Event) (int, error)
}

// Result is the outcome of a submitted command. Event is nil when nothing was
// broadcast.
type Result struct {
	Event     domain.Event
	Delivered int
	Err       error
}

// Outcome classifies the result for callers that report status.
func (r Result) Outcome() Outcome {
	return classify(r.Err)
}

// Dispatcher serializes every store access and session membership change
// through one goroutine. A command is applied and broadcast before the next
// request is looked at, which gives all clients the same mutation order.
type Dispatcher struct {
	store    TaskStore
	sessions *session.Registry
	bc       Broadcaster
	logger   *log.Logger

	inbox   chan func()
	stopped chan struct{}
	running atomic.Bool
}

// New creates a Dispatcher with an inbox of the given capacity.
func New(store TaskStore, sessions *session.Registry, bc Broadcaster, inboxSize int, logger *log.Logger) *Dispatcher {
	if inboxSize <= 0 {
		inboxSize = 1
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Dispatcher{
		store:    store,
		sessions: sessions,
		bc:       bc,
		logger:   logger,
		inbox:    make(chan func(), inboxSize),
		stopped:  make(chan struct{}),
	}
}

// Run processes requests until ctx is done, then closes every session.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("dispatcher already running")
	}
	defer func() {
		close(d.stopped)
		d.sessions.CloseAll()
	}()
	d.logger.WithField("inbox", cap(d.inbox)).Info("dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return nil
		case fn := <-d.inbox:
			fn()
		}
	}
}

// do runs fn on the processing loop and waits for it to finish. ctx only
// bounds the wait for a free inbox slot.
func (d *Dispatcher) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	task := func() {
		fn()
		close(done)
	}
	select {
	case d.inbox <- task:
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stopped:
		return ErrStopped
	}
	// Once queued, fn is applied whether or not the caller is still waiting, so
	// its outcome is reported rather than ctx.Err(). Processing never blocks.
	select {
	case <-done:
		return nil
	case <-d.stopped:
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Submit applies cmd and broadcasts the resulting event to every session,
// including the one identified by origin.
func (d *Dispatcher) Submit(ctx context.Context, origin string, cmd domain.Command) Result {
	var res Result
	if err := d.do(ctx, func() { res = d.process(ctx, origin, cmd) }); err != nil {
		return Result{Err: err}
	}
	return res
}

func (d *Dispatcher) process(ctx context.Context, origin string, cmd domain.Command) Result {
	metrics, _ := newDispatchMetrics(ctx, d.logger, cmd.CommandName(), origin)
	metrics.SetTaskID(domain.TargetID(cmd))

	applyStart := time.Now()
	ev, err := Apply(d.store, cmd)
	metrics.ObserveApply(time.Since(applyStart))
	if err != nil {
		metrics.Log(classify(err), err)
		return Result{Err: err}
	}
	if created, ok := ev.(domain.TaskCreated); ok {
		metrics.SetTaskID(created.Task.ID)
	}

	broadcastStart := time.Now()
	delivered, err := d.bc.Broadcast(ev)
	metrics.ObserveBroadcast(time.Since(broadcastStart))
	metrics.SetDelivered(delivered)
	if err != nil {
		metrics.Log(OutcomeFailed, err)
		return Result{Event: ev, Err: err}
	}
	metrics.Log(OutcomeApplied, nil)
	return Result{Event: ev, Delivered: delivered}
}

// Apply performs the store mutation for cmd and returns the event describing
// the new state. It touches no transport.
func Apply(store TaskStore, cmd domain.Command) (domain.Event, error) {
	switch c := cmd.(type) {
	case domain.CreateTask:
		task, err := store.Create(c.Draft)
		if err != nil {
			return nil, err
		}
		return domain.TaskCreated{Task: task}, nil
	case domain.UpdateTask:
		task, err := store.Update(c.ID, c.Patch)
		if err != nil {
			return nil, err
		}
		return domain.TaskUpdated{Task: task}, nil
	case domain.MoveTask:
		mv, err := store.Move(c.TaskID, c.NewColumn)
		if err != nil {
			return nil, err
		}
		return domain.TaskMoved{Move: mv}, nil
	case domain.DeleteTask:
		if err := store.Delete(c.TaskID); err != nil {
			return nil, err
		}
		return domain.TaskDeleted{TaskID: c.TaskID}, nil
	case domain.UploadAttachment:
		att, err := store.AddAttachment(c.TaskID, c.File)
		if err != nil {
			return nil, err
		}
		return domain.TaskUploaded{TaskID: c.TaskID, Attachment: att}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported command %T", domain.ErrInvalidPayload, cmd)
	}
}

func classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeApplied
	case errors.Is(err, domain.ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, domain.ErrInvalidPayload):
		return OutcomeInvalid
	default:
		return OutcomeFailed
	}
}

// Reject records a frame that could not be decoded into a command.
func (d *Dispatcher) Reject(origin string, err error) {
	d.logger.WithFields(log.Fields{"origin": origin, "error": err}).Warn("dropping invalid message")
}

// Join registers s and sends it the current snapshot. Events processed after
// the join are delivered after the snapshot.
func (d *Dispatcher) Join(ctx context.Context, s *session.Session) error {
	var err error
	if doErr := d.do(ctx, func() {
		d.sessions.Add(s)
		err = d.bc.SendSnapshot(s, d.store.Snapshot())
		d.logger.WithFields(log.Fields{"session": s.ID(), "sessions": d.sessions.Len()}).Info("session connected")
	}); doErr != nil {
		return doErr
	}
	return err
}

// Leave unregisters and closes the session with the given id.
func (d *Dispatcher) Leave(ctx context.Context, id string) error {
	return d.do(ctx, func() {
		if s, ok := d.sessions.Remove(id); ok {
			s.Close()
			d.logger.WithFields(log.Fields{"session": id, "sessions": d.sessions.Len()}).Info("session disconnected")
		}
	})
}

// Snapshot returns the current task list.
func (d *Dispatcher) Snapshot(ctx context.Context) ([]domain.Task, error) {
	var tasks []domain.Task
	if err := d.do(ctx, func() { tasks = d.store.Snapshot() }); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Stats returns per-column counts.
func (d *Dispatcher) Stats(ctx context.Context) (domain.BoardStats, error) {
	var stats domain.BoardStats
	if err := d.do(ctx, func() { stats = d.store.Stats() }); err != nil {
		return domain.BoardStats{}, err
	}
	return stats, nil
}

// Content resolves an attachment content handle.
func (d *Dispatcher) Content(ctx context.Context, ref string) (storage.Content, bool, error) {
	var (
		content storage.Content
		found   bool
	)
	if err := d.do(ctx, func() { content, found = d.store.Content(ref) }); err != nil {
		return storage.Content{}, false, err
	}
	return content, found, nil
}

// Sessions reports the number of connected sessions.
func (d *Dispatcher) Sessions() int {
	return d.sessions.Len()
}
