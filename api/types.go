package api

import (
	"context"
	"time"

	"taskboard-sync/dispatch"
	"taskboard-sync/domain"
	"taskboard-sync/session"
	"taskboard-sync/storage"
)

// Dispatcher is the part of the processing loop the handlers talk to.
type Dispatcher interface {
	Submit(ctx context.Context, origin string, cmd domain.Command) dispatch.Result
	Reject(origin string, err error)
	Join(ctx context.Context, s *session.Session) error
	Leave(ctx context.Context, id string) error
	Snapshot(ctx context.Context) ([]domain.Task, error)
	Stats(ctx context.Context) (domain.BoardStats, error)
	Content(ctx context.Context, ref string) (storage.Content, bool, error)
	Sessions() int
}

// Deduper prevents processing of duplicate command batches.
type Deduper interface {
	// Claim records key together with the fingerprint of the batch it guards.
	// When key is already held it returns false and the fingerprint it was
	// first claimed with.
	Claim(ctx context.Context, scope, key, fingerprint string) (bool, string, error)
	// Remove deletes a previously claimed key so the batch may be retried.
	Remove(ctx context.Context, scope, key string) error
}

// Options tunes the transport. Zero values fall back to defaults.
type Options struct {
	SessionBuffer  int
	HandoffTimeout time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxUploadBytes int
	// AllowedOrigins lists the browser origins allowed to open /ws. An empty
	// list or "*" accepts every origin.
	AllowedOrigins []string
	// Deduper is optional; without it Idempotency-Key headers are ignored.
	Deduper Deduper
}

const (
	defaultWriteTimeout   = 10 * time.Second
	defaultPingInterval   = 30 * time.Second
	defaultMaxUploadBytes = 10 << 20

	// envelope overhead allowed on top of an upload's encoded bytes
	frameOverhead = 64 << 10

	headerIdempotencyKey = "Idempotency-Key"
	commandsScope        = "commands"
	httpOrigin           = "http"
)

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.MaxUploadBytes <= 0 {
		o.MaxUploadBytes = defaultMaxUploadBytes
	}
	return o
}

// maxFrameBytes bounds a single inbound message: base64 inflates uploads by 4/3.
func (o Options) maxFrameBytes() int64 {
	return int64(o.MaxUploadBytes)*4/3 + frameOverhead
}

type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

type commandResult struct {
	Event  string `json:"event"`
	Status string `json:"status"`
	TaskID string `json:"taskId,omitempty"`
}

type commandsResponse struct {
	Results []commandResult `json:"results"`
}
