package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard-sync/broadcast"
	"taskboard-sync/dispatch"
	"taskboard-sync/domain"
	"taskboard-sync/session"
	"taskboard-sync/storage"
)

func newTestStore() *storage.Store {
	n := 0
	return storage.New(storage.Options{NewID: func() string {
		n++
		return fmt.Sprintf("t%d", n)
	}})
}

func newTestDispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	return newTestDispatcherWithStore(t, newTestStore())
}

func newTestDispatcherWithStore(t *testing.T, store dispatch.TaskStore) *dispatch.Dispatcher {
	t.Helper()
	logger := log.New()
	logger.SetLevel(log.WarnLevel)
	reg := session.NewRegistry()
	d := dispatch.New(store, reg, broadcast.New(reg, nil, logger), 64, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d
}

func newTestEcho(t *testing.T, d Dispatcher, opts Options) *echo.Echo {
	t.Helper()
	e := echo.New()
	logger := log.New()
	logger.SetLevel(log.WarnLevel)
	Register(e, d, opts, logger)
	return e
}

func serve(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func postBatch(e *echo.Echo, body string, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/commands", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set(headerIdempotencyKey, key)
	}
	return serve(e, req)
}

func decodeResults(t *testing.T, rec *httptest.ResponseRecorder) []commandResult {
	t.Helper()
	var resp commandsResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	return resp.Results
}

func TestGetTasksEmpty(t *testing.T) {
	e := newTestEcho(t, newTestDispatcher(t), Options{})

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"tasks":[]}` {
		t.Fatalf("unexpected body %s", got)
	}
}

func TestPostCommandsAppliesBatch(t *testing.T) {
	d := newTestDispatcher(t)
	e := newTestEcho(t, d, Options{})

	body := `[
		{"event":"task:create","data":{"title":"Write spec"}},
		{"event":"task:move","data":{"taskId":"t1","newColumn":"Done"}},
		{"event":"task:update","data":{"id":"missing","title":"x"}},
		{"event":"task:explode","data":{}}
	]`
	rec := postBatch(e, body, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d: %s", rec.Code, rec.Body.String())
	}
	results := decodeResults(t, rec)
	want := []commandResult{
		{Event: domain.EventTaskCreate, Status: "applied", TaskID: "t1"},
		{Event: domain.EventTaskMove, Status: "applied", TaskID: "t1"},
		{Event: domain.EventTaskUpdate, Status: "not_found"},
		{Event: "task:explode", Status: "invalid"},
	}
	if len(results) != len(want) {
		t.Fatalf("unexpected results %+v", results)
	}
	for i := range want {
		if results[i] != want[i] {
			t.Fatalf("result %d = %+v, want %+v", i, results[i], want[i])
		}
	}

	tasks, err := d.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Column != domain.ColumnDone {
		t.Fatalf("unexpected tasks %+v", tasks)
	}
}

func TestPostCommandsRejectsInvalidBody(t *testing.T) {
	e := newTestEcho(t, newTestDispatcher(t), Options{})
	for name, body := range map[string]string{
		"not json":    "nope",
		"empty batch": "[]",
		"object":      `{"event":"task:create"}`,
	} {
		t.Run(name, func(t *testing.T) {
			if rec := postBatch(e, body, ""); rec.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400 got %d", rec.Code)
			}
		})
	}
}

func TestPostCommandsBodyLimit(t *testing.T) {
	e := newTestEcho(t, newTestDispatcher(t), Options{MaxUploadBytes: 1})
	title := strings.Repeat("x", frameOverhead+16)
	body := fmt.Sprintf(`[{"event":"task:create","data":{"title":%q}}]`, title)
	if rec := postBatch(e, body, ""); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status 413 got %d", rec.Code)
	}
}

func TestPostCommandsAcceptsGzip(t *testing.T) {
	d := newTestDispatcher(t)
	e := newTestEcho(t, d, Options{})

	buf := gzipBytes(t, []byte(`[{"event":"task:create","data":{"title":"zipped"}}]`))
	req := httptest.NewRequest(http.MethodPost, "/api/commands", buf)
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	rec := serve(e, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if results := decodeResults(t, rec); len(results) != 1 || results[0].Status != "applied" {
		t.Fatalf("unexpected results %+v", results)
	}
}

func TestPostCommandsInvalidGzip(t *testing.T) {
	e := newTestEcho(t, newTestDispatcher(t), Options{})
	req := httptest.NewRequest(http.MethodPost, "/api/commands", strings.NewReader("plain"))
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	if rec := serve(e, req); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 got %d", rec.Code)
	}
}

func TestPostCommandsGzipBombIsRejected(t *testing.T) {
	e := newTestEcho(t, newTestDispatcher(t), Options{MaxUploadBytes: 1})
	title := strings.Repeat("x", 1<<20)
	buf := gzipBytes(t, []byte(fmt.Sprintf(`[{"event":"task:create","data":{"title":%q}}]`, title)))
	req := httptest.NewRequest(http.MethodPost, "/api/commands", buf)
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	if rec := serve(e, req); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status 413 got %d", rec.Code)
	}
}

func TestPostCommandsIdempotencyKey(t *testing.T) {
	_, deduper := newTestDeduper(t)
	d := newTestDispatcher(t)
	e := newTestEcho(t, d, Options{Deduper: deduper})
	body := `[{"event":"task:create","data":{"title":"once"}}]`

	if rec := postBatch(e, body, "batch-1"); rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if rec := postBatch(e, body, "batch-1"); rec.Code != http.StatusConflict {
		t.Fatalf("expected status 409 got %d", rec.Code)
	}
	other := `[{"event":"task:create","data":{"title":"something else"}}]`
	if rec := postBatch(e, other, "batch-1"); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422 got %d", rec.Code)
	}
	if rec := postBatch(e, body, "batch-2"); rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}

	tasks, err := d.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
}

// gatedStore holds the dispatcher loop inside Create until released.
type gatedStore struct {
	*storage.Store
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Create(draft domain.TaskDraft) (domain.Task, error) {
	close(g.entered)
	<-g.release
	return g.Store.Create(draft)
}

func TestPostCommandsKeepsKeyWhenClientGoesAway(t *testing.T) {
	m, deduper := newTestDeduper(t)
	store := &gatedStore{Store: newTestStore(), entered: make(chan struct{}), release: make(chan struct{})}
	d := newTestDispatcherWithStore(t, store)
	e := newTestEcho(t, d, Options{Deduper: deduper})
	body := `[{"event":"task:create","data":{"title":"once"}}]`

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/api/commands", strings.NewReader(body)).WithContext(ctx)
	req.Header.Set(headerIdempotencyKey, "batch-1")
	recs := make(chan *httptest.ResponseRecorder, 1)
	go func() { recs <- serve(e, req) }()

	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("command never reached the store")
	}
	cancel()
	close(store.release)

	rec := <-recs
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if results := decodeResults(t, rec); len(results) != 1 || results[0].Status != "applied" {
		t.Fatalf("unexpected results %+v", results)
	}
	if !m.Exists("taskboard:idem:commands:batch-1") {
		t.Fatalf("expected idempotency key to be kept, got %v", m.Keys())
	}
	if rec := postBatch(e, body, "batch-1"); rec.Code != http.StatusConflict {
		t.Fatalf("expected retry to get status 409, got %d", rec.Code)
	}
	tasks, err := d.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
}

// stoppingDispatcher forwards the first allow submissions and then behaves
// like a dispatcher that has shut down.
type stoppingDispatcher struct {
	Dispatcher
	allow int
}

func (s *stoppingDispatcher) Submit(ctx context.Context, origin string, cmd domain.Command) dispatch.Result {
	if s.allow == 0 {
		return dispatch.Result{Err: dispatch.ErrStopped}
	}
	s.allow--
	return s.Dispatcher.Submit(ctx, origin, cmd)
}

func TestPostCommandsReleasesKeyOnlyWhenNothingApplied(t *testing.T) {
	body := `[
		{"event":"task:create","data":{"title":"a"}},
		{"event":"task:create","data":{"title":"b"}}
	]`
	tests := []struct {
		name    string
		allow   int
		wantKey bool
	}{
		{"stopped before the first command", 0, false},
		{"stopped after the first command", 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, deduper := newTestDeduper(t)
			d := &stoppingDispatcher{Dispatcher: newTestDispatcher(t), allow: tt.allow}
			e := newTestEcho(t, d, Options{Deduper: deduper})

			if rec := postBatch(e, body, "batch-1"); rec.Code != http.StatusServiceUnavailable {
				t.Fatalf("expected status 503 got %d", rec.Code)
			}
			if got := m.Exists("taskboard:idem:commands:batch-1"); got != tt.wantKey {
				t.Fatalf("key present = %v, want %v", got, tt.wantKey)
			}
		})
	}
}

func TestGetStats(t *testing.T) {
	d := newTestDispatcher(t)
	e := newTestEcho(t, d, Options{})
	postBatch(e, `[
		{"event":"task:create","data":{"title":"a"}},
		{"event":"task:create","data":{"title":"b","column":"Done"}}
	]`, "")

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var stats domain.BoardStats
	if err := sonic.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if stats.Total != 2 || stats.CompletionPercentage != 50 || stats.Columns[domain.ColumnToDo] != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestGetAttachment(t *testing.T) {
	d := newTestDispatcher(t)
	e := newTestEcho(t, d, Options{})
	postBatch(e, `[{"event":"task:create","data":{"title":"a"}}]`, "")

	res := d.Submit(context.Background(), "test", domain.UploadAttachment{
		TaskID: "t1",
		File:   domain.Upload{Name: "a.png", Type: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}},
	})
	if res.Err != nil {
		t.Fatalf("upload: %v", res.Err)
	}
	ref := res.Event.(domain.TaskUploaded).Attachment.ContentRef

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/api/attachments/"+ref, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if rec.Header().Get(echo.HeaderContentType) != "image/png" || rec.Body.Len() != 4 {
		t.Fatalf("unexpected attachment response %q %v", rec.Header().Get(echo.HeaderContentType), rec.Body.Bytes())
	}

	if rec := serve(e, httptest.NewRequest(http.MethodGet, "/api/attachments/blob:unknown", nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	e := newTestEcho(t, newTestDispatcher(t), Options{})
	rec := serve(e, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"status":"ok","sessions":0}` {
		t.Fatalf("unexpected body %s", got)
	}
}
