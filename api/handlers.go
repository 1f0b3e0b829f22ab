package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard-sync/dispatch"
	"taskboard-sync/domain"
)

// Register wires up all routes on the provided Echo instance.
func Register(e *echo.Echo, d Dispatcher, opts Options, logger *log.Logger) {
	opts = opts.withDefaults()
	e.GET("/ws", serveWS(d, opts, logger))
	e.GET("/api/tasks", getTasks(d))
	e.GET("/api/stats", getStats(d))
	e.POST("/api/commands", postCommands(d, opts.Deduper, opts.maxFrameBytes(), logger),
		GzipRequestMiddleware(opts.maxFrameBytes()))
	e.GET("/api/attachments/:ref", getAttachment(d))
	e.GET("/healthz", healthz(d))
}

func healthz(d Dispatcher) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, healthResponse{Status: "ok", Sessions: d.Sessions()})
	}
}

func getTasks(d Dispatcher) echo.HandlerFunc {
	return func(c echo.Context) error {
		tasks, err := d.Snapshot(c.Request().Context())
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusServiceUnavailable, err.Error())
		}
		if tasks == nil {
			tasks = []domain.Task{}
		}
		return c.JSON(http.StatusOK, tasksResponse{Tasks: tasks})
	}
}

func getStats(d Dispatcher) echo.HandlerFunc {
	return func(c echo.Context) error {
		stats, err := d.Stats(c.Request().Context())
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusServiceUnavailable, err.Error())
		}
		return c.JSON(http.StatusOK, stats)
	}
}

func getAttachment(d Dispatcher) echo.HandlerFunc {
	return func(c echo.Context) error {
		content, found, err := d.Content(c.Request().Context(), c.Param("ref"))
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusServiceUnavailable, err.Error())
		}
		if !found {
			return c.String(http.StatusNotFound, "attachment not found")
		}
		contentType := content.Type
		if contentType == "" {
			contentType = echo.MIMEOctetStream
		}
		return c.Blob(http.StatusOK, contentType, content.Data)
	}
}

func postCommands(d Dispatcher, dedup Deduper, limit int64, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		body, err := io.ReadAll(io.LimitReader(c.Request().Body, limit+1))
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || int64(len(body)) > limit {
			return c.String(http.StatusRequestEntityTooLarge, "body too large")
		}
		if err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		var frames []domain.Frame
		if err := sonic.ConfigStd.Unmarshal(body, &frames); err != nil || len(frames) == 0 {
			return c.String(http.StatusBadRequest, "invalid body")
		}

		key := strings.TrimSpace(c.Request().Header.Get(headerIdempotencyKey))
		if dedup == nil {
			key = ""
		}
		if key != "" {
			fingerprint := batchFingerprint(body)
			claimed, prior, err := dedup.Claim(ctx, commandsScope, key, fingerprint)
			if err != nil {
				logger.WithFields(log.Fields{"key": key, "error": err}).Error("idempotency check failed")
				return c.String(http.StatusServiceUnavailable, "idempotency check failed")
			}
			if !claimed {
				if prior != fingerprint {
					return c.String(http.StatusUnprocessableEntity, "idempotency key reused for a different batch")
				}
				return c.String(http.StatusConflict, "duplicate command batch")
			}
		}

		results := make([]commandResult, 0, len(frames))
		changed := false
		for _, f := range frames {
			cmd, err := domain.DecodeCommand(f.Event, f.Data)
			if err != nil {
				d.Reject(httpOrigin, err)
				results = append(results, commandResult{Event: f.Event, Status: string(dispatch.OutcomeInvalid)})
				continue
			}
			res := d.Submit(ctx, httpOrigin, cmd)
			if res.Outcome() == dispatch.OutcomeFailed && res.Event == nil {
				// The key is released only while the board is still untouched by
				// this batch; otherwise a retry would apply earlier commands twice.
				if key != "" && !changed {
					if rmErr := dedup.Remove(context.WithoutCancel(ctx), commandsScope, key); rmErr != nil {
						logger.WithFields(log.Fields{"key": key, "error": rmErr}).Warn("unable to release idempotency key")
					}
				}
				if errors.Is(res.Err, dispatch.ErrStopped) {
					return c.String(http.StatusServiceUnavailable, "server is shutting down")
				}
				return c.String(http.StatusServiceUnavailable, res.Err.Error())
			}
			if res.Event != nil {
				changed = true
			}
			results = append(results, resultFor(f.Event, res))
		}
		return c.JSON(http.StatusOK, commandsResponse{Results: results})
	}
}

func resultFor(event string, res dispatch.Result) commandResult {
	out := commandResult{Event: event, Status: string(res.Outcome())}
	switch ev := res.Event.(type) {
	case domain.TaskCreated:
		out.TaskID = ev.Task.ID
	case domain.TaskUpdated:
		out.TaskID = ev.Task.ID
	case domain.TaskMoved:
		out.TaskID = ev.Move.TaskID
	case domain.TaskDeleted:
		out.TaskID = ev.TaskID
	case domain.TaskUploaded:
		out.TaskID = ev.TaskID
	}
	if res.Event != nil && res.Err != nil {
		// Applied to the store but a broadcast step failed.
		out.Status = string(dispatch.OutcomeApplied)
	}
	return out
}
