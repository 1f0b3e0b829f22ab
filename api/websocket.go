package api

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard-sync/dispatch"
	"taskboard-sync/domain"
	"taskboard-sync/session"
)

const leaveTimeout = 5 * time.Second

func newUpgrader(allowed []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowed),
	}
}

// originChecker accepts requests without an Origin header (non-browser
// clients) and browser origins present in allowed. An empty list or "*"
// accepts every origin.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get(echo.HeaderOrigin)
		if origin == "" {
			return true
		}
		return slices.ContainsFunc(allowed, func(o string) bool {
			return strings.EqualFold(strings.TrimSuffix(o, "/"), origin)
		})
	}
}

// wsConn adapts a websocket connection to session.Conn. Only the session writer
// calls WriteFrame; pings go through WriteControl which may run concurrently.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (w *wsConn) WriteFrame(frame []byte) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, frame)
}

func (w *wsConn) Close() error {
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return w.conn.Close()
}

func serveWS(d Dispatcher, opts Options, logger *log.Logger) echo.HandlerFunc {
	upgrader := newUpgrader(opts.AllowedOrigins)
	return func(c echo.Context) error {
		ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			logger.WithError(err).Warn("websocket upgrade failed")
			return nil
		}

		id := uuid.NewString()
		s := session.New(id, &wsConn{conn: ws, writeTimeout: opts.WriteTimeout}, session.Options{
			Buffer:         opts.SessionBuffer,
			HandoffTimeout: opts.HandoffTimeout,
		}, logger)
		s.Start()

		ctx := c.Request().Context()
		if err := d.Join(ctx, s); err != nil {
			logger.WithFields(log.Fields{"session": id, "error": err}).Warn("unable to join session")
			s.Close()
			s.Wait()
			return nil
		}

		ws.SetReadLimit(opts.maxFrameBytes())
		_ = ws.SetReadDeadline(time.Now().Add(2 * opts.PingInterval))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(2 * opts.PingInterval))
		})
		go keepAlive(ws, s, opts.PingInterval, opts.WriteTimeout)

		readLoop(ctx, ws, id, d, logger)

		leaveCtx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		if err := d.Leave(leaveCtx, id); err != nil {
			s.Close()
		}
		cancel()
		s.Wait()
		return nil
	}
}

func readLoop(ctx context.Context, ws *websocket.Conn, id string, d Dispatcher, logger *log.Logger) {
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.WithFields(log.Fields{"session": id, "error": err}).Debug("websocket read ended")
			}
			return
		}
		cmd, err := domain.DecodeFrame(msg)
		if err != nil {
			d.Reject(id, err)
			continue
		}
		if res := d.Submit(ctx, id, cmd); errors.Is(res.Err, dispatch.ErrStopped) {
			return
		}
	}
}

func keepAlive(ws *websocket.Conn, s *session.Session, interval, writeTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.Done():
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				s.Close()
				return
			}
		}
	}
}
