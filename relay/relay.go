package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const publishTimeout = 5 * time.Second

type message struct {
	event string
	frame []byte
}

// Publisher mirrors outbound events to a Redis pub/sub channel so observers
// outside the process can follow the board. Publishing happens on a background
// worker; when its buffer is full events are dropped rather than delaying the
// caller.
type Publisher struct {
	client  *redis.Client
	channel string
	logger  *log.Logger

	queue    chan message
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	published atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a publisher for channel. Call Start before publishing.
func New(client *redis.Client, channel string, buffer int, logger *log.Logger) *Publisher {
	if buffer <= 0 {
		buffer = 1
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Publisher{
		client:  client,
		channel: channel,
		logger:  logger,
		queue:   make(chan message, buffer),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the publishing worker. It exits when ctx is done or Stop is called.
func (p *Publisher) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.run(ctx)
	p.logger.WithFields(log.Fields{"channel": p.channel, "buffer": cap(p.queue)}).Info("event relay started")
}

func (p *Publisher) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			p.drain()
			return
		case msg := <-p.queue:
			p.send(ctx, msg)
		}
	}
}

func (p *Publisher) drain() {
	for {
		select {
		case msg := <-p.queue:
			p.send(context.Background(), msg)
		default:
			return
		}
	}
}

func (p *Publisher) send(ctx context.Context, msg message) {
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.client.Publish(pubCtx, p.channel, msg.frame).Err(); err != nil {
		p.logger.WithFields(log.Fields{"channel": p.channel, "event": msg.event, "error": err}).Error("unable to relay event")
		return
	}
	p.published.Add(1)
}

// Publish queues frame for relaying and reports whether it was accepted.
func (p *Publisher) Publish(event string, frame []byte) bool {
	select {
	case <-p.stopCh:
		return false
	default:
	}
	select {
	case p.queue <- message{event: event, frame: frame}:
		return true
	default:
		if n := p.dropped.Add(1); n == 1 || n%100 == 0 {
			p.logger.WithFields(log.Fields{"channel": p.channel, "event": event, "dropped": n}).Warn("event relay saturated; dropping event")
		}
		return false
	}
}

// Stop flushes queued events and waits for the worker to exit.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// Published reports how many events reached Redis.
func (p *Publisher) Published() uint64 { return p.published.Load() }

// Dropped reports how many events were discarded because the buffer was full.
func (p *Publisher) Dropped() uint64 { return p.dropped.Load() }

// ParseOptions accepts either a redis:// URL or an Azure style connection string
// such as "host:6380,password=secret,ssl=True".
func ParseOptions(conn string) (*redis.Options, error) {
	conn = strings.TrimSpace(conn)
	if conn == "" {
		return nil, fmt.Errorf("empty redis connection string")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	if opts.Addr == "" || strings.Contains(opts.Addr, "=") {
		return nil, fmt.Errorf("redis connection string has no address")
	}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}
