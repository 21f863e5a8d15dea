package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ai-coach-context/internal/pkg/logger"
	"ai-coach-context/pkg/events"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	StreamName    = "COACH"
	SubjectPrefix = "coach"

	logModule = "nats"
)

type Config struct {
	URL           string
	Stream        string
	SubjectPrefix string
	MaxAge        time.Duration
	MaxReconnects int
	ReconnectWait time.Duration
	EnsureTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Stream == "" {
		c.Stream = StreamName
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = SubjectPrefix
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 7 * 24 * time.Hour
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 5
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.EnsureTimeout <= 0 {
		c.EnsureTimeout = 5 * time.Second
	}
	return c
}

// Publisher sends coach events to a JetStream stream.
type Publisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	prefix string
	log    logger.ILogger
}

// NewPublisher connects to NATS and makes sure the event stream exists. A
// stream that cannot be created yet is logged, not fatal: publishes fail
// until the server catches up.
func NewPublisher(cfg Config, log logger.ILogger) (*Publisher, error) {
	cfg = cfg.withDefaults()
	log = logger.OrNop(log)

	nc, err := nats.Connect(cfg.URL,
		nats.Name("ai-coach-context"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn(logModule, "Disconnected from NATS", map[string]interface{}{"error": err.Error()})
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info(logModule, "Reconnected to NATS", map[string]interface{}{"url": c.ConnectedUrl()})
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.EnsureTimeout)
	defer cancel()

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.SubjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    cfg.MaxAge,
	})
	if err != nil {
		log.Warn(logModule, "Failed to ensure event stream", map[string]interface{}{
			"stream": cfg.Stream,
			"error":  err.Error(),
		})
	} else {
		log.Info(logModule, "Event stream ready", map[string]interface{}{"stream": cfg.Stream})
	}

	return &Publisher{nc: nc, js: js, prefix: cfg.SubjectPrefix, log: log}, nil
}

// Subject returns the subject an event is published on under prefix.
func Subject(prefix string, event events.Event) string {
	return fmt.Sprintf("%s.%s", prefix, event.EventType())
}

func (p *Publisher) Publish(ctx context.Context, event events.Event) error {
	data, err := json.Marshal(event.Payload())
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	subject := Subject(p.prefix, event)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish event to subject %s: %w", subject, err)
	}
	p.log.Debug(logModule, "Published event", map[string]interface{}{"subject": subject})
	return nil
}

func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
