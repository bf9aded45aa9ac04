// Package events publishes job lifecycle snapshots to NATS.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ErlanBelekov/stockorder/internal/domain"
	"github.com/ErlanBelekov/stockorder/internal/metrics"
	"github.com/nats-io/nats.go"
)

const DefaultSubject = "stockorder.jobs"

// JobEvent is the payload published for every job change.
type JobEvent struct {
	Event      string          `json:"event"`
	OccurredAt time.Time       `json:"occurred_at"`
	Job        domain.OrderJob `json:"job"`
}

// Message builds the NATS message for a snapshot. The subject is
// "<prefix>.<state>" so consumers can subscribe to e.g. "stockorder.jobs.ready".
func Message(prefix string, job domain.OrderJob) (*nats.Msg, error) {
	if prefix == "" {
		prefix = DefaultSubject
	}
	body, err := json.Marshal(JobEvent{
		Event:      "job." + string(job.State),
		OccurredAt: job.UpdatedAt,
		Job:        job,
	})
	if err != nil {
		return nil, fmt.Errorf("encode job event: %w", err)
	}

	msg := nats.NewMsg(prefix + "." + string(job.State))
	msg.Data = body
	msg.Header.Set(nats.MsgIdHdr, job.Handle+"."+string(job.State))
	msg.Header.Set("Content-Type", "application/json")
	return msg, nil
}

// NATSPublisher is an orchestrator observer. Publish only appends to the
// connection's outbound buffer, so Observe never blocks on the network.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
}

func Connect(url, subject string, logger *slog.Logger) (*NATSPublisher, error) {
	logger = logger.With("component", "events")
	nc, err := nats.Connect(url,
		nats.Name("stockorder"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSPublisher{nc: nc, subject: subject, logger: logger}, nil
}

func (p *NATSPublisher) Observe(job domain.OrderJob) {
	msg, err := Message(p.subject, job)
	if err == nil {
		err = p.nc.PublishMsg(msg)
	}
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues("error").Inc()
		p.logger.Warn("publish job event", "job_handle", job.Handle, "state", job.State, "error", err)
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues("success").Inc()
}

// Ping flushes the connection, proving a round trip to the server.
func (p *NATSPublisher) Ping(ctx context.Context) error {
	if !p.nc.IsConnected() {
		return errors.New("nats not connected")
	}
	return p.nc.FlushWithContext(ctx)
}

// Close drains buffered events before closing the connection.
func (p *NATSPublisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn("drain nats connection", "error", err)
	}
}
