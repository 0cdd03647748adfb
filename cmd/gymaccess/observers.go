package main

import (
	"context"
	"time"

	"github.com/hibiken/asynq"

	"github.com/mariokehl/gymportal-access/internal/audit"
	"github.com/mariokehl/gymportal-access/internal/infrastructure/influxdb"
	"github.com/mariokehl/gymportal-access/internal/infrastructure/logging"
	"github.com/mariokehl/gymportal-access/internal/infrastructure/mqtt"
	"github.com/mariokehl/gymportal-access/internal/infrastructure/queue"
	"github.com/mariokehl/gymportal-access/internal/logincode"
)

// inlineMailTimeout bounds one in-process login code delivery.
const inlineMailTimeout = 30 * time.Second

// accessEvent is the MQTT message for one recorded attempt. It carries no
// credential material and no client address.
type accessEvent struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	DeviceNumber int       `json:"device_number"`
	MemberID     string    `json:"member_id,omitempty"`
	Method       string    `json:"method"`
	Service      string    `json:"service"`
	Granted      bool      `json:"granted"`
	Reason       string    `json:"reason,omitempty"`
	Category     string    `json:"category,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// publisher is the MQTT client surface used for events.
type publisher interface {
	PublishJSON(topic string, v any) error
}

// eventPublisher publishes recorded attempts to gymaccess/event/{tenant}/access.
type eventPublisher struct {
	client publisher
	topics mqtt.Topics
	logger *logging.Logger
}

func newEventPublisher(client publisher, logger *logging.Logger) *eventPublisher {
	return &eventPublisher{client: client, logger: logger}
}

// ObserveAttempt implements audit.Observer.
func (p *eventPublisher) ObserveAttempt(_ context.Context, a *audit.Attempt) {
	ev := accessEvent{
		ID:           a.ID,
		TenantID:     a.TenantID,
		DeviceNumber: a.DeviceNumber,
		MemberID:     a.MemberID,
		Method:       string(a.Method),
		Service:      a.Service,
		Granted:      a.Granted,
		Reason:       string(a.DenialReason),
		Timestamp:    a.CreatedAt,
	}
	if !a.Granted {
		ev.Category = string(audit.Categorize(a.DenialReason))
	}
	if err := p.client.PublishJSON(p.topics.AccessEvent(a.TenantID), ev); err != nil {
		p.logger.Warn("publishing access event failed", "tenant_id", a.TenantID, "error", err)
	}
}

// influxObserver writes recorded attempts as time series points.
type influxObserver struct {
	client *influxdb.Client
}

// ObserveAttempt implements audit.Observer.
func (o influxObserver) ObserveAttempt(_ context.Context, a *audit.Attempt) {
	o.client.WriteAccessAttempt(influxdb.AccessPoint{
		TenantID:     a.TenantID,
		DeviceNumber: a.DeviceNumber,
		Method:       string(a.Method),
		Service:      a.Service,
		Granted:      a.Granted,
		Reason:       string(a.DenialReason),
		Time:         a.CreatedAt,
	})
}

// inlineMailer delivers login code emails in a goroutine when no worker
// serves the queue. It runs the same handler the worker uses.
type inlineMailer struct {
	handle func(context.Context, *asynq.Task) error
	logger *logging.Logger
}

func newInlineMailer(sender logincode.Sender, logger *logging.Logger) *inlineMailer {
	return &inlineMailer{
		handle: logincode.MailHandler(sender, logger, time.Now),
		logger: logger,
	}
}

// EnqueueLoginCodeEmail implements logincode.Mailer.
func (m *inlineMailer) EnqueueLoginCodeEmail(_ context.Context, payload queue.LoginCodeEmailPayload) error {
	task, err := queue.NewTask(queue.TypeLoginCodeEmail, payload)
	if err != nil {
		return err
	}
	go func() {
		// Detached from the request context.
		ctx, cancel := context.WithTimeout(context.Background(), inlineMailTimeout)
		defer cancel()
		if err := m.handle(ctx, task); err != nil {
			m.logger.Error("sending login code email failed",
				"tenant_id", payload.TenantID, "member_id", payload.MemberID, "error", err)
		}
	}()
	return nil
}
