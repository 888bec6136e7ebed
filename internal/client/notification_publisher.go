package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/procurata/be-approval-workflows/internal/logger"
	natsclient "github.com/procurata/be-approval-workflows/internal/nats"
	"github.com/procurata/be-approval-workflows/internal/repository"
)

// NotificationPublisher publishes approval workflow events to NATS for
// consumption by the notifications service.
//
// Subject convention: notifications.procure.<event_type>
//
// All publish operations are non-fatal — errors are logged but never
// propagated to the caller, so notification failures never interrupt
// approval operations.
type NotificationPublisher struct {
	nats *natsclient.Client
	log  *logger.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string                 `json:"event_type"`
	CompanyID    string                 `json:"company_id"`
	ActorID      string                 `json:"actor_id,omitempty"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id"`
	DocumentType string                 `json:"document_type"`
	DocumentID   string                 `json:"document_id"`
	Status       string                 `json:"status"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS client.
func NewNotificationPublisher(nats *natsclient.Client, log *logger.Logger) *NotificationPublisher {
	return &NotificationPublisher{nats: nats, log: log}
}

// PublishApprovalEvent publishes an approval lifecycle event.
// Subject: notifications.procure.<eventType>
func (p *NotificationPublisher) PublishApprovalEvent(ctx context.Context, eventType string, inst *repository.ApprovalInstance, actorID string, payload map[string]interface{}) {
	if p.nats == nil {
		return
	}

	event := &NotificationEvent{
		EventType:    eventType,
		CompanyID:    inst.CompanyID,
		ActorID:      actorID,
		ResourceType: "approval_instance",
		ResourceID:   inst.ID,
		DocumentType: string(inst.DocumentType),
		DocumentID:   inst.DocumentID,
		Status:       string(inst.Status),
		Payload:      payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.procure.%s", eventType)

	// Transient broker hiccups are worth a couple of retries, but the
	// operation stays non-fatal either way.
	backoff := retry.WithMaxRetries(2, retry.NewExponential(100*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		return retry.RetryableError(p.nats.Publish(ctx, subject, data))
	})
	if err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("instance_id", inst.ID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("instance_id", inst.ID).
		Msg("notification: event published")
}
