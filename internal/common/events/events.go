// Package events fans filing lifecycle events out to external sinks.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"filing-workflow/internal/models"

	"github.com/google/uuid"
)

type Type string

const (
	TypeApplicationCreated       Type = "application.created"
	TypeApplicationStatusChanged Type = "application.status_changed"
	TypeSectionCompleted         Type = "section.completed"
	TypeAdvisorAssigned          Type = "application.advisor_assigned"
	TypeCommentAdded             Type = "comment.added"
)

type Event struct {
	ID            string                 `json:"id"`
	Type          Type                   `json:"type"`
	ApplicationID string                 `json:"applicationId"`
	CompanyID     string                 `json:"companyId"`
	FromStatus    models.Status          `json:"fromStatus,omitempty"`
	ToStatus      models.Status          `json:"toStatus,omitempty"`
	ActorID       string                 `json:"actorId"`
	ActorRole     models.Role            `json:"actorRole"`
	OccurredAt    time.Time              `json:"occurredAt"`
	Attributes    map[string]interface{} `json:"attributes,omitempty"`
}

// New builds an event for app performed by actor.
func New(t Type, app *models.Application, actor models.Actor, at time.Time) Event {
	return Event{
		ID:            uuid.NewString(),
		Type:          t,
		ApplicationID: app.ID,
		CompanyID:     app.CompanyID,
		ToStatus:      app.Status,
		ActorID:       actor.UserID,
		ActorRole:     actor.Role,
		OccurredAt:    at,
		Attributes:    map[string]interface{}{},
	}
}

// Variables flattens the event into a map suitable for process variables.
func (e Event) Variables() map[string]interface{} {
	vars := map[string]interface{}{
		"eventId":       e.ID,
		"eventType":     string(e.Type),
		"applicationId": e.ApplicationID,
		"companyId":     e.CompanyID,
		"actorId":       e.ActorID,
		"actorRole":     string(e.ActorRole),
		"occurredAt":    e.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if e.FromStatus != "" {
		vars["fromStatus"] = string(e.FromStatus)
	}
	if e.ToStatus != "" {
		vars["toStatus"] = string(e.ToStatus)
	}
	for k, v := range e.Attributes {
		if _, taken := vars[k]; !taken {
			vars[k] = v
		}
	}
	return vars
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Multi delivers to every publisher and joins their failures.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []Type {
	events := r.Events()
	out := make([]Type, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}
