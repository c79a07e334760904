// Package audit appends regulated activity events to the tamper-evident
// audit trail. The trail is insert-only at every layer: this package exposes
// no update or delete operations, the query layer has none, and the database
// policies reject them for the application role.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"carebook/internal/database"
	"carebook/internal/telemetry"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

type EventType string

const (
	EventTypeOrganizationProvisioned EventType = "organization.provisioned"
	EventTypeGuestRegistered         EventType = "guest.registered"
	EventTypeMemberInvited           EventType = "member.invited"
	EventTypeMemberRemoved           EventType = "member.removed"
	EventTypeBookingCreated          EventType = "booking.created"
	EventTypeBookingConfirmed        EventType = "booking.confirmed"
	EventTypeBookingCancelled        EventType = "booking.cancelled"
	EventTypeRecordViewed            EventType = "record.viewed"
	EventTypeAgreementAccepted       EventType = "agreement.accepted"
	EventTypePaymentSucceeded        EventType = "payment.succeeded"
	EventTypePaymentFailed           EventType = "payment.failed"
	EventTypeAccessCodeIssued        EventType = "access_code.issued"
)

// Auditor writes audit events. Whether a failed write aborts the business
// action it describes depends on the event type: types listed in the required
// set propagate the error, all others are logged and dropped.
type Auditor struct {
	logger   *slog.Logger
	required map[EventType]bool
}

// NewAuditor parses the comma-separated list of event types whose writes are
// mandatory. An empty list means every event is best-effort.
func NewAuditor(logger *slog.Logger, requiredEventTypes string) Auditor {
	required := make(map[EventType]bool)
	for _, raw := range strings.Split(requiredEventTypes, ",") {
		if t := strings.TrimSpace(raw); t != "" {
			required[EventType(t)] = true
		}
	}
	return Auditor{logger: logger, required: required}
}

// Required reports whether a failed write of this event type must abort the
// surrounding action.
func (a *Auditor) Required(eventType EventType) bool {
	return a.required[eventType]
}

type RecordParams struct {
	OrgID   uuid.UUID
	ActorID *uuid.UUID
	Type    EventType
	// Target names the affected resource, e.g. "booking:<id>".
	Target   string
	Metadata map[string]any
}

// Record appends one event using the caller's query handle, so that an event
// recorded inside an authorized transaction commits or rolls back with the
// action it describes. Event ids are ULIDs; their lexicographic order is the
// insertion order, which ListAuditEventsByOrg relies on.
func (a *Auditor) Record(ctx context.Context, q *database.Queries, params RecordParams) error {
	metadata, err := json.Marshal(params.Metadata)
	if err != nil {
		return a.dispose(params.Type, fmt.Errorf("failed to marshal audit event metadata: %w", err))
	}

	if _, err := q.CreateAuditEvent(ctx, database.CreateAuditEventParams{
		ID:        ulid.Make().String(),
		OrgID:     params.OrgID,
		ActorID:   params.ActorID,
		EventType: string(params.Type),
		Target:    params.Target,
		Metadata:  metadata,
	}); err != nil {
		return a.dispose(params.Type, fmt.Errorf("failed to append audit event: %w", err))
	}
	return nil
}

func (a *Auditor) dispose(eventType EventType, err error) error {
	telemetry.CountAuditWriteFailure(string(eventType))
	if a.required[eventType] {
		return err
	}
	a.logger.Error("Dropping best-effort audit event", "event_type", eventType, "error", err)
	return nil
}
