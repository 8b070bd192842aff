// Package event defines the wire-level unit of communication shared by the
// in-process broker (C3) and the durable broker (C7), per spec.md §3.1.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TraceHeaders carries the fields needed to continue a distributed trace
// across a publish/dispatch boundary. Field names follow the W3C Trace
// Context convention used by go.opentelemetry.io/otel propagators.
type TraceHeaders struct {
	Traceparent string `json:"traceparent,omitempty"`
	Tracestate  string `json:"tracestate,omitempty"`
}

// Event is the unit of communication routed by both brokers. Fields are
// preserved end-to-end per spec.md §3.1; Subject is stable along a causal
// chain and replies carry it unchanged.
type Event struct {
	// ID uniquely identifies this event. The triple (Subject, To, ID) is
	// unique.
	ID string `json:"id"`
	// Type is the event's semantic kind (e.g. "llm.request", "tool.invoke").
	Type string `json:"type"`
	// Source identifies the publisher.
	Source string `json:"source"`
	// To identifies the destination handler. May be empty for terminal or
	// completion events that have no further routing.
	To string `json:"to,omitempty"`
	// Subject identifies the workflow instance; shared by all events of a
	// single workflow tree and unchanged across causal replies.
	Subject string `json:"subject"`
	// ParentID is the causal parent event ID, used for reply correlation.
	ParentID string `json:"parentId,omitempty"`
	// Domain is an optional out-of-band routing tag (see C7 domained
	// events, spec.md §4.7).
	Domain string `json:"domain,omitempty"`
	// AccessControl is an opaque authorization context string propagated
	// unchanged across the causal chain.
	AccessControl string `json:"accesscontrol,omitempty"`
	// Data is the structured payload, schema-validated by the handler's
	// contract.
	Data json.RawMessage `json:"data,omitempty"`
	// Trace carries headers sufficient to continue a distributed trace.
	Trace TraceHeaders `json:"trace,omitempty"`
	// Time records when the event was created. Informational only; not
	// part of any uniqueness or ordering invariant.
	Time time.Time `json:"time,omitempty"`
}

// New constructs an Event with a fresh ID and Time set to now. Use this for
// events originated by the caller; replies should set ParentID explicitly and
// Subject to the request's Subject.
func New(evType, source, to, subject string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:      uuid.NewString(),
		Type:    evType,
		Source:  source,
		To:      to,
		Subject: subject,
		Data:    raw,
		Time:    time.Now(),
	}, nil
}

// Reply constructs a response event correlated to e: ParentID is set to e.ID,
// Subject is carried over unchanged, and AccessControl is inherited.
func (e Event) Reply(source, to, evType string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:            uuid.NewString(),
		Type:          evType,
		Source:        source,
		To:            to,
		Subject:       e.Subject,
		ParentID:      e.ID,
		AccessControl: e.AccessControl,
		Data:          raw,
		Time:          time.Now(),
	}, nil
}

// NewWithID is New but with a caller-supplied ID, used by the resumable
// handler protocol to force an outbound service-call event's ID to the
// developer-managed toolUseId so the eventual reply's ParentID correlates.
func NewWithID(id, evType, source, to, subject string, data any) (Event, error) {
	evt, err := New(evType, source, to, subject, data)
	if err != nil {
		return Event{}, err
	}
	evt.ID = id
	return evt, nil
}

// Unmarshal decodes e.Data into v.
func (e Event) Unmarshal(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}
