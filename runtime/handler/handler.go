// Package handler implements the Resumable Handler Protocol (C6): the
// lock -> read -> classify -> await-merge -> advance -> write(prev) ->
// unlock invocation contract described in spec.md §4.6.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"goa.design/substrate/runtime/broker"
	"goa.design/substrate/runtime/event"
	"goa.design/substrate/runtime/memory"
)

// TriggerKind classifies what caused a resumable handler invocation.
type TriggerKind int

const (
	// TriggerInit is the first invocation for a subject: no prior state
	// exists and the event carries the initial input.
	TriggerInit TriggerKind = iota
	// TriggerResume is a reply to one or more previously emitted service
	// calls, delivered once every awaited call has arrived.
	TriggerResume
)

// ServiceReply pairs a previously emitted service call's ID with the data
// its reply carried, flattened in deterministic (ID-ascending) order.
type ServiceReply struct {
	ID   string
	Data json.RawMessage
}

// Trigger is passed to Body once the protocol layer has a complete,
// orderable unit of work to advance.
type Trigger struct {
	Kind    TriggerKind
	Input   json.RawMessage // set when Kind == TriggerInit
	Replies []ServiceReply  // set when Kind == TriggerResume
}

// Output is a resumable handler's final outbound event.
type Output struct {
	Type string
	Data json.RawMessage
}

// ServiceRequest is one outbound, suspending service call (spec.md §4.6's
// `{id, type, data, domain?, executionunits}`).
type ServiceRequest struct {
	ID             string
	Type           string
	Data           json.RawMessage
	Domain         string
	ExecutionUnits int
}

// Result is returned by Body on every invocation. Exactly one of Output or
// Services should be set; when neither is set the handler remains
// suspended awaiting further replies, with Context persisted as given.
type Result struct {
	Context  json.RawMessage
	Output   *Output
	Services []ServiceRequest
}

// Body is the core, resumable step function a handler author implements.
// It receives the handler's current business context (nil on first
// invocation) and the classified Trigger, and returns the next Context plus
// either a final Output or a set of suspending ServiceRequests.
type Body func(ctx context.Context, state json.RawMessage, trigger Trigger) (Result, error)

// Config assembles a Body into a broker.Handler implementing the full
// resumable protocol.
type Config struct {
	Store memory.Store
	Lock  memory.LockConfig

	// Source identifies this handler as the publisher of record on
	// outbound events (service requests and the final output).
	Source string

	// OutputDestination computes the `to` topic for the final Output
	// event, given the triggering event.
	OutputDestination func(in event.Event) string

	// ServiceDestination maps a ServiceRequest's Type to the broker topic
	// it should be addressed to.
	ServiceDestination func(serviceType string) string

	// ParentSubject, when non-nil, is consulted only on the init
	// invocation to link this subject into an existing hierarchy (e.g.
	// an agent spawning a sub-agent). Returning nil leaves the subject as
	// its own hierarchy root.
	ParentSubject func(in event.Event) *string
}

// Sentinel errors.
var (
	ErrLockNotAcquired = errors.New("handler: could not acquire subject lock")
	ErrUnexpectedPoke  = errors.New("handler: event is neither an init nor a correlated reply")
)

type awaiting struct {
	Arrived bool            `json:"arrived"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type envelope struct {
	Context  json.RawMessage     `json:"context,omitempty"`
	Awaiting map[string]awaiting `json:"awaiting,omitempty"`
}

// Build composes cfg and body into a broker.Handler suitable for
// broker.Subscribe.
func Build(cfg Config, body Body) broker.Handler {
	return func(ctx context.Context, evt event.Event, pub broker.PublishFunc) error {
		subject := evt.Subject
		if subject == "" {
			return fmt.Errorf("handler: event %s has no subject", evt.ID)
		}

		locked, err := cfg.Store.Lock(ctx, subject, cfg.Lock)
		if err != nil {
			return fmt.Errorf("handler: lock %s: %w", subject, err)
		}
		if !locked {
			return ErrLockNotAcquired
		}
		defer func() { _ = cfg.Store.Unlock(ctx, subject) }()

		prev, err := cfg.Store.Read(ctx, subject)
		if err != nil {
			return fmt.Errorf("handler: read %s: %w", subject, err)
		}

		env, err := decodeEnvelope(prev)
		if err != nil {
			return err
		}

		trigger, ready, err := classify(evt, prev != nil, &env)
		if err != nil {
			return err
		}
		if !ready {
			// Partial arrival: persist the updated awaiting map and stay
			// suspended; no outbound event this invocation.
			_, err := persist(ctx, cfg.Store, subject, prev, env, cfg.ParentSubject, evt)
			return err
		}

		result, err := body(ctx, env.Context, trigger)
		if err != nil {
			return err
		}
		env.Context = result.Context

		switch {
		case result.Output != nil:
			env.Awaiting = nil
			if _, err := persist(ctx, cfg.Store, subject, prev, env, cfg.ParentSubject, evt); err != nil {
				return err
			}
			dest := ""
			if cfg.OutputDestination != nil {
				dest = cfg.OutputDestination(evt)
			}
			out, err := evt.Reply(cfg.Source, dest, result.Output.Type, result.Output.Data)
			if err != nil {
				return err
			}
			return pub(ctx, out)

		case len(result.Services) > 0:
			if env.Awaiting == nil {
				env.Awaiting = make(map[string]awaiting, len(result.Services))
			}
			for _, svc := range result.Services {
				env.Awaiting[svc.ID] = awaiting{}
			}
			if _, err := persist(ctx, cfg.Store, subject, prev, env, cfg.ParentSubject, evt); err != nil {
				return err
			}
			for _, svc := range result.Services {
				dest := svc.Type
				if cfg.ServiceDestination != nil {
					dest = cfg.ServiceDestination(svc.Type)
				}
				out, err := event.NewWithID(svc.ID, svc.Type, cfg.Source, dest, subject, svc.Data)
				if err != nil {
					return err
				}
				out.Domain = svc.Domain
				out.AccessControl = evt.AccessControl
				if err := pub(ctx, out); err != nil {
					return err
				}
			}
			return nil

		default:
			_, err := persist(ctx, cfg.Store, subject, prev, env, cfg.ParentSubject, evt)
			return err
		}
	}
}

func decodeEnvelope(prev *memory.Record) (envelope, error) {
	if prev == nil {
		return envelope{}, nil
	}
	var env envelope
	if len(prev.Data) == 0 {
		return env, nil
	}
	if err := json.Unmarshal(prev.Data, &env); err != nil {
		return envelope{}, fmt.Errorf("handler: decoding envelope: %w", err)
	}
	return env, nil
}

func classify(evt event.Event, prevExists bool, env *envelope) (Trigger, bool, error) {
	if evt.ParentID != "" {
		entry, ok := env.Awaiting[evt.ParentID]
		if !ok {
			return Trigger{}, false, ErrUnexpectedPoke
		}
		entry.Arrived = true
		entry.Data = evt.Data
		env.Awaiting[evt.ParentID] = entry

		ids := make([]string, 0, len(env.Awaiting))
		for id, e := range env.Awaiting {
			if !e.Arrived {
				return Trigger{}, false, nil
			}
			ids = append(ids, id)
		}
		sort.Strings(ids)
		replies := make([]ServiceReply, 0, len(ids))
		for _, id := range ids {
			replies = append(replies, ServiceReply{ID: id, Data: env.Awaiting[id].Data})
		}
		return Trigger{Kind: TriggerResume, Replies: replies}, true, nil
	}

	if !prevExists {
		return Trigger{Kind: TriggerInit, Input: evt.Data}, true, nil
	}
	return Trigger{}, false, ErrUnexpectedPoke
}

func persist(ctx context.Context, store memory.Store, subject string, prev *memory.Record, env envelope, parentSubjectFn func(event.Event) *string, evt event.Event) (*memory.Record, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("handler: encoding envelope: %w", err)
	}
	meta := memory.WriteMeta{ExecutionStatus: executionStatus(env)}
	if prev == nil && parentSubjectFn != nil {
		meta.ParentSubject = parentSubjectFn(evt)
	}
	rec, err := store.Write(ctx, subject, data, prev, meta)
	if err != nil {
		return nil, fmt.Errorf("handler: write %s: %w", subject, err)
	}
	return rec, nil
}

func executionStatus(env envelope) string {
	if len(env.Awaiting) > 0 {
		return "suspended"
	}
	return "running"
}
