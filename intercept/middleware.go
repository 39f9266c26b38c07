package intercept

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	offlineengine "github.com/wolfeidau/offline-engine"
	"github.com/wolfeidau/offline-engine/remote"
	"github.com/wolfeidau/offline-engine/telemetry"
)

// Handler handles an intent.
type Handler func(ctx context.Context, in Intent) (Result, error)

// Middleware wraps a Handler.
type Middleware func(next Handler) Handler

// Connectivity reports whether the remote is believed reachable.
type Connectivity interface {
	Online() bool
}

// Records is the local business record store.
type Records interface {
	PutRecord(ctx context.Context, table, id string, data json.RawMessage) (bool, error)
	DeleteRecord(ctx context.Context, table, id string) error
}

// Queue accepts mutations for sync.
type Queue interface {
	Enqueue(ctx context.Context, table string, op offlineengine.Operation, recordID string, payload json.RawMessage) (uint64, error)
	RequestSoon()
}

// Dispatcher runs intents through a middleware chain.
type Dispatcher struct {
	handler Handler
}

// NewDispatcher builds a dispatcher. The first middleware is the outermost.
func NewDispatcher(terminal Handler, mws ...Middleware) *Dispatcher {
	h := terminal
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return &Dispatcher{handler: h}
}

// Dispatch handles in.
func (d *Dispatcher) Dispatch(ctx context.Context, in Intent) (Result, error) {
	if in.Type == "" {
		return Result{Status: StatusRejected}, fmt.Errorf("intent type is required")
	}
	res, err := d.handler(ctx, in)
	telemetry.RecordIntent(ctx, string(res.Status))
	return res, err
}

// Confirm is a terminal handler that accepts every intent.
func Confirm(_ context.Context, in Intent) (Result, error) {
	return Result{Type: in.Type, Status: StatusConfirmed, RecordID: in.RecordID}, nil
}

// Errors reports every failure of the rest of the chain. Panics are
// recovered and reported as errors.
func Errors(r *Reporter) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, in Intent) (res Result, err error) {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("intent %s panicked: %v", in.Type, p)
					res = Result{Type: in.Type}
				}
				if err != nil {
					report := r.Report(ctx, in.Type, err)
					res.Status = StatusRejected
					res.Notice = &report.Notice
					if res.Type == "" {
						res.Type = in.Type
					}
				}
			}()
			return next(ctx, in)
		}
	}
}

// Offline refuses online-only intents while offline, without touching the
// store or the queue.
func Offline(policy Policy, conn Connectivity) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, in Intent) (Result, error) {
			if policy.OnlineOnly(in.Type) && !conn.Online() {
				return Result{Type: in.Type, Status: StatusRejected}, &offlineengine.OfflineError{Action: in.Type}
			}
			return next(ctx, in)
		}
	}
}

// Sync applies queueable intents to the local store and enqueues them. The
// result is StatusQueued while offline and StatusPending while online, when
// a sync is also requested. Queueable intents without a table only request
// a sync. Replays from the queue are never queued again.
func Sync(policy Policy, records Records, queue Queue, conn Connectivity, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "intercept")

	return func(next Handler) Handler {
		return func(ctx context.Context, in Intent) (Result, error) {
			if remote.FromQueue(ctx) || !policy.Queueable(in.Type) {
				return next(ctx, in)
			}

			online := conn.Online()
			status := StatusQueued
			if online {
				status = StatusPending
			}
			res := Result{Type: in.Type + QueuedSuffix, Status: status}

			if in.Table == "" {
				if online {
					queue.RequestSoon()
				}
				return res, nil
			}

			op, err := in.operation()
			if err != nil {
				return Result{Type: in.Type, Status: StatusRejected}, err
			}

			id := in.recordID()
			if id == "" {
				if op != offlineengine.OpCreate && op != offlineengine.OpSave {
					return Result{Type: in.Type, Status: StatusRejected}, fmt.Errorf("intent %s: record id is required", in.Type)
				}
				// The same id is sent on every replay so the remote can
				// recognise a create it has already applied.
				id = uuid.NewString()
			}
			res.RecordID = id

			payload := in.Payload
			switch op {
			case offlineengine.OpDelete:
				err = records.DeleteRecord(ctx, in.Table, id)
			default:
				// The local row and the queued mutation carry the same id,
				// generated or not, so the remote stores the record under it.
				payload = withRecordID(payload, id)
				_, err = records.PutRecord(ctx, in.Table, id, payload)
			}
			if err != nil {
				return Result{Type: in.Type, Status: StatusRejected}, offlineengine.NewStorageError("apply intent locally", err)
			}

			qid, err := queue.Enqueue(ctx, in.Table, op, id, payload)
			if err != nil {
				return Result{Type: in.Type, Status: StatusRejected}, offlineengine.NewStorageError("enqueue intent", err)
			}
			res.QueueID = qid

			logger.Debug("intent queued",
				"type", in.Type,
				"table", in.Table,
				"operation", op,
				"record_id", id,
				"queue_id", qid,
				"online", online)

			if online {
				queue.RequestSoon()
			}
			return res, nil
		}
	}
}
