package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Strob0t/SiteForge/internal/domain/job"
	"github.com/Strob0t/SiteForge/internal/port/messagequeue"
	"github.com/Strob0t/SiteForge/internal/port/worker"
)

const workerQueueGroup = "siteforge-workers"

// workerReply is the wire format of a remote worker's answer.
type workerReply struct {
	Output    json.RawMessage `json:"output,omitempty"`
	CostUSD   float64         `json:"costUsd"`
	Tokens    int64           `json:"tokens"`
	Error     string          `json:"error,omitempty"`
	ErrorKind string          `json:"errorKind,omitempty"`
}

// requester is the subset of messagequeue.Queue a RemoteWorker needs.
type requester interface {
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error)
}

// RemoteWorker executes jobs by sending them to workers.<agentId> and
// waiting for the reply.
type RemoteWorker struct {
	q       requester
	timeout time.Duration
}

// NewRemoteWorker creates a worker that forwards over q.
func NewRemoteWorker(q requester, timeout time.Duration) *RemoteWorker {
	return &RemoteWorker{q: q, timeout: timeout}
}

// Execute implements worker.Worker.
func (w *RemoteWorker) Execute(ctx context.Context, spec job.Spec) (job.Result, error) {
	data, err := json.Marshal(spec)
	if err != nil {
		return job.Result{}, job.NewError(job.KindValidation, fmt.Errorf("marshal job: %w", err))
	}

	raw, err := w.q.Request(ctx, messagequeue.WorkerSubject(spec.AgentID), data, w.timeout)
	if err != nil {
		return job.Result{}, classifyRequestErr(err)
	}

	var reply workerReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return job.Result{}, job.NewError(job.KindLogic, fmt.Errorf("decode reply from %s: %w", spec.AgentID, err))
	}
	res := job.Result{Output: reply.Output, CostUSD: reply.CostUSD, Tokens: reply.Tokens}
	if reply.Error != "" {
		return res, job.NewError(job.ParseKind(reply.ErrorKind), errors.New(reply.Error))
	}
	return res, nil
}

func classifyRequestErr(err error) error {
	switch {
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return job.NewError(job.KindTimeout, err)
	case errors.Is(err, nats.ErrNoResponders), errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrDisconnected):
		return job.NewError(job.KindNetwork, err)
	case errors.Is(err, context.Canceled):
		return job.NewError(job.KindCancelled, err)
	default:
		return job.NewError(job.KindNetwork, err)
	}
}

// ServeWorker answers job requests for agentID with w until ctx is done.
// Multiple processes serving the same agent share the load through a
// queue group.
func ServeWorker(ctx context.Context, nc *nats.Conn, agentID string, w worker.Worker) error {
	sub, err := nc.QueueSubscribe(messagequeue.WorkerSubject(agentID), workerQueueGroup, func(msg *nats.Msg) {
		go respond(ctx, msg, agentID, w)
	})
	if err != nil {
		return fmt.Errorf("nats serve %s: %w", agentID, err)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

func respond(ctx context.Context, msg *nats.Msg, agentID string, w worker.Worker) {
	var reply workerReply
	var spec job.Spec
	if err := json.Unmarshal(msg.Data, &spec); err != nil {
		reply.Error = fmt.Sprintf("decode job: %v", err)
		reply.ErrorKind = job.KindValidation.String()
	} else {
		res, err := w.Execute(ctx, spec)
		reply.Output, reply.CostUSD, reply.Tokens = res.Output, res.CostUSD, res.Tokens
		if err != nil {
			reply.Error = err.Error()
			reply.ErrorKind = job.KindOf(err).String()
		}
	}
	data, err := json.Marshal(reply)
	if err != nil {
		slog.Error("encode worker reply", "agent_id", agentID, "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error("worker respond", "agent_id", agentID, "error", err)
	}
}
