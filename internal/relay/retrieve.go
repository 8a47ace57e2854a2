package relay

import (
	"context"
	"strings"
	"time"

	"github.com/danmuck/relayctl/internal/observability"
)

// RetrieveRequest selects a stored response. Wait turns a miss into a bounded wait.
type RetrieveRequest struct {
	Identity      string
	CorrelationID string
	Wait          bool
}

// Retrieve consumes and returns the matching response. Immediate misses return
// ErrNotFoundYet; bounded waits that never match return ErrTimeout.
func (r *Relay) Retrieve(ctx context.Context, req RetrieveRequest) (Response, error) {
	start := time.Now()
	mode := "immediate"
	if req.Wait {
		mode = "wait"
	}
	resp, err := r.retrieve(ctx, req)
	observability.RecordRetrieve(mode, retrieveOutcome(err), time.Since(start))
	return resp, err
}

func (r *Relay) retrieve(ctx context.Context, req RetrieveRequest) (Response, error) {
	identity := strings.TrimSpace(req.Identity)
	if identity == "" {
		return Response{}, ErrIdentityRequired
	}
	correlationID := strings.TrimSpace(req.CorrelationID)

	if !req.Wait {
		resp, ok, err := r.lookup(ctx, identity, correlationID)
		if err != nil {
			return Response{}, err
		}
		if !ok {
			return Response{}, ErrNotFoundYet
		}
		return resp, nil
	}

	deadline := time.NewTimer(r.cfg.WaitDeadline)
	defer deadline.Stop()
	poll := time.NewTicker(r.cfg.PollInterval)
	defer poll.Stop()

	for {
		resp, done, err := r.waitOnce(ctx, identity, correlationID, deadline.C, poll.C)
		if done {
			return resp, err
		}
	}
}

// waitOnce runs one lookup and blocks until the next wake-up. done reports whether the
// wait is over, with either a response or the terminal error.
func (r *Relay) waitOnce(ctx context.Context, identity, correlationID string, deadline, poll <-chan time.Time) (Response, bool, error) {
	// watch before looking so an arrival between lookup and select is not missed
	arrived, release := r.arrivals.watch(identity)
	defer release()

	resp, ok, err := r.lookup(ctx, identity, correlationID)
	if err != nil {
		return Response{}, true, err
	}
	if ok {
		return resp, true, nil
	}
	select {
	case <-ctx.Done():
		return Response{}, true, ctx.Err()
	case <-deadline:
		return Response{}, true, ErrTimeout
	case <-poll:
	case <-arrived:
	}
	return Response{}, false, nil
}

// lookup checks the correlation entry first and falls back to the identity slot.
func (r *Relay) lookup(ctx context.Context, identity, correlationID string) (Response, bool, error) {
	if correlationID != "" {
		resp, ok, err := r.store.TakeByCorrelation(ctx, correlationID, identity)
		if err != nil || ok {
			return resp, ok, err
		}
	}
	return r.store.TakeByIdentity(ctx, identity)
}

func retrieveOutcome(err error) string {
	switch err {
	case nil:
		return "hit"
	case ErrNotFoundYet:
		return "not_found"
	case ErrTimeout:
		return "timeout"
	case context.Canceled, context.DeadlineExceeded:
		return "cancelled"
	default:
		return "error"
	}
}
