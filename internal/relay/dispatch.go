package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danmuck/relayctl/internal/observability"
	"github.com/danmuck/relayctl/internal/protocol/wire"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Command is one controller request bound for an executor.
type Command struct {
	TargetIdentity string
	CorrelationID  string
	Payload        json.RawMessage
}

// DispatchResult carries the correlation id the executor will echo.
type DispatchResult struct {
	CorrelationID string
}

// Dispatch writes cmd to the connection registered for its target identity. It never
// waits for a reply and never retries.
func (r *Relay) Dispatch(ctx context.Context, cmd Command) (DispatchResult, error) {
	identity := strings.TrimSpace(cmd.TargetIdentity)
	if identity == "" {
		observability.RecordDispatch("rejected")
		return DispatchResult{}, ErrIdentityRequired
	}
	correlationID := strings.TrimSpace(cmd.CorrelationID)
	if correlationID == "" {
		correlationID = r.newCorrelationID()
	}

	conn, ok := r.registry.Lookup(identity)
	if !ok || !conn.Writable() {
		observability.RecordDispatch("no_connection")
		log.Debug().Str("identity", identity).Msg("relay.Dispatch no connection")
		return DispatchResult{}, &DeliveryError{Identity: identity, Reason: ReasonNoConnection}
	}

	frame, err := wire.EncodeCommand(correlationID, cmd.Payload)
	if err != nil {
		observability.RecordDispatch("rejected")
		return DispatchResult{}, fmt.Errorf("relay: encode command: %w", err)
	}

	sendCtx, cancel := r.withWriteTimeout(ctx)
	defer cancel()
	if err := conn.Send(sendCtx, frame); err != nil {
		observability.RecordDispatch("write_failed")
		log.Warn().
			Str("identity", identity).
			Str("conn_id", conn.ID()).
			Str("correlation_id", correlationID).
			Err(err).
			Msg("relay.Dispatch write failed")
		return DispatchResult{}, &DeliveryError{Identity: identity, Reason: ReasonWriteFailed, Err: err}
	}

	observability.RecordDispatch("delivered")
	log.Debug().
		Str("identity", identity).
		Str("conn_id", conn.ID()).
		Str("correlation_id", correlationID).
		Msg("relay.Dispatch delivered")
	return DispatchResult{CorrelationID: correlationID}, nil
}

// newCorrelationID returns req_<unix-ms>_<random>. Unique, not unguessable.
func (r *Relay) newCorrelationID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("req_%d_%s", r.now().UnixMilli(), suffix)
}
