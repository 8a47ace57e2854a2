package relay

import (
	"context"
	"fmt"

	"github.com/danmuck/relayctl/internal/observability"
	"github.com/danmuck/relayctl/internal/protocol/wire"
	"github.com/rs/zerolog/log"
)

// IngestKind classifies what one inbound frame did.
type IngestKind string

const (
	IngestRegistered IngestKind = "registered"
	IngestStored     IngestKind = "stored"
	IngestDropped    IngestKind = "dropped"
)

// IngestResult reports the effect of one inbound frame.
type IngestResult struct {
	Kind          IngestKind
	Identity      string
	CorrelationID string
	// Superseded is the connection this registration replaced, if any. It is not closed.
	Superseded Conn
}

// Ingest applies one inbound executor frame. Malformed frames return IngestDropped with
// an error for the caller to log; nothing is written back to conn and no state changes.
func (r *Relay) Ingest(ctx context.Context, conn Conn, raw []byte) (IngestResult, error) {
	msg, err := wire.DecodeInbound(raw)
	if err != nil {
		observability.RecordIngest("malformed")
		return IngestResult{Kind: IngestDropped}, err
	}

	switch msg.Type {
	case wire.TypeRegister:
		prevIdentity, hadIdentity := r.IdentityOf(conn)
		if hadIdentity && prevIdentity != msg.Identity {
			r.registry.Remove(prevIdentity, conn)
		}
		r.peers.Store(conn, msg.Identity)
		superseded, _ := r.registry.Register(msg.Identity, conn)
		observability.RecordIngest("register")
		log.Info().
			Str("identity", msg.Identity).
			Str("conn_id", conn.ID()).
			Str("remote", conn.RemoteAddr()).
			Bool("superseded", superseded != nil).
			Msg("relay.Ingest registered")
		return IngestResult{Kind: IngestRegistered, Identity: msg.Identity, Superseded: superseded}, nil

	case wire.TypeResponse:
		identity, ok := r.IdentityOf(conn)
		if !ok {
			observability.RecordIngest("unbound")
			return IngestResult{Kind: IngestDropped}, ErrUnboundResponse
		}
		resp := Response{
			CorrelationID:  msg.CorrelationID,
			OriginIdentity: identity,
			Payload:        msg.Payload,
			ReceivedAt:     r.now(),
		}
		if err := r.store.Put(ctx, resp); err != nil {
			observability.RecordIngest("store_failed")
			return IngestResult{Kind: IngestDropped}, fmt.Errorf("relay: store response: %w", err)
		}
		r.arrivals.notify(identity)
		observability.RecordIngest("response")
		log.Debug().
			Str("identity", identity).
			Str("correlation_id", msg.CorrelationID).
			Int("bytes", len(msg.Payload)).
			Msg("relay.Ingest stored response")
		return IngestResult{Kind: IngestStored, Identity: identity, CorrelationID: msg.CorrelationID}, nil
	}

	observability.RecordIngest("malformed")
	return IngestResult{Kind: IngestDropped}, fmt.Errorf("%w: %q", wire.ErrWrongChannel, msg.Type)
}
