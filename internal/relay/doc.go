// Package relay owns command relay and response correlation.
//
// Ownership boundary:
// - connection registry (one live connection per executor identity)
// - response store keyed by correlation id and by origin identity
// - dispatch, ingestion, immediate and bounded-wait retrieval
// - TTL sweep of uncollected responses
//
// Relay does not own transport. Connections arrive through the Conn interface
// and inbound frames through Ingest; the gateway package owns the socket.
//
// Lookup contract:
// - a correlation-keyed hit is preferred, the identity slot is the fallback
// - every hit consumes; one arrival is never returned twice
// - the identity slot holds at most one unclaimed response (latest wins)
package relay
