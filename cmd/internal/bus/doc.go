// Package bus delivers key-value change notifications between participants
// that share a session store.
//
// A participant is one running UI context: a browser tab, a kiosk process or
// a CLI invocation. Each participant owns one Bus. Writes made through a
// kv.Store wired to a Bus are announced on the Transport; every other Bus on
// the same Transport sees them through OnStorage. A Bus never sees its own
// writes on that channel, so same-participant listeners use On/Emit instead.
//
// Transports:
//   - LocalHub: in-process fanout.
//   - RedisTransport: Redis PUBLISH/SUBSCRIBE.
//   - PostgresTransport: pg_notify and LISTEN.
//   - WSTransport: websocket client for the relay.
package bus
