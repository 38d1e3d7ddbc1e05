// This package provides:
//   - REST endpoints to list, inspect and remove devices
//   - Unit commands routed through the gateway's transport preference
//   - Manual discovery by address
//   - Per-device change history from the local SQLite trail
//   - WebSocket hub broadcasting device.changed and device.removed events
//   - Prometheus scrape endpoint on /metrics and a JSON summary on /api/v1/metrics
//
// # Security
//
// With security.jwt.secret set, mutating routes require an HS256 bearer
// token with an expiry (see IssueToken), and WebSocket connections need a
// single-use ticket from POST /api/v1/auth/ws-ticket so the token never
// appears in a URL. Without a secret the API is open, which suits a bridge
// on an isolated LAN.
//
// # Graceful Degradation
//
// The server runs without MQTT or a history store. Reads and the WebSocket
// feed keep working; the history endpoint answers 503.
package api
