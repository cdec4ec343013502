// Package presence is pairhub's presence-and-pairing core.
//
// A transport hands each live session to Service.OnConnect, forwards the
// client's heartbeat to Service.Heartbeat, and calls Service.OnDisconnect
// exactly when the session ends. In between, the core keeps three things
// consistent under arbitrarily many concurrent sessions:
//
//   - the Registry, mapping verified UIDs to their current connection;
//   - the users' presence tokens in the durable store;
//   - the notifications fanned out to mutually paired, present peers.
//
// No lock is held across store calls or deliveries. Race safety on
// reconnect comes from compare-and-set on the store row and
// compare-and-delete on the registry entry.
package presence
