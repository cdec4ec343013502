// Package v1 defines the pairhub presence protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// ServerVersion is reported to clients in every ConnectionResult.
const ServerVersion = 3

// Type constants (wire-stable).
const (
	// TypeHeartbeat identifies the caller's presence token (client -> server).
	TypeHeartbeat = "heartbeat"
	// TypeHeartbeatResult answers a heartbeat (server -> client).
	TypeHeartbeatResult = "heartbeat_result"

	// TypeSystemInfoGet requests the current system info snapshot (client -> server).
	TypeSystemInfoGet = "system_info_get"
	// TypeSystemInfo carries a snapshot, as a reply or as a push (server -> client).
	TypeSystemInfo = "system_info"

	// TypePeerPresenceAdded tells a mutual peer that the sender became present (server -> client).
	TypePeerPresenceAdded = "peer_presence_added"
	// TypePeerPresenceRemoved tells a mutual peer that the sender left (server -> client).
	TypePeerPresenceRemoved = "peer_presence_removed"

	// TypeOnlineCount broadcasts the number of present users (server -> all).
	TypeOnlineCount = "online_count"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"reply_to,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHeartbeat,
		TypeHeartbeatResult,
		TypeSystemInfoGet,
		TypeSystemInfo,
		TypePeerPresenceAdded,
		TypePeerPresenceRemoved,
		TypeOnlineCount,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HeartbeatPayload carries the client's proposed character identification.
type HeartbeatPayload struct {
	CharacterIdentification string `json:"character_identification"`
}

// ConnectionResult answers a heartbeat. Only ServerVersion is set on the
// minimal (anonymous, banned, duplicate or failed) path.
type ConnectionResult struct {
	ServerVersion int    `json:"server_version"`
	UID           string `json:"uid,omitempty"`
	IsModerator   bool   `json:"is_moderator,omitempty"`
	IsAdmin       bool   `json:"is_admin,omitempty"`
}

// Identified reports whether the result discloses an identity.
func (r ConnectionResult) Identified() bool { return r.UID != "" }

// SystemInfo is a read-only server health snapshot.
type SystemInfo struct {
	CPUUsage    float64   `json:"cpu_usage"`
	RAMUsage    float64   `json:"ram_usage"`
	CPUCount    int       `json:"cpu_count"`
	OnlineUsers int       `json:"online_users"`
	SampledAt   time.Time `json:"sampled_at"`
}

// PeerPresencePayload names a peer by its transient presence token, never by UID.
type PeerPresencePayload struct {
	CharacterIdentification string `json:"character_identification"`
}

// OnlineCountPayload is the number of users with a presence token.
type OnlineCountPayload struct {
	Count int `json:"count"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
