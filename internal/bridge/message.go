// Package bridge talks to a running preview artifact. The artifact can only
// be reached through a fire-and-forget message transport, so the Channel
// layers correlation ids and timers on top to give each call exactly one
// resolution.
package bridge

import (
	"encoding/json"
	"strings"
)

// Request types understood by the injected page helper.
const (
	TypeCapture      = "capture"
	TypeTestControls = "test-controls"
	TypeCaptureNode  = "capture-node"
	TypeGetState     = "get-state"
	TypeFindNode     = "find-node"
	TypeFocus        = "focus"
)

// Events the helper sends without being asked.
const (
	EventHello       = "hello"
	EventBridgeReady = "bridge-ready"
)

// Reply suffixes appended to the request type.
const (
	resultSuffix = "-result"
	errorSuffix  = "-error"
)

// Message is the envelope exchanged with the artifact in both directions.
type Message struct {
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// replyKind splits a reply type into its request type and whether it is an
// error. ok is false for messages that are not replies.
func replyKind(msgType string) (requestType string, isError bool, ok bool) {
	switch {
	case strings.HasSuffix(msgType, resultSuffix):
		return strings.TrimSuffix(msgType, resultSuffix), false, true
	case strings.HasSuffix(msgType, errorSuffix):
		return strings.TrimSuffix(msgType, errorSuffix), true, true
	default:
		return "", false, false
	}
}
