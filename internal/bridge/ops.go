package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shinyobjectz/tav/internal/errors"
)

// Frame is one captured canvas image.
type Frame struct {
	// Data is a data: URL of the encoded image.
	Data   string          `json:"data"`
	Width  int             `json:"width"`
	Height int             `json:"height"`
	State  json.RawMessage `json:"state,omitempty"`
}

// ControlTestResult is what the artifact reports after driving input.
type ControlTestResult struct {
	Before      string          `json:"before,omitempty"`
	After       string          `json:"after,omitempty"`
	StateBefore json.RawMessage `json:"stateBefore,omitempty"`
	StateAfter  json.RawMessage `json:"stateAfter,omitempty"`
	Actions     []string        `json:"actions"`
	DurationMS  int             `json:"duration"`
	// NativeBridgeUsed is false when the helper fell back to synthetic key
	// events.
	NativeBridgeUsed bool `json:"bridgeUsed"`
}

// NodeCaptureOptions tune a multi-angle node capture.
type NodeCaptureOptions struct {
	Angles  []string `json:"angles,omitempty"`
	Size    int      `json:"size,omitempty"`
	Padding float64  `json:"padding,omitempty"`
}

// NodeCapture holds per-angle images of one scene node.
type NodeCapture struct {
	Bounds   json.RawMessage   `json:"bounds,omitempty"`
	Captures map[string]string `json:"captures"`
}

// NodeMatch is the result of a node lookup.
type NodeMatch struct {
	Found bool            `json:"found"`
	Path  string          `json:"path,omitempty"`
	Type  string          `json:"type,omitempty"`
	Extra json.RawMessage `json:"extra,omitempty"`
}

// Client exposes the artifact's operations on top of a Channel. A nil
// result with a nil error means the artifact did not answer in time.
type Client struct {
	ch                 *Channel
	captureNodeTimeout time.Duration
}

// NewClient wraps ch. captureNodeTimeout applies to CaptureNode, which may
// need several renders.
func NewClient(ch *Channel, captureNodeTimeout time.Duration) *Client {
	if captureNodeTimeout <= 0 {
		captureNodeTimeout = 10 * time.Second
	}
	return &Client{ch: ch, captureNodeTimeout: captureNodeTimeout}
}

// Channel returns the underlying channel.
func (c *Client) Channel() *Channel {
	return c.ch
}

// CaptureFrame captures the current canvas.
func (c *Client) CaptureFrame(ctx context.Context) (*Frame, error) {
	var frame Frame
	ok, err := c.call(ctx, TypeCapture, nil, 0, &frame)
	if !ok || err != nil {
		return nil, err
	}
	return &frame, nil
}

// TestControls holds actions for duration and reports before and after
// frames. The artifact performs the whole sequence, so the deadline is the
// hold duration plus the normal bridge timeout.
func (c *Client) TestControls(ctx context.Context, actions []string, duration time.Duration) (*ControlTestResult, error) {
	payload := struct {
		Actions  []string `json:"actions"`
		Duration int64    `json:"duration"`
	}{Actions: actions, Duration: duration.Milliseconds()}

	var result ControlTestResult
	ok, err := c.call(ctx, TypeTestControls, payload, duration+c.ch.DefaultTimeout(), &result)
	if !ok || err != nil {
		return nil, err
	}
	return &result, nil
}

// CaptureNode renders nodeID from several angles.
func (c *Client) CaptureNode(ctx context.Context, nodeID string, opts NodeCaptureOptions) (*NodeCapture, error) {
	payload := struct {
		NodeID  string             `json:"nodeId"`
		Options NodeCaptureOptions `json:"options"`
	}{NodeID: nodeID, Options: opts}

	var capture NodeCapture
	ok, err := c.call(ctx, TypeCaptureNode, payload, c.captureNodeTimeout, &capture)
	if !ok || err != nil {
		return nil, err
	}
	return &capture, nil
}

// GetState returns the game's structured state snapshot.
func (c *Client) GetState(ctx context.Context) (json.RawMessage, error) {
	var body struct {
		State json.RawMessage `json:"state"`
	}
	ok, err := c.call(ctx, TypeGetState, nil, 0, &body)
	if !ok || err != nil {
		return nil, err
	}
	return body.State, nil
}

// FindNode looks up a scene node by name.
func (c *Client) FindNode(ctx context.Context, name string) (*NodeMatch, error) {
	payload := struct {
		Name string `json:"name"`
	}{Name: name}

	var match NodeMatch
	ok, err := c.call(ctx, TypeFindNode, payload, 0, &match)
	if !ok || err != nil {
		return nil, err
	}
	return &match, nil
}

// Focus gives the game canvas keyboard focus. No reply is expected.
func (c *Client) Focus(ctx context.Context) error {
	if err := c.ch.Notify(ctx, TypeFocus, nil); err != nil {
		return errors.NewBridgeError(errors.ErrCodeBridgeNotConnected, err.Error())
	}
	return nil
}

// call runs one request and decodes a result payload into out. ok is false
// for no-response.
func (c *Client) call(ctx context.Context, reqType string, payload interface{}, timeout time.Duration, out interface{}) (bool, error) {
	r, err := c.ch.Call(ctx, reqType, payload, timeout)
	if err != nil {
		return false, errors.NewInternalError(errors.ErrCodeInternalError, "bridge request", err)
	}

	switch r.Outcome {
	case OutcomeNoResponse:
		return false, nil
	case OutcomeFailed:
		return false, errors.NewBridgeError(errors.ErrCodeBridgeNotConnected, r.Error)
	case OutcomeError:
		return false, errors.NewBridgeError(errors.ErrCodeBridgeRemote,
			fmt.Sprintf("%s: %s", reqType, r.Error))
	}

	if len(r.Payload) == 0 {
		return true, nil
	}
	if err := json.Unmarshal(r.Payload, out); err != nil {
		return false, errors.NewBridgeError(errors.ErrCodeBridgeRemote,
			fmt.Sprintf("%s: malformed reply: %v", reqType, err))
	}
	return true, nil
}
