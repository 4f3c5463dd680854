package controls

import (
	"context"
	"time"

	"github.com/shinyobjectz/tav/internal/bridge"
	"github.com/shinyobjectz/tav/internal/errors"
	"github.com/shinyobjectz/tav/internal/logging"
)

const (
	// DefaultDuration is how long actions are held when no duration is given.
	DefaultDuration = time.Second
	// MaxDuration caps a single control test.
	MaxDuration = 30 * time.Second
)

// Bridge is the part of the bridge client a Tester drives.
type Bridge interface {
	TestControls(ctx context.Context, actions []string, duration time.Duration) (*bridge.ControlTestResult, error)
}

// Report is the outcome of one control test.
type Report struct {
	Request  string   `json:"request"`
	Resolved []string `json:"resolved"`
	// Fallback is set when the request matched nothing and the movement
	// actions were used.
	Fallback bool                      `json:"fallback"`
	Duration time.Duration             `json:"-"`
	Result   *bridge.ControlTestResult `json:"result,omitempty"`
	// NoResponse is set when the page never answered. Retrying is safe.
	NoResponse bool `json:"noResponse"`
}

// Tester resolves control requests and sends them to the running artifact.
type Tester struct {
	bridge      Bridge
	source      ActionSource
	projectPath string
	logger      logging.Logger
}

// NewTester creates a Tester for the project at projectPath.
func NewTester(b Bridge, source ActionSource, projectPath string, logger logging.Logger) *Tester {
	if source == nil {
		source = ProjectSource{}
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Tester{
		bridge:      b,
		source:      source,
		projectPath: projectPath,
		logger:      logger.WithComponent("controls"),
	}
}

// Actions returns the project's current action table.
func (t *Tester) Actions() (ActionTable, error) {
	return t.source.Actions(t.projectPath)
}

// Test resolves request and presses the resulting actions for duration in a
// single bridge round trip.
func (t *Tester) Test(ctx context.Context, request string, duration time.Duration) (*Report, error) {
	switch {
	case duration <= 0:
		duration = DefaultDuration
	case duration > MaxDuration:
		return nil, errors.NewValidationError(errors.ErrCodeInvalidRequest,
			"control test duration must not exceed "+MaxDuration.String())
	}

	table, err := t.Actions()
	if err != nil {
		return nil, err
	}

	resolved := Resolve(request, table)
	if len(resolved) == 0 {
		return nil, errors.NewValidationError(errors.ErrCodeInvalidRequest,
			"project declares no input actions to test")
	}

	report := &Report{
		Request:  request,
		Resolved: resolved,
		Fallback: !matchedAny(request, table),
		Duration: duration,
	}

	t.logger.Info(ctx, "Testing controls", "actions", resolved, "duration_ms", duration.Milliseconds())

	result, err := t.bridge.TestControls(ctx, resolved, duration)
	if err != nil {
		return nil, err
	}
	if result == nil {
		report.NoResponse = true
		t.logger.Warn(ctx, nil, "Control test got no response", "actions", resolved)
		return report, nil
	}
	report.Result = result
	return report, nil
}

func matchedAny(request string, table ActionTable) bool {
	for _, tok := range tokenize(request) {
		if len(matchToken(tok, table)) > 0 {
			return true
		}
	}
	return false
}
