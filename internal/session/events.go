package session

import (
	"context"
	"time"

	"github.com/shinyobjectz/tav/internal/build"
)

// Event types sent on the Changes stream.
const (
	EventFilesChanged   = "files-changed"
	EventBuild          = "build"
	EventPreviewStarted = "preview-started"
	EventPreviewStopped = "preview-stopped"
	EventBridge         = "bridge"
)

const subscriberBuffer = 64

// Event is one notification for controllers.
type Event struct {
	Type      string      `json:"type"`
	ProjectID string      `json:"projectId"`
	SessionID string      `json:"sessionId"`
	Paths     []string    `json:"paths,omitempty"`
	Build     *BuildEvent `json:"build,omitempty"`
	Address   string      `json:"address,omitempty"`
	Message   string      `json:"message,omitempty"`
	Time      time.Time   `json:"time"`
}

// BuildEvent summarises a finished build cycle.
type BuildEvent struct {
	Outcome      build.Outcome `json:"outcome"`
	Fingerprint  string        `json:"fingerprint,omitempty"`
	ArtifactPath string        `json:"artifactPath,omitempty"`
	Error        string        `json:"error,omitempty"`
	DurationMS   int64         `json:"durationMs"`
	FollowUp     bool          `json:"followUp"`
}

func newBuildEvent(r build.BuildResult) *BuildEvent {
	ev := &BuildEvent{
		Outcome:      r.Outcome,
		Fingerprint:  r.Fingerprint.String(),
		ArtifactPath: r.ArtifactPath,
		DurationMS:   r.Duration.Milliseconds(),
		FollowUp:     r.FollowUp,
	}
	if r.Error != nil {
		ev.Error = r.Error.Error()
	}
	return ev
}

// Changes streams events until ctx is done. A subscriber that falls behind
// misses events rather than stalling the pipeline.
func (m *Manager) Changes(ctx context.Context) <-chan Event {
	ch := make(chan Event, subscriberBuffer)

	m.subMu.Lock()
	m.subscribers[ch] = struct{}{}
	m.subMu.Unlock()

	go func() {
		<-ctx.Done()
		m.subMu.Lock()
		delete(m.subscribers, ch)
		close(ch)
		m.subMu.Unlock()
	}()

	return ch
}

func (m *Manager) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subscribers {
		select {
		case ch <- ev:
		default:
			m.logger.Warn(context.Background(), nil, "Dropping event for slow subscriber", "type", ev.Type)
		}
	}
}
