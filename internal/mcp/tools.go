// Package mcp exposes the preview pipeline as MCP tools so an agent can
// build, run and drive a project.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/shinyobjectz/tav/internal/bridge"
	"github.com/shinyobjectz/tav/internal/controls"
	"github.com/shinyobjectz/tav/internal/errors"
	"github.com/shinyobjectz/tav/internal/session"
)

// Controller is the session surface the tools drive. *session.Manager
// implements it.
type Controller interface {
	RequestPreview(ctx context.Context, projectPath string, force bool) (*session.PreviewResult, error)
	StopPreview(ctx context.Context, projectPath string) error
	ClearCache(projectPath string) error
	CaptureFrame(ctx context.Context, projectPath string) (*bridge.Frame, error)
	TestControls(ctx context.Context, projectPath, request string, duration time.Duration) (*controls.Report, error)
	CaptureNode(ctx context.Context, projectPath, nodeID string, opts bridge.NodeCaptureOptions) (*bridge.NodeCapture, error)
	GameState(ctx context.Context, projectPath string) (json.RawMessage, error)
	FindNode(ctx context.Context, projectPath, name string) (*bridge.NodeMatch, error)
	Controls(projectPath string) (controls.ActionTable, error)
	Status(projectPath string) (*session.Status, error)
	Sessions() []session.Status
}

var _ Controller = (*session.Manager)(nil)

const noResponseText = "The running game did not answer in time. It may still be loading; try again."

// NewServer creates an MCP server with every tool registered.
func NewServer(c Controller, version string) *server.MCPServer {
	s := server.NewMCPServer("tav", version, server.WithToolCapabilities(true))
	RegisterTools(s, c)
	return s
}

// RegisterTools adds the preview tools to s.
func RegisterTools(s *server.MCPServer, c Controller) {
	s.AddTool(requestPreviewTool(), requestPreviewHandler(c))
	s.AddTool(stopPreviewTool(), stopPreviewHandler(c))
	s.AddTool(clearCacheTool(), clearCacheHandler(c))
	s.AddTool(statusTool(), statusHandler(c))
	s.AddTool(listControlsTool(), listControlsHandler(c))
	s.AddTool(captureFrameTool(), captureFrameHandler(c))
	s.AddTool(testControlsTool(), testControlsHandler(c))
	s.AddTool(captureNodeTool(), captureNodeHandler(c))
	s.AddTool(findNodeTool(), findNodeHandler(c))
	s.AddTool(gameStateTool(), gameStateHandler(c))
}

func projectParam() mcp.ToolOption {
	return mcp.WithString("project",
		mcp.Description("Absolute path of the game project directory (the one holding project.godot)"),
		mcp.Required(),
	)
}

// --- request_preview ---

func requestPreviewTool() mcp.Tool {
	return mcp.NewTool("request_preview",
		mcp.WithDescription("Build the project for the web, or reuse the cached build when nothing changed, and serve it locally. Returns the preview URL."),
		projectParam(),
		mcp.WithBoolean("force",
			mcp.Description("Rebuild even if the project is unchanged"),
		),
	)
}

func requestPreviewHandler(c Controller) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		project := req.GetString("project", "")
		if project == "" {
			return toolError(fmt.Errorf("project is required"))
		}

		res, err := c.RequestPreview(ctx, project, req.GetBool("force", false))
		if err != nil {
			return toolError(err)
		}

		switch {
		case res.Deferred && res.Address != "":
			return mcp.NewToolResultText(fmt.Sprintf("A build is already running; a rebuild with your latest changes will follow. Current preview: %s", res.Address)), nil
		case res.Deferred:
			return mcp.NewToolResultText("A build is already running; a rebuild with your latest changes will follow. Check preview_status for the address."), nil
		case res.Cached:
			return mcp.NewToolResultText(fmt.Sprintf("Project unchanged, reused cached build. Preview: %s", res.Address)), nil
		default:
			return mcp.NewToolResultText(fmt.Sprintf("Build succeeded. Preview: %s", res.Address)), nil
		}
	}
}

// --- stop_preview ---

func stopPreviewTool() mcp.Tool {
	return mcp.NewTool("stop_preview",
		mcp.WithDescription("Stop serving the project's preview and stop watching its files. The build cache is kept."),
		projectParam(),
	)
}

func stopPreviewHandler(c Controller) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		project := req.GetString("project", "")
		if err := c.StopPreview(ctx, project); err != nil {
			return toolError(err)
		}
		return mcp.NewToolResultText("Preview stopped."), nil
	}
}

// --- clear_cache ---

func clearCacheTool() mcp.Tool {
	return mcp.NewTool("clear_cache",
		mcp.WithDescription("Forget the project's cached build so the next request_preview rebuilds from scratch."),
		projectParam(),
	)
}

func clearCacheHandler(c Controller) server.ToolHandlerFunc {
	return func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := c.ClearCache(req.GetString("project", "")); err != nil {
			return toolError(err)
		}
		return mcp.NewToolResultText("Build cache cleared."), nil
	}
}

// --- preview_status ---

func statusTool() mcp.Tool {
	return mcp.NewTool("preview_status",
		mcp.WithDescription("Report build state, preview address and bridge connection. Without a project, lists every open session."),
		mcp.WithString("project",
			mcp.Description("Project directory. Omit to list all sessions."),
		),
	)
}

func statusHandler(c Controller) server.ToolHandlerFunc {
	return func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		project := req.GetString("project", "")
		if project == "" {
			sessions := c.Sessions()
			if len(sessions) == 0 {
				return mcp.NewToolResultText("No open sessions."), nil
			}
			var sb strings.Builder
			for _, st := range sessions {
				sb.WriteString(formatStatus(st))
				sb.WriteByte('\n')
			}
			return mcp.NewToolResultText(sb.String()), nil
		}

		st, err := c.Status(project)
		if err != nil {
			return toolError(err)
		}
		return mcp.NewToolResultText(formatStatus(*st)), nil
	}
}

func formatStatus(st session.Status) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s  state=%s", st.ProjectID, st.Build.State)
	if st.Build.PendingRebuild {
		sb.WriteString(" (rebuild pending)")
	}
	if st.Preview != nil {
		fmt.Fprintf(&sb, "  preview=%s", st.Preview.URL())
	}
	fmt.Fprintf(&sb, "  bridge=%t  watching=%t", st.BridgeConnected, st.Watching)
	if st.Build.LastError != "" {
		fmt.Fprintf(&sb, "\n  last error: %s", st.Build.LastError)
	}
	return sb.String()
}

// --- list_controls ---

func listControlsTool() mcp.Tool {
	return mcp.NewTool("list_controls",
		mcp.WithDescription("List the input actions the game declares, with their keys and what they do."),
		projectParam(),
	)
}

func listControlsHandler(c Controller) server.ToolHandlerFunc {
	return func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		table, err := c.Controls(req.GetString("project", ""))
		if err != nil {
			return toolError(err)
		}
		if len(table) == 0 {
			return mcp.NewToolResultText("The project declares no input actions."), nil
		}
		var sb strings.Builder
		for _, a := range table {
			fmt.Fprintf(&sb, "%s  [%s]  %s\n", a.Name, strings.Join(a.Keys, ", "), a.Description)
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}

// --- capture_frame ---

func captureFrameTool() mcp.Tool {
	return mcp.NewTool("capture_frame",
		mcp.WithDescription("Take a screenshot of the running game."),
		projectParam(),
	)
}

func captureFrameHandler(c Controller) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		frame, err := c.CaptureFrame(ctx, req.GetString("project", ""))
		if err != nil {
			return toolError(err)
		}
		if frame == nil {
			return mcp.NewToolResultText(noResponseText), nil
		}

		content := []mcp.Content{
			mcp.NewTextContent(fmt.Sprintf("Frame %dx%d", frame.Width, frame.Height)),
		}
		if img, ok := imageContent(frame.Data); ok {
			content = append(content, img)
		}
		if len(frame.State) > 0 && string(frame.State) != "null" {
			content = append(content, mcp.NewTextContent("Game state: "+string(frame.State)))
		}
		return &mcp.CallToolResult{Content: content}, nil
	}
}

// --- test_controls ---

func testControlsTool() mcp.Tool {
	return mcp.NewTool("test_controls",
		mcp.WithDescription("Press game controls for a while and compare screenshots from before and after. Describe what to test in words (\"jump\", \"move left\") or name actions from list_controls."),
		projectParam(),
		mcp.WithString("request",
			mcp.Description("What to test, e.g. \"jump and move right\""),
		),
		mcp.WithArray("actions",
			mcp.Description("Exact action names to press"),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithNumber("duration_ms",
			mcp.Description("How long to hold the actions, in milliseconds (default 1000, max 30000)"),
		),
	)
}

func testControlsHandler(c Controller) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		request := req.GetString("request", "")
		if actions := req.GetStringSlice("actions", nil); len(actions) > 0 {
			request = strings.TrimSpace(request + " " + strings.Join(actions, " "))
		}
		duration := time.Duration(req.GetFloat("duration_ms", 0)) * time.Millisecond

		report, err := c.TestControls(ctx, req.GetString("project", ""), request, duration)
		if err != nil {
			return toolError(err)
		}
		if report.NoResponse || report.Result == nil {
			return mcp.NewToolResultText(fmt.Sprintf("Pressed %s. %s",
				strings.Join(report.Resolved, ", "), noResponseText)), nil
		}

		summary := fmt.Sprintf("Pressed %s for %dms.", strings.Join(report.Resolved, ", "), report.Result.DurationMS)
		if report.Fallback {
			summary += " Nothing in the request matched a declared action, so the movement actions were used."
		}
		if !report.Result.NativeBridgeUsed {
			summary += " Input was simulated with keyboard events."
		}

		content := []mcp.Content{mcp.NewTextContent(summary + " Before:")}
		if img, ok := imageContent(report.Result.Before); ok {
			content = append(content, img)
		}
		content = append(content, mcp.NewTextContent("After:"))
		if img, ok := imageContent(report.Result.After); ok {
			content = append(content, img)
		}
		if len(report.Result.StateAfter) > 0 && string(report.Result.StateAfter) != "null" {
			content = append(content, mcp.NewTextContent(fmt.Sprintf("State before: %s\nState after: %s",
				report.Result.StateBefore, report.Result.StateAfter)))
		}
		return &mcp.CallToolResult{Content: content}, nil
	}
}

// --- capture_node ---

func captureNodeTool() mcp.Tool {
	return mcp.NewTool("capture_node",
		mcp.WithDescription("Render one scene node from several camera angles. Needs the game's native bridge."),
		projectParam(),
		mcp.WithString("node_id",
			mcp.Description("Node path or name, e.g. Player"),
			mcp.Required(),
		),
		mcp.WithArray("angles",
			mcp.Description("Angles to render, e.g. front, side, top"),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithNumber("size",
			mcp.Description("Image size in pixels"),
		),
	)
}

func captureNodeHandler(c Controller) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		opts := bridge.NodeCaptureOptions{
			Angles: req.GetStringSlice("angles", nil),
			Size:   req.GetInt("size", 0),
		}
		capture, err := c.CaptureNode(ctx, req.GetString("project", ""), req.GetString("node_id", ""), opts)
		if err != nil {
			return toolError(err)
		}
		if capture == nil {
			return mcp.NewToolResultText(noResponseText), nil
		}

		content := []mcp.Content{
			mcp.NewTextContent(fmt.Sprintf("Captured %d angle(s)", len(capture.Captures))),
		}
		for _, angle := range sortedKeys(capture.Captures) {
			content = append(content, mcp.NewTextContent(angle+":"))
			if img, ok := imageContent(capture.Captures[angle]); ok {
				content = append(content, img)
			}
		}
		return &mcp.CallToolResult{Content: content}, nil
	}
}

// --- find_node ---

func findNodeTool() mcp.Tool {
	return mcp.NewTool("find_node",
		mcp.WithDescription("Look up a node in the running scene by name."),
		projectParam(),
		mcp.WithString("name",
			mcp.Description("Node name"),
			mcp.Required(),
		),
	)
}

func findNodeHandler(c Controller) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name := req.GetString("name", "")
		match, err := c.FindNode(ctx, req.GetString("project", ""), name)
		if err != nil {
			return toolError(err)
		}
		switch {
		case match == nil:
			return mcp.NewToolResultText(noResponseText), nil
		case !match.Found:
			return mcp.NewToolResultText(fmt.Sprintf("No node named %q.", name)), nil
		default:
			return mcp.NewToolResultText(fmt.Sprintf("%s (%s)", match.Path, match.Type)), nil
		}
	}
}

// --- get_game_state ---

func gameStateTool() mcp.Tool {
	return mcp.NewTool("get_game_state",
		mcp.WithDescription("Read the structured state the game reports through its bridge."),
		projectParam(),
	)
}

func gameStateHandler(c Controller) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		state, err := c.GameState(ctx, req.GetString("project", ""))
		if err != nil {
			return toolError(err)
		}
		if state == nil {
			return mcp.NewToolResultText(noResponseText), nil
		}
		return mcp.NewToolResultText(string(state)), nil
	}
}

func toolError(err error) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(errors.UserMessage(err)), nil
}

// imageContent turns a data: URL into image content.
func imageContent(dataURL string) (mcp.ImageContent, bool) {
	rest, ok := strings.CutPrefix(dataURL, "data:")
	if !ok {
		return mcp.ImageContent{}, false
	}
	meta, data, ok := strings.Cut(rest, ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return mcp.ImageContent{}, false
	}
	return mcp.NewImageContent(data, strings.TrimSuffix(meta, ";base64")), true
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
