package preview

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"io"

	"github.com/a-h/templ"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// BridgePath is where the page helper connects back to tav.
const BridgePath = "/__tav/bridge"

//go:embed assets/helper.js
var helperScript string

// HelperVersion identifies the injected helper. It salts build fingerprints
// so a helper change invalidates cached artifacts.
const HelperVersion = "tav-helper/3"

// HelperConfig is handed to the page helper as JSON.
type HelperConfig struct {
	Version        string            `json:"version"`
	SessionID      string            `json:"sessionId"`
	BridgePath     string            `json:"bridgePath"`
	CaptureTimeout int64             `json:"captureTimeout"`
	ActionKeys     map[string]string `json:"actionKeys"`
}

// DefaultActionKeys are the keys simulated when the game has no native
// input bridge.
func DefaultActionKeys() map[string]string {
	return map[string]string{
		"move_left":    "a",
		"move_right":   "d",
		"move_up":      "w",
		"move_down":    "s",
		"move_forward": "w",
		"move_back":    "s",
		"jump":         " ",
		"attack":       "mouse1",
		"interact":     "e",
	}
}

// helperMarkup renders the config block followed by the helper script.
func helperMarkup(cfg HelperConfig) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if err := templ.JSONScript("tav-config", cfg).Render(ctx, w); err != nil {
			return err
		}
		if _, err := io.WriteString(w, `<script data-tav-helper="`+templ.EscapeString(cfg.Version)+`">`); err != nil {
			return err
		}
		if err := templ.Raw(helperScript).Render(ctx, w); err != nil {
			return err
		}
		_, err := io.WriteString(w, "</script>")
		return err
	})
}

// InjectHelper returns index with the helper inserted at the start of
// <head>. A document that already carries the helper is returned as is.
func InjectHelper(ctx context.Context, index []byte, cfg HelperConfig) ([]byte, error) {
	doc, err := html.Parse(bytes.NewReader(index))
	if err != nil {
		return nil, fmt.Errorf("parse index.html: %w", err)
	}

	head := findElement(doc, atom.Head)
	if head == nil {
		return nil, fmt.Errorf("index.html has no head element")
	}
	if hasHelper(head) {
		return index, nil
	}

	var markup bytes.Buffer
	if err := helperMarkup(cfg).Render(ctx, &markup); err != nil {
		return nil, fmt.Errorf("render helper: %w", err)
	}
	nodes, err := html.ParseFragment(&markup, head)
	if err != nil {
		return nil, fmt.Errorf("parse helper: %w", err)
	}

	first := head.FirstChild
	for _, n := range nodes {
		head.InsertBefore(n, first)
	}

	var out bytes.Buffer
	if err := html.Render(&out, doc); err != nil {
		return nil, fmt.Errorf("render index.html: %w", err)
	}
	return out.Bytes(), nil
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}

func hasHelper(head *html.Node) bool {
	for c := head.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || c.DataAtom != atom.Script {
			continue
		}
		for _, attr := range c.Attr {
			if attr.Key == "data-tav-helper" || (attr.Key == "id" && attr.Val == "tav-config") {
				return true
			}
		}
	}
	return false
}
