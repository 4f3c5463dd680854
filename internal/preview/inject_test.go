package preview

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exportedIndex = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Demo</title>
<script src="index.js"></script>
</head>
<body><canvas id="canvas"></canvas></body>
</html>`

func testHelperConfig() HelperConfig {
	return HelperConfig{
		Version:    HelperVersion,
		SessionID:  "session-1",
		BridgePath: BridgePath,
		ActionKeys: DefaultActionKeys(),
	}
}

func TestInjectHelper(t *testing.T) {
	out, err := InjectHelper(context.Background(), []byte(exportedIndex), testHelperConfig())
	require.NoError(t, err)

	doc := string(out)
	assert.Contains(t, doc, `id="tav-config"`)
	assert.Contains(t, doc, `"sessionId":"session-1"`)
	assert.Contains(t, doc, `data-tav-helper="`+HelperVersion+`"`)
	assert.Contains(t, doc, "/__tav/bridge")
	assert.Contains(t, doc, `<canvas id="canvas">`)

	helperAt := strings.Index(doc, "tav-config")
	gameAt := strings.Index(doc, `src="index.js"`)
	assert.Less(t, helperAt, gameAt, "helper loads before the game script")
}

func TestInjectHelperOnce(t *testing.T) {
	once, err := InjectHelper(context.Background(), []byte(exportedIndex), testHelperConfig())
	require.NoError(t, err)

	twice, err := InjectHelper(context.Background(), once, testHelperConfig())
	require.NoError(t, err)

	assert.Equal(t, string(once), string(twice))
	assert.Equal(t, 1, strings.Count(string(twice), `id="tav-config"`))
}

func TestInjectHelperBareDocument(t *testing.T) {
	out, err := InjectHelper(context.Background(), []byte("<canvas></canvas>"), testHelperConfig())
	require.NoError(t, err)
	assert.Contains(t, string(out), "<head>")
	assert.Contains(t, string(out), `id="tav-config"`)
}

func TestContentType(t *testing.T) {
	testCases := map[string]string{
		"index.wasm":  "application/wasm",
		"index.pck":   "application/octet-stream",
		"index.js":    "text/javascript; charset=utf-8",
		"ICON.PNG":    "image/png",
		"unknown.xyz": "",
	}
	for name, expected := range testCases {
		assert.Equal(t, expected, ContentType(name), name)
	}
}
