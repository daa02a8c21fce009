package cmd

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"go-civitai-publisher/internal/testsupport"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// env is one CLI invocation context against a fake platform.
type env struct {
	platform *testsupport.Platform
	dir      string
	global   []string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	p := testsupport.NewPlatform(t)
	dir := t.TempDir()

	sessionPath := filepath.Join(dir, "session.json")
	require.NoError(t, os.WriteFile(sessionPath, p.SessionJSON(), 0o600))
	configPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte("LogLevel = \"warn\"\n"), 0o644))

	return &env{
		platform: p,
		dir:      dir,
		global: []string{
			"--config", configPath,
			"--base-url", p.URL(),
			"--session", sessionPath,
			"--ledger", filepath.Join(dir, "ledger.db"),
			"--api-delay", "0",
			"--retry-delay", "1",
		},
	}
}

// resetFlags returns every flag to its default so runs do not leak into each other.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(append(append([]string(nil), args...), e.global...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (e *env) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (e *env) writePNG(t *testing.T, name string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 5, 3))
	for x := 0; x < 5; x++ {
		for y := 0; y < 3; y++ {
			img.Set(x, y, color.RGBA{R: uint8(50 * x), G: uint8(80 * y), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	e.write(t, name, buf.String())
}

const testManifest = `
[model]
name = "Pixel Hero"
tags = ["anime", "pixel art"]

[version]
name = "v1"

[[files]]
path = "hero.safetensors"

[images]
paths = ["samples/*.png"]
`

func (e *env) manifest(t *testing.T, extra string) string {
	t.Helper()
	e.write(t, "hero.safetensors", "weights")
	e.writePNG(t, "samples/a.png")
	return e.write(t, "release.toml", testManifest+extra)
}

func TestPublishCommand(t *testing.T) {
	e := newEnv(t)
	path := e.manifest(t, "\n[publish]\nmode = \"model\"\n")

	out, err := e.run(t, "publish", path)
	require.NoError(t, err, out)
	assert.Contains(t, out, "pixel_hero/v1")
	assert.Contains(t, out, "hero.safetensors")
	assert.Equal(t, 1, e.platform.ModelCount())
	model, ok := e.platform.Model(testsupport.FirstModelID)
	require.True(t, ok)
	assert.Equal(t, "Published", model.Status)

	// A second run finds everything in the ledger.
	out, err = e.run(t, "publish", path)
	require.NoError(t, err, out)
	assert.Contains(t, out, "already present")
	assert.Equal(t, 1, e.platform.CallCount("model.publish"))

	out, err = e.run(t, "ledger", "list")
	require.NoError(t, err, out)
	assert.Contains(t, out, "pixel_hero/v1")
	assert.Contains(t, out, "Published")

	out, err = e.run(t, "ledger", "show", "pixel_hero/v1")
	require.NoError(t, err, out)
	assert.Contains(t, out, strconv.Itoa(testsupport.FirstVersionID))
	assert.Contains(t, out, "hero.safetensors")

	out, err = e.run(t, "ledger", "forget", "pixel_hero/v1")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Forgot pixel_hero/v1")

	_, err = e.run(t, "ledger", "show", "pixel_hero/v1")
	assert.Error(t, err)
}

func TestPublishCommandRejectsBadManifest(t *testing.T) {
	e := newEnv(t)
	path := e.write(t, "bad.toml", "[model]\nname = \"x\"\ncolour = \"red\"\n")

	_, err := e.run(t, "publish", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "colour")
	assert.Empty(t, e.platform.Calls(), "nothing is sent for an invalid manifest")
}

func TestReleaseAndAssociateCommands(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "publish", e.manifest(t, ""))
	require.NoError(t, err, out)

	modelID := strconv.Itoa(testsupport.FirstModelID)
	versionID := strconv.Itoa(testsupport.FirstVersionID)

	out, err = e.run(t, "list", "drafts")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Pixel Hero")

	out, err = e.run(t, "release", "model", modelID, versionID, "--at", "48h")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Model "+modelID+" scheduled for")

	out, err = e.run(t, "release", "status", modelID)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Scheduled")

	out, err = e.run(t, "associate", modelID, "11", "12", "11")
	require.NoError(t, err, out)
	assert.Contains(t, out, "[11 12]")
	assert.Equal(t, []int{11, 12}, e.platform.AssociationsOf(testsupport.FirstModelID))

	_, err = e.run(t, "associate", modelID)
	assert.Error(t, err, "an empty list needs --clear")

	_, err = e.run(t, "release", "version", "abc")
	assert.Error(t, err)
}

func TestListCommands(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "list", "tags", "pix")
	require.NoError(t, err, out)
	assert.Contains(t, out, "pixel art")
	assert.NotContains(t, out, "sci-fi")

	out, err = e.run(t, "list", "vaes")
	require.NoError(t, err, out)
	assert.Contains(t, out, "kl-f8-anime2")
}

func TestSessionCommands(t *testing.T) {
	e := newEnv(t)
	imported := filepath.Join(e.dir, "imported.json")
	header := "next-auth.session-token=" + testsupport.SessionToken + "; next-auth.csrf-token=" + testsupport.CSRFToken + "%7Chash"

	out, err := e.run(t, "session", "import", header, "-o", imported)
	require.NoError(t, err, out)
	assert.FileExists(t, imported)

	out, err = e.run(t, "session", "check")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Logged in as "+testsupport.Username)

	out, err = e.run(t, "session", "show")
	require.NoError(t, err, out)
	assert.Contains(t, out, "next-auth.session-token")
	assert.NotContains(t, out, testsupport.SessionToken)

	_, err = e.run(t, "session", "import", "theme=dark")
	assert.Error(t, err, "a header without a session cookie is rejected")
}

func TestDebugCommands(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "debug", "show-config", "--toml", "--concurrency", "7")
	require.NoError(t, err, out)
	assert.Contains(t, out, "BaseURL = \""+e.platform.URL()+"\"")
	assert.Contains(t, out, "Concurrency = 7")

	out, err = e.run(t, "debug", "show-config")
	require.NoError(t, err, out)
	assert.Contains(t, out, "\"LogLevel\": \"warn\"")

	out, err = e.run(t, "debug", "manifest", e.manifest(t, ""))
	require.NoError(t, err, out)
	assert.Contains(t, out, "\"identity\": \"pixel_hero/v1\"")
	assert.Contains(t, out, "SD 1.5", "the default base model is filled in")
	assert.Empty(t, e.platform.Calls())
}
