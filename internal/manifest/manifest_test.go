package manifest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go-civitai-publisher/internal/errdefs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullManifest = `
associations = [101, 102]

[model]
name = "Pixel Hero"
description_file = "README.md"
type = "LORA"
tags = ["anime", "pixel art"]
commercial_use = ["Image"]
allow_derivatives = false
nsfw = false

[version]
name = "v1.0"
description = "First release"
base_model = "SDXL 1.0"
vae = "sdxl-vae"
trigger_words = ["pixhero"]
resources = [7]
epochs = 12
clip_skip = 1
early_access_days = 3

[[files]]
path = "out/hero.safetensors"
name = "PixelHero_v1.safetensors"

[[files]]
path = "/abs/hero.pt"
type = "Training Data"

[images]
paths = ["samples/*.png"]
tags = ["anime"]
nsfw = true

[publish]
mode = "model"
at = 2030-01-02T03:04:05Z
post = true
`

func writeManifest(t *testing.T, content string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "publish.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return dir, path
}

func TestLoad_FullManifest(t *testing.T) {
	dir, path := writeManifest(t, fullManifest)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Pixel Hero"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "samples"), 0o755))
	for _, name := range []string{"b.png", "a.png"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "samples", name), []byte("png"), 0o644))
	}

	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "pixel_hero/v1.0", m.Key())
	assert.Equal(t, []int{101, 102}, m.Associations)

	fields, err := m.ModelFields()
	require.NoError(t, err)
	assert.Equal(t, "Pixel Hero", fields.Name)
	assert.Equal(t, "# Pixel Hero", fields.Description)
	assert.True(t, fields.DisallowDerivatives)
	assert.False(t, fields.DisallowNoCredit, "unset licence switches stay allowed")
	assert.Equal(t, []string{"Image"}, fields.CommercialUse)

	version, err := m.VersionFields()
	require.NoError(t, err)
	assert.Equal(t, "SDXL 1.0", version.BaseModel)
	assert.Equal(t, "sdxl-vae", version.VAEName)
	require.NotNil(t, version.Epochs)
	assert.Equal(t, 12, *version.Epochs)
	assert.Nil(t, version.Steps)
	assert.Equal(t, 3, version.EarlyAccess)

	files := m.FileSpecs()
	require.Len(t, files, 2)
	assert.Equal(t, filepath.Join(dir, "out", "hero.safetensors"), files[0].Path)
	assert.Equal(t, "PixelHero_v1.safetensors", files[0].DisplayName)
	assert.Equal(t, "/abs/hero.pt", files[1].Path)
	assert.Equal(t, "Training Data", files[1].Type)

	images, err := m.ImageSpecs()
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, filepath.Join(dir, "samples", "a.png"), images[0].Path)

	mode, at, ok := m.ShouldPublish()
	assert.True(t, ok)
	assert.Equal(t, PublishModel, mode)
	require.NotNil(t, at)
	assert.True(t, at.Equal(time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)))
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte(`
[model]
name = "x"
licence = "mit"

[version]
name = "v1"
bogus = 1
`), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrValidation)
	assert.Contains(t, err.Error(), "model.licence")
	assert.Contains(t, err.Error(), "version.bogus")
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "syntax", input: `[model`, want: "invalid TOML"},
		{name: "version without model", input: "[version]\nid = 4", want: "version.id"},
		{name: "two descriptions", input: "[model]\ndescription = \"a\"\ndescription_file = \"b\"", want: "model.description"},
		{name: "file without path", input: "[[files]]\nname = \"x\"", want: "files"},
		{name: "bad mode", input: "[publish]\nmode = \"everything\"", want: "publish.mode"},
		{name: "missing mode", input: "[publish]\npost = true", want: "publish.mode"},
		{name: "bad association", input: "associations = [0]", want: "associations"},
		{name: "wrong type", input: "[model]\ntags = \"anime\"", want: "invalid TOML"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.input), "")
			require.Error(t, err)
			assert.ErrorIs(t, err, errdefs.ErrValidation)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPublishDisabled(t *testing.T) {
	m, err := Parse([]byte("identity = \"hero-v1\"\n[publish]\nenabled = false"), "")
	require.NoError(t, err)
	_, _, ok := m.ShouldPublish()
	assert.False(t, ok)
	assert.Equal(t, "hero-v1", m.Key())

	m, err = Parse([]byte(""), "")
	require.NoError(t, err)
	_, _, ok = m.ShouldPublish()
	assert.False(t, ok)
}

func TestImageSpecs_EmptyPattern(t *testing.T) {
	m, err := Parse([]byte("[images]\npaths = [\"missing/*.png\", \"cover.png\"]"), t.TempDir())
	require.NoError(t, err)
	_, err = m.ImageSpecs()
	assert.ErrorIs(t, err, errdefs.ErrValidation)
}

func TestDescriptionFileMissing(t *testing.T) {
	m, err := Parse([]byte("[model]\nname = \"x\"\ndescription_file = \"nope.md\""), t.TempDir())
	require.NoError(t, err)
	_, err = m.ModelFields()
	assert.ErrorIs(t, err, errdefs.ErrValidation)
}
