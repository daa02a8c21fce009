package publisher

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"go-civitai-publisher/internal/api"
	"go-civitai-publisher/internal/models"
	"go-civitai-publisher/internal/testsupport"
	"go-civitai-publisher/internal/transfer"

	"github.com/stretchr/testify/require"
)

func newTestPublisher(t *testing.T, opts ...Option) (*Publisher, *testsupport.Platform) {
	t.Helper()
	platform := testsupport.NewPlatform(t)
	client := api.NewClient(platform.NewStore(t), nil, models.Config{BaseURL: platform.URL(), MaxRetries: 1, InitialRetryDelayMs: 1})
	opts = append([]Option{WithDefaultBaseModel("SD 1.5")}, opts...)
	return New(client, transfer.NewUploader(nil), opts...), platform
}

// seedVersion creates a model and one draft version through the publisher.
func seedVersion(t *testing.T, p *Publisher) (models.Model, models.Version) {
	t.Helper()
	ctx := context.Background()
	model, err := p.UpsertModel(ctx, models.ModelFields{Name: "Pixel Hero", Tags: []string{"anime"}}, 0)
	require.NoError(t, err)
	version, err := p.UpsertVersion(ctx, model.ID, models.VersionFields{Name: "v1"}, 0)
	require.NoError(t, err)
	return model, version
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func writePNG(t *testing.T, dir, name string, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 4), B: 128, A: 255})
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
	return path
}
