package publisher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"go-civitai-publisher/internal/errdefs"
	"go-civitai-publisher/internal/helpers"
	"go-civitai-publisher/internal/models"
	"go-civitai-publisher/internal/testsupport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingTracker records the bytes reported per path.
type countingTracker struct {
	counters map[string]*helpers.CounterWriter
}

func (c *countingTracker) Track(path string, size int64) io.Writer {
	return c.counters[path]
}

func TestUploadFiles_PreservesOrder(t *testing.T) {
	dir := t.TempDir()
	first := writeFile(t, dir, "hero.safetensors", bytes.Repeat([]byte("a"), 4096))
	second := writeFile(t, dir, "hero-pruned.safetensors", bytes.Repeat([]byte("b"), 2048))
	tracker := &countingTracker{counters: map[string]*helpers.CounterWriter{first: {}, second: {}}}

	p, platform := newTestPublisher(t, WithProgress(tracker))
	_, version := seedVersion(t, p)

	results, err := p.UploadFiles(context.Background(), version.ID, []models.FileSpec{
		{Path: first, DisplayName: "Hero.safetensors"},
		{Path: second},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, first, results[0].LocalPath)
	assert.Equal(t, "Hero.safetensors", results[0].DisplayName)
	assert.Equal(t, second, results[1].LocalPath)
	assert.Equal(t, "hero-pruned.safetensors", results[1].DisplayName)
	assert.NotEqual(t, results[0].RemoteID, results[1].RemoteID)
	assert.InDelta(t, 4.0, results[0].SizeKB, 0.001)
	assert.EqualValues(t, 4096, tracker.counters[first].Total())
	assert.EqualValues(t, 2048, tracker.counters[second].Total())

	for _, r := range results {
		assert.Positive(t, r.RemoteID)
		assert.NoError(t, r.Err)
		assert.Equal(t, version.ID, r.VersionID)
		assert.NotContains(t, r.URL, "?", "the stored url must not carry the signature")
		want, err := helpers.HashFile(r.LocalPath)
		require.NoError(t, err)
		assert.Equal(t, want, r.BLAKE3)
	}

	files := platform.FilesOf(version.ID)
	require.Len(t, files, 2)
	for _, f := range files {
		assert.NotEmpty(t, platform.Objects[f.Key])
	}
}

func TestUploadFiles_StreamsSeveralParts(t *testing.T) {
	p, platform := newTestPublisher(t)
	platform.PartSize = 10
	_, version := seedVersion(t, p)
	data := []byte("0123456789abcdefghijklmnopqrstuvwxy")
	path := writeFile(t, t.TempDir(), "small.pt", data)

	results, err := p.UploadFiles(context.Background(), version.ID, []models.FileSpec{{Path: path}})
	require.NoError(t, err)
	assert.Equal(t, 4, platform.CallCount("s3.put"))

	files := platform.FilesOf(version.ID)
	require.Len(t, files, 1)
	assert.Equal(t, data, platform.Objects[files[0].Key])
	assert.Equal(t, files[0].ID, results[0].RemoteID)
}

func TestUploadFiles_FailureIsPerFile(t *testing.T) {
	p, platform := newTestPublisher(t)
	_, version := seedVersion(t, p)
	dir := t.TempDir()
	good := writeFile(t, dir, "good.safetensors", []byte("good weights"))
	bad := writeFile(t, dir, "bad.safetensors", []byte("bad weights"))
	platform.FailTransfer["bad.safetensors"] = http.StatusInternalServerError

	results, err := p.UploadFiles(context.Background(), version.ID, []models.FileSpec{{Path: good}, {Path: bad}})
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrUpload)
	require.Len(t, results, 2)

	assert.NoError(t, results[0].Err)
	assert.Positive(t, results[0].RemoteID)

	var upErr *errdefs.UploadError
	require.True(t, errors.As(results[1].Err, &upErr))
	assert.Equal(t, errdefs.StageTransfer, upErr.Stage)
	assert.Equal(t, bad, upErr.Path)
	assert.False(t, upErr.Timeout)
	assert.True(t, errdefs.Retryable(results[1].Err))
	assert.Zero(t, results[1].RemoteID)

	assert.Len(t, platform.FilesOf(version.ID), 1, "the good file stays attached")
	assert.Len(t, platform.Aborted(), 1, "the failed slot is released")
}

func TestUploadFiles_Stages(t *testing.T) {
	tests := []struct {
		name  string
		setup func(p *testsupport.Platform)
		stage errdefs.Stage
	}{
		{name: "slot refused", setup: func(p *testsupport.Platform) { p.FailSlot["model.bin"] = http.StatusServiceUnavailable }, stage: errdefs.StageSlot},
		{name: "completion refused", setup: func(p *testsupport.Platform) { p.FailConfirm["model.bin"] = http.StatusBadRequest }, stage: errdefs.StageConfirm},
		{name: "no file id", setup: func(p *testsupport.Platform) { p.OmitFileID = true }, stage: errdefs.StageConfirm},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, platform := newTestPublisher(t)
			_, version := seedVersion(t, p)
			tt.setup(platform)
			path := writeFile(t, t.TempDir(), "model.bin", []byte("weights"))

			results, err := p.UploadFiles(context.Background(), version.ID, []models.FileSpec{{Path: path}})
			require.Error(t, err)
			var upErr *errdefs.UploadError
			require.True(t, errors.As(results[0].Err, &upErr))
			assert.Equal(t, tt.stage, upErr.Stage)
			assert.Zero(t, results[0].RemoteID)
			assert.Empty(t, platform.FilesOf(version.ID))
		})
	}
}

func TestUploadFiles_TransferTimeout(t *testing.T) {
	p, platform := newTestPublisher(t, WithTransferTimeout(50*time.Millisecond))
	platform.TransferDelay = 2 * time.Second
	_, version := seedVersion(t, p)
	path := writeFile(t, t.TempDir(), "slow.safetensors", []byte("weights"))

	results, err := p.UploadFiles(context.Background(), version.ID, []models.FileSpec{{Path: path}})
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrTimeout)

	var upErr *errdefs.UploadError
	require.True(t, errors.As(results[0].Err, &upErr))
	assert.Equal(t, errdefs.StageTransfer, upErr.Stage)
	assert.True(t, upErr.Timeout)
	assert.True(t, errdefs.Retryable(upErr))
}

func TestUploadFiles_LocalErrors(t *testing.T) {
	p, platform := newTestPublisher(t)

	_, err := p.UploadFiles(context.Background(), 0, []models.FileSpec{{Path: "x"}})
	assert.ErrorIs(t, err, errdefs.ErrValidation)

	results, err := p.UploadFiles(context.Background(), 900, []models.FileSpec{{Path: t.TempDir() + "/missing.bin"}})
	require.Error(t, err)
	assert.ErrorIs(t, results[0].Err, errdefs.ErrValidation)
	assert.True(t, strings.Contains(results[0].Err.Error(), "slot stage"))
	assert.Zero(t, platform.CallCount("upload.slot"))
}

func TestStripQuery(t *testing.T) {
	assert.Equal(t, "https://s3.example.com/bucket/key", stripQuery("https://s3.example.com/bucket/key?X-Amz-Signature=abc#frag"))
}
