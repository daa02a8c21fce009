// Package publisher implements the publishing pipeline: create-or-update of
// models and versions, file and image uploads, and the publish state machine.
package publisher

import (
	"io"
	"time"

	"go-civitai-publisher/internal/api"
	"go-civitai-publisher/internal/models"
	"go-civitai-publisher/internal/transfer"
)

// ProgressTracker is handed every byte of a file while it is uploaded.
type ProgressTracker interface {
	Track(path string, size int64) io.Writer
}

// Publisher drives the pipeline on behalf of the session behind client.
// It is safe for concurrent use.
type Publisher struct {
	client   *api.Client
	uploader *transfer.Uploader
	progress ProgressTracker
	now      func() time.Time

	defaultBaseModel string
	fileConcurrency  int
	imageConcurrency int
	transferTimeout  time.Duration
	skipBlurhash     bool
	tagSearchPages   int
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithProgress reports upload progress to t.
func WithProgress(t ProgressTracker) Option {
	return func(p *Publisher) {
		p.progress = t
	}
}

// WithClock replaces time.Now, for scheduling decisions.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		p.now = now
	}
}

// WithDefaultBaseModel sets the base model used when a version leaves it empty.
func WithDefaultBaseModel(name string) Option {
	return func(p *Publisher) {
		p.defaultBaseModel = name
	}
}

// WithConcurrency bounds parallel file and image uploads.
func WithConcurrency(files, images int) Option {
	return func(p *Publisher) {
		if files > 0 {
			p.fileConcurrency = files
		}
		if images > 0 {
			p.imageConcurrency = images
		}
	}
}

// WithTransferTimeout bounds the byte transfer of each file. Zero disables it.
func WithTransferTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		p.transferTimeout = d
	}
}

// WithoutBlurhash skips the placeholder hash for version images.
func WithoutBlurhash() Option {
	return func(p *Publisher) {
		p.skipBlurhash = true
	}
}

// New creates a Publisher. Byte transfers go through uploader, everything else
// through client.
func New(client *api.Client, uploader *transfer.Uploader, opts ...Option) *Publisher {
	if uploader == nil {
		uploader = transfer.NewUploader(nil)
	}
	p := &Publisher{
		client:           client,
		uploader:         uploader,
		now:              time.Now,
		fileConcurrency:  2,
		imageConcurrency: 4,
		tagSearchPages:   5,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Publisher) track(path string, size int64) io.Writer {
	if p.progress == nil {
		return nil
	}
	return p.progress.Track(path, size)
}

// OptionsFromConfig translates the upload and publish settings of cfg.
func OptionsFromConfig(cfg models.Config) []Option {
	opts := []Option{
		WithDefaultBaseModel(cfg.Publish.DefaultBaseModel),
		WithConcurrency(cfg.Upload.Concurrency, cfg.Upload.ImageConcurrency),
		WithTransferTimeout(time.Duration(cfg.Upload.TransferTimeoutSec) * time.Second),
	}
	if cfg.Upload.SkipBlurhash {
		opts = append(opts, WithoutBlurhash())
	}
	return opts
}
