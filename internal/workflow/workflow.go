// Package workflow runs a publish manifest end to end: create or update the
// model and version, upload files and images, publish, and link associated
// resources. Remote ids are kept in a local ledger so a manifest can be
// replayed after a failure without creating duplicates.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go-civitai-publisher/internal/database"
	"go-civitai-publisher/internal/errdefs"
	"go-civitai-publisher/internal/helpers"
	"go-civitai-publisher/internal/manifest"
	"go-civitai-publisher/internal/models"
	"go-civitai-publisher/internal/paths"
	"go-civitai-publisher/internal/publisher"

	log "github.com/sirupsen/logrus"
)

// Ledger persists the remote ids of each release. *database.DB implements it.
type Ledger interface {
	Get(identity string) (models.LedgerEntry, error)
	Put(entry models.LedgerEntry) error
	List() ([]models.LedgerEntry, error)
	RecordFile(f models.UploadedFile) error
	Files(versionID int) (map[string]models.UploadedFile, error)
	RecordImage(img models.UploadedImage) error
	Images(postID int) (map[string]models.UploadedImage, error)
}

// Workflow drives a Publisher from manifests.
type Workflow struct {
	pub    *publisher.Publisher
	ledger Ledger
	now    func() time.Time

	fileNamePattern string
	publishPost     bool
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithFileNamePattern sets the pattern for remote file names of files that
// have no explicit name in the manifest.
func WithFileNamePattern(pattern string) Option {
	return func(w *Workflow) {
		w.fileNamePattern = pattern
	}
}

// WithPostPublish publishes the image post along with the model even when the
// manifest does not ask for it.
func WithPostPublish(enabled bool) Option {
	return func(w *Workflow) {
		w.publishPost = enabled
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) {
		w.now = now
	}
}

// New creates a Workflow.
func New(pub *publisher.Publisher, ledger Ledger, opts ...Option) *Workflow {
	w := &Workflow{
		pub:             pub,
		ledger:          ledger,
		now:             time.Now,
		fileNamePattern: paths.DefaultFileNamePattern,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Report is what one run of a manifest did.
type Report struct {
	Publish  *models.PublishResult
	Images   *models.ImageUploadResult
	Identity string
	Model    models.Model
	Version  models.Version
	// Files has one entry per manifest file, reused ones included.
	Files []models.UploadedFile
	// Reused lists local paths whose content was already bound to the version.
	Reused       []string
	Associations []int
	Status       string
}

// Run applies m. Every step that succeeded is recorded in the ledger before
// the next one starts; a failing step marks the release as Error and returns.
func (w *Workflow) Run(ctx context.Context, m *manifest.Manifest) (Report, error) {
	key := m.Key()
	report := Report{Identity: key}

	entry, err := w.ledger.Get(key)
	switch {
	case errors.Is(err, database.ErrNotFound):
		entry = models.LedgerEntry{Identity: key, Status: models.LedgerStatusPending}
		log.Debugf("[Workflow] %s is new", key)
	case err != nil:
		return report, fmt.Errorf("reading ledger entry %s: %w", key, err)
	default:
		log.Debugf("[Workflow] %s known as model %d / version %d (%s)", key, entry.ModelID, entry.VersionID, entry.Status)
	}
	entry.ModelName = m.Model.Name
	entry.VersionName = m.Version.Name

	// A release that already went out keeps its status; the failure is only
	// noted so a replay does not try to publish it again.
	fail := func(step string, err error) (Report, error) {
		if entry.Status != models.LedgerStatusPublished && entry.Status != models.LedgerStatusScheduled {
			entry.Status = models.LedgerStatusError
		}
		entry.ErrorDetails = fmt.Sprintf("%s: %v", step, err)
		if perr := w.ledger.Put(entry); perr != nil {
			log.WithError(perr).Errorf("Could not record failure of %s", key)
		}
		report.Status = entry.Status
		return report, fmt.Errorf("%s %s: %w", step, key, err)
	}
	save := func() error {
		if err := w.ledger.Put(entry); err != nil {
			return fmt.Errorf("updating ledger entry %s: %w", key, err)
		}
		return nil
	}

	// Model
	modelFields, err := m.ModelFields()
	if err != nil {
		return fail("reading model", err)
	}
	modelID := pickID(m.Model.ID, entry.ModelID, "model", key)
	if modelID == 0 {
		if modelID, err = w.knownModel(key, m.Model.Name); err != nil {
			return fail("reading ledger", err)
		}
	}
	model, err := w.pub.UpsertModel(ctx, modelFields, modelID)
	if err != nil {
		return fail("upserting model", err)
	}
	report.Model = model
	if entry.ModelID != model.ID {
		entry.VersionID = 0
		entry.PostID = 0
	}
	entry.ModelID = model.ID
	if err := save(); err != nil {
		return report, err
	}

	// Version
	versionFields, err := m.VersionFields()
	if err != nil {
		return fail("reading version", err)
	}
	versionID := pickID(m.Version.ID, entry.VersionID, "version", key)
	version, err := w.pub.UpsertVersion(ctx, model.ID, versionFields, versionID)
	if err != nil {
		return fail("upserting version", err)
	}
	report.Version = version
	if entry.VersionID != version.ID {
		entry.PostID = 0
	}
	entry.VersionID = version.ID
	if err := save(); err != nil {
		return report, err
	}

	// Files
	files, reused, err := w.uploadFiles(ctx, m, model, version)
	report.Files, report.Reused = files, reused
	if err != nil {
		return fail("uploading files", err)
	}

	// Images
	if len(m.Images.Paths) > 0 {
		images, err := w.uploadImages(ctx, m, version.ID, &entry)
		report.Images = images
		if err != nil {
			return fail("uploading images", err)
		}
	}

	if entry.Status == models.LedgerStatusPending || entry.Status == models.LedgerStatusError {
		entry.Status = models.LedgerStatusUploaded
	}
	entry.ErrorDetails = ""
	if err := save(); err != nil {
		return report, err
	}

	// Publish
	if mode, at, ok := m.ShouldPublish(); ok {
		result, err := w.publish(ctx, &entry, mode, at, model.ID, version.ID)
		if err != nil {
			return fail("publishing", err)
		}
		report.Publish = result
		if err := save(); err != nil {
			return report, err
		}
		if result != nil && entry.PostID > 0 && (m.Publish.Post || w.publishPost) {
			if err := w.pub.PublishPost(ctx, entry.PostID, result.PublishAt); err != nil {
				return fail("publishing post", err)
			}
		}
	}

	// Associations
	if len(m.Associations) > 0 {
		if err := w.pub.SetAssociations(ctx, model.ID, m.Associations); err != nil {
			return fail("linking resources", err)
		}
		report.Associations = helpers.UniqueInts(m.Associations)
	}

	if err := save(); err != nil {
		return report, err
	}
	report.Status = entry.Status
	log.Infof("%s: model %d, version %d, %s", key, model.ID, version.ID, entry.Status)
	return report, nil
}

// pickID prefers the id written in the manifest over the one remembered in
// the ledger.
func pickID(manifestID, ledgerID int, kind, key string) int {
	if manifestID > 0 {
		if ledgerID > 0 && ledgerID != manifestID {
			log.Warnf("%s: manifest names %s %d but the ledger has %d, using the manifest", key, kind, manifestID, ledgerID)
		}
		return manifestID
	}
	return ledgerID
}

// uploadFiles uploads the manifest files that are not yet bound to the
// version. Content already recorded for the version is reused.
func (w *Workflow) uploadFiles(ctx context.Context, m *manifest.Manifest, model models.Model, version models.Version) ([]models.UploadedFile, []string, error) {
	specs := m.FileSpecs()
	if len(specs) == 0 {
		return nil, nil, nil
	}
	known, err := w.ledger.Files(version.ID)
	if err != nil {
		return nil, nil, err
	}

	results := make([]models.UploadedFile, len(specs))
	var (
		pending []models.FileSpec
		slots   []int
		reused  []string
	)
	for i, spec := range specs {
		if hash, err := helpers.HashFile(spec.Path); err == nil {
			if prev, ok := known[hash]; ok {
				prev.LocalPath = spec.Path
				results[i] = prev
				reused = append(reused, spec.Path)
				log.Infof("%s is already file %d of version %d, skipping", spec.Path, prev.RemoteID, version.ID)
				continue
			}
		}
		if spec.DisplayName == "" {
			data := paths.FileData(spec.Path, model.Name, version.Name, version.BaseModel, model.ID, version.ID)
			name, err := paths.GenerateDisplayName(w.fileNamePattern, data)
			if err != nil {
				return results, reused, errdefs.Validation("FileNamePattern", "%v", err)
			}
			spec.DisplayName = name
		}
		pending = append(pending, spec)
		slots = append(slots, i)
	}
	if len(pending) == 0 {
		return results, reused, nil
	}

	uploaded, uploadErr := w.pub.UploadFiles(ctx, version.ID, pending)
	for j, f := range uploaded {
		results[slots[j]] = f
		if f.Err != nil || f.RemoteID <= 0 {
			continue
		}
		if err := w.ledger.RecordFile(f); err != nil {
			log.WithError(err).Warnf("Could not record file %s", f.LocalPath)
		}
	}
	return results, reused, uploadErr
}

// knownModel returns the id of a model another ledger entry already created
// under the same name, so a new version of it does not create a second model.
func (w *Workflow) knownModel(key, modelName string) (int, error) {
	entries, err := w.ledger.List()
	if err != nil {
		return 0, err
	}
	want := helpers.ConvertToSlug(modelName)
	for _, e := range entries {
		if e.Identity == key || e.ModelID <= 0 || helpers.ConvertToSlug(e.ModelName) != want {
			continue
		}
		log.Infof("%s: using model %d created for %s", key, e.ModelID, e.Identity)
		return e.ModelID, nil
	}
	return 0, nil
}

// uploadImages posts the manifest images. Once a post exists, only the images
// not yet recorded as attached to it are sent again.
func (w *Workflow) uploadImages(ctx context.Context, m *manifest.Manifest, versionID int, entry *models.LedgerEntry) (*models.ImageUploadResult, error) {
	specs, err := m.ImageSpecs()
	if err != nil {
		return nil, err
	}
	hashes := make([]string, len(specs))
	for i, spec := range specs {
		if hashes[i], err = helpers.HashFile(spec.Path); err != nil {
			return nil, errdefs.Validation("images", "reading %s: %v", spec.Path, err)
		}
	}

	var (
		result  models.ImageUploadResult
		pending = specs
		slots   = make([]int, len(specs))
	)
	for i := range slots {
		slots[i] = i
	}
	if entry.PostID == 0 {
		result, err = w.pub.UploadImages(ctx, versionID, specs, m.Images.Tags, m.Images.Nsfw)
		if result.PostID > 0 {
			entry.PostID = result.PostID
		}
	} else {
		recorded, lerr := w.ledger.Images(entry.PostID)
		if lerr != nil {
			return nil, lerr
		}
		pending, slots = nil, nil
		for i, spec := range specs {
			if _, ok := recorded[hashes[i]]; ok {
				continue
			}
			pending = append(pending, spec)
			slots = append(slots, i)
		}
		if len(pending) == 0 {
			log.Infof("Images of %s are already on post %d, skipping", entry.Identity, entry.PostID)
			return nil, nil
		}
		log.Infof("Post %d of %s misses %d image(s), adding them", entry.PostID, entry.Identity, len(pending))
		result, err = w.pub.AddImages(ctx, versionID, entry.PostID, len(recorded), pending, m.Images.Nsfw)
	}

	for j := range result.Images {
		img := &result.Images[j]
		if img.Err != nil || img.PostID <= 0 || j >= len(slots) {
			continue
		}
		img.BLAKE3 = hashes[slots[j]]
		if rerr := w.ledger.RecordImage(*img); rerr != nil {
			log.WithError(rerr).Warnf("Could not record image %s", img.LocalPath)
		}
	}
	return &result, err
}

// publish applies the requested release unless the ledger already shows it.
func (w *Workflow) publish(ctx context.Context, entry *models.LedgerEntry, mode string, at *time.Time, modelID, versionID int) (*models.PublishResult, error) {
	if entry.Status == models.LedgerStatusPublished {
		log.Infof("%s is already published, skipping", entry.Identity)
		return nil, nil
	}
	if entry.Status == models.LedgerStatusScheduled && entry.PublishedAt != nil && at != nil && entry.PublishedAt.Equal(*at) {
		log.Infof("%s is already scheduled for %s, skipping", entry.Identity, at.Format(time.RFC3339))
		return nil, nil
	}

	var (
		result models.PublishResult
		err    error
	)
	switch mode {
	case manifest.PublishModel:
		result, err = w.pub.PublishModel(ctx, modelID, versionID, at)
	case manifest.PublishVersion:
		result, err = w.pub.PublishVersion(ctx, versionID, at)
	default:
		return nil, errdefs.Validation("publish.mode", "unknown mode %q", mode)
	}
	if err != nil {
		return nil, err
	}

	switch result.State {
	case models.StateScheduled:
		entry.Status = models.LedgerStatusScheduled
		entry.PublishedAt = result.PublishAt
	case models.StatePublished:
		entry.Status = models.LedgerStatusPublished
		now := w.now().UTC()
		entry.PublishedAt = &now
	}
	return &result, nil
}
