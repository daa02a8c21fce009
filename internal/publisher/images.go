package publisher

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"time"

	"go-civitai-publisher/internal/errdefs"
	"go-civitai-publisher/internal/helpers"
	"go-civitai-publisher/internal/models"

	"github.com/buckket/go-blurhash"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"
)

// blurhashSize is the longest edge of the thumbnail the placeholder hash is
// computed from.
const blurhashSize = 32

type imageSlotRequest struct {
	Metadata map[string]any `json:"metadata"`
	Filename string         `json:"filename"`
}

type postCreateInput struct {
	ModelVersionID int  `json:"modelVersionId"`
	Authed         bool `json:"authed"`
}

type postAddImageInput struct {
	Meta           map[string]any `json:"meta"`
	Type           string         `json:"type"`
	UUID           string         `json:"uuid"`
	Name           string         `json:"name"`
	URL            string         `json:"url"`
	MimeType       string         `json:"mimeType"`
	Hash           string         `json:"hash,omitempty"`
	Status         string         `json:"status"`
	Index          int            `json:"index"`
	Width          int            `json:"width"`
	Height         int            `json:"height"`
	PostID         int            `json:"postId"`
	ModelVersionID int            `json:"modelVersionId"`
	Authed         bool           `json:"authed"`
}

type postAddTagInput struct {
	TagID  *int   `json:"tagId,omitempty"`
	Name   string `json:"name"`
	ID     int    `json:"id"`
	Authed bool   `json:"authed"`
}

type postUpdateInput struct {
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
	Nsfw        *bool      `json:"nsfw,omitempty"`
	ID          int        `json:"id"`
	Authed      bool       `json:"authed"`
}

// UploadImage stores one image on the platform without attaching it to a
// post, e.g. for embedding into a description.
func (p *Publisher) UploadImage(ctx context.Context, path string) (models.UploadedImage, error) {
	img := p.storeImage(ctx, models.ImageSpec{Path: path}, false)
	return img, img.Err
}

// UploadImages creates a post for versionID and attaches the images in input
// order. Tags are best effort: a tag the platform refuses is logged and
// skipped. Per-image failures are reported on the entries and aggregated in
// the returned error.
func (p *Publisher) UploadImages(ctx context.Context, versionID int, images []models.ImageSpec, tags []string, nsfw bool) (models.ImageUploadResult, error) {
	if versionID <= 0 {
		return models.ImageUploadResult{}, errdefs.Validation("versionId", "images need an existing version, got %d", versionID)
	}
	if len(images) == 0 {
		return models.ImageUploadResult{}, errdefs.Validation("images", "at least one image is required")
	}

	var post struct {
		ID int `json:"id"`
	}
	if err := p.client.Mutate(ctx, "post.create", postCreateInput{ModelVersionID: versionID, Authed: true}, &post); err != nil {
		return models.ImageUploadResult{}, fmt.Errorf("creating post for version %d: %w", versionID, err)
	}
	log.Infof("Created post %d for version %d, uploading %d image(s)", post.ID, versionID, len(images))

	result, merr := p.attachImages(ctx, versionID, post.ID, 0, images, nsfw)
	applied := p.tagPost(ctx, post.ID, tags)
	for i := range result.Images {
		if result.Images[i].Err == nil {
			result.Images[i].Tags = applied
		}
	}
	if err := p.updatePost(ctx, post.ID, nsfw); err != nil {
		merr = multierror.Append(merr, err)
	}
	return result, merr.ErrorOrNil()
}

// AddImages attaches more images to an existing post of versionID, for
// instance the ones that failed in an earlier UploadImages call. Their
// display positions start at firstIndex.
func (p *Publisher) AddImages(ctx context.Context, versionID, postID, firstIndex int, images []models.ImageSpec, nsfw bool) (models.ImageUploadResult, error) {
	if versionID <= 0 || postID <= 0 {
		return models.ImageUploadResult{}, errdefs.Validation("postId", "images need an existing version and post, got %d/%d", versionID, postID)
	}
	if len(images) == 0 {
		return models.ImageUploadResult{PostID: postID}, nil
	}
	log.Infof("Adding %d image(s) to post %d of version %d", len(images), postID, versionID)
	result, merr := p.attachImages(ctx, versionID, postID, firstIndex, images, nsfw)
	if err := p.updatePost(ctx, postID, nsfw); err != nil {
		merr = multierror.Append(merr, err)
	}
	return result, merr.ErrorOrNil()
}

// attachImages stores the images concurrently, then adds them to the post in
// input order.
func (p *Publisher) attachImages(ctx context.Context, versionID, postID, firstIndex int, images []models.ImageSpec, nsfw bool) (models.ImageUploadResult, *multierror.Error) {
	result := models.ImageUploadResult{PostID: postID, Images: make([]models.UploadedImage, len(images))}

	var g errgroup.Group
	g.SetLimit(p.imageConcurrency)
	for i, spec := range images {
		g.Go(func() error {
			result.Images[i] = p.storeImage(ctx, spec, !p.skipBlurhash)
			return nil
		})
	}
	_ = g.Wait()

	var merr *multierror.Error
	for i := range result.Images {
		img := &result.Images[i]
		if img.Err != nil {
			merr = multierror.Append(merr, img.Err)
			continue
		}
		err := p.client.Mutate(ctx, "post.addImage", postAddImageInput{
			Meta:           generationMeta(img.LocalPath),
			Type:           "image",
			UUID:           uuid.NewString(),
			Name:           img.Filename,
			URL:            img.ID,
			MimeType:       img.MimeType,
			Hash:           img.Hash,
			Status:         "uploading",
			Index:          firstIndex + i,
			Width:          img.Width,
			Height:         img.Height,
			PostID:         postID,
			ModelVersionID: versionID,
			Authed:         true,
		}, nil)
		if err != nil {
			img.Err = &errdefs.UploadError{Err: fmt.Errorf("attaching to post %d: %w", postID, err), Path: img.LocalPath,
				Stage: errdefs.StageConfirm, Timeout: errors.Is(err, errdefs.ErrTimeout)}
			merr = multierror.Append(merr, img.Err)
			continue
		}
		img.PostID = postID
		img.Nsfw = nsfw
	}
	return result, merr
}

func (p *Publisher) updatePost(ctx context.Context, postID int, nsfw bool) error {
	update := postUpdateInput{ID: postID, Nsfw: &nsfw, Authed: true}
	if err := p.client.Mutate(ctx, "post.update", update, nil); err != nil {
		return fmt.Errorf("updating post %d: %w", postID, err)
	}
	return nil
}

// tagPost applies tags to a post and returns the names that were accepted.
func (p *Publisher) tagPost(ctx context.Context, postID int, tags []string) []string {
	var applied []string
	for _, tag := range tags {
		in := postAddTagInput{ID: postID, Name: tag, Authed: true}
		found, err := p.client.PostTags(ctx, tag)
		if err != nil {
			log.WithError(err).Warnf("Could not look up post tag %q", tag)
		}
		want := helpers.NormalizeTag(tag)
		for _, t := range found {
			if helpers.NormalizeTag(t.Name) == want {
				id := t.ID
				in.TagID, in.Name = &id, t.Name
				break
			}
		}
		if err := p.client.Mutate(ctx, "post.addTag", in, nil); err != nil {
			log.WithError(err).Warnf("Could not add tag %q to post %d, skipping it", tag, postID)
			continue
		}
		applied = append(applied, in.Name)
	}
	return applied
}

// storeImage requests an image slot and sends the file to it.
func (p *Publisher) storeImage(ctx context.Context, spec models.ImageSpec, withHash bool) models.UploadedImage {
	img := models.UploadedImage{LocalPath: spec.Path, Filename: spec.Filename}
	if img.Filename == "" {
		img.Filename = filepath.Base(spec.Path)
	}
	fail := func(stage errdefs.Stage, timeout bool, err error) models.UploadedImage {
		log.WithError(err).Errorf("Upload of image %s failed at %s stage", spec.Path, stage)
		img.Err = &errdefs.UploadError{Err: err, Path: spec.Path, Stage: stage, Timeout: timeout}
		return img
	}

	mimeType, err := helpers.DetectMimeType(spec.Path)
	if err != nil {
		return fail(errdefs.StageSlot, false, errdefs.Wrap(errdefs.ErrValidation, "slot", "", "reading local image", err))
	}
	if _, ok := helpers.GetExtensionFromMimeType(mimeType); !ok {
		return fail(errdefs.StageSlot, false, errdefs.Validation("image", "%s has unsupported type %s", spec.Path, mimeType))
	}
	img.MimeType = mimeType
	if img.Width, img.Height, img.Hash, err = imageInfo(spec.Path, withHash); err != nil {
		log.WithError(err).Warnf("Could not decode %s, sending it without dimensions", spec.Path)
	}

	var slot models.ImageSlot
	if err := p.client.PostJSON(ctx, "/api/image-upload", imageSlotRequest{Filename: img.Filename, Metadata: map[string]any{}}, &slot); err != nil {
		return fail(errdefs.StageSlot, errors.Is(err, errdefs.ErrTimeout), err)
	}
	if slot.ID == "" || slot.UploadURL == "" {
		return fail(errdefs.StageSlot, false, errdefs.Wrap(errdefs.ErrTransient, "slot", "/api/image-upload", "slot carries no destination", nil))
	}

	info, _ := os.Stat(spec.Path)
	var size int64
	if info != nil {
		size = info.Size()
	}
	tctx, cancel := ctx, context.CancelFunc(func() {})
	if p.transferTimeout > 0 {
		tctx, cancel = context.WithTimeout(ctx, p.transferTimeout)
	}
	_, err = p.uploader.PostFile(tctx, slot.UploadURL, "file", img.Filename, spec.Path, p.track(spec.Path, size))
	cancel()
	if err != nil {
		return fail(errdefs.StageTransfer, errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil, err)
	}
	img.ID = slot.ID
	log.Debugf("[Upload] Image %s stored as %s", spec.Path, slot.ID)
	return img
}

// imageInfo returns the dimensions of the image at path and, when withHash is
// set, its blurhash computed on a thumbnail.
func imageInfo(path string, withHash bool) (int, int, string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return 0, 0, "", err
	}
	defer f.Close()

	if !withHash {
		cfg, _, err := image.DecodeConfig(f)
		if err != nil {
			return 0, 0, "", err
		}
		return cfg.Width, cfg.Height, "", nil
	}

	src, _, err := image.Decode(f)
	if err != nil {
		return 0, 0, "", err
	}
	bounds := src.Bounds()
	w, h := clampedSize(bounds.Dx(), bounds.Dy(), blurhashSize)
	thumb := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(thumb, thumb.Bounds(), src, bounds, draw.Src, nil)
	hash, err := blurhash.Encode(4, 4, thumb)
	if err != nil {
		return bounds.Dx(), bounds.Dy(), "", err
	}
	return bounds.Dx(), bounds.Dy(), hash, nil
}

// clampedSize scales w x h so that the longer edge is at most limit.
func clampedSize(w, h, limit int) (int, int) {
	if w <= 0 || h <= 0 {
		return 1, 1
	}
	if w <= limit && h <= limit {
		return w, h
	}
	if w >= h {
		return limit, max(1, h*limit/w)
	}
	return max(1, w*limit/h), limit
}
