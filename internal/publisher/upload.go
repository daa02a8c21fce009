package publisher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"go-civitai-publisher/internal/errdefs"
	"go-civitai-publisher/internal/helpers"
	"go-civitai-publisher/internal/models"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const abortTimeout = 15 * time.Second

type slotRequest struct {
	Filename string `json:"filename"`
	Type     string `json:"type"`
	Size     int64  `json:"size"`
}

type completeRequest struct {
	Bucket   string                 `json:"bucket"`
	Key      string                 `json:"key"`
	Type     string                 `json:"type"`
	UploadID string                 `json:"uploadId"`
	Parts    []models.CompletedPart `json:"parts"`
}

type abortRequest struct {
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
	Type     string `json:"type"`
	UploadID string `json:"uploadId"`
}

type fileMetadata struct {
	Size *string `json:"size"`
	Fp   *string `json:"fp"`
}

type fileCreateInput struct {
	Metadata       fileMetadata `json:"metadata"`
	URL            string       `json:"url"`
	Bucket         string       `json:"bucket"`
	Key            string       `json:"key"`
	Name           string       `json:"name"`
	UUID           string       `json:"uuid"`
	Type           string       `json:"type"`
	SizeKB         float64      `json:"sizeKB"`
	ModelVersionID int          `json:"modelVersionId"`
	Authed         bool         `json:"authed"`
}

// UploadFiles uploads every file and binds it to versionID. The result has one
// entry per input, in input order. A failing file does not stop the others:
// its entry carries an *errdefs.UploadError and the returned error aggregates
// every per-file failure.
func (p *Publisher) UploadFiles(ctx context.Context, versionID int, files []models.FileSpec) ([]models.UploadedFile, error) {
	if versionID <= 0 {
		return nil, errdefs.Validation("versionId", "files need an existing version, got %d", versionID)
	}
	results := make([]models.UploadedFile, len(files))
	if len(files) == 0 {
		return results, nil
	}

	var g errgroup.Group
	g.SetLimit(p.fileConcurrency)
	for i, spec := range files {
		g.Go(func() error {
			results[i] = p.uploadFile(ctx, versionID, spec)
			return nil
		})
	}
	_ = g.Wait()

	var merr *multierror.Error
	uploaded := 0
	for _, r := range results {
		if r.Err != nil {
			merr = multierror.Append(merr, r.Err)
			continue
		}
		uploaded++
	}
	log.Infof("Uploaded %d/%d file(s) to version %d", uploaded, len(files), versionID)
	return results, merr.ErrorOrNil()
}

func displayName(spec models.FileSpec) string {
	if spec.DisplayName != "" {
		return spec.DisplayName
	}
	return filepath.Base(spec.Path)
}

// uploadFile runs slot, transfer and confirm for one file. Failures are
// reported in the Err field of the result.
func (p *Publisher) uploadFile(ctx context.Context, versionID int, spec models.FileSpec) models.UploadedFile {
	res := models.UploadedFile{LocalPath: spec.Path, DisplayName: displayName(spec), VersionID: versionID}
	fail := func(stage errdefs.Stage, timeout bool, err error) models.UploadedFile {
		upErr := &errdefs.UploadError{Err: err, Path: spec.Path, Stage: stage, Timeout: timeout}
		log.WithError(err).Errorf("Upload of %s failed at %s stage", spec.Path, stage)
		res.Err = upErr
		return res
	}
	fileType := spec.Type
	if fileType == "" {
		fileType = "Model"
	}

	info, err := os.Stat(spec.Path)
	if err != nil {
		return fail(errdefs.StageSlot, false, errdefs.Wrap(errdefs.ErrValidation, "slot", "", "reading local file", err))
	}
	if info.IsDir() {
		return fail(errdefs.StageSlot, false, errdefs.Validation("path", "%s is a directory", spec.Path))
	}

	var slot models.UploadSlot
	if err := p.client.PostJSON(ctx, "/api/upload", slotRequest{Filename: res.DisplayName, Type: "model", Size: info.Size()}, &slot); err != nil {
		return fail(errdefs.StageSlot, errors.Is(err, errdefs.ErrTimeout), err)
	}
	if len(slot.URLs) == 0 || slot.Key == "" {
		return fail(errdefs.StageSlot, false, errdefs.Wrap(errdefs.ErrTransient, "slot", "/api/upload", "slot carries no destination", nil))
	}
	log.Debugf("[Upload] Slot %s (%d part(s)) for %s", slot.Key, len(slot.URLs), res.DisplayName)

	tctx, cancel := ctx, context.CancelFunc(func() {})
	if p.transferTimeout > 0 {
		tctx, cancel = context.WithTimeout(ctx, p.transferTimeout)
	}
	sent, err := p.uploader.UploadParts(tctx, spec.Path, slot.URLs, p.track(spec.Path, info.Size()))
	cancel()
	if err != nil {
		timeout := errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil
		p.abortUpload(ctx, slot)
		if timeout {
			err = fmt.Errorf("no completion within %s: %w", p.transferTimeout, err)
		}
		return fail(errdefs.StageTransfer, timeout, err)
	}

	complete := completeRequest{Bucket: slot.Bucket, Key: slot.Key, Type: "model", UploadID: slot.UploadID, Parts: sent.Parts}
	if err := p.client.PostJSON(ctx, "/api/upload/complete", complete, nil); err != nil {
		return fail(errdefs.StageConfirm, errors.Is(err, errdefs.ErrTimeout), err)
	}

	res.URL = stripQuery(slot.URLs[0].URL)
	res.BLAKE3 = sent.BLAKE3
	res.SizeKB = float64(sent.Size) / 1024
	var created struct {
		ID int `json:"id"`
	}
	err = p.client.Mutate(ctx, "modelFile.create", fileCreateInput{
		URL:            res.URL,
		Bucket:         slot.Bucket,
		Key:            slot.Key,
		Name:           res.DisplayName,
		UUID:           uuid.NewString(),
		Type:           fileType,
		SizeKB:         res.SizeKB,
		ModelVersionID: versionID,
		Authed:         true,
	}, &created)
	if err != nil {
		return fail(errdefs.StageConfirm, errors.Is(err, errdefs.ErrTimeout), fmt.Errorf("binding file to version %d: %w", versionID, err))
	}
	if created.ID <= 0 {
		return fail(errdefs.StageConfirm, false, errdefs.Wrap(errdefs.ErrTransient, "confirm", "modelFile.create",
			fmt.Sprintf("no file id returned for %s on version %d", res.DisplayName, versionID), nil))
	}
	res.RemoteID = created.ID
	log.Infof("Uploaded %s as %q (%s, file %d)", spec.Path, res.DisplayName, helpers.BytesToSize(uint64(sent.Size)), created.ID)
	return res
}

// abortUpload releases a slot whose transfer failed. It is best effort and
// still runs when ctx is already cancelled.
func (p *Publisher) abortUpload(ctx context.Context, slot models.UploadSlot) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()
	req := abortRequest{Bucket: slot.Bucket, Key: slot.Key, Type: "model", UploadID: slot.UploadID}
	if err := p.client.PostJSON(actx, "/api/upload/abort", req, nil); err != nil {
		log.WithError(err).Warnf("Could not abort upload %s", slot.Key)
	}
}

func stripQuery(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
