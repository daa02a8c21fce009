package publisher

import (
	"context"
	"fmt"
	"time"

	"go-civitai-publisher/internal/errdefs"
	"go-civitai-publisher/internal/helpers"
	"go-civitai-publisher/internal/models"

	log "github.com/sirupsen/logrus"
)

type modelPublishInput struct {
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
	VersionIDs  []int      `json:"versionIds"`
	ID          int        `json:"id"`
	Authed      bool       `json:"authed"`
}

type versionPublishInput struct {
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
	ID          int        `json:"id"`
	Authed      bool       `json:"authed"`
}

type association struct {
	ResourceType string `json:"resourceType"`
	ResourceID   int    `json:"resourceId"`
}

type associationsInput struct {
	FromID       int           `json:"fromId"`
	Type         string        `json:"type"`
	Associations []association `json:"associations"`
	Authed       bool          `json:"authed"`
}

type idInput struct {
	ID     int  `json:"id"`
	Authed bool `json:"authed"`
}

type modelDetail struct {
	models.Model
	Versions []models.Version `json:"modelVersions"`
}

// Transition checks that an item in state current may move as req asks and
// returns the state it ends up in. A PublishAt that is not after now means
// immediately. Draft, PendingReview and Scheduled may all move on; Published
// is terminal.
func Transition(current models.PublishState, req models.PublishRequest, now time.Time) (models.PublishState, error) {
	if current == models.StatePublished {
		return current, errdefs.Validation("state", "%s is already published", describe(req))
	}
	if req.PublishAt != nil && req.PublishAt.After(now) {
		return models.StateScheduled, nil
	}
	return models.StatePublished, nil
}

func describe(req models.PublishRequest) string {
	if req.Target == models.TargetModel {
		return fmt.Sprintf("model %d", req.ModelID)
	}
	return fmt.Sprintf("version %d", req.VersionID)
}

// publishTime returns the timestamp to send: nil for an immediate publish,
// the UTC time otherwise.
func (p *Publisher) publishTime(req models.PublishRequest) *time.Time {
	if req.PublishAt == nil {
		return nil
	}
	if !req.PublishAt.After(p.now()) {
		log.Warnf("Publish time %s of %s is not in the future, publishing now", req.PublishAt.Format(time.RFC3339), describe(req))
		return nil
	}
	at := req.PublishAt.UTC()
	return &at
}

// PublishModel publishes model modelID together with its version versionID,
// now when publishAt is nil or at publishAt.
//
// Use it for a model that has never been published. Publishing the first
// version of a model with PublishVersion marks the version published but
// leaves the model itself hidden from listings.
func (p *Publisher) PublishModel(ctx context.Context, modelID, versionID int, publishAt *time.Time) (models.PublishResult, error) {
	req := models.PublishRequest{PublishAt: publishAt, Target: models.TargetModel, ModelID: modelID, VersionID: versionID}
	if modelID <= 0 || versionID <= 0 {
		return models.PublishResult{}, errdefs.Validation("id", "publishing needs a model and a version id, got %d/%d", modelID, versionID)
	}

	detail, err := p.getModel(ctx, modelID)
	if err != nil {
		return models.PublishResult{}, fmt.Errorf("publish model %d: %w", modelID, err)
	}
	var version *models.Version
	for i := range detail.Versions {
		if detail.Versions[i].ID == versionID {
			version = &detail.Versions[i]
		}
	}
	if version == nil {
		return models.PublishResult{}, errdefs.Validation("versionId", "version %d does not belong to model %d", versionID, modelID)
	}
	// The model moves on its own state. A version published earlier through
	// PublishVersion leaves the model hidden and must not block it here.
	current := models.ParsePublishState(detail.Status)
	if current == models.StatePublished {
		current = models.ParsePublishState(version.Status)
	}
	next, err := Transition(current, req, p.now())
	if err != nil {
		return models.PublishResult{}, err
	}

	at := p.publishTime(req)
	if at != nil {
		log.Infof("Scheduling model %d with version %d for %s", modelID, versionID, at.Format(time.RFC3339))
	} else {
		log.Infof("Publishing model %d with version %d", modelID, versionID)
	}
	input := modelPublishInput{PublishedAt: at, VersionIDs: []int{versionID}, ID: modelID, Authed: true}
	if err := p.client.Mutate(ctx, "model.publish", input, nil); err != nil {
		return models.PublishResult{}, fmt.Errorf("publish model %d (version %d): %w", modelID, versionID, err)
	}
	if at == nil {
		next = models.StatePublished
	}
	return models.PublishResult{PublishAt: at, Target: models.TargetModel, State: next, ModelID: modelID, VersionID: versionID}, nil
}

// PublishVersion publishes one version of an already published model, now
// when publishAt is nil or at publishAt.
//
// The parent model is left untouched: for a model that was never published
// use PublishModel, otherwise the model stays undiscoverable.
func (p *Publisher) PublishVersion(ctx context.Context, versionID int, publishAt *time.Time) (models.PublishResult, error) {
	req := models.PublishRequest{PublishAt: publishAt, Target: models.TargetVersion, VersionID: versionID}
	if versionID <= 0 {
		return models.PublishResult{}, errdefs.Validation("versionId", "invalid version id %d", versionID)
	}

	var current models.Version
	if err := p.client.Query(ctx, "modelVersion.getById", idInput{ID: versionID, Authed: true}, &current); err != nil {
		return models.PublishResult{}, fmt.Errorf("publish version %d: %w", versionID, err)
	}
	next, err := Transition(models.ParsePublishState(current.Status), req, p.now())
	if err != nil {
		return models.PublishResult{}, err
	}

	at := p.publishTime(req)
	if at != nil {
		log.Infof("Scheduling version %d for %s", versionID, at.Format(time.RFC3339))
	} else {
		log.Infof("Publishing version %d", versionID)
	}
	if err := p.client.Mutate(ctx, "modelVersion.publish", versionPublishInput{PublishedAt: at, ID: versionID, Authed: true}, nil); err != nil {
		return models.PublishResult{}, fmt.Errorf("publish version %d: %w", versionID, err)
	}
	if at == nil {
		next = models.StatePublished
	}
	return models.PublishResult{PublishAt: at, Target: models.TargetVersion, State: next, ModelID: current.ModelID, VersionID: versionID}, nil
}

// PublishPost makes an image post visible, now or at publishAt.
func (p *Publisher) PublishPost(ctx context.Context, postID int, publishAt *time.Time) error {
	if postID <= 0 {
		return errdefs.Validation("postId", "invalid post id %d", postID)
	}
	at := p.now().UTC()
	if publishAt != nil {
		at = publishAt.UTC()
	}
	if err := p.client.Mutate(ctx, "post.update", postUpdateInput{PublishedAt: &at, ID: postID, Authed: true}, nil); err != nil {
		return fmt.Errorf("publish post %d: %w", postID, err)
	}
	log.Infof("Post %d published at %s", postID, at.Format(time.RFC3339))
	return nil
}

// SetAssociations replaces the suggested resources of modelID with the models
// in resourceIDs. Duplicates are dropped, order is kept. An empty list clears
// the suggestions.
func (p *Publisher) SetAssociations(ctx context.Context, modelID int, resourceIDs []int) error {
	if modelID <= 0 {
		return errdefs.Validation("modelId", "invalid model id %d", modelID)
	}
	for _, id := range resourceIDs {
		if id <= 0 {
			return errdefs.Validation("resources", "invalid resource id %d", id)
		}
		if id == modelID {
			return errdefs.Validation("resources", "model %d cannot suggest itself", modelID)
		}
	}
	ids := helpers.UniqueInts(resourceIDs)
	input := associationsInput{FromID: modelID, Type: "Suggested", Associations: make([]association, 0, len(ids)), Authed: true}
	for _, id := range ids {
		input.Associations = append(input.Associations, association{ResourceType: "model", ResourceID: id})
	}
	if err := p.client.Mutate(ctx, "model.setAssociatedResources", input, nil); err != nil {
		return fmt.Errorf("set associations of model %d: %w", modelID, err)
	}
	log.Infof("Model %d now suggests %d resource(s)", modelID, len(ids))
	return nil
}

// ModelState returns the publish state of a model.
func (p *Publisher) ModelState(ctx context.Context, modelID int) (models.PublishState, error) {
	detail, err := p.getModel(ctx, modelID)
	if err != nil {
		return "", err
	}
	return models.ParsePublishState(detail.Status), nil
}

func (p *Publisher) getModel(ctx context.Context, modelID int) (modelDetail, error) {
	if modelID <= 0 {
		return modelDetail{}, errdefs.Validation("modelId", "invalid model id %d", modelID)
	}
	var detail modelDetail
	if err := p.client.Query(ctx, "model.getById", idInput{ID: modelID, Authed: true}, &detail); err != nil {
		return modelDetail{}, err
	}
	return detail, nil
}
