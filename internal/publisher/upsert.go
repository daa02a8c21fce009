package publisher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"go-civitai-publisher/internal/api"
	"go-civitai-publisher/internal/errdefs"
	"go-civitai-publisher/internal/helpers"
	"go-civitai-publisher/internal/models"

	log "github.com/sirupsen/logrus"
	"github.com/yuin/goldmark"
)

// Model types accepted by model.upsert. LoCon is listed as LyCORIS on the site.
var modelTypes = []string{
	"Checkpoint", "TextualInversion", "Hypernetwork", "AestheticGradient", "LORA", "LoCon", "DoRA",
	"Controlnet", "Upscaler", "MotionModule", "VAE", "Poses", "Wildcards", "Workflows", "Other",
}

var (
	commercialUses       = []string{"Image", "RentCivit", "Rent", "Sell"}
	defaultCommercialUse = []string{"RentCivit", "Rent"}
	checkpointTypes      = []string{"Trained", "Merge"}
)

const (
	defaultModelType = "LORA"
	defaultCategory  = "character"
	defaultClipSkip  = 2
	maxTrainingValue = 1_000_000
	maxEarlyAccess   = 30
)

type tagOnModel struct {
	ID         *int   `json:"id,omitempty"`
	Name       string `json:"name"`
	IsCategory *bool  `json:"isCategory,omitempty"`
}

type modelUpsertInput struct {
	ID                    *int         `json:"id,omitempty"`
	Locked                *bool        `json:"locked,omitempty"`
	CheckpointType        *string      `json:"checkpointType"`
	Name                  string       `json:"name"`
	Description           string       `json:"description"`
	Type                  string       `json:"type"`
	Status                string       `json:"status"`
	UploadType            string       `json:"uploadType"`
	AllowCommercialUse    []string     `json:"allowCommercialUse"`
	TagsOnModels          []tagOnModel `json:"tagsOnModels"`
	AllowNoCredit         bool         `json:"allowNoCredit"`
	AllowDerivatives      bool         `json:"allowDerivatives"`
	AllowDifferentLicense bool         `json:"allowDifferentLicense"`
	Nsfw                  bool         `json:"nsfw"`
	Poi                   bool         `json:"poi"`
	Authed                bool         `json:"authed"`
}

type recommendedResource struct {
	Settings   struct{} `json:"settings"`
	ResourceID int      `json:"resourceId"`
}

type versionUpsertInput struct {
	ID                   *int                  `json:"id,omitempty"`
	Locked               *bool                 `json:"locked,omitempty"`
	VaeID                *int                  `json:"vaeId,omitempty"`
	Steps                *int                  `json:"steps"`
	Epochs               *int                  `json:"epochs"`
	ClipSkip             *int                  `json:"clipSkip"`
	Status               string                `json:"status,omitempty"`
	Name                 string                `json:"name"`
	BaseModel            string                `json:"baseModel"`
	Description          string                `json:"description"`
	TrainedWords         []string              `json:"trainedWords"`
	RecommendedResources []recommendedResource `json:"recommendedResources"`
	ModelID              int                   `json:"modelId"`
	EarlyAccessTimeFrame int                   `json:"earlyAccessTimeFrame"`
	SkipTrainedWords     bool                  `json:"skipTrainedWords"`
	RequireAuth          bool                  `json:"requireAuth"`
	Authed               bool                  `json:"authed"`
}

// canonical returns the entry of allowed equal to v ignoring case.
func canonical(allowed []string, v string) (string, bool) {
	for _, a := range allowed {
		if strings.EqualFold(a, v) {
			return a, true
		}
	}
	return "", false
}

// NormalizeModelFields applies defaults and checks fields before any request
// is made.
func NormalizeModelFields(f models.ModelFields) (models.ModelFields, error) {
	f.Name = strings.TrimSpace(f.Name)
	if f.Name == "" {
		return f, errdefs.Validation("name", "must not be empty")
	}

	var tags []string
	for _, t := range f.Tags {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	if len(tags) == 0 {
		return f, errdefs.Validation("tags", "at least one tag is required")
	}
	f.Tags = tags

	if strings.TrimSpace(f.Category) == "" {
		f.Category = defaultCategory
	}

	if f.Type == "" {
		f.Type = defaultModelType
	}
	typ, ok := canonical(modelTypes, f.Type)
	if !ok {
		return f, errdefs.Validation("type", "unknown model type %q (allowed: %s)", f.Type, strings.Join(modelTypes, ", "))
	}
	f.Type = typ

	if typ == "Checkpoint" {
		if f.CheckpointType == "" {
			f.CheckpointType = "Trained"
		}
		ct, ok := canonical(checkpointTypes, f.CheckpointType)
		if !ok {
			return f, errdefs.Validation("checkpointType", "unknown checkpoint type %q (allowed: %s)", f.CheckpointType, strings.Join(checkpointTypes, ", "))
		}
		f.CheckpointType = ct
	} else if f.CheckpointType != "" {
		return f, errdefs.Validation("checkpointType", "only applies to Checkpoint models, not %s", typ)
	}

	if f.CommercialUse == nil {
		f.CommercialUse = append([]string(nil), defaultCommercialUse...)
	} else {
		uses := make([]string, 0, len(f.CommercialUse))
		for _, u := range f.CommercialUse {
			c, ok := canonical(commercialUses, u)
			if !ok {
				return f, errdefs.Validation("commercialUse", "unknown value %q (allowed: %s)", u, strings.Join(commercialUses, ", "))
			}
			if !helpers.StringSliceContains(uses, c) {
				uses = append(uses, c)
			}
		}
		f.CommercialUse = uses
	}
	return f, nil
}

// NormalizeVersionFields applies defaults and checks fields before any request
// is made. defaultBaseModel fills an empty base model.
func NormalizeVersionFields(modelID int, f models.VersionFields, defaultBaseModel string) (models.VersionFields, error) {
	if modelID <= 0 {
		return f, errdefs.Validation("modelId", "a version needs the id of an existing model, got %d", modelID)
	}
	f.Name = strings.TrimSpace(f.Name)
	if f.Name == "" {
		return f, errdefs.Validation("name", "must not be empty")
	}
	if strings.TrimSpace(f.BaseModel) == "" {
		f.BaseModel = defaultBaseModel
	}
	if strings.TrimSpace(f.BaseModel) == "" {
		return f, errdefs.Validation("baseModel", "must not be empty")
	}
	if f.Epochs != nil && (*f.Epochs < 0 || *f.Epochs > maxTrainingValue) {
		return f, errdefs.Validation("epochs", "%d is outside [0, %d]", *f.Epochs, maxTrainingValue)
	}
	if f.Steps != nil && (*f.Steps < 0 || *f.Steps > maxTrainingValue) {
		return f, errdefs.Validation("steps", "%d is outside [0, %d]", *f.Steps, maxTrainingValue)
	}
	if f.ClipSkip == nil {
		clipSkip := defaultClipSkip
		f.ClipSkip = &clipSkip
	} else if *f.ClipSkip < 1 || *f.ClipSkip > 12 {
		return f, errdefs.Validation("clipSkip", "%d is outside [1, 12]", *f.ClipSkip)
	}
	if f.EarlyAccess < 0 || f.EarlyAccess > maxEarlyAccess {
		return f, errdefs.Validation("earlyAccess", "%d days is outside [0, %d]", f.EarlyAccess, maxEarlyAccess)
	}
	for _, id := range f.Resources {
		if id <= 0 {
			return f, errdefs.Validation("resources", "invalid resource id %d", id)
		}
	}
	f.Resources = helpers.UniqueInts(f.Resources)

	words := make([]string, 0, len(f.TriggerWords))
	for _, w := range f.TriggerWords {
		if w = strings.TrimSpace(w); w != "" {
			words = append(words, w)
		}
	}
	f.TriggerWords = words
	return f, nil
}

// RenderDescription dedents markdown text and renders it to HTML.
func RenderDescription(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(helpers.Dedent(markdown)), &buf); err != nil {
		return "", errdefs.Wrap(errdefs.ErrValidation, "description", "", "rendering markdown", err)
	}
	return buf.String(), nil
}

// UpsertModel creates a model when existingID is 0 and updates model
// existingID otherwise. An update never falls back to a create: an unknown id
// fails with errdefs.ErrNotFound.
func (p *Publisher) UpsertModel(ctx context.Context, fields models.ModelFields, existingID int) (models.Model, error) {
	if existingID < 0 {
		return models.Model{}, errdefs.Validation("existingId", "invalid model id %d", existingID)
	}
	fields, err := NormalizeModelFields(fields)
	if err != nil {
		return models.Model{}, err
	}
	description, err := RenderDescription(fields.Description)
	if err != nil {
		return models.Model{}, err
	}
	tags, err := p.resolveModelTags(ctx, fields.Tags, fields.Category)
	if err != nil {
		return models.Model{}, fmt.Errorf("resolving tags for model %q: %w", fields.Name, err)
	}

	input := modelUpsertInput{
		Name:                  fields.Name,
		Description:           description,
		Type:                  fields.Type,
		Status:                "Draft",
		UploadType:            "Created",
		AllowCommercialUse:    fields.CommercialUse,
		TagsOnModels:          tags,
		AllowNoCredit:         !fields.DisallowNoCredit,
		AllowDerivatives:      !fields.DisallowDerivatives,
		AllowDifferentLicense: !fields.DisallowDifferentLicense,
		Nsfw:                  fields.Nsfw,
		Poi:                   fields.Poi,
		Authed:                true,
	}
	if fields.Type == "Checkpoint" {
		input.CheckpointType = &fields.CheckpointType
	}
	if existingID > 0 {
		unlocked := false
		input.ID = &existingID
		input.Locked = &unlocked
		input.Status = "Published"
		log.Infof("Model %q (%d) already exists, updating it. Tags: %v", fields.Name, existingID, tagNames(tags))
	} else {
		log.Infof("Creating model %q, tags: %v", fields.Name, tagNames(tags))
	}

	var out models.Model
	if err := p.client.Mutate(ctx, "model.upsert", input, &out); err != nil {
		return models.Model{}, upsertError("model", existingID, err)
	}
	if existingID > 0 && out.ID != existingID {
		return models.Model{}, errdefs.Wrap(errdefs.ErrNotFound, "upsert", "model.upsert",
			fmt.Sprintf("update of model %d answered with model %d", existingID, out.ID), nil)
	}
	if out.ID <= 0 {
		return models.Model{}, errdefs.Wrap(errdefs.ErrTransient, "upsert", "model.upsert", "response carries no model id", nil)
	}
	out.Tags = tagNames(tags)
	log.Debugf("[Upsert] Model %q stored as %d (%s)", out.Name, out.ID, out.Status)
	return out, nil
}

// UpsertVersion creates a version of modelID when existingID is 0 and updates
// version existingID otherwise, with the same no-fallback rule as UpsertModel.
func (p *Publisher) UpsertVersion(ctx context.Context, modelID int, fields models.VersionFields, existingID int) (models.Version, error) {
	if existingID < 0 {
		return models.Version{}, errdefs.Validation("existingId", "invalid version id %d", existingID)
	}
	fields, err := NormalizeVersionFields(modelID, fields, p.defaultBaseModel)
	if err != nil {
		return models.Version{}, err
	}
	description, err := RenderDescription(fields.Description)
	if err != nil {
		return models.Version{}, err
	}

	input := versionUpsertInput{
		ModelID:              modelID,
		Name:                 fields.Name,
		BaseModel:            fields.BaseModel,
		Description:          description,
		Steps:                fields.Steps,
		Epochs:               fields.Epochs,
		ClipSkip:             fields.ClipSkip,
		TrainedWords:         fields.TriggerWords,
		EarlyAccessTimeFrame: fields.EarlyAccess,
		SkipTrainedWords:     len(fields.TriggerWords) == 0,
		RecommendedResources: make([]recommendedResource, 0, len(fields.Resources)),
		RequireAuth:          fields.RequireAuth,
		Authed:               true,
	}
	for _, id := range fields.Resources {
		input.RecommendedResources = append(input.RecommendedResources, recommendedResource{ResourceID: id})
	}
	if fields.VAEName != "" {
		vaeID, err := p.resolveVAE(ctx, fields.VAEName)
		if err != nil {
			return models.Version{}, err
		}
		input.VaeID = &vaeID
	}
	if existingID > 0 {
		// A version never changes its parent model.
		var stored models.Version
		if err := p.client.Query(ctx, "modelVersion.getById", idInput{ID: existingID, Authed: true}, &stored); err != nil {
			return models.Version{}, upsertError("version", existingID, err)
		}
		if stored.ModelID != 0 && stored.ModelID != modelID {
			return models.Version{}, errdefs.Validation("modelId", "version %d belongs to model %d, not model %d", existingID, stored.ModelID, modelID)
		}
		unlocked := false
		input.ID = &existingID
		input.Locked = &unlocked
		input.Status = "Published"
		log.Infof("Version %q (%d) already exists in model %d, updating it", fields.Name, existingID, modelID)
	} else {
		log.Infof("Creating version %q for model %d, with base model %q", fields.Name, modelID, fields.BaseModel)
	}

	var out models.Version
	if err := p.client.Mutate(ctx, "modelVersion.upsert", input, &out); err != nil {
		return models.Version{}, upsertError("version", existingID, fmt.Errorf("model %d: %w", modelID, err))
	}
	if existingID > 0 && out.ID != existingID {
		return models.Version{}, errdefs.Wrap(errdefs.ErrNotFound, "upsert", "modelVersion.upsert",
			fmt.Sprintf("update of version %d answered with version %d", existingID, out.ID), nil)
	}
	if out.ID <= 0 {
		return models.Version{}, errdefs.Wrap(errdefs.ErrTransient, "upsert", "modelVersion.upsert", "response carries no version id", nil)
	}
	if out.ModelID == 0 {
		out.ModelID = modelID
	}
	if out.ModelID != modelID {
		return models.Version{}, errdefs.Wrap(errdefs.ErrValidation, "upsert", "modelVersion.upsert",
			fmt.Sprintf("version %d was stored under model %d instead of model %d", out.ID, out.ModelID, modelID), nil)
	}
	log.Debugf("[Upsert] Version %q stored as %d of model %d", out.Name, out.ID, out.ModelID)
	return out, nil
}

func upsertError(kind string, existingID int, err error) error {
	if existingID > 0 {
		if errors.Is(err, errdefs.ErrNotFound) {
			return fmt.Errorf("upsert %s: %s %d does not exist on the platform: %w", kind, kind, existingID, err)
		}
		return fmt.Errorf("upsert %s %d: %w", kind, existingID, err)
	}
	return fmt.Errorf("create %s: %w", kind, err)
}

// resolveModelTags matches the tags and the category against existing
// platform tags. Unknown tags are sent by name and created by the platform.
func (p *Publisher) resolveModelTags(ctx context.Context, tags []string, category string) ([]tagOnModel, error) {
	var (
		out     []tagOnModel
		seenIDs = map[int]bool{}
		seen    = map[string]bool{}
	)
	for _, tag := range append(append([]string(nil), tags...), category) {
		found, ok, err := p.findModelTag(ctx, tag)
		if err != nil {
			return nil, err
		}
		if !ok {
			if !seen[strings.ToLower(tag)] {
				log.Infof("Tag %q not found, a new tag will be created", tag)
				out = append(out, tagOnModel{Name: tag})
				seen[strings.ToLower(tag)] = true
			}
			continue
		}
		if seenIDs[found.ID] || seen[strings.ToLower(found.Name)] {
			continue
		}
		id := found.ID
		entry := tagOnModel{ID: &id, Name: found.Name}
		if !found.IsCategory {
			isCategory := false
			entry.IsCategory = &isCategory
		}
		out = append(out, entry)
		seenIDs[found.ID] = true
		seen[strings.ToLower(found.Name)] = true
	}
	return out, nil
}

func (p *Publisher) findModelTag(ctx context.Context, tag string) (models.Tag, bool, error) {
	want := helpers.NormalizeTag(tag)
	it := p.client.ModelTags(tag, api.IterOptions{MaxPages: p.tagSearchPages})
	for it.Next(ctx) {
		if helpers.NormalizeTag(it.Item().Name) == want {
			log.Debugf("[Upsert] Tag %q matched %s (%d)", tag, it.Item().Name, it.Item().ID)
			return it.Item(), true, nil
		}
	}
	return models.Tag{}, false, it.Err()
}

// resolveVAE finds the VAE version whose model name matches name, ignoring
// case, punctuation and spaces.
func (p *Publisher) resolveVAE(ctx context.Context, name string) (int, error) {
	vaes, err := p.client.VAEVersions(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing VAE models: %w", err)
	}
	want := compactName(name)
	for _, v := range vaes {
		if compactName(v.ModelName) == want {
			return v.ID, nil
		}
	}
	return 0, errdefs.Validation("vae", "no VAE model named %q on the platform", name)
}

func compactName(s string) string {
	return strings.ReplaceAll(helpers.NormalizeTag(s), " ", "")
}

func tagNames(tags []tagOnModel) []string {
	names := make([]string, 0, len(tags))
	for _, t := range tags {
		names = append(names, t.Name)
	}
	return names
}
