package publisher

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go-civitai-publisher/internal/errdefs"
	"go-civitai-publisher/internal/models"
	"go-civitai-publisher/internal/testsupport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestNormalizeModelFields(t *testing.T) {
	tests := []struct {
		name    string
		fields  models.ModelFields
		field   string
		wantErr bool
	}{
		{name: "defaults", fields: models.ModelFields{Name: "m", Tags: []string{"a"}}},
		{name: "empty name", fields: models.ModelFields{Name: "  ", Tags: []string{"a"}}, wantErr: true, field: "name"},
		{name: "no tags", fields: models.ModelFields{Name: "m", Tags: []string{" "}}, wantErr: true, field: "tags"},
		{name: "unknown type", fields: models.ModelFields{Name: "m", Tags: []string{"a"}, Type: "Sculpture"}, wantErr: true, field: "type"},
		{name: "checkpoint type on lora", fields: models.ModelFields{Name: "m", Tags: []string{"a"}, CheckpointType: "Merge"}, wantErr: true, field: "checkpointType"},
		{name: "bad checkpoint type", fields: models.ModelFields{Name: "m", Tags: []string{"a"}, Type: "Checkpoint", CheckpointType: "Fused"}, wantErr: true, field: "checkpointType"},
		{name: "bad commercial use", fields: models.ModelFields{Name: "m", Tags: []string{"a"}, CommercialUse: []string{"Image", "Steal"}}, wantErr: true, field: "commercialUse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NormalizeModelFields(tt.fields)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, errdefs.ErrValidation)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestNormalizeModelFields_Defaults(t *testing.T) {
	f, err := NormalizeModelFields(models.ModelFields{Name: " Hero ", Tags: []string{"a"}, Type: "checkpoint", CommercialUse: []string{"image", "Image", "sell"}})
	require.NoError(t, err)
	assert.Equal(t, "Hero", f.Name)
	assert.Equal(t, "Checkpoint", f.Type)
	assert.Equal(t, "Trained", f.CheckpointType)
	assert.Equal(t, "character", f.Category)
	assert.Equal(t, []string{"Image", "Sell"}, f.CommercialUse)

	f, err = NormalizeModelFields(models.ModelFields{Name: "Hero", Tags: []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, "LORA", f.Type)
	assert.Equal(t, []string{"RentCivit", "Rent"}, f.CommercialUse)
}

func TestNormalizeVersionFields(t *testing.T) {
	tests := []struct {
		name    string
		modelID int
		fields  models.VersionFields
		field   string
	}{
		{name: "no model", modelID: 0, fields: models.VersionFields{Name: "v1"}, field: "modelId"},
		{name: "empty name", modelID: 1, fields: models.VersionFields{}, field: "name"},
		{name: "negative epochs", modelID: 1, fields: models.VersionFields{Name: "v1", Epochs: intPtr(-1)}, field: "epochs"},
		{name: "steps too large", modelID: 1, fields: models.VersionFields{Name: "v1", Steps: intPtr(2_000_000)}, field: "steps"},
		{name: "clip skip zero", modelID: 1, fields: models.VersionFields{Name: "v1", ClipSkip: intPtr(0)}, field: "clipSkip"},
		{name: "early access too long", modelID: 1, fields: models.VersionFields{Name: "v1", EarlyAccess: 31}, field: "earlyAccess"},
		{name: "bad resource", modelID: 1, fields: models.VersionFields{Name: "v1", Resources: []int{3, -1}}, field: "resources"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NormalizeVersionFields(tt.modelID, tt.fields, "SD 1.5")
			assert.ErrorIs(t, err, errdefs.ErrValidation)
			assert.Contains(t, err.Error(), tt.field)
		})
	}

	_, err := NormalizeVersionFields(1, models.VersionFields{Name: "v1"}, "")
	assert.ErrorIs(t, err, errdefs.ErrValidation, "an empty base model without a default must be rejected")

	f, err := NormalizeVersionFields(1, models.VersionFields{Name: "v1", Resources: []int{5, 5, 2}, TriggerWords: []string{" hero ", ""}}, "SDXL 1.0")
	require.NoError(t, err)
	assert.Equal(t, "SDXL 1.0", f.BaseModel)
	assert.Equal(t, 2, *f.ClipSkip)
	assert.Equal(t, []int{5, 2}, f.Resources)
	assert.Equal(t, []string{"hero"}, f.TriggerWords)
}

func TestRenderDescription(t *testing.T) {
	html, err := RenderDescription("\n    # Hero\n\n    A *pixel* model.\n")
	require.NoError(t, err)
	assert.Contains(t, html, "<h1>Hero</h1>")
	assert.Contains(t, html, "<em>pixel</em>")
}

func TestUpsertModel_CreateThenUpdate(t *testing.T) {
	p, platform := newTestPublisher(t)
	ctx := context.Background()

	created, err := p.UpsertModel(ctx, models.ModelFields{
		Name:        "Pixel Hero",
		Description: "  # Pixel Hero\n  A test model.",
		Tags:        []string{"Anime", "Pixel Art", "brand new", "anime"},
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, testsupport.FirstModelID, created.ID)
	assert.Equal(t, "Draft", created.Status)
	assert.Equal(t, []string{"anime", "pixel art", "brand new", "Character"}, created.Tags)

	stored, ok := platform.Model(created.ID)
	require.True(t, ok)
	assert.Equal(t, "Draft", stored.Input["status"])
	assert.Equal(t, "Created", stored.Input["uploadType"])
	assert.Nil(t, stored.Input["checkpointType"])
	assert.NotContains(t, stored.Input, "id")
	assert.Equal(t, []any{"RentCivit", "Rent"}, stored.Input["allowCommercialUse"])
	assert.Contains(t, stored.Input["description"], "<h1>Pixel Hero</h1>")

	tags := stored.Input["tagsOnModels"].([]any)
	require.Len(t, tags, 4)
	assert.Equal(t, map[string]any{"id": float64(1), "name": "anime", "isCategory": false}, tags[0])
	assert.Equal(t, map[string]any{"name": "brand new"}, tags[2])
	assert.Equal(t, map[string]any{"id": float64(2), "name": "Character"}, tags[3])

	updated, err := p.UpsertModel(ctx, models.ModelFields{Name: "Pixel Hero XL", Tags: []string{"anime"}, Nsfw: true}, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, 1, platform.ModelCount(), "an update must not create a second model")

	stored, _ = platform.Model(created.ID)
	assert.Equal(t, "Pixel Hero XL", stored.Name)
	assert.True(t, stored.Nsfw)
	assert.Equal(t, "Published", stored.Input["status"])
	assert.Equal(t, false, stored.Input["locked"])
	assert.Equal(t, float64(created.ID), stored.Input["id"])
}

func TestUpsertModel_UnknownIDIsNotFound(t *testing.T) {
	p, platform := newTestPublisher(t)

	_, err := p.UpsertModel(context.Background(), models.ModelFields{Name: "Ghost", Tags: []string{"anime"}}, 9999)
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	assert.Contains(t, err.Error(), "9999")
	assert.Equal(t, 0, platform.ModelCount(), "an unknown id must never fall back to a create")
}

func TestUpsertModel_ValidationSendsNothing(t *testing.T) {
	p, platform := newTestPublisher(t)

	_, err := p.UpsertModel(context.Background(), models.ModelFields{Name: "No tags"}, 0)
	assert.ErrorIs(t, err, errdefs.ErrValidation)
	assert.Empty(t, platform.Calls())
}

func TestUpsertModel_CheckpointType(t *testing.T) {
	p, platform := newTestPublisher(t)

	m, err := p.UpsertModel(context.Background(), models.ModelFields{Name: "Base", Type: "Checkpoint", CheckpointType: "merge", Tags: []string{"anime"}}, 0)
	require.NoError(t, err)
	stored, _ := platform.Model(m.ID)
	assert.Equal(t, "Merge", stored.Input["checkpointType"])
	assert.Equal(t, "Checkpoint", stored.Type)
}

func TestUpsertVersion_CreateAndUpdate(t *testing.T) {
	p, platform := newTestPublisher(t)
	ctx := context.Background()
	model, err := p.UpsertModel(ctx, models.ModelFields{Name: "Pixel Hero", Tags: []string{"anime"}}, 0)
	require.NoError(t, err)

	version, err := p.UpsertVersion(ctx, model.ID, models.VersionFields{
		Name:         "v1",
		Description:  "First release",
		VAEName:      "KL F8 Anime2",
		TriggerWords: []string{"pixhero"},
		Resources:    []int{12, 12, 7},
		Epochs:       intPtr(10),
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, testsupport.FirstVersionID, version.ID)
	assert.Equal(t, model.ID, version.ModelID)
	assert.Equal(t, "SD 1.5", version.BaseModel)

	stored, ok := platform.Version(version.ID)
	require.True(t, ok)
	assert.Equal(t, float64(80), stored.Input["vaeId"])
	assert.Equal(t, float64(2), stored.Input["clipSkip"])
	assert.Equal(t, float64(10), stored.Input["epochs"])
	assert.Nil(t, stored.Input["steps"])
	assert.Equal(t, false, stored.Input["skipTrainedWords"])
	assert.Equal(t, []any{"pixhero"}, stored.Input["trainedWords"])
	assert.Equal(t, []any{
		map[string]any{"resourceId": float64(12), "settings": map[string]any{}},
		map[string]any{"resourceId": float64(7), "settings": map[string]any{}},
	}, stored.Input["recommendedResources"])
	assert.Contains(t, stored.Input["description"], "<p>First release</p>")

	updated, err := p.UpsertVersion(ctx, model.ID, models.VersionFields{Name: "v1.1", BaseModel: "SDXL 1.0"}, version.ID)
	require.NoError(t, err)
	assert.Equal(t, version.ID, updated.ID)
	stored, _ = platform.Version(version.ID)
	assert.Equal(t, "v1.1", stored.Name)
	assert.Equal(t, true, stored.Input["skipTrainedWords"])
	assert.Equal(t, "Published", stored.Input["status"])
	assert.NotContains(t, stored.Input, "vaeId")
}

func TestUpsertVersion_UnknownIDIsNotFound(t *testing.T) {
	p, platform := newTestPublisher(t)
	model, _ := seedVersion(t, p)
	before := platform.CallCount("modelVersion.upsert")

	_, err := p.UpsertVersion(context.Background(), model.ID, models.VersionFields{Name: "v2"}, 4242)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrNotFound), "expected NotFound, got %v", err)
	assert.Equal(t, before, platform.CallCount("modelVersion.upsert"), "nothing is written for an unknown id")
	_, exists := platform.Version(testsupport.FirstVersionID + 1)
	assert.False(t, exists, "no version may be created for an unknown id")
}

func TestUpsertVersion_ParentModelIsImmutable(t *testing.T) {
	p, platform := newTestPublisher(t)
	ctx := context.Background()
	_, version := seedVersion(t, p)
	other, err := p.UpsertModel(ctx, models.ModelFields{Name: "Other", Tags: []string{"anime"}}, 0)
	require.NoError(t, err)
	before := platform.CallCount("modelVersion.upsert")

	_, err = p.UpsertVersion(ctx, other.ID, models.VersionFields{Name: "v1-renamed"}, version.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrValidation)
	assert.Contains(t, err.Error(), fmt.Sprintf("belongs to model %d", version.ModelID))
	assert.Equal(t, before, platform.CallCount("modelVersion.upsert"))

	stored, _ := platform.Version(version.ID)
	assert.Equal(t, "v1", stored.Name)
	assert.Equal(t, version.ModelID, stored.ModelID)
}

func TestUpsertVersion_UnknownVAE(t *testing.T) {
	p, platform := newTestPublisher(t)
	model, _ := seedVersion(t, p)

	_, err := p.UpsertVersion(context.Background(), model.ID, models.VersionFields{Name: "v2", VAEName: "does-not-exist"}, 0)
	assert.ErrorIs(t, err, errdefs.ErrValidation)
	assert.Equal(t, 1, platform.CallCount("modelVersion.upsert"), "only the seeded version was sent")
}
