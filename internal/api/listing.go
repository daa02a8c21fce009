package api

import (
	"context"
	"encoding/json"

	"go-civitai-publisher/internal/models"
)

type cursorInput struct {
	Username   string          `json:"username,omitempty"`
	Period     string          `json:"period,omitempty"`
	PeriodMode string          `json:"periodMode,omitempty"`
	Sort       string          `json:"sort,omitempty"`
	View       string          `json:"view,omitempty"`
	Types      []string        `json:"types,omitempty"`
	Cursor     json.RawMessage `json:"cursor,omitempty"`
	PostID     int             `json:"postId,omitempty"`
	Limit      int             `json:"limit,omitempty"`
	Authed     bool            `json:"authed"`
}

type pageInput struct {
	Query      string   `json:"query,omitempty"`
	EntityType []string `json:"entityType,omitempty"`
	Categories *bool    `json:"categories,omitempty"`
	Page       int      `json:"page"`
	Limit      int      `json:"limit"`
	Authed     bool     `json:"authed"`
}

type itemsPage[T any] struct {
	Items []T `json:"items"`
}

// cursorListing builds an iterator over a cursor-paginated tRPC procedure.
func cursorListing[T any](c *Client, procedure string, input cursorInput, opts IterOptions) *Iterator[T] {
	return NewCursorIterator[T](func(ctx context.Context, cursor Cursor) (CursorPage[T], error) {
		in := input
		in.Cursor = cursor.raw
		var page CursorPage[T]
		err := c.Query(ctx, procedure, in, &page)
		return page, err
	}, opts)
}

// ModelsOfUser lists the published models of username, newest first.
func (c *Client) ModelsOfUser(username string, opts IterOptions) *Iterator[models.ModelSummary] {
	return cursorListing[models.ModelSummary](c, "model.getAll", cursorInput{
		Username:   username,
		Period:     "AllTime",
		PeriodMode: "published",
		Sort:       "Newest",
		View:       "feed",
		Authed:     true,
	}, opts)
}

// ImagesOfUser lists the images posted by username, newest first.
func (c *Client) ImagesOfUser(username string, opts IterOptions) *Iterator[models.ImageSummary] {
	return cursorListing[models.ImageSummary](c, "image.getInfinite", cursorInput{
		Username: username,
		Period:   "AllTime",
		Sort:     "Newest",
		Types:    []string{"image"},
		Authed:   true,
	}, opts)
}

// PostImages lists the images of one post in display order.
func (c *Client) PostImages(postID int, opts IterOptions) *Iterator[models.ImageSummary] {
	return cursorListing[models.ImageSummary](c, "image.getInfinite", cursorInput{
		PostID: postID,
		Authed: true,
	}, opts)
}

// DraftModels lists the session owner's draft models page by page.
func (c *Client) DraftModels(limit int, opts IterOptions) *Iterator[models.ModelSummary] {
	if limit <= 0 {
		limit = 10
	}
	return NewNumberedIterator[models.ModelSummary](func(ctx context.Context, page int) ([]models.ModelSummary, error) {
		var out itemsPage[models.ModelSummary]
		err := c.Query(ctx, "model.getMyDraftModels", pageInput{Page: page, Limit: limit, Authed: true}, &out)
		return out.Items, err
	}, opts)
}

// ModelTags searches the model tags matching query.
func (c *Client) ModelTags(query string, opts IterOptions) *Iterator[models.Tag] {
	noCategories := false
	return NewNumberedIterator[models.Tag](func(ctx context.Context, page int) ([]models.Tag, error) {
		var out itemsPage[models.Tag]
		err := c.Query(ctx, "tag.getAll", pageInput{
			Query:      query,
			EntityType: []string{"Model"},
			Categories: &noCategories,
			Page:       page,
			Limit:      20,
			Authed:     true,
		}, &out)
		return out.Items, err
	}, opts)
}

// PostTags returns the post tags matching query. The endpoint is not paginated.
func (c *Client) PostTags(ctx context.Context, query string) ([]models.Tag, error) {
	var out []models.Tag
	err := c.Query(ctx, "post.getTags", struct {
		Query  string `json:"query"`
		Authed bool   `json:"authed"`
	}{query, true}, &out)
	return out, err
}

// VAEVersions returns every model version of type VAE.
func (c *Client) VAEVersions(ctx context.Context) ([]models.VAEVersion, error) {
	var out []models.VAEVersion
	err := c.Query(ctx, "modelVersion.getModelVersionsByModelType", struct {
		Type   string `json:"type"`
		Authed bool   `json:"authed"`
	}{"VAE", true}, &out)
	return out, err
}
