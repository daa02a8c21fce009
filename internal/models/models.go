package models

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// CivitaiImageRoot is the CDN prefix for uploaded images.
const CivitaiImageRoot = "https://image.civitai.com/xG1nkqKTMzGDvpLrqFT7WA/"

type (
	// Config holds the application's configuration settings.
	Config struct {
		BaseURL             string        `toml:"BaseURL" json:"BaseURL"`
		SessionFile         string        `toml:"SessionFile" json:"SessionFile"`
		DatabasePath        string        `toml:"DatabasePath" json:"DatabasePath"`
		LogLevel            string        `toml:"LogLevel" json:"LogLevel"`
		LogFormat           string        `toml:"LogFormat" json:"LogFormat"`
		ApiLogPath          string        `toml:"ApiLogPath" json:"ApiLogPath"`
		CSRFHeader          string        `toml:"CSRFHeader" json:"CSRFHeader"`
		UserAgent           string        `toml:"UserAgent" json:"UserAgent"`
		HFToken             string        `toml:"-" json:"-"` // HF_TOKEN, never written back
		Upload              UploadConfig  `toml:"Upload" json:"Upload"`
		List                ListConfig    `toml:"List" json:"List"`
		Publish             PublishConfig `toml:"Publish" json:"Publish"`
		APIDelayMs          int           `toml:"ApiDelayMs" json:"ApiDelayMs"`
		APIClientTimeoutSec int           `toml:"ApiClientTimeoutSec" json:"ApiClientTimeoutSec"`
		MaxRetries          int           `toml:"MaxRetries" json:"MaxRetries"`
		InitialRetryDelayMs int           `toml:"InitialRetryDelayMs" json:"InitialRetryDelayMs"`
		LogApiRequests      bool          `toml:"LogApiRequests" json:"LogApiRequests"`
	}

	// UploadConfig holds settings for the upload engine.
	UploadConfig struct {
		FileNamePattern    string `toml:"FileNamePattern"`
		Concurrency        int    `toml:"Concurrency"`
		TransferTimeoutSec int    `toml:"TransferTimeoutSec"`
		// Images
		ImageConcurrency int  `toml:"ImageConcurrency"`
		SkipBlurhash     bool `toml:"SkipBlurhash"`
	}

	// ListConfig holds settings for the listing commands and the paginated fetcher.
	ListConfig struct {
		Limit         int `toml:"Limit"`
		MaxPages      int `toml:"MaxPages"`
		MaxEmptyPages int `toml:"MaxEmptyPages"`
	}

	// PublishConfig holds defaults applied by the publish workflow.
	PublishConfig struct {
		DefaultBaseModel string `toml:"DefaultBaseModel"`
		PublishPost      bool   `toml:"PublishPost"`
	}

	// WhoAmI is the authenticated identity behind a session.
	WhoAmI struct {
		CreatedAt *time.Time `json:"createdAt,omitempty"`
		Name      string     `json:"name"`
		Username  string     `json:"username"`
		Email     string     `json:"email"`
		Image     string     `json:"image"`
		ID        int        `json:"id"`
	}

	// ModelFields are the caller-controlled attributes of a model.
	ModelFields struct {
		Name           string
		Description    string // markdown
		Category       string
		Type           string
		CheckpointType string
		Tags           []string
		CommercialUse  []string // nil means the platform default (RentCivit, Rent)
		// Licence switches default to allowed; set the Disallow* flags to restrict.
		DisallowNoCredit         bool
		DisallowDerivatives      bool
		DisallowDifferentLicense bool
		Nsfw                     bool
		Poi                      bool
	}

	// Model is a model as acknowledged by the platform.
	Model struct {
		Name   string   `json:"name"`
		Type   string   `json:"type"`
		Status string   `json:"status"`
		Tags   []string `json:"-"`
		ID     int      `json:"id"`
		Nsfw   bool     `json:"nsfw"`
		Poi    bool     `json:"poi"`
	}

	// VersionFields are the caller-controlled attributes of a model version.
	VersionFields struct {
		Name         string
		Description  string // markdown
		BaseModel    string
		VAEName      string
		TriggerWords []string
		Resources    []int // recommended resource (version) ids
		Epochs       *int
		Steps        *int
		ClipSkip     *int
		EarlyAccess  int // days
		RequireAuth  bool
	}

	// Version is a model version as acknowledged by the platform.
	Version struct {
		Name      string `json:"name"`
		BaseModel string `json:"baseModel"`
		Status    string `json:"status"`
		ID        int    `json:"id"`
		ModelID   int    `json:"modelId"`
	}

	// FileSpec names one local artifact to upload and its remote display name.
	FileSpec struct {
		Path        string
		DisplayName string // empty: derived from Upload.FileNamePattern
		Type        string // platform file type, defaults to "Model"
	}

	// UploadedFile is the outcome of uploading one FileSpec. RemoteID is only
	// set after the platform acknowledged the file; Err carries a per-file failure.
	UploadedFile struct {
		Err         error   `json:"-"`
		LocalPath   string  `json:"localPath"`
		DisplayName string  `json:"displayName"`
		URL         string  `json:"url,omitempty"`
		BLAKE3      string  `json:"blake3,omitempty"`
		SizeKB      float64 `json:"sizeKB"`
		RemoteID    int     `json:"remoteId,omitempty"`
		VersionID   int     `json:"versionId"`
	}

	// ImageSpec names one local image to attach to a version post.
	ImageSpec struct {
		Path     string
		Filename string // empty: base name of Path
	}

	// UploadedImage is an image stored on the platform. PostID is zero for
	// standalone images (e.g. for markdown embedding).
	UploadedImage struct {
		Err       error    `json:"-"`
		LocalPath string   `json:"localPath"`
		ID        string   `json:"id,omitempty"` // platform image key
		Filename  string   `json:"filename"`
		MimeType  string   `json:"mimeType,omitempty"`
		Hash      string   `json:"hash,omitempty"` // blurhash
		BLAKE3    string   `json:"blake3,omitempty"`
		Tags      []string `json:"tags,omitempty"`
		Width     int      `json:"width,omitempty"`
		Height    int      `json:"height,omitempty"`
		PostID    int      `json:"postId,omitempty"`
		Nsfw      bool     `json:"nsfw"`
	}

	// ImageUploadResult groups the images uploaded for one version post.
	ImageUploadResult struct {
		Images []UploadedImage
		PostID int
	}
)

// OriginalURL is the URL of the full size image.
func (i UploadedImage) OriginalURL() string {
	return fmt.Sprintf("%s%s/original=true/%s", CivitaiImageRoot, i.ID, url.QueryEscape(i.Filename))
}

// URL returns the URL of the variant scaled to width pixels.
func (i UploadedImage) URL(width int) string {
	if width <= 0 {
		width = 525
	}
	return fmt.Sprintf("%s%s/width=%d/%s", CivitaiImageRoot, i.ID, width, url.QueryEscape(i.Filename))
}

// Markdown renders the image as a markdown embed.
func (i UploadedImage) Markdown(width int) string {
	return fmt.Sprintf("![%s](%s)", strings.TrimSuffix(i.Filename, extOf(i.Filename)), i.URL(width))
}

func extOf(name string) string {
	if idx := strings.LastIndex(name, "."); idx > 0 {
		return name[idx:]
	}
	return ""
}

// PublishTarget selects what a PublishRequest acts on.
type PublishTarget string

const (
	TargetModel   PublishTarget = "model"
	TargetVersion PublishTarget = "version"
)

// PublishState is the visibility state of a model or version.
type PublishState string

const (
	StateDraft         PublishState = "Draft"
	StatePendingReview PublishState = "PendingReview"
	StateScheduled     PublishState = "Scheduled"
	StatePublished     PublishState = "Published"
)

// ParsePublishState maps a platform status string onto a PublishState.
// Unknown statuses (e.g. "Training", "UnpublishedViolation") count as Draft.
func ParsePublishState(status string) PublishState {
	switch strings.ToLower(strings.NewReplacer(" ", "", "_", "").Replace(status)) {
	case "published":
		return StatePublished
	case "scheduled":
		return StateScheduled
	case "pendingreview":
		return StatePendingReview
	default:
		return StateDraft
	}
}

type (
	// PublishRequest asks for a model or version to become visible, now or at PublishAt.
	PublishRequest struct {
		PublishAt *time.Time
		Target    PublishTarget
		ModelID   int
		VersionID int
	}

	// PublishResult is the acknowledged outcome of a PublishRequest.
	PublishResult struct {
		PublishAt *time.Time    `json:"publishAt,omitempty"`
		Target    PublishTarget `json:"target"`
		State     PublishState  `json:"state"`
		ModelID   int           `json:"modelId,omitempty"`
		VersionID int           `json:"versionId,omitempty"`
	}
)

// Api Calls and Responses

type (
	// Tag is a platform tag as returned by tag.getAll.
	Tag struct {
		Name       string `json:"name"`
		ID         int    `json:"id"`
		IsCategory bool   `json:"isCategory"`
	}

	// ModelSummary is one row of a model listing.
	ModelSummary struct {
		PublishedAt *time.Time `json:"publishedAt"`
		Name        string     `json:"name"`
		Type        string     `json:"type"`
		Status      string     `json:"status"`
		User        struct {
			Username string `json:"username"`
		} `json:"user"`
		ID   int  `json:"id"`
		Nsfw bool `json:"nsfw"`
	}

	// ImageSummary is one row of an image listing.
	ImageSummary struct {
		CreatedAt *time.Time `json:"createdAt"`
		URL       string     `json:"url"`
		Name      string     `json:"name"`
		Hash      string     `json:"hash"`
		ID        int        `json:"id"`
		PostID    int        `json:"postId"`
		Width     int        `json:"width"`
		Height    int        `json:"height"`
	}

	// VAEVersion is one entry of modelVersion.getModelVersionsByModelType.
	VAEVersion struct {
		ModelName string `json:"modelName"`
		Name      string `json:"name"`
		ID        int    `json:"id"`
	}

	// UploadSlot is the response of the model-file upload slot request.
	UploadSlot struct {
		Bucket   string          `json:"bucket"`
		Key      string          `json:"key"`
		UploadID string          `json:"uploadId"`
		URLs     []UploadSlotURL `json:"urls"`
	}

	// UploadSlotURL is one pre-signed part destination.
	UploadSlotURL struct {
		URL        string `json:"url"`
		PartNumber int    `json:"partNumber"`
	}

	// CompletedPart is an acknowledged multipart part.
	CompletedPart struct {
		ETag       string `json:"ETag"`
		PartNumber int    `json:"PartNumber"`
	}

	// ImageSlot is the response of the image upload slot request.
	ImageSlot struct {
		ID        string `json:"id"`
		UploadURL string `json:"uploadURL"`
	}
)

// FlexibleID decodes ids the platform sends either as numbers or as strings.
type FlexibleID int

// UnmarshalJSON implements json.Unmarshaler for FlexibleID
func (f *FlexibleID) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*f = FlexibleID(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	var parsed int
	if _, err := fmt.Sscanf(s, "%d", &parsed); err != nil {
		return fmt.Errorf("invalid id %q: %w", s, err)
	}
	*f = FlexibleID(parsed)
	return nil
}

// Ledger Status Constants
const (
	LedgerStatusPending   = "Pending"
	LedgerStatusUploaded  = "Uploaded"
	LedgerStatusScheduled = "Scheduled"
	LedgerStatusPublished = "Published"
	LedgerStatusError     = "Error"
)

// LedgerEntry records the remote ids assigned to one logical publishing identity.
type LedgerEntry struct {
	UpdatedAt    time.Time  `json:"updatedAt"`
	PublishedAt  *time.Time `json:"publishedAt,omitempty"`
	Identity     string     `json:"identity"`
	ModelName    string     `json:"modelName"`
	VersionName  string     `json:"versionName"`
	Status       string     `json:"status"`
	ErrorDetails string     `json:"errorDetails,omitempty"`
	ModelID      int        `json:"modelId"`
	VersionID    int        `json:"versionId"`
	PostID       int        `json:"postId,omitempty"`
}
