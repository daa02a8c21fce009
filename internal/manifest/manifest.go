// Package manifest reads publish manifests: TOML files describing one model
// version, its files and images, and how it should be released.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go-civitai-publisher/internal/errdefs"
	"go-civitai-publisher/internal/helpers"
	"go-civitai-publisher/internal/models"

	"github.com/BurntSushi/toml"
)

// Publish modes.
const (
	PublishModel   = "model"
	PublishVersion = "version"
)

type (
	// Manifest is a decoded publish manifest.
	Manifest struct {
		Identity     string          `toml:"identity"`
		Model        ModelSection    `toml:"model"`
		Version      VersionSection  `toml:"version"`
		Files        []FileEntry     `toml:"files"`
		Images       ImageSection    `toml:"images"`
		Publish      *PublishSection `toml:"publish"`
		Associations []int           `toml:"associations"`

		// dir is the directory relative paths are resolved against.
		dir string
	}

	ModelSection struct {
		AllowNoCredit         *bool    `toml:"allow_no_credit"`
		AllowDerivatives      *bool    `toml:"allow_derivatives"`
		AllowDifferentLicense *bool    `toml:"allow_different_license"`
		Name                  string   `toml:"name"`
		Description           string   `toml:"description"`
		DescriptionFile       string   `toml:"description_file"`
		Type                  string   `toml:"type"`
		Category              string   `toml:"category"`
		CheckpointType        string   `toml:"checkpoint_type"`
		Tags                  []string `toml:"tags"`
		CommercialUse         []string `toml:"commercial_use"`
		ID                    int      `toml:"id"`
		Nsfw                  bool     `toml:"nsfw"`
		Poi                   bool     `toml:"poi"`
	}

	VersionSection struct {
		Epochs          *int     `toml:"epochs"`
		Steps           *int     `toml:"steps"`
		ClipSkip        *int     `toml:"clip_skip"`
		Name            string   `toml:"name"`
		Description     string   `toml:"description"`
		DescriptionFile string   `toml:"description_file"`
		BaseModel       string   `toml:"base_model"`
		VAE             string   `toml:"vae"`
		TriggerWords    []string `toml:"trigger_words"`
		Resources       []int    `toml:"resources"`
		ID              int      `toml:"id"`
		EarlyAccessDays int      `toml:"early_access_days"`
		RequireAuth     bool     `toml:"require_auth"`
	}

	FileEntry struct {
		Path string `toml:"path"`
		Name string `toml:"name"`
		Type string `toml:"type"`
	}

	ImageSection struct {
		Paths []string `toml:"paths"`
		Tags  []string `toml:"tags"`
		Nsfw  bool     `toml:"nsfw"`
	}

	PublishSection struct {
		At      *time.Time `toml:"at"`
		Mode    string     `toml:"mode"`
		Post    bool       `toml:"post"`
		Enabled *bool      `toml:"enabled"`
	}
)

// Load reads and validates the manifest at path. Relative paths inside it are
// resolved against its directory.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrValidation, "manifest", "", "reading "+path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return Parse(data, filepath.Dir(abs))
}

// Parse decodes and validates a manifest. Keys that map to no field are an
// error.
func Parse(data []byte, dir string) (*Manifest, error) {
	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrValidation, "manifest", "", "invalid TOML", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, errdefs.Validation("manifest", "unknown keys: %s", strings.Join(keys, ", "))
	}
	m.dir = dir
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the parts of the manifest that the publisher cannot check
// itself.
func (m *Manifest) Validate() error {
	if m.Model.ID < 0 || m.Version.ID < 0 {
		return errdefs.Validation("id", "ids must be positive")
	}
	if m.Version.ID > 0 && m.Model.ID == 0 {
		return errdefs.Validation("version.id", "an existing version needs model.id as well")
	}
	if m.Model.Description != "" && m.Model.DescriptionFile != "" {
		return errdefs.Validation("model.description", "set either description or description_file")
	}
	if m.Version.Description != "" && m.Version.DescriptionFile != "" {
		return errdefs.Validation("version.description", "set either description or description_file")
	}
	for i, f := range m.Files {
		if strings.TrimSpace(f.Path) == "" {
			return errdefs.Validation("files", "entry %d has no path", i+1)
		}
	}
	if p := m.Publish; p != nil && p.enabled() {
		if p.Mode != PublishModel && p.Mode != PublishVersion {
			return errdefs.Validation("publish.mode", "must be %q or %q, got %q", PublishModel, PublishVersion, p.Mode)
		}
	}
	for _, id := range m.Associations {
		if id <= 0 {
			return errdefs.Validation("associations", "invalid model id %d", id)
		}
	}
	return nil
}

func (p *PublishSection) enabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Dir is the directory relative paths are resolved against.
func (m *Manifest) Dir() string {
	return m.dir
}

// Key identifies the release in the local ledger: the explicit identity, or
// the slugs of model and version name.
func (m *Manifest) Key() string {
	if id := strings.TrimSpace(m.Identity); id != "" {
		return id
	}
	return helpers.ConvertToSlug(m.Model.Name) + "/" + helpers.ConvertToSlug(m.Version.Name)
}

// ShouldPublish reports whether the manifest asks for a release, and how.
func (m *Manifest) ShouldPublish() (string, *time.Time, bool) {
	if m.Publish == nil || !m.Publish.enabled() {
		return "", nil, false
	}
	return m.Publish.Mode, m.Publish.At, true
}

func (m *Manifest) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || m.dir == "" {
		return path
	}
	return filepath.Join(m.dir, path)
}

func (m *Manifest) description(inline, file string) (string, error) {
	if file == "" {
		return inline, nil
	}
	data, err := os.ReadFile(filepath.Clean(m.resolve(file)))
	if err != nil {
		return "", errdefs.Wrap(errdefs.ErrValidation, "manifest", "", "reading description "+file, err)
	}
	return string(data), nil
}

// ModelFields converts the model section.
func (m *Manifest) ModelFields() (models.ModelFields, error) {
	desc, err := m.description(m.Model.Description, m.Model.DescriptionFile)
	if err != nil {
		return models.ModelFields{}, err
	}
	s := m.Model
	return models.ModelFields{
		Name:                     s.Name,
		Description:              desc,
		Category:                 s.Category,
		Type:                     s.Type,
		CheckpointType:           s.CheckpointType,
		Tags:                     s.Tags,
		CommercialUse:            s.CommercialUse,
		DisallowNoCredit:         s.AllowNoCredit != nil && !*s.AllowNoCredit,
		DisallowDerivatives:      s.AllowDerivatives != nil && !*s.AllowDerivatives,
		DisallowDifferentLicense: s.AllowDifferentLicense != nil && !*s.AllowDifferentLicense,
		Nsfw:                     s.Nsfw,
		Poi:                      s.Poi,
	}, nil
}

// VersionFields converts the version section.
func (m *Manifest) VersionFields() (models.VersionFields, error) {
	desc, err := m.description(m.Version.Description, m.Version.DescriptionFile)
	if err != nil {
		return models.VersionFields{}, err
	}
	s := m.Version
	return models.VersionFields{
		Name:         s.Name,
		Description:  desc,
		BaseModel:    s.BaseModel,
		VAEName:      s.VAE,
		TriggerWords: s.TriggerWords,
		Resources:    s.Resources,
		Epochs:       s.Epochs,
		Steps:        s.Steps,
		ClipSkip:     s.ClipSkip,
		EarlyAccess:  s.EarlyAccessDays,
		RequireAuth:  s.RequireAuth,
	}, nil
}

// FileSpecs lists the model files with resolved paths.
func (m *Manifest) FileSpecs() []models.FileSpec {
	specs := make([]models.FileSpec, 0, len(m.Files))
	for _, f := range m.Files {
		specs = append(specs, models.FileSpec{Path: m.resolve(f.Path), DisplayName: f.Name, Type: f.Type})
	}
	return specs
}

// ImageSpecs lists the version images with resolved paths. Glob patterns are
// expanded in lexical order.
func (m *Manifest) ImageSpecs() ([]models.ImageSpec, error) {
	var specs []models.ImageSpec
	for _, p := range m.Images.Paths {
		resolved := m.resolve(p)
		if !strings.ContainsAny(p, "*?[") {
			specs = append(specs, models.ImageSpec{Path: resolved})
			continue
		}
		matches, err := filepath.Glob(resolved)
		if err != nil {
			return nil, errdefs.Validation("images.paths", "bad pattern %q: %v", p, err)
		}
		if len(matches) == 0 {
			return nil, errdefs.Validation("images.paths", "pattern %q matches no file", p)
		}
		for _, match := range matches {
			specs = append(specs, models.ImageSpec{Path: match})
		}
	}
	return specs, nil
}

// String summarizes the manifest for logs.
func (m *Manifest) String() string {
	return fmt.Sprintf("%s (%d file(s), %d image path(s))", m.Key(), len(m.Files), len(m.Images.Paths))
}
