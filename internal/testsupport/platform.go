// Package testsupport provides an in-process fake of the publishing platform
// for package tests.
package testsupport

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go-civitai-publisher/internal/models"
	"go-civitai-publisher/internal/session"
)

const (
	SessionToken = "fake-session-token"
	CSRFToken    = "fake-csrf"
	Username     = "publisher"
	UserID       = 42

	FirstModelID   = 555
	FirstVersionID = 900
	FirstFileID    = 3000
	FirstPostID    = 7000
)

// FakeModel is the platform-side state of a model.
type FakeModel struct {
	PublishedAt *time.Time
	Input       map[string]any
	Name        string
	Type        string
	Status      string
	Tags        []string
	VersionIDs  []int
	ID          int
	Nsfw        bool
	Poi         bool
}

// FakeVersion is the platform-side state of a model version.
type FakeVersion struct {
	PublishedAt *time.Time
	Input       map[string]any
	Name        string
	BaseModel   string
	Status      string
	FileIDs     []int
	ID          int
	ModelID     int
}

// FakeFile is a model file bound to a version.
type FakeFile struct {
	Name      string
	URL       string
	Key       string
	SizeKB    float64
	ID        int
	VersionID int
}

// FakeImage is an image attached to a post.
type FakeImage struct {
	Meta     map[string]any
	Name     string
	URL      string
	Hash     string
	MimeType string
	Index    int
	Width    int
	Height   int
}

// FakePost is an image post created for a version.
type FakePost struct {
	PublishedAt *time.Time
	Tags        []string
	Images      []FakeImage
	ID          int
	VersionID   int
	Nsfw        bool
}

type pendingUpload struct {
	Filename string
	Parts    map[int]string // part number -> etag
	Size     int64
	NumParts int
}

// Platform is a fake of the platform's HTTP surface: tRPC procedures, the
// upload slot endpoints, an S3-like part store and an image direct-upload host.
type Platform struct {
	Server *httptest.Server

	Models       map[int]*FakeModel
	Versions     map[int]*FakeVersion
	Files        map[int]*FakeFile
	Posts        map[int]*FakePost
	Associations map[int][]int
	Tags         []models.Tag
	PostTagList  []models.Tag
	VAEs         []models.VAEVersion

	// Stored bytes: s3 key -> content, image id -> content.
	Objects map[string][]byte
	Images  map[string][]byte

	// Fault injection, keyed by file name.
	FailSlot     map[string]int
	FailTransfer map[string]int
	FailConfirm  map[string]int
	// TransferDelay stalls part uploads, for timeout tests.
	TransferDelay time.Duration
	// FailAddTag makes post.addTag answer 404 like the live platform sometimes does.
	FailAddTag bool
	// OmitFileID makes modelFile.create succeed without returning a file id.
	OmitFileID bool

	// PageSize is the listing page size for model.getAll and model.getMyDraftModels.
	PageSize int
	// EmptyPagesBeforeData inserts empty pages that still carry a cursor.
	EmptyPagesBeforeData int
	// PartSize splits model uploads into several pre-signed parts.
	PartSize int64

	pending map[string]*pendingUpload
	calls   []string
	aborted []string

	nextModelID   int
	nextVersionID int
	nextFileID    int
	nextPostID    int
	nextImageID   int
	nextUpload    int
	mu            sync.Mutex
}

// NewPlatform starts a fake platform that is shut down with the test.
func NewPlatform(t testing.TB) *Platform {
	p := &Platform{
		Models:       make(map[int]*FakeModel),
		Versions:     make(map[int]*FakeVersion),
		Files:        make(map[int]*FakeFile),
		Posts:        make(map[int]*FakePost),
		Associations: make(map[int][]int),
		Objects:      make(map[string][]byte),
		Images:       make(map[string][]byte),
		FailSlot:     make(map[string]int),
		FailTransfer: make(map[string]int),
		FailConfirm:  make(map[string]int),
		pending:      make(map[string]*pendingUpload),
		PageSize:     2,
		PartSize:     1 << 30,
		Tags: []models.Tag{
			{ID: 1, Name: "anime"},
			{ID: 2, Name: "Character", IsCategory: true},
			{ID: 3, Name: "pixel art"},
			{ID: 4, Name: "sci-fi"},
		},
		PostTagList: []models.Tag{
			{ID: 11, Name: "anime"},
			{ID: 12, Name: "girl"},
		},
		VAEs: []models.VAEVersion{
			{ID: 80, ModelName: "kl-f8-anime2", Name: "v1"},
			{ID: 81, ModelName: "vae-ft-mse-840000-ema-pruned", Name: "v1"},
		},
		nextModelID:   FirstModelID,
		nextVersionID: FirstVersionID,
		nextFileID:    FirstFileID,
		nextPostID:    FirstPostID,
	}
	p.Server = httptest.NewServer(http.HandlerFunc(p.serve))
	t.Cleanup(p.Server.Close)
	return p
}

// URL is the platform root.
func (p *Platform) URL() string {
	return p.Server.URL
}

// SessionJSON returns a session file accepted by this platform.
func (p *Platform) SessionJSON() []byte {
	return []byte(fmt.Sprintf(`{"cookies": {"next-auth.session-token": %q, "next-auth.csrf-token": "%s%%7Chash"}}`, SessionToken, CSRFToken))
}

// Calls returns the procedure/endpoint names served so far, in order.
func (p *Platform) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// CallCount counts how often name was served.
func (p *Platform) CallCount(name string) int {
	n := 0
	for _, c := range p.Calls() {
		if c == name {
			n++
		}
	}
	return n
}

// Aborted lists the upload keys aborted by clients.
func (p *Platform) Aborted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.aborted...)
}

// Model returns a copy of model id, if it exists.
func (p *Platform) Model(id int) (FakeModel, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.Models[id]
	if !ok {
		return FakeModel{}, false
	}
	return *m, true
}

// Version returns a copy of version id, if it exists.
func (p *Platform) Version(id int) (FakeVersion, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.Versions[id]
	if !ok {
		return FakeVersion{}, false
	}
	return *v, true
}

// Post returns a copy of post id, if it exists.
func (p *Platform) Post(id int) (FakePost, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	post, ok := p.Posts[id]
	if !ok {
		return FakePost{}, false
	}
	return *post, true
}

// AssociationsOf returns the suggested resources of model id.
func (p *Platform) AssociationsOf(id int) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.Associations[id]...)
}

// ModelCount returns how many models exist.
func (p *Platform) ModelCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Models)
}

// FilesOf returns the files bound to versionID ordered by id.
func (p *Platform) FilesOf(versionID int) []FakeFile {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []FakeFile
	for _, f := range p.Files {
		if f.VersionID == versionID {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Heal clears every injected failure for file name.
func (p *Platform) Heal(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.FailSlot, name)
	delete(p.FailTransfer, name)
	delete(p.FailConfirm, name)
}

// SeedModel inserts a model directly, bypassing the API.
func (p *Platform) SeedModel(name, status string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextModelID
	p.nextModelID++
	p.Models[id] = &FakeModel{ID: id, Name: name, Type: "LORA", Status: status}
	return id
}

func (p *Platform) record(name string) {
	p.mu.Lock()
	p.calls = append(p.calls, name)
	p.mu.Unlock()
}

func (p *Platform) serve(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/auth/session":
		p.record("auth.session")
		p.serveSession(w, r)
	case strings.HasPrefix(r.URL.Path, "/api/trpc/"):
		p.serveTRPC(w, r, strings.TrimPrefix(r.URL.Path, "/api/trpc/"))
	case r.URL.Path == "/api/upload" && r.Method == http.MethodPost:
		p.record("upload.slot")
		if !p.authorized(w, r, "upload") {
			return
		}
		p.serveUploadSlot(w, r)
	case r.URL.Path == "/api/upload/complete" && r.Method == http.MethodPost:
		p.record("upload.complete")
		if !p.authorized(w, r, "upload.complete") {
			return
		}
		p.serveUploadComplete(w, r)
	case r.URL.Path == "/api/upload/abort" && r.Method == http.MethodPost:
		p.record("upload.abort")
		p.serveUploadAbort(w, r)
	case r.URL.Path == "/api/image-upload" && r.Method == http.MethodPost:
		p.record("image.slot")
		if !p.authorized(w, r, "image-upload") {
			return
		}
		p.serveImageSlot(w, r)
	case strings.HasPrefix(r.URL.Path, "/s3/") && r.Method == http.MethodPut:
		p.record("s3.put")
		p.servePartPut(w, r)
	case strings.HasPrefix(r.URL.Path, "/cf/") && r.Method == http.MethodPost:
		p.record("cf.post")
		p.serveImagePost(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (p *Platform) serveSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !strings.Contains(r.Header.Get("Cookie"), "next-auth.session-token="+SessionToken) {
		_, _ = w.Write([]byte(`{}`))
		return
	}
	_, _ = fmt.Fprintf(w, `{"user":{"id":%d,"username":%q,"name":"Publisher","email":"p@example.com"},"expires":%q}`,
		UserID, Username, time.Now().Add(24*time.Hour).UTC().Format(time.RFC3339))
}

func (p *Platform) authorized(w http.ResponseWriter, r *http.Request, path string) bool {
	if !strings.Contains(r.Header.Get("Cookie"), "next-auth.session-token="+SessionToken) {
		writeTRPCError(w, http.StatusUnauthorized, "UNAUTHORIZED", path, "You must be logged in")
		return false
	}
	if r.Method == http.MethodPost && r.Header.Get("X-CSRF-Token") != CSRFToken {
		writeTRPCError(w, http.StatusForbidden, "FORBIDDEN", path, "Invalid CSRF token")
		return false
	}
	return true
}

func writeTRPCError(w http.ResponseWriter, status int, code, path, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"json": map[string]any{
				"message": message,
				"code":    -32000,
				"data":    map[string]any{"code": code, "httpStatus": status, "path": path},
			},
		},
	})
}

func writeTRPCResult(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"result": map[string]any{"data": map[string]any{"json": v}},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type envelope struct {
	JSON json.RawMessage `json:"json"`
	Meta json.RawMessage `json:"meta"`
}

func (p *Platform) serveTRPC(w http.ResponseWriter, r *http.Request, proc string) {
	p.record(proc)
	if !p.authorized(w, r, proc) {
		return
	}

	var raw []byte
	if r.Method == http.MethodGet {
		raw = []byte(r.URL.Query().Get("input"))
	} else {
		raw, _ = io.ReadAll(r.Body)
	}
	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			writeTRPCError(w, http.StatusBadRequest, "PARSE_ERROR", proc, "invalid superjson input")
			return
		}
	}
	input := map[string]any{}
	if len(env.JSON) > 0 {
		_ = json.Unmarshal(env.JSON, &input)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch proc {
	case "model.upsert":
		p.modelUpsert(w, input)
	case "modelVersion.upsert":
		p.versionUpsert(w, input)
	case "modelFile.create":
		p.fileCreate(w, input)
	case "model.publish":
		p.modelPublish(w, input)
	case "modelVersion.publish":
		p.versionPublish(w, input)
	case "model.getById":
		p.modelGetByID(w, input)
	case "modelVersion.getById":
		p.versionGetByID(w, input)
	case "model.setAssociatedResources":
		p.setAssociations(w, input)
	case "model.getAll":
		p.modelGetAll(w, input)
	case "model.getMyDraftModels":
		p.draftModels(w, input)
	case "tag.getAll":
		p.tagGetAll(w, input)
	case "post.getTags":
		writeTRPCResult(w, filterTags(p.PostTagList, str(input["query"])))
	case "modelVersion.getModelVersionsByModelType":
		writeTRPCResult(w, p.VAEs)
	case "post.create":
		p.postCreate(w, input)
	case "post.addImage":
		p.postAddImage(w, input)
	case "post.addTag":
		p.postAddTag(w, input)
	case "post.update":
		p.postUpdate(w, input)
	case "image.getInfinite":
		p.imageGetInfinite(w, input)
	default:
		writeTRPCError(w, http.StatusNotFound, "NOT_FOUND", proc, "No procedure found on path \""+proc+"\"")
	}
}

func (p *Platform) modelUpsert(w http.ResponseWriter, in map[string]any) {
	name := str(in["name"])
	if name == "" {
		writeTRPCError(w, http.StatusBadRequest, "BAD_REQUEST", "model.upsert", "name is required")
		return
	}
	var tags []string
	if list, ok := in["tagsOnModels"].([]any); ok {
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				tags = append(tags, str(m["name"]))
			}
		}
	}

	if id, ok := num(in["id"]); ok {
		m, exists := p.Models[id]
		if !exists {
			writeTRPCError(w, http.StatusNotFound, "NOT_FOUND", "model.upsert", fmt.Sprintf("No model with id %d", id))
			return
		}
		m.Name, m.Type, m.Tags, m.Input = name, str(in["type"]), tags, in
		m.Nsfw, m.Poi = in["nsfw"] == true, in["poi"] == true
		writeTRPCResult(w, modelJSON(m))
		return
	}
	id := p.nextModelID
	p.nextModelID++
	m := &FakeModel{ID: id, Name: name, Type: str(in["type"]), Status: "Draft", Tags: tags, Input: in,
		Nsfw: in["nsfw"] == true, Poi: in["poi"] == true}
	p.Models[id] = m
	writeTRPCResult(w, modelJSON(m))
}

func modelJSON(m *FakeModel) map[string]any {
	return map[string]any{"id": m.ID, "name": m.Name, "type": m.Type, "status": m.Status, "nsfw": m.Nsfw, "poi": m.Poi}
}

func (p *Platform) versionUpsert(w http.ResponseWriter, in map[string]any) {
	modelID, _ := num(in["modelId"])
	m, ok := p.Models[modelID]
	if !ok {
		writeTRPCError(w, http.StatusNotFound, "NOT_FOUND", "modelVersion.upsert", fmt.Sprintf("No model with id %d", modelID))
		return
	}
	if id, ok := num(in["id"]); ok {
		v, exists := p.Versions[id]
		if !exists {
			writeTRPCError(w, http.StatusNotFound, "NOT_FOUND", "modelVersion.upsert", fmt.Sprintf("No version with id %d", id))
			return
		}
		v.Name, v.BaseModel, v.Input = str(in["name"]), str(in["baseModel"]), in
		writeTRPCResult(w, versionJSON(v))
		return
	}
	id := p.nextVersionID
	p.nextVersionID++
	v := &FakeVersion{ID: id, ModelID: modelID, Name: str(in["name"]), BaseModel: str(in["baseModel"]), Status: "Draft", Input: in}
	p.Versions[id] = v
	m.VersionIDs = append(m.VersionIDs, id)
	writeTRPCResult(w, versionJSON(v))
}

func versionJSON(v *FakeVersion) map[string]any {
	return map[string]any{"id": v.ID, "modelId": v.ModelID, "name": v.Name, "baseModel": v.BaseModel, "status": v.Status}
}

func (p *Platform) fileCreate(w http.ResponseWriter, in map[string]any) {
	versionID, _ := num(in["modelVersionId"])
	v, ok := p.Versions[versionID]
	if !ok {
		writeTRPCError(w, http.StatusNotFound, "NOT_FOUND", "modelFile.create", fmt.Sprintf("No version with id %d", versionID))
		return
	}
	key := str(in["key"])
	if _, stored := p.Objects[key]; !stored {
		writeTRPCError(w, http.StatusBadRequest, "BAD_REQUEST", "modelFile.create", "upload "+key+" was never completed")
		return
	}
	if p.OmitFileID {
		writeTRPCResult(w, map[string]any{"name": str(in["name"])})
		return
	}
	id := p.nextFileID
	p.nextFileID++
	size, _ := in["sizeKB"].(float64)
	f := &FakeFile{ID: id, VersionID: versionID, Name: str(in["name"]), URL: str(in["url"]), Key: key, SizeKB: size}
	p.Files[id] = f
	v.FileIDs = append(v.FileIDs, id)
	writeTRPCResult(w, map[string]any{"id": id, "name": f.Name, "url": f.URL, "sizeKB": f.SizeKB})
}

func parsePublishedAt(in map[string]any) *time.Time {
	s := str(in["publishedAt"])
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

func statusFor(at *time.Time) string {
	if at != nil && at.After(time.Now()) {
		return "Scheduled"
	}
	return "Published"
}

func (p *Platform) modelPublish(w http.ResponseWriter, in map[string]any) {
	id, _ := num(in["id"])
	m, ok := p.Models[id]
	if !ok {
		writeTRPCError(w, http.StatusNotFound, "NOT_FOUND", "model.publish", fmt.Sprintf("No model with id %d", id))
		return
	}
	at := parsePublishedAt(in)
	status := statusFor(at)
	if list, ok := in["versionIds"].([]any); ok {
		for _, raw := range list {
			vid, _ := num(raw)
			v, exists := p.Versions[vid]
			if !exists || v.ModelID != id {
				writeTRPCError(w, http.StatusBadRequest, "BAD_REQUEST", "model.publish", fmt.Sprintf("version %d does not belong to model %d", vid, id))
				return
			}
			v.Status, v.PublishedAt = status, at
		}
	}
	m.Status, m.PublishedAt = status, at
	writeTRPCResult(w, modelJSON(m))
}

// versionPublish only flips the version; the parent model keeps its state,
// as on the live platform.
func (p *Platform) versionPublish(w http.ResponseWriter, in map[string]any) {
	id, _ := num(in["id"])
	v, ok := p.Versions[id]
	if !ok {
		writeTRPCError(w, http.StatusNotFound, "NOT_FOUND", "modelVersion.publish", fmt.Sprintf("No version with id %d", id))
		return
	}
	at := parsePublishedAt(in)
	v.Status, v.PublishedAt = statusFor(at), at
	writeTRPCResult(w, versionJSON(v))
}

func (p *Platform) modelGetByID(w http.ResponseWriter, in map[string]any) {
	id, _ := num(in["id"])
	m, ok := p.Models[id]
	if !ok {
		writeTRPCError(w, http.StatusNotFound, "NOT_FOUND", "model.getById", fmt.Sprintf("No model with id %d", id))
		return
	}
	out := modelJSON(m)
	versions := make([]map[string]any, 0, len(m.VersionIDs))
	for _, vid := range m.VersionIDs {
		versions = append(versions, versionJSON(p.Versions[vid]))
	}
	out["modelVersions"] = versions
	if m.PublishedAt != nil {
		out["publishedAt"] = m.PublishedAt.UTC().Format(time.RFC3339)
	}
	writeTRPCResult(w, out)
}

func (p *Platform) versionGetByID(w http.ResponseWriter, in map[string]any) {
	id, _ := num(in["id"])
	v, ok := p.Versions[id]
	if !ok {
		writeTRPCError(w, http.StatusNotFound, "NOT_FOUND", "modelVersion.getById", fmt.Sprintf("No version with id %d", id))
		return
	}
	writeTRPCResult(w, versionJSON(v))
}

func (p *Platform) setAssociations(w http.ResponseWriter, in map[string]any) {
	id, _ := num(in["fromId"])
	if _, ok := p.Models[id]; !ok {
		writeTRPCError(w, http.StatusNotFound, "NOT_FOUND", "model.setAssociatedResources", fmt.Sprintf("No model with id %d", id))
		return
	}
	var ids []int
	if list, ok := in["associations"].([]any); ok {
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				rid, _ := num(m["resourceId"])
				ids = append(ids, rid)
			}
		}
	}
	p.Associations[id] = ids
	writeTRPCResult(w, nil)
}

func (p *Platform) sortedModels(filter func(*FakeModel) bool) []*FakeModel {
	var out []*FakeModel
	for _, m := range p.Models {
		if filter(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// modelGetAll pages over every non-draft model with an integer offset cursor.
func (p *Platform) modelGetAll(w http.ResponseWriter, in map[string]any) {
	all := p.sortedModels(func(m *FakeModel) bool { return m.Status != "Draft" })
	offset, hasCursor := num(in["cursor"])
	if !hasCursor {
		offset = 0
	}
	if offset < p.EmptyPagesBeforeData {
		writeTRPCResult(w, map[string]any{"items": []any{}, "nextCursor": offset + 1})
		return
	}
	start := (offset - p.EmptyPagesBeforeData) * p.PageSize
	items := make([]map[string]any, 0, p.PageSize)
	for i := start; i < len(all) && i < start+p.PageSize; i++ {
		item := modelJSON(all[i])
		item["user"] = map[string]any{"username": Username}
		items = append(items, item)
	}
	result := map[string]any{"items": items, "nextCursor": nil}
	if start+p.PageSize < len(all) {
		result["nextCursor"] = offset + 1
	}
	writeTRPCResult(w, result)
}

func (p *Platform) draftModels(w http.ResponseWriter, in map[string]any) {
	drafts := p.sortedModels(func(m *FakeModel) bool { return m.Status == "Draft" })
	page, _ := num(in["page"])
	limit, _ := num(in["limit"])
	if limit <= 0 {
		limit = p.PageSize
	}
	if page < 1 {
		page = 1
	}
	items := make([]map[string]any, 0, limit)
	for i := (page - 1) * limit; i < len(drafts) && i < page*limit; i++ {
		items = append(items, modelJSON(drafts[i]))
	}
	writeTRPCResult(w, map[string]any{"items": items, "totalItems": len(drafts)})
}

func filterTags(tags []models.Tag, query string) []models.Tag {
	q := strings.ToLower(query)
	out := []models.Tag{}
	for _, t := range tags {
		if q == "" || strings.Contains(strings.ToLower(t.Name), q) {
			out = append(out, t)
		}
	}
	return out
}

func (p *Platform) tagGetAll(w http.ResponseWriter, in map[string]any) {
	matches := filterTags(p.Tags, str(in["query"]))
	page, _ := num(in["page"])
	limit, _ := num(in["limit"])
	if limit <= 0 {
		limit = 20
	}
	if page < 1 {
		page = 1
	}
	items := []models.Tag{}
	for i := (page - 1) * limit; i < len(matches) && i < page*limit; i++ {
		items = append(items, matches[i])
	}
	writeTRPCResult(w, map[string]any{"items": items})
}

func (p *Platform) postCreate(w http.ResponseWriter, in map[string]any) {
	versionID, _ := num(in["modelVersionId"])
	if _, ok := p.Versions[versionID]; !ok {
		writeTRPCError(w, http.StatusNotFound, "NOT_FOUND", "post.create", fmt.Sprintf("No version with id %d", versionID))
		return
	}
	id := p.nextPostID
	p.nextPostID++
	p.Posts[id] = &FakePost{ID: id, VersionID: versionID}
	writeTRPCResult(w, map[string]any{"id": id, "modelVersionId": versionID})
}

func (p *Platform) postAddImage(w http.ResponseWriter, in map[string]any) {
	postID, _ := num(in["postId"])
	post, ok := p.Posts[postID]
	if !ok {
		writeTRPCError(w, http.StatusNotFound, "NOT_FOUND", "post.addImage", "No Post found")
		return
	}
	imageKey := str(in["url"])
	if _, stored := p.Images[imageKey]; !stored {
		writeTRPCError(w, http.StatusBadRequest, "BAD_REQUEST", "post.addImage", "image "+imageKey+" was never uploaded")
		return
	}
	idx, _ := num(in["index"])
	width, _ := num(in["width"])
	height, _ := num(in["height"])
	meta, _ := in["meta"].(map[string]any)
	post.Images = append(post.Images, FakeImage{
		Meta: meta, Name: str(in["name"]), URL: imageKey, Hash: str(in["hash"]), MimeType: str(in["mimeType"]),
		Index: idx, Width: width, Height: height,
	})
	writeTRPCResult(w, map[string]any{"id": len(post.Images), "url": imageKey})
}

func (p *Platform) postAddTag(w http.ResponseWriter, in map[string]any) {
	postID, _ := num(in["id"])
	post, ok := p.Posts[postID]
	if !ok || p.FailAddTag {
		writeTRPCError(w, http.StatusNotFound, "NOT_FOUND", "post.addTag", "No Post found")
		return
	}
	post.Tags = append(post.Tags, str(in["name"]))
	writeTRPCResult(w, nil)
}

func (p *Platform) postUpdate(w http.ResponseWriter, in map[string]any) {
	postID, _ := num(in["id"])
	post, ok := p.Posts[postID]
	if !ok {
		writeTRPCError(w, http.StatusNotFound, "NOT_FOUND", "post.update", "No Post found")
		return
	}
	if nsfw, ok := in["nsfw"].(bool); ok {
		post.Nsfw = nsfw
	}
	if at := parsePublishedAt(in); at != nil {
		post.PublishedAt = at
	}
	writeTRPCResult(w, map[string]any{"id": post.ID})
}

func (p *Platform) imageGetInfinite(w http.ResponseWriter, in map[string]any) {
	var items []map[string]any
	ids := make([]int, 0, len(p.Posts))
	for id := range p.Posts {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	postFilter, hasPost := num(in["postId"])
	for _, id := range ids {
		if hasPost && id != postFilter {
			continue
		}
		for i, img := range p.Posts[id].Images {
			items = append(items, map[string]any{
				"id": id*100 + i, "postId": id, "name": img.Name, "url": img.URL,
				"hash": img.Hash, "width": img.Width, "height": img.Height,
			})
		}
	}
	if items == nil {
		items = []map[string]any{}
	}
	writeTRPCResult(w, map[string]any{"items": items, "nextCursor": nil})
}

// Upload endpoints

func (p *Platform) serveUploadSlot(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Filename string `json:"filename"`
		Type     string `json:"type"`
		Size     int64  `json:"size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Filename == "" {
		http.Error(w, `{"error":"invalid upload request"}`, http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if status, fail := p.FailSlot[in.Filename]; fail {
		http.Error(w, `{"error":"slot refused"}`, status)
		return
	}

	p.nextUpload++
	key := fmt.Sprintf("%s/object-%d", in.Type, p.nextUpload)
	numParts := 1
	if p.PartSize > 0 && in.Size > p.PartSize {
		numParts = int((in.Size + p.PartSize - 1) / p.PartSize)
	}
	uploadID := fmt.Sprintf("upload-%d", p.nextUpload)
	p.pending[uploadID] = &pendingUpload{Filename: in.Filename, Size: in.Size, NumParts: numParts, Parts: map[int]string{}}

	urls := make([]map[string]any, 0, numParts)
	for i := 1; i <= numParts; i++ {
		urls = append(urls, map[string]any{
			"url":        fmt.Sprintf("%s/s3/%s?uploadId=%s&partNumber=%d&X-Amz-Signature=sig", p.Server.URL, key, uploadID, i),
			"partNumber": i,
		})
	}
	writeJSON(w, map[string]any{"urls": urls, "bucket": "civitai-models", "key": key, "uploadId": uploadID})
}

func (p *Platform) servePartPut(w http.ResponseWriter, r *http.Request) {
	if p.TransferDelay > 0 {
		select {
		case <-time.After(p.TransferDelay):
		case <-r.Context().Done():
			return
		}
	}
	key := strings.TrimPrefix(r.URL.Path, "/s3/")
	uploadID := r.URL.Query().Get("uploadId")
	part, _ := strconv.Atoi(r.URL.Query().Get("partNumber"))
	data, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	pending, ok := p.pending[uploadID]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if status, fail := p.FailTransfer[pending.Filename]; fail {
		w.WriteHeader(status)
		return
	}
	partKey := fmt.Sprintf("%s#%d", key, part)
	p.Objects[partKey] = data
	etag := fmt.Sprintf("\"etag-%d-%d\"", part, len(data))
	pending.Parts[part] = etag
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

func (p *Platform) serveUploadComplete(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Bucket   string `json:"bucket"`
		Key      string `json:"key"`
		Type     string `json:"type"`
		UploadID string `json:"uploadId"`
		Parts    []struct {
			ETag       string `json:"ETag"`
			PartNumber int    `json:"PartNumber"`
		} `json:"parts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, `{"error":"invalid completion"}`, http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	pending, ok := p.pending[in.UploadID]
	if !ok {
		http.Error(w, `{"error":"unknown upload"}`, http.StatusNotFound)
		return
	}
	if status, fail := p.FailConfirm[pending.Filename]; fail {
		http.Error(w, `{"error":"completion refused"}`, status)
		return
	}
	if len(in.Parts) != pending.NumParts {
		http.Error(w, `{"error":"part count mismatch"}`, http.StatusBadRequest)
		return
	}
	var whole []byte
	for i, part := range in.Parts {
		if part.PartNumber != i+1 || pending.Parts[part.PartNumber] != part.ETag {
			http.Error(w, `{"error":"etag mismatch"}`, http.StatusBadRequest)
			return
		}
		whole = append(whole, p.Objects[fmt.Sprintf("%s#%d", in.Key, part.PartNumber)]...)
	}
	p.Objects[in.Key] = whole
	writeJSON(w, map[string]any{"location": in.Key})
}

func (p *Platform) serveUploadAbort(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Key      string `json:"key"`
		UploadID string `json:"uploadId"`
	}
	_ = json.NewDecoder(r.Body).Decode(&in)
	p.mu.Lock()
	p.aborted = append(p.aborted, in.Key)
	delete(p.pending, in.UploadID)
	p.mu.Unlock()
	writeJSON(w, map[string]any{})
}

func (p *Platform) serveImageSlot(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Filename string         `json:"filename"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Filename == "" {
		http.Error(w, `{"error":"invalid image upload request"}`, http.StatusBadRequest)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if status, fail := p.FailSlot[in.Filename]; fail {
		http.Error(w, `{"error":"slot refused"}`, status)
		return
	}
	p.nextImageID++
	id := fmt.Sprintf("img-%04d", p.nextImageID)
	writeJSON(w, map[string]any{"id": id, "uploadURL": p.Server.URL + "/cf/" + id})
}

func (p *Platform) serveImagePost(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/cf/")
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, `{"success":false}`, http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, `{"success":false}`, http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if status, fail := p.FailTransfer[header.Filename]; fail {
		http.Error(w, `{"success":false}`, status)
		return
	}
	p.Images[id] = data
	writeJSON(w, map[string]any{"success": true, "result": map[string]any{"id": id, "filename": header.Filename}})
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}

// NewStore returns a session store logged in to p.
func (p *Platform) NewStore(t testing.TB) *session.Store {
	t.Helper()
	store, err := session.NewStore(p.URL())
	if err != nil {
		t.Fatalf("creating session store: %v", err)
	}
	sess, err := session.Parse(p.SessionJSON())
	if err != nil {
		t.Fatalf("parsing fake session: %v", err)
	}
	store.Set(sess)
	return store
}
