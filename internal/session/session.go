package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go-civitai-publisher/internal/errdefs"
	"go-civitai-publisher/internal/models"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"
)

const (
	DefaultBaseURL    = "https://civitai.com"
	DefaultCSRFHeader = "X-CSRF-Token"
	DefaultUserAgent  = "go-civitai-publisher/1.0"
	DefaultHFEndpoint = "https://huggingface.co"

	whoAmIPath = "/api/auth/session"
)

// Cookie names issued by next-auth, secure variants first.
var (
	sessionCookieNames = []string{"__Secure-next-auth.session-token", "next-auth.session-token"}
	csrfCookieNames    = []string{"__Host-next-auth.csrf-token", "next-auth.csrf-token"}
)

// Session is an authenticated identity captured from a browser login.
type Session struct {
	ExpiresAt   *time.Time
	User        *models.WhoAmI
	Cookies     map[string]string
	RawUserInfo json.RawMessage
	CSRFToken   string
}

// file is the on-disk session contract shared with external login tools.
type file struct {
	Cookies     map[string]string `json:"cookies"`
	RawUserInfo json.RawMessage   `json:"raw_user_info,omitempty"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
}

// Store owns the current Session. Sign may be called from many goroutines;
// Refresh is serialized and swaps the session under the write lock.
type Store struct {
	now        func() time.Time
	sess       *Session
	baseURL    *url.URL
	transport  http.RoundTripper
	csrfHeader string
	userAgent  string
	hfToken    string
	hfEndpoint string
	cookieHdr  string
	timeout    time.Duration
	mu         sync.RWMutex
	refreshMu  sync.Mutex
	invalid    bool
}

// Option configures a Store.
type Option func(*Store)

// WithTransport sets the round tripper used for the who-am-i request and remote sources.
func WithTransport(rt http.RoundTripper) Option {
	return func(s *Store) {
		if rt != nil {
			s.transport = rt
		}
	}
}

// WithCSRFHeader overrides the header that carries the CSRF token.
func WithCSRFHeader(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.csrfHeader = name
		}
	}
}

// WithUserAgent overrides the User-Agent sent on signed requests.
func WithUserAgent(ua string) Option {
	return func(s *Store) {
		if ua != "" {
			s.userAgent = ua
		}
	}
}

// WithHFToken sets the access token for hf:// session sources.
func WithHFToken(token string) Option {
	return func(s *Store) { s.hfToken = token }
}

// WithHFEndpoint overrides the Hugging Face host, mainly for tests.
func WithHFEndpoint(endpoint string) Option {
	return func(s *Store) {
		if endpoint != "" {
			s.hfEndpoint = strings.TrimRight(endpoint, "/")
		}
	}
}

// WithTimeout bounds each who-am-i request.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithClock replaces time.Now, for expiry tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates an empty Store for the platform at baseURL.
func NewStore(baseURL string, opts ...Option) (*Store, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errdefs.Validation("BaseURL", "invalid platform URL %q", baseURL)
	}
	s := &Store{
		baseURL:    u,
		transport:  http.DefaultTransport,
		csrfHeader: DefaultCSRFHeader,
		userAgent:  DefaultUserAgent,
		hfEndpoint: DefaultHFEndpoint,
		timeout:    30 * time.Second,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// BaseURL returns the platform root the store signs requests for.
func (s *Store) BaseURL() *url.URL {
	u := *s.baseURL
	return &u
}

// CSRFHeader returns the name of the header carrying the CSRF token.
func (s *Store) CSRFHeader() string {
	return s.csrfHeader
}

// Load reads a session from source, installs it and verifies it with a
// who-am-i request. source is a session file path, a base64url-encoded session
// document, or an hf://<type>s/<owner>/<repo>/<path> reference.
func (s *Store) Load(ctx context.Context, source string) (*Session, error) {
	data, err := s.readSource(ctx, source)
	if err != nil {
		return nil, err
	}
	sess, err := Parse(data)
	if err != nil {
		return nil, err
	}
	s.Set(sess)

	who, err := s.WhoAmI(ctx)
	if err != nil {
		return nil, err
	}
	log.Infof("[Session] Logged in as @%s (ID: %d)", who.Username, who.ID)
	return s.Current(), nil
}

// Set installs sess without probing it.
func (s *Store) Set(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess = sess
	s.cookieHdr = cookieHeader(sess.Cookies)
	s.invalid = false
}

// Current returns a copy of the installed session, or nil.
func (s *Store) Current() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sess == nil {
		return nil
	}
	cp := *s.sess
	cp.Cookies = make(map[string]string, len(s.sess.Cookies))
	for k, v := range s.sess.Cookies {
		cp.Cookies[k] = v
	}
	return &cp
}

// Sign adds the cookie header, the CSRF header and the browser-like origin
// headers to req. The headers only change after Refresh.
func (s *Store) Sign(req *http.Request) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.sess == nil {
		return errdefs.Wrap(errdefs.ErrAuth, "session", "sign", "no session loaded", nil)
	}
	if s.invalid {
		return errdefs.Wrap(errdefs.ErrAuth, "session", "sign", "session was rejected by the platform, log in again", nil)
	}
	if s.sess.ExpiresAt != nil && !s.now().Before(*s.sess.ExpiresAt) {
		return errdefs.Wrap(errdefs.ErrAuth, "session", "sign",
			fmt.Sprintf("session expired at %s", s.sess.ExpiresAt.Format(time.RFC3339)), nil)
	}

	req.Header.Set("Cookie", s.cookieHdr)
	if s.sess.CSRFToken != "" {
		req.Header.Set(s.csrfHeader, s.sess.CSRFToken)
	}
	origin := s.baseURL.Scheme + "://" + s.baseURL.Host
	req.Header.Set("Origin", origin)
	req.Header.Set("Referer", origin+"/")
	req.Header.Set("User-Agent", s.userAgent)
	return nil
}

type authSessionResponse struct {
	User    json.RawMessage `json:"user"`
	Expires *time.Time      `json:"expires"`
}

// WhoAmI asks the platform who the session belongs to. A session the platform
// does not recognize fails with errdefs.ErrAuth, network and 5xx failures with
// errdefs.ErrTransient.
func (s *Store) WhoAmI(ctx context.Context) (models.WhoAmI, error) {
	who, _, err := s.checkSession(ctx)
	return who, err
}

// Refresh re-runs the who-am-i request and absorbs rotated cookies, the CSRF
// token and the new expiry. Concurrent refreshes run one at a time.
func (s *Store) Refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	_, rotated, err := s.checkSession(ctx)
	if err != nil {
		return err
	}
	if len(rotated) == 0 {
		log.Debug("[Session] Refresh: no rotated cookies")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := *s.sess
	next.Cookies = make(map[string]string, len(s.sess.Cookies)+len(rotated))
	for k, v := range s.sess.Cookies {
		next.Cookies[k] = v
	}
	for k, v := range rotated {
		next.Cookies[k] = v
	}
	if token, ok := csrfFromCookies(next.Cookies); ok {
		next.CSRFToken = token
	}
	s.sess = &next
	s.cookieHdr = cookieHeader(next.Cookies)
	log.Debugf("[Session] Refresh: absorbed %d rotated cookie(s)", len(rotated))
	return nil
}

func (s *Store) checkSession(ctx context.Context) (models.WhoAmI, map[string]string, error) {
	var who models.WhoAmI

	sessionURL := s.baseURL.String() + whoAmIPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sessionURL, nil)
	if err != nil {
		return who, nil, errdefs.Wrap(errdefs.ErrValidation, "session", "whoami", "building session request", err)
	}
	if err := s.Sign(req); err != nil {
		return who, nil, err
	}
	req.Header.Set("Accept", "application/json")

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return who, nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	client := &http.Client{Transport: s.transport, Jar: jar, Timeout: s.timeout}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return who, nil, errdefs.Timeout("session", "whoami", "timed out", err)
		}
		return who, nil, errdefs.Wrap(errdefs.ErrTransient, "session", "whoami", "session request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return who, nil, errdefs.Wrap(errdefs.ErrTransient, "session", "whoami", "reading session response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return who, nil, fmt.Errorf("session: whoami: %w",
			&errdefs.APIError{Procedure: "auth.session", StatusCode: resp.StatusCode, Message: truncate(strings.TrimSpace(string(body)), 200)})
	}

	var payload authSessionResponse
	if len(strings.TrimSpace(string(body))) > 0 && string(body) != "null" {
		if err := json.Unmarshal(body, &payload); err != nil {
			return who, nil, errdefs.Wrap(errdefs.ErrTransient, "session", "whoami", "decoding session response", err)
		}
	}
	if len(payload.User) == 0 || string(payload.User) == "null" {
		s.MarkInvalid()
		return who, nil, errdefs.Wrap(errdefs.ErrAuth, "session", "whoami", "not logged in", nil)
	}
	if err := json.Unmarshal(payload.User, &who); err != nil {
		return who, nil, errdefs.Wrap(errdefs.ErrTransient, "session", "whoami", "decoding user", err)
	}

	s.mu.Lock()
	if s.sess != nil {
		s.sess.User = &who
		s.sess.RawUserInfo = append(json.RawMessage(nil), payload.User...)
		if payload.Expires != nil {
			exp := *payload.Expires
			s.sess.ExpiresAt = &exp
		}
	}
	s.mu.Unlock()

	rotated := make(map[string]string)
	for _, c := range jar.Cookies(s.baseURL) {
		rotated[c.Name] = c.Value
	}
	for _, c := range resp.Cookies() {
		if c.Value == "" || c.MaxAge < 0 {
			continue
		}
		rotated[c.Name] = c.Value
	}
	return who, rotated, nil
}

// MarkInvalid records that the platform rejected the session. Sign fails
// until a new session is installed with Set.
func (s *Store) MarkInvalid() {
	s.mu.Lock()
	s.invalid = true
	s.mu.Unlock()
}

// Save writes the installed session to path using the session file contract.
func (s *Store) Save(path string) error {
	sess := s.Current()
	if sess == nil {
		return errdefs.Wrap(errdefs.ErrAuth, "session", "save", "no session loaded", nil)
	}
	return WriteFile(path, sess)
}

// WriteFile writes sess to path with owner-only permissions.
func WriteFile(path string, sess *Session) error {
	data, err := json.MarshalIndent(file{
		Cookies:     sess.Cookies,
		RawUserInfo: sess.RawUserInfo,
		ExpiresAt:   sess.ExpiresAt,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing session file %s: %w", path, err)
	}
	return nil
}

// Parse decodes a session document. Both the {"cookies": {...}} contract and
// a flat cookie-name-to-value object are accepted.
func Parse(data []byte) (*Session, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrAuth, "session", "parse", "session document is not a JSON object", err)
	}

	var f file
	if _, ok := raw["cookies"]; ok {
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, errdefs.Wrap(errdefs.ErrAuth, "session", "parse", "malformed session file", err)
		}
	} else {
		f.Cookies = make(map[string]string, len(raw))
		for k, v := range raw {
			var value string
			if err := json.Unmarshal(v, &value); err != nil {
				return nil, errdefs.Wrap(errdefs.ErrAuth, "session", "parse",
					fmt.Sprintf("cookie %q is not a string", k), err)
			}
			f.Cookies[k] = value
		}
	}
	return fromCookies(f.Cookies, f.RawUserInfo, f.ExpiresAt)
}

// Import builds a session from a raw Cookie header as copied from a browser.
func Import(cookieHeaderValue string) (*Session, error) {
	cookieHeaderValue = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(cookieHeaderValue), "Cookie:"))
	parsed, err := http.ParseCookie(cookieHeaderValue)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrAuth, "session", "import", "malformed cookie header", err)
	}
	cookies := make(map[string]string, len(parsed))
	for _, c := range parsed {
		cookies[c.Name] = c.Value
	}
	return fromCookies(cookies, nil, nil)
}

func fromCookies(cookies map[string]string, rawUser json.RawMessage, expiresAt *time.Time) (*Session, error) {
	if len(cookies) == 0 {
		return nil, errdefs.Wrap(errdefs.ErrAuth, "session", "parse", "no cookies in session", nil)
	}
	if _, ok := firstCookie(cookies, sessionCookieNames); !ok && !hasChunkedSessionCookie(cookies) {
		return nil, errdefs.Wrap(errdefs.ErrAuth, "session", "parse",
			fmt.Sprintf("missing session cookie (one of %s)", strings.Join(sessionCookieNames, ", ")), nil)
	}
	token, ok := csrfFromCookies(cookies)
	if !ok {
		return nil, errdefs.Wrap(errdefs.ErrAuth, "session", "parse",
			fmt.Sprintf("missing CSRF cookie (one of %s)", strings.Join(csrfCookieNames, ", ")), nil)
	}

	sess := &Session{
		Cookies:     cookies,
		CSRFToken:   token,
		RawUserInfo: rawUser,
		ExpiresAt:   expiresAt,
	}
	if len(rawUser) > 0 && string(rawUser) != "null" {
		var who models.WhoAmI
		if err := json.Unmarshal(rawUser, &who); err == nil {
			sess.User = &who
		}
	}
	return sess, nil
}

func firstCookie(cookies map[string]string, names []string) (string, bool) {
	for _, name := range names {
		if v, ok := cookies[name]; ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// next-auth splits large session tokens into name.0, name.1, ...
func hasChunkedSessionCookie(cookies map[string]string) bool {
	for _, name := range sessionCookieNames {
		if v, ok := cookies[name+".0"]; ok && v != "" {
			return true
		}
	}
	return false
}

// csrfFromCookies derives the double-submit token: the cookie holds
// "token|hash" (usually URL-encoded) and the header carries "token".
func csrfFromCookies(cookies map[string]string) (string, bool) {
	raw, ok := firstCookie(cookies, csrfCookieNames)
	if !ok {
		return "", false
	}
	if unescaped, err := url.QueryUnescape(raw); err == nil {
		raw = unescaped
	}
	token, _, _ := strings.Cut(raw, "|")
	token = strings.TrimSpace(token)
	return token, token != ""
}

func cookieHeader(cookies map[string]string) string {
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+cookies[name])
	}
	return strings.Join(parts, "; ")
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

func (s *Store) readSource(ctx context.Context, source string) ([]byte, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, errdefs.Wrap(errdefs.ErrAuth, "session", "load", "no session source given", nil)
	}
	if strings.HasPrefix(source, "hf://") {
		return s.fetchHF(ctx, source)
	}
	if data, err := os.ReadFile(source); err == nil {
		return data, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, errdefs.Wrap(errdefs.ErrAuth, "session", "load", "reading session file "+source, err)
	}
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.URLEncoding, base64.StdEncoding} {
		if data, err := enc.DecodeString(source); err == nil && json.Valid(data) {
			return data, nil
		}
	}
	return nil, errdefs.Wrap(errdefs.ErrAuth, "session", "load",
		fmt.Sprintf("session source %q is neither a file nor an encoded session", truncate(source, 32)), nil)
}

// fetchHF resolves hf://<type>s/<owner>/<repo>/<path> against the Hugging Face
// file endpoint using HF_TOKEN.
func (s *Store) fetchHF(ctx context.Context, source string) ([]byte, error) {
	parts := strings.SplitN(strings.TrimPrefix(source, "hf://"), "/", 4)
	if len(parts) < 4 || parts[3] == "" {
		return nil, errdefs.Wrap(errdefs.ErrAuth, "session", "load",
			fmt.Sprintf("invalid remote session reference %q, want hf://<type>s/<owner>/<repo>/<path>", source), nil)
	}
	repoType, owner, repo, filePath := parts[0], parts[1], parts[2], parts[3]

	var prefix string
	switch repoType {
	case "models":
		prefix = ""
	case "datasets", "spaces":
		prefix = repoType + "/"
	default:
		return nil, errdefs.Wrap(errdefs.ErrAuth, "session", "load", "unknown repository type "+repoType, nil)
	}
	fileURL := fmt.Sprintf("%s/%s%s/%s/resolve/main/%s", s.hfEndpoint, prefix, owner, repo, filePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrAuth, "session", "load", "building remote session request", err)
	}
	if s.hfToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.hfToken)
	} else {
		log.Warn("[Session] HF_TOKEN not set, fetching remote session anonymously")
	}

	client := &http.Client{Transport: s.transport, Timeout: s.timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrTransient, "session", "load", "fetching remote session", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, errdefs.Wrap(errdefs.ErrTransient, "session", "load",
			fmt.Sprintf("remote session fetch returned status %d", resp.StatusCode), nil)
	default:
		return nil, errdefs.Wrap(errdefs.ErrAuth, "session", "load",
			fmt.Sprintf("remote session %s not readable (status %d)", source, resp.StatusCode), nil)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrTransient, "session", "load", "reading remote session", err)
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
