package helpers

import (
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

var (
	slugInvalid    = regexp.MustCompile(`[^a-z0-9_.\-]+`)
	slugUnderscore = regexp.MustCompile(`_+`)
	slugDashJoin   = regexp.MustCompile(`_*-_*`)
	nonWordRun     = regexp.MustCompile(`[\W_]+`)
)

// ConvertToSlug lowercases s and reduces it to a filesystem/URL friendly form.
func ConvertToSlug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, ":", "-")
	s = strings.Join(strings.Fields(s), "_")
	s = slugInvalid.ReplaceAllString(s, "")
	s = slugUnderscore.ReplaceAllString(s, "_")
	s = slugDashJoin.ReplaceAllString(s, "-")
	return strings.Trim(s, "_-")
}

// NormalizeTag folds a tag for comparison: lowercase with punctuation and
// whitespace runs collapsed to a single space.
func NormalizeTag(tag string) string {
	return strings.TrimSpace(nonWordRun.ReplaceAllString(strings.ToLower(tag), " "))
}

// BytesToSize renders a byte count the way the CLI prints sizes ("1.5 MiB").
func BytesToSize(bytes uint64) string {
	return humanize.IBytes(bytes)
}

// StringSliceContains reports whether slice contains item, ignoring case.
func StringSliceContains(slice []string, item string) bool {
	for _, s := range slice {
		if strings.EqualFold(s, item) {
			return true
		}
	}
	return false
}

// UniqueInts drops repeated values while keeping first-seen order.
func UniqueInts(in []int) []int {
	seen := make(map[int]struct{}, len(in))
	out := make([]int, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Dedent removes the common leading whitespace from every non-blank line and
// trims surrounding blank lines. Descriptions are usually written as indented
// multi-line strings in manifests.
func Dedent(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	prefix := ""
	first := true
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		indent := line[:len(line)-len(strings.TrimLeftFunc(line, unicode.IsSpace))]
		if first {
			prefix = indent
			first = false
			continue
		}
		for !strings.HasPrefix(indent, prefix) {
			prefix = prefix[:len(prefix)-1]
		}
	}
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			lines[i] = ""
			continue
		}
		lines[i] = strings.TrimPrefix(line, prefix)
	}
	return strings.Trim(strings.Join(lines, "\n"), "\n")
}

var imageExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"video/mp4":  ".mp4",
	"video/webm": ".webm",
}

// GetExtensionFromMimeType maps the media types the platform accepts to a file extension.
func GetExtensionFromMimeType(mimeType string) (string, bool) {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.Split(mimeType, ";")[0])
	}
	ext, ok := imageExtensions[strings.ToLower(mediaType)]
	return ext, ok
}

// DetectMimeType sniffs the content type of the file at path from its first 512 bytes.
func DetectMimeType(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	detected := http.DetectContentType(buf[:n])
	if mediaType, _, err := mime.ParseMediaType(detected); err == nil {
		return mediaType, nil
	}
	return detected, nil
}

// CheckAndMakeDir makes sure dir exists, creating it when needed.
func CheckAndMakeDir(dir string) bool {
	if dir == "" || dir == "." {
		return true
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		log.WithError(err).Errorf("Error creating directory %s", dir)
		return false
	}
	return true
}

// CounterWriter counts the bytes that pass through it. Total is safe to read
// from another goroutine while writes are in progress.
type CounterWriter struct {
	Writer io.Writer
	total  atomic.Uint64
}

func (cw *CounterWriter) Write(p []byte) (int, error) {
	var (
		n   int
		err error
	)
	if cw.Writer != nil {
		n, err = cw.Writer.Write(p)
	} else {
		n = len(p)
	}
	cw.total.Add(uint64(n))
	return n, err
}

// Total returns the number of bytes written so far.
func (cw *CounterWriter) Total() uint64 {
	return cw.total.Load()
}

// NewBLAKE3 returns a streaming BLAKE3 hasher.
func NewBLAKE3() *blake3.Hasher {
	return blake3.New()
}

// HexDigest formats a hash sum the way the platform stores file hashes.
func HexDigest(sum []byte) string {
	return strings.ToUpper(hex.EncodeToString(sum))
}

// HashFile streams the file at path through BLAKE3.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return HexDigest(h.Sum(nil)), nil
}

// CheckHash reports whether the file at path matches the expected BLAKE3 digest.
func CheckHash(path, expected string) bool {
	if expected == "" {
		return false
	}
	got, err := HashFile(path)
	if err != nil {
		log.WithError(err).Debugf("Hash check failed for %s", path)
		return false
	}
	return strings.EqualFold(got, expected)
}
