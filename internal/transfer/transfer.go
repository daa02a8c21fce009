package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"go-civitai-publisher/internal/helpers"
	"go-civitai-publisher/internal/models"

	log "github.com/sirupsen/logrus"
)

// Custom Transfer Errors
var (
	ErrHttpStatus  = errors.New("unexpected HTTP status code")
	ErrFileSystem  = errors.New("filesystem error") // Covers open, stat, read
	ErrHttpRequest = errors.New("HTTP request creation/execution error")
	ErrMissingETag = errors.New("upload target returned no ETag")
	ErrNoSlots     = errors.New("upload slot has no destinations")
)

// Uploader streams local files to the destinations of an upload slot.
// It never buffers a whole file in memory.
type Uploader struct {
	client *http.Client
}

// NewUploader creates a new Uploader. Pre-signed destinations live outside
// the platform, so the client must not carry session cookies.
func NewUploader(client *http.Client) *Uploader {
	if client == nil {
		// No overall timeout; transfers are bounded by the caller's context.
		client = &http.Client{}
	}
	return &Uploader{client: client}
}

// Range is a byte range of a file sent as one multipart part.
type Range struct {
	Offset int64
	Length int64
}

// PartRanges splits size bytes into n consecutive ranges of equal size, the
// last one taking the remainder.
func PartRanges(size int64, n int) []Range {
	if n <= 1 || size <= 0 {
		return []Range{{Offset: 0, Length: max(size, 0)}}
	}
	partSize := (size + int64(n) - 1) / int64(n)
	ranges := make([]Range, 0, n)
	for off := int64(0); off < size && len(ranges) < n; off += partSize {
		ranges = append(ranges, Range{Offset: off, Length: min(partSize, size-off)})
	}
	return ranges
}

// FileResult describes a file that was streamed to every part of its slot.
type FileResult struct {
	BLAKE3 string
	Parts  []models.CompletedPart
	Size   int64
}

// UploadParts streams the file at path to the pre-signed part URLs in order
// and collects the ETag of every part. The BLAKE3 digest of the whole file is
// computed from the same stream. progress, if non-nil, receives every byte
// sent.
func (u *Uploader) UploadParts(ctx context.Context, path string, urls []models.UploadSlotURL, progress io.Writer) (FileResult, error) {
	if len(urls) == 0 {
		return FileResult{}, ErrNoSlots
	}
	safePath := filepath.Clean(path)
	// #nosec G304
	f, err := os.Open(safePath)
	if err != nil {
		return FileResult{}, fmt.Errorf("%w: opening %s: %w", ErrFileSystem, safePath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return FileResult{}, fmt.Errorf("%w: stat %s: %w", ErrFileSystem, safePath, err)
	}
	size := info.Size()

	ranges := PartRanges(size, len(urls))
	if len(ranges) < len(urls) {
		return FileResult{}, fmt.Errorf("%w: %d bytes cannot fill %d parts", ErrNoSlots, size, len(urls))
	}

	hasher := helpers.NewBLAKE3()
	sink := io.Writer(hasher)
	if progress != nil {
		sink = io.MultiWriter(hasher, progress)
	}

	log.Infof("Uploading %s (%s) in %d part(s)...", safePath, helpers.BytesToSize(uint64(size)), len(urls))
	parts := make([]models.CompletedPart, 0, len(urls))
	for i, dest := range urls {
		partNumber := dest.PartNumber
		if partNumber == 0 {
			partNumber = i + 1
		}
		body := io.TeeReader(io.NewSectionReader(f, ranges[i].Offset, ranges[i].Length), sink)
		etag, err := u.PutPart(ctx, dest.URL, body, ranges[i].Length)
		if err != nil {
			return FileResult{}, fmt.Errorf("part %d of %s: %w", partNumber, safePath, err)
		}
		log.Debugf("[Transfer] Part %d of %s stored (ETag %s)", partNumber, safePath, etag)
		parts = append(parts, models.CompletedPart{ETag: etag, PartNumber: partNumber})
	}

	return FileResult{
		BLAKE3: helpers.HexDigest(hasher.Sum(nil)),
		Parts:  parts,
		Size:   size,
	}, nil
}

// PutPart sends length bytes from body to a pre-signed URL and returns the
// ETag the storage assigned to them.
func (u *Uploader) PutPart(ctx context.Context, url string, body io.Reader, length int64) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return "", fmt.Errorf("%w: creating part request: %w", ErrHttpRequest, err)
	}
	// Pre-signed PUTs reject chunked bodies.
	req.ContentLength = length
	if length == 0 {
		req.Body = http.NoBody
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: performing part upload: %w", ErrHttpRequest, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Errorf("Error uploading part: Received status code %d", resp.StatusCode)
		return "", &StatusError{StatusCode: resp.StatusCode}
	}
	etag := resp.Header.Get("ETag")
	if etag == "" {
		return "", ErrMissingETag
	}
	return etag, nil
}

// PostFile streams the file at path as the form field of a multipart POST.
// The body is produced through a pipe while the request is in flight.
func (u *Uploader) PostFile(ctx context.Context, url, field, filename, path string, progress io.Writer) (int64, error) {
	safePath := filepath.Clean(path)
	// #nosec G304
	f, err := os.Open(safePath)
	if err != nil {
		return 0, fmt.Errorf("%w: opening %s: %w", ErrFileSystem, safePath, err)
	}
	defer f.Close()

	counter := &helpers.CounterWriter{Writer: io.Discard}
	if progress != nil {
		counter.Writer = progress
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	done := make(chan struct{})
	go func() {
		defer close(done)
		part, err := mw.CreateFormFile(field, filename)
		if err == nil {
			_, err = io.Copy(part, io.TeeReader(f, counter))
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()
	// The writer must be gone before the file is closed.
	defer func() {
		_ = pr.Close()
		<-done
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		return 0, fmt.Errorf("%w: creating form upload request: %w", ErrHttpRequest, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := u.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: performing form upload: %w", ErrHttpRequest, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Errorf("Error uploading %s: Received status code %d", filename, resp.StatusCode)
		return 0, &StatusError{StatusCode: resp.StatusCode}
	}
	return int64(counter.Total()), nil
}

// StatusError is a non-2xx answer from an upload destination.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: received status %d", ErrHttpStatus, e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	return ErrHttpStatus
}
