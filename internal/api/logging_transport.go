package api

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go-civitai-publisher/internal/helpers"

	log "github.com/sirupsen/logrus"
)

// Global slice to keep track of all logging transports created
var (
	activeLoggingTransports []*LoggingTransport
	transportsMu            sync.Mutex
)

const redacted = "[REDACTED]"

// Headers whose values never reach the log file.
var sensitiveHeaders = []string{"Cookie", "Set-Cookie", "Authorization", "X-Csrf-Token"}

// maxLoggedBody caps how much of a JSON body is written per entry.
const maxLoggedBody = 64 * 1024

// LoggingTransport wraps an http.RoundTripper to log request and response details.
// Session cookies and CSRF tokens are redacted and only JSON bodies are logged,
// so file uploads are never copied into the log.
type LoggingTransport struct {
	Transport  http.RoundTripper
	logFile    *os.File
	writer     *bufio.Writer
	csrfHeader string
	mu         sync.Mutex
}

// NewLoggingTransport creates a new LoggingTransport.
// It opens the specified log file for appending.
func NewLoggingTransport(transport http.RoundTripper, logFilePath, csrfHeader string) (*LoggingTransport, error) {
	safeLogFilePath := filepath.Clean(logFilePath)
	// #nosec G304
	f, err := os.OpenFile(safeLogFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open API log file %s: %w", safeLogFilePath, err)
	}

	if transport == nil {
		transport = http.DefaultTransport
	}

	lt := &LoggingTransport{
		Transport:  transport,
		logFile:    f,
		writer:     bufio.NewWriter(f),
		csrfHeader: csrfHeader,
	}

	transportsMu.Lock()
	activeLoggingTransports = append(activeLoggingTransports, lt)
	transportsMu.Unlock()
	log.Debugf("Registered new LoggingTransport for file: %s. Total active: %d", logFilePath, len(activeLoggingTransports))

	return lt, nil
}

// RoundTrip executes a single HTTP transaction, logging details.
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	startTime := time.Now()

	t.mu.Lock()
	t.writeLog(fmt.Sprintf("--- Request (%s) ---\n%s", startTime.Format(time.RFC3339), t.dumpRequest(req)))
	t.mu.Unlock()

	resp, err := t.Transport.RoundTrip(req)
	duration := time.Since(startTime)

	t.mu.Lock()
	defer t.mu.Unlock()

	if err != nil {
		t.writeLog(fmt.Sprintf("--- Response Error (%s, Duration: %v) ---\n%s", time.Now().Format(time.RFC3339), duration, err.Error()))
	} else {
		contentType := resp.Header.Get("Content-Type")
		header := t.redactedHeader(resp.Header)
		status := fmt.Sprintf("%s %s", resp.Proto, resp.Status)

		if strings.HasPrefix(contentType, "application/json") {
			bodyBytes, readErr := io.ReadAll(resp.Body)
			if readErr != nil {
				log.WithError(readErr).Error("[LogTransport] Failed to read response body for logging")
				t.writeLog(fmt.Sprintf("--- Response Headers (%s, Duration: %v) ---\n%s\n%s(Body read failed)", time.Now().Format(time.RFC3339), duration, status, header))
				// the body is consumed either way, surface the read failure to the caller
				resp.Body = io.NopCloser(io.MultiReader(bytes.NewReader(bodyBytes), errReader{readErr}))
			} else {
				if closeErr := resp.Body.Close(); closeErr != nil {
					log.WithError(closeErr).Warn("[LogTransport] Failed to close original response body before replacing it")
				}
				resp.Body = io.NopCloser(bytes.NewReader(bodyBytes))
				t.writeLog(fmt.Sprintf("--- Response Headers (%s, Duration: %v) ---\n%s\n%s--- Response Body (%s) ---\n%s",
					time.Now().Format(time.RFC3339), duration, status, header, contentType, clip(bodyBytes)))
			}
		} else {
			t.writeLog(fmt.Sprintf("--- Response Headers (%s, Duration: %v, Type: %s) ---\n%s\n%s(Body not logged)", time.Now().Format(time.RFC3339), duration, contentType, status, header))
		}
	}

	if errFlush := t.writer.Flush(); errFlush != nil {
		log.WithError(errFlush).Error("[LogTransport] Failed to flush log writer")
	}
	return resp, err
}

func (t *LoggingTransport) dumpRequest(req *http.Request) string {
	clone := req.Clone(req.Context())
	clone.Header = t.redactHeaders(req.Header)
	clone.Body = nil
	clone.ContentLength = 0

	dump, err := httputil.DumpRequestOut(clone, false)
	if err != nil {
		log.WithError(err).Error("[LogTransport] Failed to dump API request for logging")
		return fmt.Sprintf("%s %s (dump failed)\n", req.Method, req.URL.Redacted())
	}

	out := string(dump)
	if strings.HasPrefix(req.Header.Get("Content-Type"), "application/json") && req.GetBody != nil {
		if body, err := req.GetBody(); err == nil {
			data, _ := io.ReadAll(io.LimitReader(body, maxLoggedBody+1))
			_ = body.Close()
			out += clip(data) + "\n"
		}
	} else if req.ContentLength > 0 {
		out += fmt.Sprintf("(%s body of %s not logged)\n", req.Header.Get("Content-Type"), helpers.BytesToSize(uint64(req.ContentLength)))
	}
	return out
}

func (t *LoggingTransport) redactHeaders(h http.Header) http.Header {
	out := h.Clone()
	for _, name := range sensitiveHeaders {
		if out.Get(name) != "" {
			out.Set(name, redacted)
		}
	}
	if t.csrfHeader != "" && out.Get(t.csrfHeader) != "" {
		out.Set(t.csrfHeader, redacted)
	}
	return out
}

func (t *LoggingTransport) redactedHeader(h http.Header) string {
	var b strings.Builder
	_ = t.redactHeaders(h).Write(&b)
	return b.String()
}

func clip(data []byte) string {
	if len(data) > maxLoggedBody {
		return string(data[:maxLoggedBody]) + "\n(truncated)"
	}
	return string(data)
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

// writeLog writes a string to the buffered writer.
func (t *LoggingTransport) writeLog(logString string) {
	_, err := t.writer.WriteString(logString + "\n\n")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error writing to API log file: %v\n", err)
	}
}

// Close closes the underlying log file.
func (t *LoggingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	errFlush := t.writer.Flush()
	errClose := t.logFile.Close()
	if errFlush != nil {
		return fmt.Errorf("failed to flush API log buffer: %w", errFlush)
	}
	return errClose
}

// CloseAllLoggingTransports iterates over all created transports and closes them.
func CloseAllLoggingTransports() {
	transportsMu.Lock()
	defer transportsMu.Unlock()

	log.Debugf("Attempting to close %d active logging transports.", len(activeLoggingTransports))
	for _, t := range activeLoggingTransports {
		if err := t.Close(); err != nil {
			// the primary logger may already be shutting down
			fmt.Fprintf(os.Stderr, "Error closing logging transport for %s: %v\n", t.logFile.Name(), err)
		}
	}
	activeLoggingTransports = nil
}
