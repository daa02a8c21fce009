package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uilive"
)

// progressBoard renders one live line per file being uploaded.
// It implements publisher.ProgressTracker.
type progressBoard struct {
	writer   *uilive.Writer
	files    map[string]*fileProgress
	lastDraw time.Time
	interval time.Duration
	mu       sync.Mutex
}

type fileProgress struct {
	board *progressBoard
	name  string
	size  int64
	done  int64
	start time.Time
}

func newProgressBoard(out io.Writer) *progressBoard {
	writer := uilive.New()
	if out != nil {
		writer.Out = out
	}
	return &progressBoard{
		writer:   writer,
		files:    make(map[string]*fileProgress),
		interval: 200 * time.Millisecond,
	}
}

// Start begins periodic terminal refreshes.
func (b *progressBoard) Start() { b.writer.Start() }

// Stop draws the final state and stops refreshing.
func (b *progressBoard) Stop() {
	b.mu.Lock()
	b.draw()
	b.mu.Unlock()
	b.writer.Stop()
}

// Track implements publisher.ProgressTracker.
func (b *progressBoard) Track(path string, size int64) io.Writer {
	b.mu.Lock()
	defer b.mu.Unlock()
	fp := &fileProgress{board: b, name: filepath.Base(path), size: size, start: time.Now()}
	b.files[path] = fp
	return fp
}

func (f *fileProgress) Write(p []byte) (int, error) {
	b := f.board
	b.mu.Lock()
	defer b.mu.Unlock()
	f.done += int64(len(p))
	if f.done >= f.size || time.Since(b.lastDraw) >= b.interval {
		b.draw()
	}
	return len(p), nil
}

// draw must be called with b.mu held.
func (b *progressBoard) draw() {
	b.lastDraw = time.Now()
	paths := make([]string, 0, len(b.files))
	for path := range b.files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		fmt.Fprintln(b.writer, b.files[path].line())
	}
	_ = b.writer.Flush()
}

func (f *fileProgress) line() string {
	pct := 100.0
	if f.size > 0 {
		pct = float64(f.done) * 100 / float64(f.size)
	}
	rate := ""
	if elapsed := time.Since(f.start).Seconds(); elapsed > 0 && f.done > 0 {
		rate = fmt.Sprintf(" %s/s", humanize.Bytes(uint64(float64(f.done)/elapsed)))
	}
	return fmt.Sprintf("%-40s %6.1f%%  %s / %s%s",
		f.name, pct, humanize.Bytes(uint64(f.done)), humanize.Bytes(uint64(f.size)), rate)
}
