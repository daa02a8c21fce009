package cmd

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"go-civitai-publisher/internal/errdefs"
	"go-civitai-publisher/internal/models"
	"go-civitai-publisher/internal/workflow"
)

func TestParseAt(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		input   string
		want    *time.Time
		wantErr bool
	}{
		{name: "empty means now", input: ""},
		{name: "blank means now", input: "   "},
		{name: "rfc3339", input: "2025-03-04T10:00:00Z", want: ptr(time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC))},
		{name: "duration", input: "36h", want: ptr(now.Add(36 * time.Hour))},
		{name: "negative duration", input: "-2h", wantErr: true},
		{name: "garbage", input: "next tuesday", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseAt(tt.input, now)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseAt(%q) expected an error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseAt(%q) unexpected error: %v", tt.input, err)
			}
			switch {
			case tt.want == nil && got != nil:
				t.Errorf("parseAt(%q) = %v, want nil", tt.input, got)
			case tt.want != nil && (got == nil || !got.Equal(*tt.want)):
				t.Errorf("parseAt(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func ptr(t time.Time) *time.Time { return &t }

func TestParseID(t *testing.T) {
	if id, err := parseID("modelId", "555"); err != nil || id != 555 {
		t.Errorf("parseID(555) = %d, %v", id, err)
	}
	for _, bad := range []string{"0", "-3", "abc", ""} {
		_, err := parseID("modelId", bad)
		if !errors.Is(err, errdefs.ErrValidation) {
			t.Errorf("parseID(%q) = %v, want a validation error", bad, err)
		}
	}
}

func TestProgressBoard(t *testing.T) {
	var out bytes.Buffer
	board := newProgressBoard(&out)
	board.Start()

	w := board.Track("/models/hero.safetensors", 4)
	if _, err := w.Write([]byte("ab")); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("cd")); err != nil {
		t.Fatal(err)
	}
	board.Stop()

	got := out.String()
	if !strings.Contains(got, "hero.safetensors") {
		t.Errorf("progress output does not name the file: %q", got)
	}
	if !strings.Contains(got, "100.0%") {
		t.Errorf("progress output does not show completion: %q", got)
	}
	if strings.Contains(got, "/models/") {
		t.Errorf("progress output should only show the base name: %q", got)
	}
}

func TestTrackerOrNil(t *testing.T) {
	if trackerOrNil(nil) != nil {
		t.Error("a nil board must give a nil tracker")
	}
}

func TestPrintReport(t *testing.T) {
	at := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	report := workflow.Report{
		Identity: "hero/v1",
		Status:   models.LedgerStatusScheduled,
		Model:    models.Model{ID: 555, Name: "Hero", Status: "Draft"},
		Version:  models.Version{ID: 900, Name: "v1", BaseModel: "SDXL 1.0"},
		Publish:  &models.PublishResult{Target: models.TargetModel, State: models.StateScheduled, PublishAt: &at},
		Files: []models.UploadedFile{
			{LocalPath: "/a/hero.safetensors", DisplayName: "hero.safetensors", RemoteID: 31, SizeKB: 2048, BLAKE3: "ABCDEF0123456789"},
			{LocalPath: "/a/hero.pt", DisplayName: "hero.pt", Err: errors.New("boom")},
		},
		Reused: []string{"/a/hero.safetensors"},
	}
	var out bytes.Buffer
	printReport(&out, report)
	got := out.String()

	for _, want := range []string{"hero/v1", "Hero (#555, Draft)", "model Scheduled (2025-05-01T09:00:00Z)", "already present", "failed: boom", "ABCDEF012345", "2.1 MB"} {
		if !strings.Contains(got, want) {
			t.Errorf("report is missing %q:\n%s", want, got)
		}
	}
}
