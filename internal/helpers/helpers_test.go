package helpers

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestConvertToSlug(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "simple string",
			input:    "Hello World",
			expected: "hello_world",
		},
		{
			name:     "with numbers",
			input:    "Model V2.0",
			expected: "model_v2.0",
		},
		{
			name:     "with colons",
			input:    "SD 1.5: Base Model",
			expected: "sd_1.5-base_model",
		},
		{
			name:     "special characters removed",
			input:    "Test@Model#With$Special%Chars",
			expected: "testmodelwithspecialchars",
		},
		{
			name:     "multiple spaces",
			input:    "Hello   World",
			expected: "hello_world",
		},
		{
			name:     "dashes preserved",
			input:    "my-cool-model",
			expected: "my-cool-model",
		},
		{
			name:     "leading/trailing separators removed",
			input:    "__test__",
			expected: "test",
		},
		{
			name:     "only special chars",
			input:    "@#$%^&*()",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ConvertToSlug(tt.input)
			if got != tt.expected {
				t.Errorf("ConvertToSlug(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNormalizeTag(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Anime", "anime"},
		{"  Sci-Fi  ", "sci fi"},
		{"sci_fi", "sci fi"},
		{"Pixel   Art!!", "pixel art"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeTag(tt.input); got != tt.expected {
			t.Errorf("NormalizeTag(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestBytesToSize(t *testing.T) {
	tests := []struct {
		name     string
		expected string
		bytes    uint64
	}{
		{name: "zero bytes", bytes: 0, expected: "0 B"},
		{name: "kilobytes", bytes: 1024, expected: "1.0 KiB"},
		{name: "megabytes", bytes: 1024 * 1024, expected: "1.0 MiB"},
		{name: "fractional megabytes", bytes: 1536 * 1024, expected: "1.5 MiB"},
		{name: "gigabytes", bytes: 1024 * 1024 * 1024, expected: "1.0 GiB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BytesToSize(tt.bytes)
			if got != tt.expected {
				t.Errorf("BytesToSize(%d) = %q, want %q", tt.bytes, got, tt.expected)
			}
		})
	}
}

func TestStringSliceContains(t *testing.T) {
	if !StringSliceContains([]string{"Apple", "Banana"}, "banana") {
		t.Error("expected case-insensitive match")
	}
	if StringSliceContains([]string{"apple"}, "grape") {
		t.Error("unexpected match")
	}
	if StringSliceContains(nil, "anything") {
		t.Error("nil slice never contains anything")
	}
}

func TestUniqueInts(t *testing.T) {
	got := UniqueInts([]int{5, 3, 5, 9, 3, 1})
	want := []int{5, 3, 9, 1}
	if len(got) != len(want) {
		t.Fatalf("UniqueInts = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("UniqueInts = %v, want %v", got, want)
		}
	}
}

func TestDedent(t *testing.T) {
	input := `
        # My LoRA

        Trained on 40 images.
          - indented item
    `
	want := "# My LoRA\n\nTrained on 40 images.\n  - indented item"
	if got := Dedent(input); got != want {
		t.Errorf("Dedent() = %q, want %q", got, want)
	}

	if got := Dedent("no indent"); got != "no indent" {
		t.Errorf("Dedent() changed unindented text: %q", got)
	}
}

func TestGetExtensionFromMimeType(t *testing.T) {
	tests := []struct {
		mimeType    string
		expectedExt string
		expectedOk  bool
	}{
		{"image/jpeg", ".jpg", true},
		{"image/png", ".png", true},
		{"image/webp", ".webp", true},
		{"video/mp4", ".mp4", true},
		{"application/octet-stream", "", false},
		{"image/jpeg; charset=utf-8", ".jpg", true},
	}

	for _, tt := range tests {
		t.Run(tt.mimeType, func(t *testing.T) {
			ext, ok := GetExtensionFromMimeType(tt.mimeType)
			if ext != tt.expectedExt || ok != tt.expectedOk {
				t.Errorf("GetExtensionFromMimeType(%q) = (%q, %v), want (%q, %v)",
					tt.mimeType, ext, ok, tt.expectedExt, tt.expectedOk)
			}
		})
	}
}

func TestDetectMimeType(t *testing.T) {
	dir := t.TempDir()
	pngFile := filepath.Join(dir, "image.dat")
	pngMagic := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	if err := os.WriteFile(pngFile, pngMagic, 0644); err != nil {
		t.Fatalf("Failed to create PNG file: %v", err)
	}

	got, err := DetectMimeType(pngFile)
	if err != nil {
		t.Fatalf("DetectMimeType() error = %v", err)
	}
	if got != "image/png" {
		t.Errorf("DetectMimeType() = %q, want image/png", got)
	}

	if _, err := DetectMimeType(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestCheckAndMakeDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "path")
	if !CheckAndMakeDir(dir) {
		t.Fatalf("CheckAndMakeDir(%q) = false", dir)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("Directory %q was not created: %v", dir, err)
	}
	if !CheckAndMakeDir(".") {
		t.Error("current directory should always be usable")
	}
}

func TestCounterWriter(t *testing.T) {
	var buf bytes.Buffer
	cw := &CounterWriter{Writer: &buf}

	data := []byte("Hello, World!")
	n, err := cw.Write(data)
	if err != nil {
		t.Errorf("CounterWriter.Write() error = %v", err)
	}
	if n != len(data) {
		t.Errorf("CounterWriter.Write() wrote %d bytes, want %d", n, len(data))
	}

	if _, err := cw.Write([]byte(" More data!")); err != nil {
		t.Errorf("CounterWriter.Write() second error = %v", err)
	}
	if cw.Total() != 24 {
		t.Errorf("CounterWriter.Total() = %d, want 24", cw.Total())
	}
	if buf.String() != "Hello, World! More data!" {
		t.Errorf("Buffer contents = %q", buf.String())
	}
}

func TestCounterWriter_Concurrent(t *testing.T) {
	cw := &CounterWriter{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = cw.Write([]byte("abcd"))
			}
		}()
	}
	wg.Wait()
	if cw.Total() != 8*100*4 {
		t.Errorf("Total() = %d, want %d", cw.Total(), 8*100*4)
	}
}

func TestHashFileAndCheckHash(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "test_file.txt")
	if err := os.WriteFile(testFile, []byte("Hello, World!"), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	digest, err := HashFile(testFile)
	if err != nil {
		t.Fatalf("HashFile() error = %v", err)
	}
	if len(digest) != 64 {
		t.Errorf("expected 64 hex chars, got %d (%s)", len(digest), digest)
	}

	h := NewBLAKE3()
	_, _ = h.Write([]byte("Hello, World!"))
	if streamed := HexDigest(h.Sum(nil)); streamed != digest {
		t.Errorf("streamed digest %s != file digest %s", streamed, digest)
	}

	t.Run("matching hash", func(t *testing.T) {
		if !CheckHash(testFile, digest) {
			t.Error("CheckHash() should match its own digest")
		}
	})
	t.Run("no hash provided", func(t *testing.T) {
		if CheckHash(testFile, "") {
			t.Error("CheckHash() with no hash should return false")
		}
	})
	t.Run("nonexistent file", func(t *testing.T) {
		if CheckHash("/nonexistent/file.txt", digest) {
			t.Error("CheckHash() with nonexistent file should return false")
		}
	})
}
