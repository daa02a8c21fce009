package paths

import (
	"strings"
	"testing"
)

func TestGenerateDisplayName_BasicSubstitution(t *testing.T) {
	tests := []struct {
		name     string
		pattern  string
		data     map[string]string
		expected string
		wantErr  bool
	}{
		{
			name:     "default pattern keeps local name",
			pattern:  "",
			data:     map[string]string{"fileName": "my_lora", "ext": ".safetensors"},
			expected: "my_lora.safetensors",
		},
		{
			name:     "model and version",
			pattern:  "{modelName}-{versionName}{ext}",
			data:     map[string]string{"modelName": "Pixel Art", "versionName": "v1.0", "ext": ".safetensors"},
			expected: "pixel_art-v1.0.safetensors",
		},
		{
			name:     "extension appended when missing",
			pattern:  "{modelName}_{baseModel}",
			data:     map[string]string{"modelName": "Cool Model", "baseModel": "SDXL 1.0", "ext": ".ckpt"},
			expected: "cool_model_sdxl_1.0.ckpt",
		},
		{
			name:     "ids",
			pattern:  "{modelId}_{versionId}{ext}",
			data:     map[string]string{"modelId": "555", "versionId": "900", "ext": ".pt"},
			expected: "555_900.pt",
		},
		{
			name:     "extension lowercased",
			pattern:  "{fileName}{ext}",
			data:     map[string]string{"fileName": "Model", "ext": ".SafeTensors"},
			expected: "model.safetensors",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := GenerateDisplayName(tt.pattern, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("GenerateDisplayName() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.expected {
				t.Errorf("GenerateDisplayName() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestGenerateDisplayName_EmptyValues(t *testing.T) {
	got, err := GenerateDisplayName("{modelName}_{baseModel}{ext}", map[string]string{"modelName": "Test", "ext": ".pt"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "test_empty_baseModel.pt" {
		t.Errorf("GenerateDisplayName() = %q, want %q", got, "test_empty_baseModel.pt")
	}
}

func TestGenerateDisplayName_Errors(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		errPart string
	}{
		{name: "unknown tag", pattern: "{creatorName}{ext}", errPart: "unknown tag"},
		{name: "path separator", pattern: "{modelName}/{versionName}", errPart: "path separator"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := GenerateDisplayName(tt.pattern, map[string]string{"modelName": "a", "versionName": "b"})
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.errPart) {
				t.Errorf("error %q does not mention %q", err, tt.errPart)
			}
		})
	}
}

func TestFileData(t *testing.T) {
	data := FileData("/tmp/out/Pixel Art.safetensors", "Pixel", "v2", "SDXL 1.0", 555, 0)
	if data["fileName"] != "Pixel Art" {
		t.Errorf("fileName = %q", data["fileName"])
	}
	if data["ext"] != ".safetensors" {
		t.Errorf("ext = %q", data["ext"])
	}
	if data["modelId"] != "555" {
		t.Errorf("modelId = %q", data["modelId"])
	}
	if data["versionId"] != "" {
		t.Errorf("versionId should be empty for unknown id, got %q", data["versionId"])
	}
}
