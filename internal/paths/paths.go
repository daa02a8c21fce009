package paths

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"go-civitai-publisher/internal/helpers"
)

// DefaultFileNamePattern keeps the local file name as the remote display name.
const DefaultFileNamePattern = "{fileName}{ext}"

var allowedTags = map[string]struct{}{
	"modelId":     {},
	"modelName":   {},
	"versionId":   {},
	"versionName": {},
	"baseModel":   {},
	"fileName":    {}, // local base name without extension
	"ext":         {}, // local extension including the dot, never slugged
}

// Regex to find tags like {tagName}
var tagRegex = regexp.MustCompile(`\{([^}]+)\}`)

// GenerateDisplayName substitutes placeholders in pattern with sanitized values
// from data and returns the remote display name for an uploaded file. When the
// pattern has no {ext} tag the extension from data["ext"] is appended so the
// platform still recognizes the file format.
func GenerateDisplayName(pattern string, data map[string]string) (string, error) {
	if strings.TrimSpace(pattern) == "" {
		pattern = DefaultFileNamePattern
	}
	generated := pattern

	matches := tagRegex.FindAllStringSubmatch(pattern, -1)
	hasExt := false
	for _, match := range matches {
		if len(match) < 2 {
			continue
		}
		tagName := match[1]
		tagWithBraces := match[0]

		if _, allowed := allowedTags[tagName]; !allowed {
			return "", fmt.Errorf("unknown tag found in file name pattern: %s", tagWithBraces)
		}

		var value string
		if tagName == "ext" {
			hasExt = true
			value = strings.ToLower(data["ext"])
		} else {
			value = helpers.ConvertToSlug(data[tagName])
			if value == "" {
				value = "empty_" + tagName
			}
		}
		generated = strings.ReplaceAll(generated, tagWithBraces, value)
	}
	if !hasExt {
		if ext := strings.ToLower(data["ext"]); ext != "" && !strings.HasSuffix(strings.ToLower(generated), ext) {
			generated += ext
		}
	}

	generated = strings.TrimSpace(generated)
	if generated == "" || generated == "." {
		return "", fmt.Errorf("file name pattern resulted in an empty name: '%s'", pattern)
	}
	if strings.ContainsAny(generated, `/\`) || strings.Contains(generated, "..") {
		return "", fmt.Errorf("generated file name contains a path separator or '..': %s", generated)
	}
	return generated, nil
}

// FileData collects the pattern values for one local file.
func FileData(localPath, modelName, versionName, baseModel string, modelID, versionID int) map[string]string {
	base := filepath.Base(localPath)
	ext := filepath.Ext(base)
	return map[string]string{
		"fileName":    strings.TrimSuffix(base, ext),
		"ext":         ext,
		"modelName":   modelName,
		"versionName": versionName,
		"baseModel":   baseModel,
		"modelId":     idString(modelID),
		"versionId":   idString(versionID),
	}
}

func idString(id int) string {
	if id <= 0 {
		return ""
	}
	return fmt.Sprintf("%d", id)
}
