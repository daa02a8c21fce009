package publisher

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// parametersKeyword is the PNG text chunk keyword Stable Diffusion web UIs
// store the generation settings under.
const parametersKeyword = "parameters"

// maxTextChunk bounds the text chunks read into memory.
const maxTextChunk = 1 << 20

var (
	pngSignature = []byte("\x89PNG\r\n\x1a\n")
	// key: value pairs of the settings line; values may be quoted.
	paramPair = regexp.MustCompile(`\s*([\w ]+):\s*("(?:\\.|[^\\"])+"|[^,]*)(?:,|$)`)
)

// generationMeta returns the post metadata for the image at path: the
// generation settings embedded by Stable Diffusion tools, or an empty map.
func generationMeta(path string) map[string]any {
	text, err := pngParameters(path)
	if err != nil {
		log.WithError(err).Debugf("No generation parameters read from %s", path)
		return map[string]any{}
	}
	if text == "" {
		return map[string]any{}
	}
	return parseGenerationParameters(text)
}

// pngParameters returns the "parameters" text of a PNG file. Files that are
// not PNGs have none.
func pngParameters(path string) (string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	sig := make([]byte, len(pngSignature))
	if _, err := io.ReadFull(r, sig); err != nil || !bytes.Equal(sig, pngSignature) {
		return "", nil
	}

	var header [8]byte
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return "", nil
			}
			return "", fmt.Errorf("reading chunk header: %w", err)
		}
		length := int64(binary.BigEndian.Uint32(header[:4]))
		kind := string(header[4:])
		if kind == "IEND" {
			return "", nil
		}
		if (kind != "tEXt" && kind != "iTXt") || length > maxTextChunk {
			if _, err := io.CopyN(io.Discard, r, length+4); err != nil {
				return "", fmt.Errorf("skipping %s chunk: %w", kind, err)
			}
			continue
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(r, data); err != nil {
			return "", fmt.Errorf("reading %s chunk: %w", kind, err)
		}
		if _, err := io.CopyN(io.Discard, r, 4); err != nil { // crc
			return "", fmt.Errorf("reading %s chunk: %w", kind, err)
		}
		if text, ok := textChunk(kind, data); ok {
			return text, nil
		}
	}
}

// textChunk decodes a tEXt or uncompressed iTXt chunk carrying the
// parameters keyword.
func textChunk(kind string, data []byte) (string, bool) {
	keyword, rest, ok := bytes.Cut(data, []byte{0})
	if !ok || string(keyword) != parametersKeyword {
		return "", false
	}
	if kind == "tEXt" {
		return string(rest), true
	}
	// iTXt: compression flag, method, language\0, translated keyword\0, text
	if len(rest) < 2 || rest[0] != 0 {
		return "", false
	}
	_, rest, ok = bytes.Cut(rest[2:], []byte{0})
	if !ok {
		return "", false
	}
	_, text, ok := bytes.Cut(rest, []byte{0})
	return string(text), ok
}

// parseGenerationParameters turns the web UI text block (prompt, an optional
// "Negative prompt:" section and a final "Steps: ..." settings line) into the
// metadata fields the platform shows on a post.
func parseGenerationParameters(text string) map[string]any {
	lines := strings.Split(strings.ReplaceAll(strings.TrimSpace(text), "\r\n", "\n"), "\n")
	settings := ""
	if last := strings.TrimSpace(lines[len(lines)-1]); strings.HasPrefix(last, "Steps:") {
		settings = last
		lines = lines[:len(lines)-1]
	}

	var prompt, negative []string
	inNegative := false
	for _, line := range lines {
		if after, ok := strings.CutPrefix(line, "Negative prompt:"); ok {
			inNegative = true
			line = strings.TrimSpace(after)
		}
		if inNegative {
			negative = append(negative, line)
		} else {
			prompt = append(prompt, line)
		}
	}

	meta := map[string]any{
		"prompt":         strings.TrimSpace(strings.Join(prompt, "\n")),
		"negativePrompt": strings.TrimSpace(strings.Join(negative, "\n")),
	}
	params := make(map[string]string)
	for _, m := range paramPair.FindAllStringSubmatch(settings, -1) {
		key, value := strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
		if strings.HasPrefix(value, `"`) {
			if unq, err := strconv.Unquote(value); err == nil {
				value = unq
			}
		}
		if key == "" || value == "" {
			continue
		}
		params[key] = value
		meta[key] = value
	}

	if v, ok := params["CFG scale"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			meta["cfgScale"] = f
		}
	}
	for key, field := range map[string]string{"Steps": "steps", "Seed": "seed", "Clip skip": "clipSkip"} {
		if v, ok := params[key]; ok {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				meta[field] = n
			}
		}
	}
	if v, ok := params["Sampler"]; ok {
		meta["sampler"] = v
	}
	if hash, ok := params["Model hash"]; ok {
		meta["hashes"] = map[string]any{"model": hash}
		if name, ok := params["Model"]; ok {
			meta["resources"] = []map[string]any{{"hash": hash, "name": name, "type": "model"}}
		}
	}
	return meta
}
