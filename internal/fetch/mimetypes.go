package fetch

import (
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"example.com/asynchttp/internal/config"
)

const defaultOctetStreamMimeType = "application/octet-stream"

// defaultMimeTypes covers common upload formats whose registration in the
// host's mime tables is unreliable.
var defaultMimeTypes = map[string]string{
	".csv":    "text/csv; charset=utf-8",
	".gz":     "application/gzip",
	".htm":    "text/html; charset=utf-8",
	".html":   "text/html; charset=utf-8",
	".js":     "text/javascript; charset=utf-8",
	".json":   "application/json",
	".jsonld": "application/ld+json",
	".md":     "text/markdown; charset=utf-8",
	".ndjson": "application/x-ndjson",
	".pdf":    "application/pdf",
	".png":    "image/png",
	".jpg":    "image/jpeg",
	".jpeg":   "image/jpeg",
	".svg":    "image/svg+xml",
	".tar":    "application/x-tar",
	".toml":   "application/toml",
	".txt":    "text/plain; charset=utf-8",
	".xml":    "application/xml",
	".yaml":   "application/yaml",
	".yml":    "application/yaml",
	".zip":    "application/zip",
}

// mimeTypeResolver picks the Content-Type of an uploaded file from its name.
type mimeTypeResolver struct {
	custom map[string]string
}

// newMimeTypeResolver merges the inline client.mime_types map with the
// entries of client.mime_types_path. File entries take precedence.
func newMimeTypeResolver(cc *config.ClientConfig) (*mimeTypeResolver, error) {
	r := &mimeTypeResolver{custom: make(map[string]string)}
	if cc == nil {
		return r, nil
	}
	for ext, mimeType := range cc.MimeTypes {
		r.custom[strings.ToLower(ext)] = mimeType
	}
	if cc.MimeTypesPath != nil && *cc.MimeTypesPath != "" {
		fromFile, err := loadMimeTypesFile(*cc.MimeTypesPath)
		if err != nil {
			return nil, err
		}
		for ext, mimeType := range fromFile {
			r.custom[ext] = mimeType
		}
	}
	return r, nil
}

// loadMimeTypesFile reads a JSON object of extension to type. Extensions must
// start with '.' and types must not be empty.
func loadMimeTypesFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read MIME types file %q: %w", path, err)
	}
	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse JSON from MIME types file %q: %w", path, err)
	}
	out := make(map[string]string, len(parsed))
	for ext, mimeType := range parsed {
		if !strings.HasPrefix(ext, ".") {
			return nil, fmt.Errorf("invalid extension %q in MIME types file %q: must start with a '.'", ext, path)
		}
		if mimeType == "" {
			return nil, fmt.Errorf("empty MIME type for extension %q in MIME types file %q", ext, path)
		}
		out[strings.ToLower(ext)] = mimeType
	}
	return out, nil
}

// typeOf resolves custom mappings first, then the built-in table, then the
// system mime tables, and falls back to application/octet-stream.
func (r *mimeTypeResolver) typeOf(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return defaultOctetStreamMimeType
	}
	if mimeType, ok := r.custom[ext]; ok {
		return mimeType
	}
	if mimeType, ok := defaultMimeTypes[ext]; ok {
		return mimeType
	}
	if mimeType := mime.TypeByExtension(ext); mimeType != "" {
		return mimeType
	}
	return defaultOctetStreamMimeType
}
