package utils

import (
	"mime"
	"path"
	"strings"
)

// text formats mime does not know about everywhere
var textExtensions = map[string]bool{
	".md":   true,
	".yaml": true,
	".yml":  true,
	".toml": true,
	".csv":  true,
	".log":  true,
}

// DetectContentType guesses the content type of a blob from its key.
func DetectContentType(key string) string {
	ext := strings.ToLower(path.Ext(key))
	if textExtensions[ext] {
		return "text/plain; charset=utf-8"
	}
	if mimeType := mime.TypeByExtension(ext); mimeType != "" {
		return mimeType
	}
	return "application/octet-stream"
}
