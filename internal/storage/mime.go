package storage

import (
	"mime"
	"net/http"
	"path/filepath"
	"strings"
)

const (
	MIMEOctetStream    = "application/octet-stream"
	mimeDetectionBytes = 512
)

// DetectMIME picks a content type from the file extension, falling back to
// sniffing the first bytes.
func DetectMIME(name string, head []byte) string {
	if ext := strings.ToLower(filepath.Ext(name)); ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
	}
	if len(head) == 0 {
		return MIMEOctetStream
	}
	return http.DetectContentType(head)
}

// NormalizeMIME strips parameters and lowercases a content type.
func NormalizeMIME(mimeType string) string {
	mimeType, _, _ = strings.Cut(mimeType, ";")
	return strings.TrimSpace(strings.ToLower(mimeType))
}

// Allowed checks a file against an allow list. Entries starting with a dot
// are extensions, entries containing a slash are MIME patterns (wildcards
// like "image/*" work). An empty list allows everything.
func Allowed(name, mimeType string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(name))
	mimeType = NormalizeMIME(mimeType)

	for _, pattern := range allowed {
		pattern = strings.TrimSpace(strings.ToLower(pattern))
		switch {
		case pattern == "":
			continue
		case strings.HasPrefix(pattern, "."):
			if ext == pattern {
				return true
			}
		case strings.HasSuffix(pattern, "/*"):
			if strings.HasPrefix(mimeType, strings.TrimSuffix(pattern, "*")) {
				return true
			}
		case strings.Contains(pattern, "/"):
			if mimeType == pattern {
				return true
			}
		default:
			if ext == "."+pattern {
				return true
			}
		}
	}
	return false
}
