package constants

import "strings"

// ContentTypes maps the document extensions back-ends accept to the MIME type
// declared on submission.
var ContentTypes = map[string]string{
	"pdf":  "application/pdf",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"tif":  "image/tiff",
	"tiff": "image/tiff",
	"webp": "image/webp",
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// MapExtToContentType returns the MIME type for ext, or "" when unsupported.
func MapExtToContentType(ext string) string {
	return ContentTypes[NormalizeExt(ext)]
}
