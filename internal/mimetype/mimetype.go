// Package mimetype resolves a media object's MIME type from whatever
// the upstream origin reports, falling back to an extension lookup
// against the raw URL when the origin's Content-Type is missing or
// generic.
package mimetype

import (
	"path"
	"strings"
)

// byExtension maps lowercased file extensions (without the dot) to MIME
// types, covering the containers this proxy is expected to see.
var byExtension = map[string]string{
	"mp4":  "video/mp4",
	"m4v":  "video/x-m4v",
	"mov":  "video/quicktime",
	"webm": "video/webm",
	"mkv":  "video/x-matroska",
	"ts":   "video/mp2t",
	"m3u8": "application/vnd.apple.mpegurl",
	"mp3":  "audio/mpeg",
	"aac":  "audio/aac",
	"wav":  "audio/wav",
}

// genericTypes are Content-Type values too vague to trust; when the
// origin reports one of these, Resolve rescans the raw URL instead.
var genericTypes = map[string]bool{
	"":                         true,
	"application/octet-stream": true,
	"binary/octet-stream":      true,
}

// Resolve returns the best MIME type for mediaURL given the
// Content-Type the origin reported (may be empty). When upstreamType is
// empty or one of the generic/binary placeholders, it rescans
// mediaURL's path extension; if that also fails to resolve, it falls
// back to upstreamType verbatim (even if generic) rather than guessing
// wrong.
func Resolve(mediaURL string, upstreamType string) string {
	normalized := strings.ToLower(strings.TrimSpace(upstreamType))
	if semi := strings.IndexByte(normalized, ';'); semi >= 0 {
		normalized = normalized[:semi]
	}

	if !genericTypes[normalized] {
		return normalized
	}

	if fromExt, ok := FromExtension(mediaURL); ok {
		return fromExt
	}

	return upstreamType
}

// FromExtension looks up a MIME type from mediaURL's path extension,
// ignoring any query string.
func FromExtension(mediaURL string) (string, bool) {
	clean := mediaURL
	if q := strings.IndexByte(clean, '?'); q >= 0 {
		clean = clean[:q]
	}

	ext := strings.TrimPrefix(strings.ToLower(path.Ext(clean)), ".")
	mime, ok := byExtension[ext]
	return mime, ok
}
