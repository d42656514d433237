package domain

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"
)

// CanonicalizeHeaders renders a header map as a stable, sorted
// "k1:v1|k2:v2" string so the same logical request always produces the
// same identity regardless of map iteration order.
func CanonicalizeHeaders(headers map[string]string) string {
	if len(headers) == 0 {
		return ""
	}

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+":"+headers[k])
	}
	return strings.Join(parts, "|")
}

// TaskKey is the single canonical identity of a DownloadTask: the media
// URL plus its canonicalized headers. Every caller that needs to
// identify a task (registry lookup, cache-directory hash, eviction)
// must go through this function.
func TaskKey(mediaURL string, headers map[string]string) string {
	canonical := CanonicalizeHeaders(headers)
	if canonical == "" {
		return mediaURL
	}
	return mediaURL + "|" + canonical
}

// TaskDirHash returns the MD5 hex digest of a task's identity, used as
// its cache directory name. MD5 is adequate here: it names a directory
// on a local filesystem, it is not a security boundary.
func TaskDirHash(mediaURL string, headers map[string]string) string {
	sum := md5.Sum([]byte(TaskKey(mediaURL, headers)))
	return hex.EncodeToString(sum[:])
}
