package objectstore

import (
	"fmt"
	"strings"
)

// Each tool gets its own pair of buckets, never a shared pool, so retention
// policy, access scope and failure blast radius stay per-tool.

func UploadBucket(tool string) string {
	return strings.TrimSpace(tool) + "-uploads"
}

func ProcessedBucket(tool string) string {
	return strings.TrimSpace(tool) + "-processed"
}

// ObjectKey builds the object key for an execution: "{id}.{ext}", or just
// the id when no extension is known.
func ObjectKey(executionID, ext string) string {
	executionID = strings.TrimSpace(executionID)
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if ext == "" {
		return executionID
	}
	return executionID + "." + ext
}

// BuildRef serializes a (bucket, key) pair into the "bucket/key" form
// stored on execution records.
func BuildRef(bucket, key string) string {
	return bucket + "/" + key
}

// ParseRef splits a stored reference back into bucket and key.
func ParseRef(ref string) (bucket, key string, err error) {
	parts := strings.SplitN(strings.TrimSpace(ref), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed object ref %q", ref)
	}
	return parts[0], parts[1], nil
}
