// Package storage keeps chat attachments. Objects are addressed by
// {identity}/{unix millis}.{ext} and served publicly under /storage/{bucket}/.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("attachment not found")
	ErrExists   = errors.New("attachment already exists")
)

// maxNameAttempts bounds how far SaveAttachment moves the timestamp forward
// looking for a free name.
const maxNameAttempts = 8

// AttachmentStore holds attachment blobs for one bucket.
type AttachmentStore interface {
	// Create stores a new object and fails with ErrExists instead of overwriting.
	Create(ctx context.Context, name string, data []byte, contentType string) (*ObjectInfo, error)
	// Fetch returns the object, or ErrNotFound.
	Fetch(ctx context.Context, name string) ([]byte, *ObjectInfo, error)
	// Remove deletes the object. Removing a missing object is not an error.
	Remove(ctx context.Context, name string) error
}

type ObjectInfo struct {
	Name        string
	Size        uint64
	ContentType string
	ModTime     time.Time
}

// AttachmentPath builds the object name {identity}/{unix millis}.{ext}.
func AttachmentPath(identity string, uploadedAt time.Time, filename string) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(filename)), ".")
	if ext == "" {
		ext = "bin"
	}
	return fmt.Sprintf("%s/%d.%s", identity, uploadedAt.UnixMilli(), ext)
}

// SaveAttachment stores data under the identity's path for uploadedAt. When
// that name is taken by an upload in the same millisecond, the next
// millisecond is tried.
func SaveAttachment(ctx context.Context, s AttachmentStore, identity string, uploadedAt time.Time, filename string, data []byte, contentType string) (*ObjectInfo, error) {
	at := uploadedAt
	for range maxNameAttempts {
		info, err := s.Create(ctx, AttachmentPath(identity, at, filename), data, contentType)
		if !errors.Is(err, ErrExists) {
			return info, err
		}
		at = at.Add(time.Millisecond)
	}
	return nil, fmt.Errorf("no free name for %s after %d attempts: %w", identity, maxNameAttempts, ErrExists)
}

// PublicURL returns the address under which the object can be fetched without a session.
func PublicURL(baseURL, bucket, name string) string {
	return strings.TrimRight(baseURL, "/") + "/storage/" + bucket + "/" + name
}

// NameFromURL is the inverse of PublicURL. It reports false for addresses
// outside the bucket.
func NameFromURL(baseURL, bucket, url string) (string, bool) {
	name, ok := strings.CutPrefix(url, PublicURL(baseURL, bucket, ""))
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

// OwnedBy reports whether the object name sits under identity's prefix.
func OwnedBy(name, identity string) bool {
	owner, rest, ok := strings.Cut(name, "/")
	return ok && owner == identity && rest != "" && !strings.Contains(rest, "/")
}
