package storage

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachmentPath(t *testing.T) {
	at := time.UnixMilli(1760000000123)

	tcases := []struct {
		name     string
		filename string
		want     string
	}{
		{"keeps extension", "cat.png", "user-1/1760000000123.png"},
		{"lowercases extension", "Report.PDF", "user-1/1760000000123.pdf"},
		{"no extension", "README", "user-1/1760000000123.bin"},
		{"dotted name", "archive.tar.gz", "user-1/1760000000123.gz"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, AttachmentPath("user-1", at, tc.filename))
		})
	}
}

func TestPublicURL(t *testing.T) {
	assert.Equal(t,
		"http://localhost:8000/storage/chat-attachments/u/1.png",
		PublicURL("http://localhost:8000/", "chat-attachments", "u/1.png"),
	)
}

func TestNameFromURL(t *testing.T) {
	base := "http://localhost:8000"

	name, ok := NameFromURL(base, "chat-attachments", "http://localhost:8000/storage/chat-attachments/u/1.png")
	assert.True(t, ok)
	assert.Equal(t, "u/1.png", name)

	_, ok = NameFromURL(base, "chat-attachments", "http://elsewhere/storage/chat-attachments/u/1.png")
	assert.False(t, ok)
	_, ok = NameFromURL(base, "chat-attachments", "http://localhost:8000/storage/chat-attachments/")
	assert.False(t, ok)
}

func TestOwnedBy(t *testing.T) {
	tcases := []struct {
		name   string
		object string
		want   bool
	}{
		{"own object", "user-1/1760000000123.png", true},
		{"someone else's", "user-2/1760000000123.png", false},
		{"nested path", "user-1/x/1.png", false},
		{"bare identity", "user-1/", false},
		{"no separator", "user-1", false},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, OwnedBy(tc.object, "user-1"))
		})
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	data := []byte("hello")
	info, err := s.Create(ctx, "u/1.txt", data, "text/plain")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), info.Size)

	// mutating the caller's slice must not change the stored object
	data[0] = 'j'

	got, gotInfo, err := s.Fetch(ctx, "u/1.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
	assert.Equal(t, "text/plain", gotInfo.ContentType)

	_, err = s.Create(ctx, "u/1.txt", []byte("other"), "text/plain")
	assert.ErrorIs(t, err, ErrExists, "existing objects are never overwritten")

	require.NoError(t, s.Remove(ctx, "u/1.txt"))
	_, _, err = s.Fetch(ctx, "u/1.txt")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, s.Remove(ctx, "u/1.txt"), "removing twice is fine")
}

func TestSaveAttachment_SameMillisecond(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	at := time.UnixMilli(1760000000123)

	first, err := SaveAttachment(ctx, s, "user-1", at, "a.png", []byte("first"), "image/png")
	require.NoError(t, err)
	second, err := SaveAttachment(ctx, s, "user-1", at, "b.png", []byte("second"), "image/png")
	require.NoError(t, err)

	assert.Equal(t, "user-1/1760000000123.png", first.Name)
	assert.Equal(t, "user-1/1760000000124.png", second.Name)

	got, _, err := s.Fetch(ctx, first.Name)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got), "the earlier upload is kept")
}

func TestSaveAttachment_GivesUp(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	at := time.UnixMilli(1760000000000)

	for range maxNameAttempts {
		_, err := SaveAttachment(ctx, s, "user-1", at, "a.png", []byte("x"), "image/png")
		require.NoError(t, err)
	}

	_, err := SaveAttachment(ctx, s, "user-1", at, "a.png", []byte("x"), "image/png")
	assert.ErrorIs(t, err, ErrExists)
}

func TestHeaderContentType(t *testing.T) {
	assert.Equal(t, "image/png", headerContentType(nats.Header{"Content-Type": []string{"image/png"}}))
	assert.Equal(t, defaultContentType, headerContentType(nil))
}
