package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const defaultContentType = "application/octet-stream"

var _ AttachmentStore = (*JetStreamStore)(nil)

// JetStreamStore keeps attachments in a NATS JetStream object store bucket,
// so every server instance serves the same files.
type JetStreamStore struct {
	nc      *nats.Conn
	objects jetstream.ObjectStore
}

// OpenJetStreamStore connects to natsURL and binds to bucket, creating it on first use.
func OpenJetStreamStore(ctx context.Context, natsURL, bucket string) (*JetStreamStore, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("roomy-attachments"),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	objects, err := bindBucket(ctx, nc, bucket)
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &JetStreamStore{nc: nc, objects: objects}, nil
}

func bindBucket(ctx context.Context, nc *nats.Conn, bucket string) (jetstream.ObjectStore, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	objects, err := js.ObjectStore(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		objects, err = js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
			Bucket:      bucket,
			Description: "chat attachments",
			Storage:     jetstream.FileStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("bind bucket %s: %w", bucket, err)
	}

	return objects, nil
}

// Create checks for an existing object first. Two uploads racing for the
// same name inside that window can still collide.
func (s *JetStreamStore) Create(ctx context.Context, name string, data []byte, contentType string) (*ObjectInfo, error) {
	_, err := s.objects.GetInfo(ctx, name)
	switch {
	case err == nil:
		return nil, ErrExists
	case !errors.Is(err, jetstream.ErrObjectNotFound):
		return nil, fmt.Errorf("stat %s: %w", name, err)
	}

	info, err := s.objects.Put(ctx, jetstream.ObjectMeta{
		Name:    name,
		Headers: nats.Header{"Content-Type": []string{contentType}},
	}, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("put %s: %w", name, err)
	}

	return toObjectInfo(info), nil
}

func (s *JetStreamStore) Fetch(ctx context.Context, name string) ([]byte, *ObjectInfo, error) {
	info, err := s.objects.GetInfo(ctx, name)
	if err != nil {
		return nil, nil, notFound(name, err)
	}

	data, err := s.objects.GetBytes(ctx, name)
	if err != nil {
		return nil, nil, notFound(name, err)
	}

	return data, toObjectInfo(info), nil
}

func (s *JetStreamStore) Remove(ctx context.Context, name string) error {
	err := s.objects.Delete(ctx, name)
	if err == nil || errors.Is(err, jetstream.ErrObjectNotFound) {
		return nil
	}
	return fmt.Errorf("remove %s: %w", name, err)
}

// Close flushes pending operations before closing the connection.
func (s *JetStreamStore) Close() error {
	return s.nc.Drain()
}

func notFound(name string, err error) error {
	if errors.Is(err, jetstream.ErrObjectNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("fetch %s: %w", name, err)
}

func toObjectInfo(info *jetstream.ObjectInfo) *ObjectInfo {
	return &ObjectInfo{
		Name:        info.Name,
		Size:        info.Size,
		ContentType: headerContentType(info.Headers),
		ModTime:     info.ModTime,
	}
}

func headerContentType(h nats.Header) string {
	if ct := h.Get("Content-Type"); ct != "" {
		return ct
	}
	return defaultContentType
}
