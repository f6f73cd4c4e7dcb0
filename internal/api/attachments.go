package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Hayvi/roomy/internal/storage"
	"github.com/Hayvi/roomy/internal/types"
)

// multipartOverhead leaves room for form boundaries and headers around the file part.
const multipartOverhead = 64 * 1024

func (s *GoChatApp) uploadAttachment(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, types.MaxAttachmentSize+multipartOverhead)
	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, NewRequestEntityTooLargeError())
			return
		}
		s.writeError(w, NewBadRequestError())
		return
	}
	defer file.Close()

	if header.Size > types.MaxAttachmentSize {
		s.writeError(w, NewRequestEntityTooLargeError())
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, types.MaxAttachmentSize+1))
	if err != nil {
		s.writeError(w, NewInternalServerError(fmt.Errorf("read upload: %w", err)))
		return
	}
	if len(data) > types.MaxAttachmentSize {
		s.writeError(w, NewRequestEntityTooLargeError())
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}

	info, err := storage.SaveAttachment(r.Context(), s.store, userId, time.Now(), header.Filename, data, contentType)
	if err != nil {
		s.writeError(w, NewInternalServerError(fmt.Errorf("store attachment: %w", err)))
		return
	}

	s.writeJson(w, http.StatusCreated, types.Attachment{
		Path:      info.Name,
		PublicUrl: storage.PublicURL(s.publicURL, types.AttachmentBucket, info.Name),
		Size:      int64(info.Size),
	})
}

func (s *GoChatApp) getAttachment(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("identity") + "/" + r.PathValue("file")

	data, info, err := s.store.Fetch(r.Context(), name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, NewNotFoundError())
			return
		}
		s.writeError(w, NewInternalServerError(err))
		return
	}

	if info.ContentType != "" {
		w.Header().Set("Content-Type", info.ContentType)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
