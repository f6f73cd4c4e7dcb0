package client

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/Hayvi/roomy/internal/types"
)

type attachment struct {
	name string
	data []byte
}

// Composer collects one outgoing message: text and at most one file.
type Composer struct {
	c      *Client
	roomId string

	mu   sync.Mutex
	text string
	file *attachment
}

func (c *Client) Composer(roomId string) *Composer {
	return &Composer{c: c, roomId: roomId}
}

func (m *Composer) SetText(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.text = text
}

func (m *Composer) Text() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.text
}

// Attachment returns the name of the attached file, if any.
func (m *Composer) Attachment() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return "", false
	}
	return m.file.name, true
}

func tooLarge(size int64) error {
	return &Error{
		Kind:    KindValidation,
		Status:  http.StatusRequestEntityTooLarge,
		Message: fmt.Sprintf("file is %d bytes, the limit is %d", size, types.MaxAttachmentSize),
	}
}

// Attach replaces the pending file. Oversized files are refused and the
// previous attachment is kept.
func (m *Composer) Attach(name string, data []byte) error {
	if len(data) > types.MaxAttachmentSize {
		return tooLarge(int64(len(data)))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.file = &attachment{name: name, data: data}
	return nil
}

// AttachFile checks the size on disk before reading the file.
func (m *Composer) AttachFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return validationError(fmt.Sprintf("cannot read %s: %v", path, err))
	}
	if info.Size() > types.MaxAttachmentSize {
		return tooLarge(info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return validationError(fmt.Sprintf("cannot read %s: %v", path, err))
	}

	return m.Attach(filepath.Base(path), data)
}

func (m *Composer) ClearAttachment() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.file = nil
}

// Submit uploads the attachment, if any, then inserts the message. The
// composer is cleared only after the insert succeeds.
func (m *Composer) Submit(ctx context.Context) (types.Message, error) {
	m.mu.Lock()
	text := strings.TrimSpace(m.text)
	file := m.file
	m.mu.Unlock()

	if utf8.RuneCountInString(text) > types.MaxMessageLength {
		return types.Message{}, validationError(fmt.Sprintf("message must be at most %d characters", types.MaxMessageLength))
	}
	if text == "" && file == nil {
		return types.Message{}, validationError("message needs text or an attachment")
	}

	req := types.CreateMessageRequest{Content: text}
	if file != nil {
		var att types.Attachment
		err := m.c.backend.upload(ctx, "/api/storage/"+types.AttachmentBucket, "file", file.name, file.data, &att)
		if err != nil {
			return types.Message{}, fmt.Errorf("upload attachment: %w", err)
		}
		req.AttachmentUrl = att.PublicUrl
	}

	var msg types.Message
	if err := m.c.backend.doJSON(ctx, http.MethodPost, "/api/rooms/"+m.roomId+"/messages", req, &msg); err != nil {
		return types.Message{}, err
	}

	m.mu.Lock()
	// only clear what was sent; edits made during the submit survive
	if strings.TrimSpace(m.text) == text {
		m.text = ""
	}
	if m.file == file {
		m.file = nil
	}
	m.mu.Unlock()

	return msg, nil
}
