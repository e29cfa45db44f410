package app

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"

	"github.com/alkl1m/chatclient/internal/domain"
	"github.com/alkl1m/chatclient/internal/protocol"
)

var (
	ErrSizeExceeded = errors.New("file exceeds size limit")
	ErrFileRead     = errors.New("file read failed")
)

// FileDraft holds a selected file between selection and encode-and-send.
// Callers should drop the reference once the envelope is built.
type FileDraft struct {
	Name        string
	ContentType string
	Data        []byte
}

// ReadDraft loads a file from disk into a draft, sniffing its content type.
func ReadDraft(path string) (*FileDraft, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileRead, err)
	}
	return &FileDraft{
		Name:        filepath.Base(path),
		ContentType: mimetype.Detect(data).String(),
		Data:        data,
	}, nil
}

// AttachmentEncoder turns a draft into a FILE_MESSAGE envelope with an inline
// base64 payload, enforcing the configured byte limit.
type AttachmentEncoder struct {
	maxBytes int64
}

func NewAttachmentEncoder(maxBytes int64) *AttachmentEncoder {
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	return &AttachmentEncoder{maxBytes: maxBytes}
}

// base64 runs in chunks so the encode of a large draft stays cancellable.
// The chunk size is a multiple of 3 so padding only ever appears at the end.
const encodeChunk = 48 << 10

// Encode builds the FILE_MESSAGE envelope for draft. The size limit is
// checked against the raw bytes before any encoding work happens; an
// oversized draft costs nothing. ctx aborts a partially finished encode.
func (e *AttachmentEncoder) Encode(ctx context.Context, sess *domain.Session, draft *FileDraft) (protocol.Envelope, error) {
	size := int64(len(draft.Data))
	if size > e.maxBytes {
		log.Warn().Str("module", "app.attach").Str("filename", draft.Name).
			Int64("size", size).Int64("limit", e.maxBytes).Msg("rejected oversized file")
		return protocol.Envelope{}, fmt.Errorf("%w: %d > %d bytes", ErrSizeExceeded, size, e.maxBytes)
	}

	enc := base64.StdEncoding
	var sb strings.Builder
	sb.Grow(enc.EncodedLen(len(draft.Data)))
	for off := 0; off < len(draft.Data); off += encodeChunk {
		if err := ctx.Err(); err != nil {
			return protocol.Envelope{}, err
		}
		end := min(off+encodeChunk, len(draft.Data))
		sb.WriteString(enc.EncodeToString(draft.Data[off:end]))
	}
	payload := sb.String()

	log.Info().Str("module", "app.attach").Str("filename", draft.Name).
		Str("content_type", draft.ContentType).Int64("size", size).Msg("encoded attachment")
	return protocol.NewFileMessage(string(sess.ChannelID), sess.Nickname, draft.Name, payload), nil
}
