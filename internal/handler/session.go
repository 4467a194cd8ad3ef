package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	fserrors "github.com/devrev/pairfs/internal/errors"
	"github.com/devrev/pairfs/internal/protocol"
	"go.uber.org/zap"
)

// handleOpen answers FILE OPENED and then serves SEEK requests until CLOSE
func (h *Handler) handleOpen(ctx context.Context, r *request) error {
	name, err := r.readName(h.validator)
	if err != nil {
		return err
	}
	logger := r.logger.With(zap.String("file_name", name))

	content, closeFn, err := h.openContent(ctx, name)
	if err != nil {
		return r.fail(err)
	}
	defer closeFn()

	if err := r.reply(protocol.TextOpened); err != nil {
		return err
	}

	seeks := 0
	for {
		r.deadline(h.cfg.EditTimeout)
		verb, err := r.c.ReadString()
		if err != nil {
			return r.readFailed(err)
		}

		switch verb {
		case protocol.CmdSeek:
			offset, err := r.c.ReadInt()
			if err != nil {
				return r.readFailed(err)
			}
			if offset < 0 {
				if err := r.reply(protocol.ResponseText(fserrors.MalformedRequest(fmt.Sprintf("negative offset %d", offset), nil))); err != nil {
					return err
				}
				continue
			}
			chunk, err := readChunk(content, int64(offset))
			if err != nil {
				return r.fail(err)
			}
			if err := r.reply(string(chunk)); err != nil {
				return err
			}
			seeks++
		case protocol.CmdClose:
			logger.Debug("File closed", zap.Int("seeks", seeks))
			return r.reply(protocol.TextClosed)
		default:
			if err := r.reply(protocol.TextUnknown); err != nil {
				return err
			}
		}
	}
}

// openContent prefers a handle on the local copy and otherwise holds the fetched bytes
func (h *Handler) openContent(ctx context.Context, name string) (io.ReaderAt, func(), error) {
	if h.local.Exists(name) {
		f, err := h.local.Open(name)
		if err == nil {
			return f, func() { f.Close() }, nil
		}
		if !fserrors.Is(err, fserrors.ErrCodeNotFound) {
			return nil, nil, err
		}
	}
	data, err := h.loadContent(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	return bytes.NewReader(data), func() {}, nil
}

// readChunk returns up to SeekChunkSize bytes at offset; past the end it returns nothing
func readChunk(r io.ReaderAt, offset int64) ([]byte, error) {
	buf := make([]byte, protocol.SeekChunkSize)
	n, err := r.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fserrors.IOFailure("failed to read chunk", err)
	}
	return buf[:n], nil
}
