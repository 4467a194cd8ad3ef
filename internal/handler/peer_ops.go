package handler

import (
	"context"

	fserrors "github.com/devrev/pairfs/internal/errors"
	"github.com/devrev/pairfs/internal/protocol"
	"go.uber.org/zap"
)

// handleReplicaWrite stores a copy pushed by a primary (REPLICATE and UPDATE_REPLICA)
func (h *Handler) handleReplicaWrite(r *request, okText string) error {
	name, err := r.readName(h.validator)
	if err != nil {
		return err
	}
	data, err := r.readContent(h.validator)
	if err != nil {
		return err
	}

	if err := h.local.Write(name, data); err != nil {
		return r.fail(err)
	}
	h.cache.Invalidate(name)
	h.metrics.AddPayloadBytes("in", len(data))

	r.logger.Debug("Replica stored", zap.String("file_name", name), zap.Int("size", len(data)))
	return r.reply(okText)
}

func (h *Handler) handleDeleteReplica(r *request) error {
	name, err := r.readName(h.validator)
	if err != nil {
		return err
	}

	existed, err := h.local.Delete(name)
	if err != nil {
		return r.fail(err)
	}
	h.cache.Invalidate(name)

	r.logger.Debug("Replica deleted", zap.String("file_name", name), zap.Bool("existed", existed))
	return r.reply(protocol.TextReplicaDeleted)
}

// handleReadFromServer answers with this node's own copy only; an empty payload
// means no copy
func (h *Handler) handleReadFromServer(r *request) error {
	name, err := r.c.ReadString()
	if err != nil {
		return r.readFailed(err)
	}

	var data []byte
	if h.validator.ValidateFileName(name) == nil {
		data, err = h.local.Read(name)
		if err != nil && !fserrors.Is(err, fserrors.ErrCodeNotFound) {
			r.logger.Warn("Failed to read local copy", zap.String("file_name", name), zap.Error(err))
		}
	}

	r.deadline(h.cfg.WriteTimeout)
	if err := r.c.WritePayload(data); err != nil {
		return err
	}
	if err := r.c.Flush(); err != nil {
		return err
	}
	h.metrics.AddPayloadBytes("out", len(data))
	return nil
}

// handleEditedContent commits content forwarded by the node holding the write lease.
// Only the primary accepts it.
func (h *Handler) handleEditedContent(ctx context.Context, r *request) error {
	name, err := r.readName(h.validator)
	if err != nil {
		return err
	}
	data, err := r.readContent(h.validator)
	if err != nil {
		return err
	}

	if err := h.applyEdit(ctx, name, data); err != nil {
		return r.fail(err)
	}
	r.logger.Info("Forwarded edit committed", zap.String("file_name", name), zap.Int("size", len(data)))
	return r.reply(protocol.TextUpdated)
}
