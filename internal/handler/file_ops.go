package handler

import (
	"context"
	"errors"
	"time"

	fserrors "github.com/devrev/pairfs/internal/errors"
	"github.com/devrev/pairfs/internal/model"
	"github.com/devrev/pairfs/internal/protocol"
	"github.com/devrev/pairfs/internal/util"
	"go.uber.org/zap"
)

// handleStore serves CREATE and UPLOAD: the receiving node becomes the primary
func (h *Handler) handleStore(ctx context.Context, r *request, okText string) error {
	name, err := r.readName(h.validator)
	if err != nil {
		return err
	}
	data, err := r.readContent(h.validator)
	if err != nil {
		return err
	}
	logger := r.logger.With(zap.String("file_name", name))

	exists, err := h.files.Exists(ctx, name)
	if err != nil {
		return r.fail(err)
	}
	if exists {
		return r.fail(fserrors.FileExists(name))
	}

	if err := h.local.Write(name, data); err != nil {
		return r.fail(err)
	}

	rec := model.NewFileRecord(name, int64(len(data)), util.ComputeChecksum(data), h.nodeID, time.Now())
	if err := h.files.Create(ctx, rec); err != nil {
		if _, derr := h.local.Delete(name); derr != nil {
			logger.Warn("Failed to remove copy after create failed", zap.Error(derr))
		}
		return r.fail(err)
	}

	if err := h.nodes.AdjustFileCount(ctx, h.nodeID, 1); err != nil {
		logger.Warn("Failed to increment file count", zap.Error(err))
	}

	replicas, err := h.replicator.ReplicateNew(ctx, rec, data)
	if err != nil {
		logger.Warn("Replication failed", zap.Error(err))
	}
	h.metrics.AddPayloadBytes("in", len(data))

	logger.Info("File stored",
		zap.Int("size", len(data)),
		zap.Strings("replicas", replicas))
	return r.reply(okText)
}

func (h *Handler) handleRead(ctx context.Context, r *request) error {
	r.withPayload = true
	name, err := r.readName(h.validator)
	if err != nil {
		return err
	}

	data, err := h.loadContent(ctx, name)
	if err != nil {
		return r.fail(err)
	}
	h.metrics.AddPayloadBytes("out", len(data))
	return r.replyPayload(protocol.StatusOK, data)
}

// loadContent returns the current bytes of name: the local copy, a fetched copy that
// still matches the record, or the primary's copy, failing over when the primary
// cannot be reached
func (h *Handler) loadContent(ctx context.Context, name string) ([]byte, error) {
	if h.local.Exists(name) {
		return h.local.Read(name)
	}

	rec, err := h.files.Get(ctx, name)
	if err != nil {
		if fserrors.Is(err, fserrors.ErrCodeNotFound) {
			h.cache.Invalidate(name)
		}
		return nil, err
	}

	if data, ok := h.cache.Get(name); ok {
		if int64(len(data)) == rec.SizeBytes && util.ValidateChecksum(data, rec.Checksum) {
			h.metrics.CacheHit()
			return data, nil
		}
		h.logger.Debug("Cached copy is stale, refetching", zap.String("file_name", name))
		h.cache.Invalidate(name)
	}
	h.metrics.CacheMiss()

	data, err := h.fetchFromPrimary(ctx, rec)
	if err != nil {
		return nil, err
	}
	if err := h.cache.Put(name, data); err != nil {
		h.logger.Warn("Failed to cache fetched copy", zap.String("file_name", name), zap.Error(err))
	}
	return data, nil
}

func (h *Handler) fetchFromPrimary(ctx context.Context, rec *model.FileRecord) ([]byte, error) {
	if rec.PrimaryNodeID == h.nodeID {
		data, err := h.local.Read(rec.FileName)
		if fserrors.Is(err, fserrors.ErrCodeNotFound) {
			return nil, fserrors.IOFailure("primary copy missing from data directory", err).
				WithDetail("file_name", rec.FileName)
		}
		return data, err
	}

	data, err := h.readFromPrimary(ctx, rec)
	if !fserrors.Is(err, fserrors.ErrCodePeerUnreachable) {
		return data, err
	}

	h.logger.Warn("Primary unreachable, failing over",
		zap.String("file_name", rec.FileName),
		zap.String("primary", rec.PrimaryNodeID),
		zap.Error(err))
	res, err := h.resolver.Resolve(ctx, rec)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

func (h *Handler) readFromPrimary(ctx context.Context, rec *model.FileRecord) ([]byte, error) {
	primary, err := h.primaryNode(ctx, rec)
	if err != nil {
		return nil, err
	}

	data, found, err := h.peers.ReadFromServer(ctx, primary, rec.FileName)
	if err != nil {
		return nil, err
	}
	if !found && rec.SizeBytes > 0 {
		return nil, fserrors.NotFound(rec.FileName)
	}
	if !util.ValidateChecksum(data, rec.Checksum) {
		h.logger.Warn("Fetched copy does not match recorded checksum",
			zap.String("file_name", rec.FileName),
			zap.String("primary", primary.NodeID))
	}
	return data, nil
}

// primaryNode looks up the record's primary, reporting an inactive or unknown node
// as unreachable
func (h *Handler) primaryNode(ctx context.Context, rec *model.FileRecord) (*model.NodeRecord, error) {
	primary, err := h.nodes.Get(ctx, rec.PrimaryNodeID)
	if fserrors.Is(err, fserrors.ErrCodeNotFound) {
		return nil, fserrors.PeerUnreachable(rec.PrimaryNodeID, "", err)
	}
	if err != nil {
		return nil, err
	}
	if !primary.Active {
		return nil, fserrors.PeerUnreachable(primary.NodeID, primary.Endpoint(), errors.New("node is inactive"))
	}
	return primary, nil
}

// handleDelete takes the lease itself so a live writer blocks the delete
func (h *Handler) handleDelete(ctx context.Context, r *request) error {
	name, err := r.readName(h.validator)
	if err != nil {
		return err
	}
	logger := r.logger.With(zap.String("file_name", name))

	if err := h.leases.Acquire(ctx, name, h.nodeID); err != nil {
		h.recordLease(err)
		return r.fail(err)
	}
	h.recordLease(nil)

	rec, err := h.files.Get(ctx, name)
	if err != nil {
		h.releaseLease(name, logger)
		return r.fail(err)
	}

	if _, err := h.local.Delete(name); err != nil {
		logger.Warn("Failed to remove local copy", zap.Error(err))
	}
	h.cache.Invalidate(name)

	removed := h.fanOut(ctx, rec.Holders(), func(ctx context.Context, node *model.NodeRecord) error {
		return h.peers.DeleteReplica(ctx, node, name)
	})

	if err := h.files.Delete(ctx, name); err != nil {
		h.releaseLease(name, logger)
		return r.fail(err)
	}

	for _, id := range rec.Holders() {
		if err := h.nodes.AdjustFileCount(ctx, id, -1); err != nil && !fserrors.Is(err, fserrors.ErrCodeNotFound) {
			logger.Warn("Failed to decrement file count", zap.String("peer", id), zap.Error(err))
		}
	}

	logger.Info("File deleted", zap.Strings("remote_copies_removed", removed))
	return r.reply(protocol.TextDeleted)
}
