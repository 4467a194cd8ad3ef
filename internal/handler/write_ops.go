package handler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	fserrors "github.com/devrev/pairfs/internal/errors"
	"github.com/devrev/pairfs/internal/model"
	"github.com/devrev/pairfs/internal/protocol"
	"github.com/devrev/pairfs/internal/util"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// commitAttempts bounds how often an edit chases a moving primary
const commitAttempts = 3

// handleWrite sends the current content under a lease, then commits the edited
// content that comes back. The lease is released on every path once taken.
func (h *Handler) handleWrite(ctx context.Context, r *request) error {
	r.withPayload = true
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
	defer h.releaseLease(name, logger)

	current, err := h.loadContent(ctx, name)
	if err != nil {
		return r.fail(err)
	}
	if err := r.replyPayload(protocol.StatusOK, current); err != nil {
		return err
	}
	h.metrics.AddPayloadBytes("out", len(current))
	r.withPayload = false

	r.deadline(h.cfg.EditTimeout)
	verb, err := r.c.ReadString()
	if err != nil {
		return r.readFailed(err)
	}
	if verb != protocol.CmdEditedContent {
		return r.fail(fserrors.MalformedRequest(fmt.Sprintf("expected %s, got %q", protocol.CmdEditedContent, verb), nil))
	}
	edited, err := r.readContent(h.validator)
	if err != nil {
		return err
	}
	h.metrics.AddPayloadBytes("in", len(edited))

	text, err := h.commitEdit(ctx, name, edited)
	if err != nil {
		return r.fail(err)
	}
	logger.Info("Edit committed", zap.Int("size", len(edited)), zap.String("result", text))
	return r.reply(text)
}

// commitEdit stores data at the file's primary, forwarding when that is another
// node and failing over when it cannot be reached. It returns the primary's answer.
func (h *Handler) commitEdit(ctx context.Context, name string, data []byte) (string, error) {
	defer h.cache.Invalidate(name)

	var lastErr error
	for attempt := 0; attempt < commitAttempts; attempt++ {
		rec, err := h.files.Get(ctx, name)
		if err != nil {
			return "", err
		}

		if rec.PrimaryNodeID == h.nodeID {
			err := h.applyEdit(ctx, name, data)
			if fserrors.Is(err, fserrors.ErrCodeNotPrimary) {
				lastErr = err
				continue
			}
			if err != nil {
				return "", err
			}
			return protocol.TextUpdated, nil
		}

		var reply string
		primary, err := h.primaryNode(ctx, rec)
		if err == nil {
			reply, err = h.peers.CommitEdit(ctx, primary, name, data)
		}
		if fserrors.Is(err, fserrors.ErrCodePeerUnreachable) {
			h.logger.Warn("Primary unreachable during commit, failing over",
				zap.String("file_name", name),
				zap.String("primary", rec.PrimaryNodeID),
				zap.Error(err))
			if _, ferr := h.resolver.Resolve(ctx, rec); ferr != nil {
				return "", ferr
			}
			lastErr = err
			continue
		}
		if err != nil {
			return "", err
		}
		if reply == protocol.TextNotPrimary {
			lastErr = fserrors.NotPrimary(name, rec.PrimaryNodeID)
			continue
		}
		return reply, nil
	}
	return "", lastErr
}

// applyEdit commits data on this node as primary and pushes it to every replica
func (h *Handler) applyEdit(ctx context.Context, name string, data []byte) error {
	rec, err := h.files.Get(ctx, name)
	if err != nil {
		return err
	}
	if rec.PrimaryNodeID != h.nodeID {
		return fserrors.NotPrimary(name, rec.PrimaryNodeID)
	}

	if err := h.local.Write(name, data); err != nil {
		return err
	}

	checksum := util.ComputeChecksum(data)
	updated, err := h.files.Update(ctx, name, func(cur *model.FileRecord) error {
		if cur.PrimaryNodeID != h.nodeID {
			return fserrors.NotPrimary(name, cur.PrimaryNodeID)
		}
		cur.SizeBytes = int64(len(data))
		cur.Checksum = checksum
		return nil
	})
	if err != nil {
		return err
	}
	h.cache.Invalidate(name)

	pushed := h.fanOut(ctx, updated.ReplicaNodeIDs, func(ctx context.Context, node *model.NodeRecord) error {
		return h.peers.UpdateReplica(ctx, node, name, data)
	})
	if len(pushed) < len(updated.ReplicaNodeIDs) {
		h.logger.Warn("Some replicas missed the update",
			zap.String("file_name", name),
			zap.Strings("replicas", updated.ReplicaNodeIDs),
			zap.Strings("updated", pushed))
	}
	return nil
}

// fanOut runs call against every active node in nodeIDs other than this one,
// concurrently and best effort. It returns the ids that succeeded, sorted.
func (h *Handler) fanOut(ctx context.Context, nodeIDs []string, call func(ctx context.Context, node *model.NodeRecord) error) []string {
	var (
		mu sync.Mutex
		ok []string
		g  errgroup.Group
	)
	for _, id := range nodeIDs {
		if id == h.nodeID {
			continue
		}
		id := id
		g.Go(func() error {
			node, err := h.nodes.Get(ctx, id)
			if err != nil {
				h.logger.Warn("Skipping unknown peer", zap.String("peer", id), zap.Error(err))
				return nil
			}
			if !node.Active {
				h.logger.Debug("Skipping inactive peer", zap.String("peer", id))
				return nil
			}
			if err := call(ctx, node); err != nil {
				h.logger.Warn("Peer call failed", zap.String("peer", id), zap.Error(err))
				return nil
			}
			mu.Lock()
			ok = append(ok, id)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	sort.Strings(ok)
	return ok
}

func (h *Handler) releaseLease(name string, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.WriteTimeout)
	defer cancel()
	if err := h.leases.Release(ctx, name); err != nil {
		logger.Error("Failed to release lease", zap.Error(err))
	}
}

func (h *Handler) recordLease(err error) {
	switch {
	case err == nil:
		h.metrics.LeaseAttempt("acquired")
	case fserrors.Is(err, fserrors.ErrCodeLeaseDenied):
		h.metrics.LeaseAttempt("denied")
	default:
		h.metrics.LeaseAttempt("error")
	}
}
