package lease

import (
	"context"
	"time"

	fserrors "github.com/devrev/pairfs/internal/errors"
	"github.com/devrev/pairfs/internal/model"
	"github.com/devrev/pairfs/internal/store"
	"go.uber.org/zap"
)

// DefaultDuration is how long a write lease stays valid without release
const DefaultDuration = 10 * time.Minute

// Manager grants exclusive, time-bound write leases stored in file records.
// A held lease blocks every requester, including its own holder, until it is
// released or expires.
type Manager struct {
	files    *store.FileStore
	duration time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// NewManager creates a new lease manager
func NewManager(files *store.FileStore, duration time.Duration, logger *zap.Logger) *Manager {
	if duration <= 0 {
		duration = DefaultDuration
	}
	return &Manager{
		files:    files,
		duration: duration,
		now:      time.Now,
		logger:   logger,
	}
}

// SetClock replaces the time source
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Acquire takes the lease on fileName for requesterID
func (m *Manager) Acquire(ctx context.Context, fileName, requesterID string) error {
	_, err := m.files.Update(ctx, fileName, func(rec *model.FileRecord) error {
		now := m.now()
		if rec.Lease.ActiveAt(now) {
			return fserrors.LeaseDenied(fileName, rec.Lease.HolderNodeID)
		}
		rec.Lease = model.Lease{
			Held:         true,
			HolderNodeID: requesterID,
			ExpiresAt:    now.Add(m.duration).UTC(),
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.Debug("Lease acquired",
		zap.String("file_name", fileName),
		zap.String("holder", requesterID),
		zap.Duration("duration", m.duration))
	return nil
}

// Release clears the lease on fileName. A missing record is not an error.
func (m *Manager) Release(ctx context.Context, fileName string) error {
	_, err := m.files.Update(ctx, fileName, func(rec *model.FileRecord) error {
		if !rec.Lease.Held && rec.Lease.HolderNodeID == "" {
			return store.ErrNoChange
		}
		rec.Lease = model.Lease{}
		return nil
	})
	if fserrors.Is(err, fserrors.ErrCodeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	m.logger.Debug("Lease released", zap.String("file_name", fileName))
	return nil
}

// Holder returns the current holder, or "" when the lease is free or expired
func (m *Manager) Holder(ctx context.Context, fileName string) (string, error) {
	rec, err := m.files.Get(ctx, fileName)
	if err != nil {
		return "", err
	}
	if !rec.Lease.ActiveAt(m.now()) {
		return "", nil
	}
	return rec.Lease.HolderNodeID, nil
}
