// Package peertest provides a testify mock of peer.API
package peertest

import (
	"context"

	"github.com/devrev/pairfs/internal/model"
	"github.com/stretchr/testify/mock"
)

// MockAPI is a mock implementation of peer.API
type MockAPI struct {
	mock.Mock
}

func (m *MockAPI) Replicate(ctx context.Context, node *model.NodeRecord, fileName string, data []byte) error {
	args := m.Called(ctx, node.NodeID, fileName, data)
	return args.Error(0)
}

func (m *MockAPI) UpdateReplica(ctx context.Context, node *model.NodeRecord, fileName string, data []byte) error {
	args := m.Called(ctx, node.NodeID, fileName, data)
	return args.Error(0)
}

func (m *MockAPI) DeleteReplica(ctx context.Context, node *model.NodeRecord, fileName string) error {
	args := m.Called(ctx, node.NodeID, fileName)
	return args.Error(0)
}

func (m *MockAPI) ReadFromServer(ctx context.Context, node *model.NodeRecord, fileName string) ([]byte, bool, error) {
	args := m.Called(ctx, node.NodeID, fileName)
	var data []byte
	if v := args.Get(0); v != nil {
		data = v.([]byte)
	}
	return data, args.Bool(1), args.Error(2)
}

func (m *MockAPI) CommitEdit(ctx context.Context, node *model.NodeRecord, fileName string, data []byte) (string, error) {
	args := m.Called(ctx, node.NodeID, fileName, data)
	return args.String(0), args.Error(1)
}
