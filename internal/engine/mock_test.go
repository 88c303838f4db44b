package engine

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/audun/patchsilence/internal/model"
)

// ---------- Collaborator mocks ----------

type mockTasks struct {
	mock.Mock
}

func (m *mockTasks) UpcomingEvents(ctx context.Context, now time.Time) ([]model.PatchEvent, error) {
	args := m.Called(ctx, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.PatchEvent), args.Error(1)
}

type mockGroups struct {
	mock.Mock
}

func (m *mockGroups) Members(ctx context.Context, group string) ([]model.GroupMember, error) {
	args := m.Called(ctx, group)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.GroupMember), args.Error(1)
}

type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) Resolve(ctx context.Context, member model.GroupMember) (model.ResolvedHost, error) {
	args := m.Called(ctx, member)
	return args.Get(0).(model.ResolvedHost), args.Error(1)
}

type mockNodes struct {
	mock.Mock
}

func (m *mockNodes) NodeIDByIP(ctx context.Context, ip string) (string, error) {
	args := m.Called(ctx, ip)
	return args.String(0), args.Error(1)
}

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Unmanage(ctx context.Context, w model.MaintenanceWindow) error {
	args := m.Called(ctx, w)
	return args.Error(0)
}

type mockWindows struct {
	mock.Mock
}

func (m *mockWindows) Exists(ctx context.Context, nodeID string) (bool, error) {
	args := m.Called(ctx, nodeID)
	return args.Bool(0), args.Error(1)
}

func (m *mockWindows) Insert(ctx context.Context, w model.MaintenanceWindow) error {
	args := m.Called(ctx, w)
	return args.Error(0)
}

func (m *mockWindows) Delete(ctx context.Context, nodeID string) error {
	args := m.Called(ctx, nodeID)
	return args.Error(0)
}

func (m *mockWindows) SelectAll(ctx context.Context) ([]model.MaintenanceWindow, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.MaintenanceWindow), args.Error(1)
}

func (m *mockWindows) Prune(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

type mockLocks struct {
	mock.Mock
}

func (m *mockLocks) AcquireRunLock(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, holder, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *mockLocks) ReleaseRunLock(ctx context.Context, holder string) error {
	args := m.Called(ctx, holder)
	return args.Error(0)
}
