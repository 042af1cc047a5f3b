package mockrepository

import (
	"context"

	"telemetry-pipeline/internal/model"
	"telemetry-pipeline/internal/repository"

	"github.com/stretchr/testify/mock"
)

type Repository struct {
	mock.Mock
}

// Interface compliance check
var _ repository.Repository = &Repository{}

func (m *Repository) Append(ctx context.Context, msg model.Message) (int64, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(int64), args.Error(1)
}

func (m *Repository) SelectBatch(ctx context.Context, maxCount int, notBefore int64) ([]repository.QueuedMessage, error) {
	args := m.Called(ctx, maxCount, notBefore)
	rows, _ := args.Get(0).([]repository.QueuedMessage)
	return rows, args.Error(1)
}

func (m *Repository) DeleteByIDs(ctx context.Context, ids []int64) error {
	return m.Called(ctx, ids).Error(0)
}

func (m *Repository) DeleteOlderThan(ctx context.Context, before int64) error {
	return m.Called(ctx, before).Error(0)
}

func (m *Repository) CreateSession(ctx context.Context, rec model.SessionRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *Repository) GetSession(ctx context.Context, id string) (model.SessionRecord, bool, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(model.SessionRecord), args.Bool(1), args.Error(2)
}

func (m *Repository) UpdateSessionEnd(ctx context.Context, id string, endTime, foregroundLength int64) error {
	return m.Called(ctx, id, endTime, foregroundLength).Error(0)
}

func (m *Repository) UpdateSessionAttributes(ctx context.Context, id string, attrs map[string]model.Value) error {
	return m.Called(ctx, id, attrs).Error(0)
}

func (m *Repository) MarkSessionEnded(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *Repository) SelectOpenSessions(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	ids, _ := args.Get(0).([]string)
	return ids, args.Error(1)
}

func (m *Repository) DeleteEndedSessions(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *Repository) InsertPush(ctx context.Context, p model.PushMessage) error {
	return m.Called(ctx, p).Error(0)
}

func (m *Repository) MarkInfluenceOpen(ctx context.Context, from, to int64) error {
	return m.Called(ctx, from, to).Error(0)
}

func (m *Repository) ClearProviderMessages(ctx context.Context, before int64) error {
	return m.Called(ctx, before).Error(0)
}
