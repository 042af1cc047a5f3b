package mockworker

import (
	"context"

	"telemetry-pipeline/internal/model"
	"telemetry-pipeline/internal/repository"

	"github.com/stretchr/testify/mock"
)

// UploadWorker records the requests made of the upload stage.
type UploadWorker struct {
	mock.Mock
}

func (m *UploadWorker) Start() {
	m.Called()
}

func (m *UploadWorker) RequestUpload() {
	m.Called()
}

func (m *UploadWorker) TriggerUpload() {
	m.Called()
}

func (m *UploadWorker) RefreshConfig() {
	m.Called()
}

func (m *UploadWorker) RequestCleanup() {
	m.Called()
}

func (m *UploadWorker) Sync(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *UploadWorker) Shutdown() {
	m.Called()
}

// MessageWorker records the requests made of the persist stage.
type MessageWorker struct {
	mock.Mock
}

func (m *MessageWorker) StoreMessage(msg model.Message) error {
	return m.Called(msg).Error(0)
}

func (m *MessageWorker) UpdateSessionEnd(sessionID string, stopTime, foregroundLength int64) error {
	return m.Called(sessionID, stopTime, foregroundLength).Error(0)
}

func (m *MessageWorker) CreateSessionEndMessage(sessionID string, eventCount int64) error {
	return m.Called(sessionID, eventCount).Error(0)
}

func (m *MessageWorker) UpdateSessionAttributes(sessionID string, attrs map[string]model.Value) error {
	return m.Called(sessionID, attrs).Error(0)
}

func (m *MessageWorker) EndOrphanSessions(currentSessionID string) error {
	return m.Called(currentSessionID).Error(0)
}

func (m *MessageWorker) StoreGcmMessage(push model.PushMessage, appState string) error {
	return m.Called(push, appState).Error(0)
}

func (m *MessageWorker) MarkInfluenceOpen(timestamp int64) error {
	return m.Called(timestamp).Error(0)
}

func (m *MessageWorker) ClearProviderMessages(timestamp int64) error {
	return m.Called(timestamp).Error(0)
}

func (m *MessageWorker) Sync(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MessageWorker) Shutdown() {
	m.Called()
}

// IngestWorker records what the collector hands to storage.
type IngestWorker struct {
	mock.Mock
}

func (m *IngestWorker) Enqueue(msgs []repository.CollectedMessage) {
	m.Called(msgs)
}

func (m *IngestWorker) Shutdown() {
	m.Called()
}
