package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"telemetry-pipeline/internal/testdata/mockclickhousebatch"
	"telemetry-pipeline/internal/testdata/mockclickhouseconnection"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type CollectedStoreTestSuite struct {
	suite.Suite

	store     *clickHouseCollectedStore
	connMock  *mockclickhouseconnection.Connection
	batchMock *mockclickhousebatch.Batch
	received  time.Time
}

func TestCollectedStore(t *testing.T) {
	suite.Run(t, new(CollectedStoreTestSuite))
}

func (s *CollectedStoreTestSuite) SetupTest() {
	s.connMock = &mockclickhouseconnection.Connection{}
	s.batchMock = &mockclickhousebatch.Batch{}
	s.store = &clickHouseCollectedStore{conn: s.connMock}
	s.received = time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
}

func (s *CollectedStoreTestSuite) TearDownTest() {
	s.connMock.AssertExpectations(s.T())
	s.batchMock.AssertExpectations(s.T())
}

func (s *CollectedStoreTestSuite) collected(id string) CollectedMessage {
	return CollectedMessage{
		MessageID:   id,
		BatchID:     "b1",
		MPID:        1000,
		SessionID:   "s1",
		MessageType: "e",
		Timestamp:   1735725600000,
		ReceivedAt:  s.received,
		Payload:     `{"dt":"e"}`,
	}
}

func (s *CollectedStoreTestSuite) TestInsertCollected_Success() {
	ctx := context.Background()
	msgs := []CollectedMessage{s.collected("m1"), s.collected("m2")}

	s.connMock.On("PrepareBatch", mock.Anything, insertCollectedQuery).Return(s.batchMock, nil).Once()
	for _, m := range msgs {
		s.batchMock.On("Append", m.MessageID, "b1", int64(1000), "s1", "e", int64(1735725600000), s.received, `{"dt":"e"}`).
			Return(nil).Once()
	}
	s.batchMock.On("Send").Return(nil).Once()

	s.NoError(s.store.InsertCollected(ctx, msgs))
}

func (s *CollectedStoreTestSuite) TestInsertCollected_Empty() {
	s.NoError(s.store.InsertCollected(context.Background(), nil))
}

func (s *CollectedStoreTestSuite) TestInsertCollected_PrepareError() {
	s.connMock.On("PrepareBatch", mock.Anything, insertCollectedQuery).Return(nil, errors.New("conn refused")).Once()

	err := s.store.InsertCollected(context.Background(), []CollectedMessage{s.collected("m1")})
	s.ErrorContains(err, "prepare collected insert")
}

func (s *CollectedStoreTestSuite) TestInsertCollected_AppendErrorAborts() {
	s.connMock.On("PrepareBatch", mock.Anything, insertCollectedQuery).Return(s.batchMock, nil).Once()
	s.batchMock.On("Append", mock.Anything, mock.Anything, mock.Anything, mock.Anything,
		mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("bad column")).Once()
	s.batchMock.On("Abort").Return(nil).Once()

	err := s.store.InsertCollected(context.Background(), []CollectedMessage{s.collected("m1")})
	s.ErrorContains(err, "m1")
}

func (s *CollectedStoreTestSuite) TestInsertCollected_SendError() {
	s.connMock.On("PrepareBatch", mock.Anything, insertCollectedQuery).Return(s.batchMock, nil).Once()
	s.batchMock.On("Append", mock.Anything, mock.Anything, mock.Anything, mock.Anything,
		mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	s.batchMock.On("Send").Return(errors.New("timeout")).Once()

	err := s.store.InsertCollected(context.Background(), []CollectedMessage{s.collected("m1")})
	s.ErrorContains(err, "send collected batch")
}

func (s *CollectedStoreTestSuite) TestMemoryStore_DedupesByMessageID() {
	mem := NewMemoryCollectedStore()
	ctx := context.Background()

	s.Require().NoError(mem.InsertCollected(ctx, []CollectedMessage{s.collected("m1"), s.collected("m2")}))
	resend := s.collected("m1")
	resend.BatchID = "b2"
	s.Require().NoError(mem.InsertCollected(ctx, []CollectedMessage{resend, s.collected("m3")}))

	got := mem.Messages()
	s.Require().Len(got, 3)
	s.Equal("b1", got[0].BatchID)
	s.Equal("m3", got[2].MessageID)
}
