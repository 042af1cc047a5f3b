package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"telemetry-pipeline/internal/client"
	"telemetry-pipeline/internal/device"
	"telemetry-pipeline/internal/model"
	"telemetry-pipeline/internal/prefs"
	"telemetry-pipeline/internal/remoteconfig"
	"telemetry-pipeline/internal/repository"
	"telemetry-pipeline/internal/testdata/mockclient"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type UploadWorkerTestSuite struct {
	suite.Suite
	ctx    context.Context
	repo   repository.MemoryRepository
	client *mockclient.Client
	store  *prefs.MemoryStore
	config *remoteconfig.Manager
	device device.Static
	worker *uploadWorker

	mu       sync.Mutex
	payloads []model.Batch
}

func TestUploadWorkerSuite(t *testing.T) {
	suite.Run(t, new(UploadWorkerTestSuite))
}

func (s *UploadWorkerTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.repo = repository.NewMemoryRepository()
	s.client = &mockclient.Client{}
	s.store = prefs.NewMemoryStore()
	s.config = remoteconfig.NewManager(remoteconfig.Defaults{
		APIKey:         "k",
		APISecret:      "s",
		UploadInterval: time.Hour,
	}, s.store)
	s.device = device.Static{DataConnection: device.ConnectionWiFi, BatteryLevel: 80}
	s.payloads = nil
	s.newWorker(UploadOptions{BatchSize: 10, TriggerDelay: 20 * time.Millisecond})
}

func (s *UploadWorkerTestSuite) TearDownTest() {
	s.worker.Shutdown()
	s.client.AssertExpectations(s.T())
}

func (s *UploadWorkerTestSuite) newWorker(opts UploadOptions) {
	if s.worker != nil {
		s.worker.Shutdown()
	}
	s.worker = NewUploadWorker(s.repo, s.client, s.config, s.device, opts)
}

func (s *UploadWorkerTestSuite) sync() {
	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancel()
	s.Require().NoError(s.worker.Sync(ctx))
}

func (s *UploadWorkerTestSuite) enqueue(n int) []string {
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		msg, err := model.NewBuilder(model.TypeEvent, "sid", nil).Name("tap").Build()
		s.Require().NoError(err)
		_, err = s.repo.Append(s.ctx, msg)
		s.Require().NoError(err)
		ids[i] = msg.ID
	}
	return ids
}

func (s *UploadWorkerTestSuite) queueLen() int {
	rows, err := s.repo.SelectBatch(s.ctx, 1000, 0)
	s.Require().NoError(err)
	return len(rows)
}

// expectSend answers batch uploads with status, recording each payload.
func (s *UploadWorkerTestSuite) expectSend(status int, err error) *mock.Call {
	var resp *client.Response
	if err == nil {
		resp = &client.Response{StatusCode: status}
	}
	return s.client.On("SendBatch", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			var b model.Batch
			s.NoError(json.Unmarshal(args.Get(1).([]byte), &b))
			s.mu.Lock()
			s.payloads = append(s.payloads, b)
			s.mu.Unlock()
		}).
		Return(resp, err)
}

func (s *UploadWorkerTestSuite) sent() []model.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Batch(nil), s.payloads...)
}

func (s *UploadWorkerTestSuite) TestUpload_EmptyQueueIsNoop() {
	s.worker.RequestUpload()
	s.sync()

	s.client.AssertNotCalled(s.T(), "SendBatch", mock.Anything, mock.Anything)
}

func (s *UploadWorkerTestSuite) TestUpload_StatusPolicy() {
	cases := []struct {
		status int
		err    error
		kept   bool
	}{
		{status: http.StatusOK},
		{status: http.StatusAccepted},
		{status: http.StatusBadRequest},
		{status: http.StatusNotFound},
		{status: http.StatusInternalServerError, kept: true},
		{status: http.StatusServiceUnavailable, kept: true},
		{err: errors.New("connection refused"), kept: true},
	}
	for _, tc := range cases {
		s.repo = repository.NewMemoryRepository()
		s.client = &mockclient.Client{}
		s.newWorker(UploadOptions{BatchSize: 10})

		s.enqueue(3)
		s.expectSend(tc.status, tc.err).Once()

		s.worker.RequestUpload()
		s.sync()

		if tc.kept {
			s.Equal(3, s.queueLen(), "status %d err %v", tc.status, tc.err)
		} else {
			s.Zero(s.queueLen(), "status %d", tc.status)
		}
		s.client.AssertExpectations(s.T())
	}
}

func (s *UploadWorkerTestSuite) TestUpload_RetainedBatchIsResentUnchanged() {
	ids := s.enqueue(4)
	s.expectSend(http.StatusServiceUnavailable, nil).Once()
	s.expectSend(http.StatusOK, nil).Once()

	s.worker.RequestUpload()
	s.sync()
	s.Equal(4, s.queueLen())

	s.worker.RequestUpload()
	s.sync()
	s.Zero(s.queueLen())

	sent := s.sent()
	s.Require().Len(sent, 2)
	s.Equal(ids, sent[0].MessageIDs())
	s.Equal(sent[0].MessageIDs(), sent[1].MessageIDs())
	s.NotEqual(sent[0].ID, sent[1].ID)
}

func (s *UploadWorkerTestSuite) TestUpload_DrainsFullBatches() {
	s.newWorker(UploadOptions{BatchSize: 2})
	s.enqueue(5)
	s.expectSend(http.StatusAccepted, nil).Times(3)

	s.worker.RequestUpload()
	s.sync()

	s.Zero(s.queueLen())
	sizes := []int{}
	for _, b := range s.sent() {
		sizes = append(sizes, len(b.Messages))
	}
	s.Equal([]int{2, 2, 1}, sizes)
}

func (s *UploadWorkerTestSuite) TestUpload_StopsDrainingOnRetain() {
	s.newWorker(UploadOptions{BatchSize: 2})
	s.enqueue(5)
	s.expectSend(http.StatusBadGateway, nil).Once()

	s.worker.RequestUpload()
	s.sync()

	s.Equal(5, s.queueLen())
}

func (s *UploadWorkerTestSuite) TestUpload_BatchEnvelope() {
	s.Require().NoError(prefs.SetInt64(s.ctx, s.store, prefs.KeyMPID, 42))
	s.Require().NoError(s.store.Set(s.ctx, prefs.KeyLTV, "7.50"))
	s.Require().NoError(s.config.Load(s.ctx))
	s.enqueue(1)
	s.expectSend(http.StatusAccepted, nil).Once()

	s.worker.RequestUpload()
	s.sync()

	sent := s.sent()
	s.Require().Len(sent, 1)
	b := sent[0]
	s.Equal(model.BatchType, b.Type)
	s.Equal(model.SDKVersion, b.SDKVersion)
	s.NotEmpty(b.ID)
	s.Equal(int64(42), b.MPID)
	s.Equal("7.50", b.LTV)
	s.Equal(device.ConnectionWiFi, b.Device.DataConnection)
	s.Equal(float64(80), b.Device.BatteryLevel)
}

func (s *UploadWorkerTestSuite) TestUpload_AdoptsConsumerInfoFromResponse() {
	s.enqueue(1)
	s.client.On("SendBatch", mock.Anything, mock.Anything).Return(&client.Response{
		StatusCode: http.StatusAccepted,
		Body:       []byte(`{"ci": {"mpid": 1234, "ck": {"uid": {"v": "x"}}}, "iltv": "3.00"}`),
	}, nil).Once()

	s.worker.RequestUpload()
	s.sync()

	snap := s.config.Current()
	s.Equal(int64(1234), snap.MPID)
	s.JSONEq(`{"uid": {"v": "x"}}`, string(snap.Cookies))
	ltv, err := s.config.LTV(s.ctx)
	s.Require().NoError(err)
	s.True(ltv.IsZero())
	s.Equal(0, s.queueLen())
}

func (s *UploadWorkerTestSuite) TestUpload_UnusableResponseBodyStillDeletes() {
	s.enqueue(2)
	s.client.On("SendBatch", mock.Anything, mock.Anything).Return(&client.Response{
		StatusCode: http.StatusOK,
		Body:       []byte(`<html>ok</html>`),
	}, nil).Once()

	s.worker.RequestUpload()
	s.sync()

	s.Equal(0, s.queueLen())
	s.Zero(s.config.Current().MPID)
}

func (s *UploadWorkerTestSuite) TestUpload_SkippedWhileOffline() {
	s.device = device.Static{DataConnection: device.ConnectionOffline}
	s.newWorker(UploadOptions{})
	s.enqueue(2)

	s.worker.RequestUpload()
	s.sync()

	s.Equal(2, s.queueLen())
}

func (s *UploadWorkerTestSuite) TestTriggerUpload_Coalesces() {
	s.enqueue(3)
	s.expectSend(http.StatusAccepted, nil).Once()

	for i := 0; i < 20; i++ {
		s.worker.TriggerUpload()
	}

	s.Eventually(func() bool { return len(s.sent()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	s.sync()
	s.Len(s.sent(), 1)
	s.Zero(s.queueLen())
}

func (s *UploadWorkerTestSuite) TestRequestUpload_CoalescesWhileQueued() {
	s.enqueue(1)
	s.expectSend(http.StatusAccepted, nil).Once()

	s.worker.uploadQueued.Store(true)
	s.worker.RequestUpload()
	s.sync()
	s.client.AssertNotCalled(s.T(), "SendBatch", mock.Anything, mock.Anything)

	s.worker.uploadQueued.Store(false)
	s.worker.RequestUpload()
	s.worker.RequestUpload()
	s.sync()
	s.Len(s.sent(), 1)
}

func (s *UploadWorkerTestSuite) TestPeriodicUploadRearms() {
	s.config = remoteconfig.NewManager(remoteconfig.Defaults{APIKey: "k", APISecret: "s", UploadInterval: 30 * time.Millisecond}, s.store)
	s.newWorker(UploadOptions{InitialUploadDelay: 10 * time.Millisecond, ConfigInitDelay: time.Hour, MinUploadInterval: 10 * time.Millisecond})

	var attempts atomic.Int32
	s.client.On("SendBatch", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { attempts.Add(1) }).
		Return(nil, errors.New("connection reset"))

	s.enqueue(1)
	s.worker.Start()

	s.Eventually(func() bool { return attempts.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
	s.worker.Shutdown()
	s.Equal(1, s.queueLen())
}

func (s *UploadWorkerTestSuite) TestPeriodicUpload_IntervalHasFloor() {
	s.config = remoteconfig.NewManager(remoteconfig.Defaults{APIKey: "k", APISecret: "s", UploadInterval: time.Nanosecond}, s.store)
	s.newWorker(UploadOptions{InitialUploadDelay: time.Millisecond, ConfigInitDelay: time.Hour, MinUploadInterval: 100 * time.Millisecond})

	var attempts atomic.Int32
	s.client.On("SendBatch", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { attempts.Add(1) }).
		Return(&client.Response{StatusCode: http.StatusServiceUnavailable}, nil)

	s.enqueue(1)
	s.worker.Start()
	time.Sleep(350 * time.Millisecond)
	s.worker.Shutdown()

	s.GreaterOrEqual(attempts.Load(), int32(2))
	s.LessOrEqual(attempts.Load(), int32(5))
	s.Equal(1, s.queueLen())
}

func (s *UploadWorkerTestSuite) TestPeriodicUpload_DefaultsWithoutInterval() {
	s.config = remoteconfig.NewManager(remoteconfig.Defaults{APIKey: "k", APISecret: "s"}, s.store)
	s.newWorker(UploadOptions{InitialUploadDelay: time.Millisecond, ConfigInitDelay: time.Hour})

	var attempts atomic.Int32
	s.client.On("SendBatch", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { attempts.Add(1) }).
		Return(&client.Response{StatusCode: http.StatusServiceUnavailable}, nil)

	s.enqueue(1)
	s.worker.Start()
	s.Eventually(func() bool { return attempts.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	s.worker.Shutdown()

	s.Equal(int32(1), attempts.Load())
	s.Equal(remoteconfig.DefaultUploadInterval, s.worker.uploadInterval())
}

func (s *UploadWorkerTestSuite) TestUpdateConfig_AppliesOnSuccess() {
	s.client.On("FetchConfig", mock.Anything).Return(&client.Response{
		StatusCode: http.StatusOK,
		Body:       []byte(`{"ci": {"mpid": 99, "ck": {"a": 1}}, "iltv": "5.00", "uitl": 60}`),
	}, nil).Once()
	s.Require().NoError(s.store.Set(s.ctx, prefs.KeyLTV, "2.50"))

	s.worker.RefreshConfig()
	s.sync()

	snap := s.config.Current()
	s.True(snap.Fetched)
	s.Equal(int64(99), snap.MPID)
	s.Equal(time.Minute, snap.UploadInterval)
	ltv, err := prefs.String(s.ctx, s.store, prefs.KeyLTV, "")
	s.Require().NoError(err)
	s.Equal("7.50", ltv)
}

func (s *UploadWorkerTestSuite) TestUpdateConfig_KeepsSnapshotOnFailure() {
	bodies := []*client.Response{
		{StatusCode: http.StatusInternalServerError, Body: []byte(`{"ci": {"mpid": 1}}`)},
		{StatusCode: http.StatusBadRequest, Body: []byte(`{"ci": {"mpid": 1}}`)},
		{StatusCode: http.StatusOK, Body: []byte(`not json`)},
		{StatusCode: http.StatusOK, BodyErr: errors.New("gzip: invalid header")},
	}
	for _, resp := range bodies {
		s.client.On("FetchConfig", mock.Anything).Return(resp, nil).Once()
	}
	s.client.On("FetchConfig", mock.Anything).Return(nil, errors.New("timeout")).Once()

	for i := 0; i < len(bodies)+1; i++ {
		s.worker.RefreshConfig()
	}
	s.sync()

	snap := s.config.Current()
	s.False(snap.Fetched)
	s.Zero(snap.MPID)
	_, ok, err := s.store.Get(s.ctx, prefs.KeyMPID)
	s.Require().NoError(err)
	s.False(ok)
}

func (s *UploadWorkerTestSuite) TestInitConfigDelayed() {
	s.newWorker(UploadOptions{ConfigInitDelay: 10 * time.Millisecond, InitialUploadDelay: time.Hour})
	s.client.On("FetchConfig", mock.Anything).Return(&client.Response{StatusCode: http.StatusOK, Body: []byte(`{}`)}, nil).Once()

	s.worker.Start()

	s.Eventually(func() bool { return s.config.Current().Fetched }, 2*time.Second, 10*time.Millisecond)

	// Already fetched, so a second delayed init does nothing.
	s.Require().NoError(s.worker.post(uploadRequest{op: opInitConfigDelayed}))
	s.sync()
}

func (s *UploadWorkerTestSuite) TestCleanup() {
	old, err := model.NewBuilder(model.TypeEvent, "old", nil).
		Timestamp(time.Now().Add(-48 * time.Hour).UnixMilli()).Build()
	s.Require().NoError(err)
	_, err = s.repo.Append(s.ctx, old)
	s.Require().NoError(err)
	s.enqueue(1)

	s.Require().NoError(s.repo.CreateSession(s.ctx, model.SessionRecord{ID: "gone", Status: model.SessionEnded}))

	s.worker.RequestCleanup()
	s.sync()

	s.Equal(1, s.queueLen())
	_, ok, err := s.repo.GetSession(s.ctx, "gone")
	s.Require().NoError(err)
	s.False(ok)
}
