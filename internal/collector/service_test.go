package collector

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"telemetry-pipeline/internal/model"
	"telemetry-pipeline/internal/repository"
	"telemetry-pipeline/internal/signing"
	"telemetry-pipeline/internal/testdata/mockworker"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

const (
	testKey    = "key"
	testSecret = "secret"
)

type ServiceTestSuite struct {
	suite.Suite
	ctx     context.Context
	worker  *mockworker.IngestWorker
	service *collectorService
	now     time.Time
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceTestSuite))
}

func (s *ServiceTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.worker = &mockworker.IngestWorker{}
	s.now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	svc, err := NewService(Options{
		APIKey:       testKey,
		APISecret:    testSecret,
		FirstMPID:    1000,
		MaxClockSkew: 15 * time.Minute,
	}, s.worker)
	s.Require().NoError(err)
	s.service = svc.(*collectorService)
	s.service.now = func() time.Time { return s.now }
}

func (s *ServiceTestSuite) TearDownTest() {
	s.worker.AssertExpectations(s.T())
}

func (s *ServiceTestSuite) signed(method, path string, body []byte) SignedRequest {
	date := signing.FormatDate(s.now)
	return SignedRequest{
		APIKey:    testKey,
		Method:    method,
		Path:      path,
		Date:      date,
		Signature: signing.Sign(testSecret, method, date, path, body),
		Body:      body,
	}
}

func batchBody(s *ServiceTestSuite, b model.Batch) []byte {
	body, err := json.Marshal(b)
	s.Require().NoError(err)
	return body
}

func (s *ServiceTestSuite) TestAuthenticate() {
	body := []byte(`{"dt":"h"}`)

	s.NoError(s.service.Authenticate(s.signed("POST", "/v1/key/events", body)))

	req := s.signed("POST", "/v1/key/events", body)
	req.APIKey = "other"
	s.ErrorIs(s.service.Authenticate(req), ErrUnknownAPIKey)

	req = s.signed("POST", "/v1/key/events", body)
	req.Body = []byte(`{"dt":"x"}`)
	s.ErrorIs(s.service.Authenticate(req), ErrBadSignature)

	req = s.signed("GET", "/v2/key/config", nil)
	req.Date = "yesterday"
	s.ErrorIs(s.service.Authenticate(req), ErrStaleRequest)

	date := signing.FormatDate(s.now.Add(-time.Hour))
	req = SignedRequest{APIKey: testKey, Method: "GET", Path: "/v2/key/config", Date: date,
		Signature: signing.Sign(testSecret, "GET", date, "/v2/key/config", nil)}
	s.ErrorIs(s.service.Authenticate(req), ErrStaleRequest)
}

func (s *ServiceTestSuite) TestIngest_AssignsIdentityAndQueues() {
	body := batchBody(s, model.Batch{
		Type: model.BatchType,
		ID:   "b1",
		Messages: []model.Message{
			{ID: "m1", Type: model.TypeSessionStart, SessionID: "s1", Timestamp: 10},
			{ID: "m2", Type: model.TypeEvent, SessionID: "s1", Timestamp: 20, Name: "tap"},
		},
	})
	s.worker.On("Enqueue", mock.MatchedBy(func(msgs []repository.CollectedMessage) bool {
		return len(msgs) == 2 &&
			msgs[0].MessageID == "m1" && msgs[1].MessageType == "e" &&
			msgs[1].MPID == 1000 && msgs[1].BatchID == "b1" &&
			msgs[0].ReceivedAt.Equal(s.now)
	})).Return().Once()

	doc, err := s.service.Ingest(s.ctx, body)
	s.Require().NoError(err)
	s.Require().NotNil(doc.ConsumerInfo)
	s.Equal(int64(1000), *doc.ConsumerInfo.MPID)
	s.Contains(string(doc.ConsumerInfo.Cookies), `"uid"`)

	s.worker.On("Enqueue", mock.Anything).Return().Once()
	doc, err = s.service.Ingest(s.ctx, body)
	s.Require().NoError(err)
	s.Equal(int64(1001), *doc.ConsumerInfo.MPID)
}

func (s *ServiceTestSuite) TestIngest_KeepsKnownIdentity() {
	body := batchBody(s, model.Batch{
		Type:    model.BatchType,
		ID:      "b2",
		MPID:    77,
		Cookies: json.RawMessage(`{"uid":{"v":"x"}}`),
	})

	doc, err := s.service.Ingest(s.ctx, body)
	s.Require().NoError(err)
	s.Equal(int64(77), *doc.ConsumerInfo.MPID)
	s.Empty(doc.ConsumerInfo.Cookies)
}

func (s *ServiceTestSuite) TestIngest_Rejects() {
	cases := map[string][]byte{
		"not json":       []byte(`{`),
		"wrong type":     []byte(`{"dt":"x","id":"b"}`),
		"missing id":     []byte(`{"dt":"h"}`),
		"unknown msg":    []byte(`{"dt":"h","id":"b","msgs":[{"dt":"zz","id":"m"}]}`),
		"msg without id": []byte(`{"dt":"h","id":"b","msgs":[{"dt":"e"}]}`),
	}
	for name, body := range cases {
		_, err := s.service.Ingest(s.ctx, body)
		var verr *ValidationError
		s.True(errors.As(err, &verr), name)
	}
}

func (s *ServiceTestSuite) TestNewService_RejectsBadDocument() {
	_, err := NewService(Options{APIKey: testKey, APISecret: testSecret, ConfigDocument: []byte(`{"stl":-5}`)}, s.worker)
	s.Error(err)
}

func (s *ServiceTestSuite) TestLoadConfigDocument() {
	doc, err := LoadConfigDocument("")
	s.Require().NoError(err)
	s.JSONEq(DefaultConfigDocument, string(doc))

	path := filepath.Join(s.T().TempDir(), "config.json")
	s.Require().NoError(os.WriteFile(path, []byte(`{"cnp":"forcefalse"}`), 0o600))
	doc, err = LoadConfigDocument(path)
	s.Require().NoError(err)
	s.JSONEq(`{"cnp":"forcefalse"}`, string(doc))

	_, err = LoadConfigDocument(filepath.Join(s.T().TempDir(), "missing.json"))
	s.ErrorIs(err, os.ErrNotExist)
}
