package mockservice

import (
	"context"

	"telemetry-pipeline/internal/collector"
	"telemetry-pipeline/internal/model"

	"github.com/stretchr/testify/mock"
)

type Service struct {
	mock.Mock
}

// Interface compliance check
var _ collector.Service = &Service{}

func (m *Service) Authenticate(req collector.SignedRequest) error {
	args := m.Called(req)
	return args.Error(0)
}

func (m *Service) ConfigDocument() []byte {
	args := m.Called()
	return args.Get(0).([]byte)
}

func (m *Service) Ingest(ctx context.Context, body []byte) (model.ConfigDocument, error) {
	args := m.Called(ctx, body)
	return args.Get(0).(model.ConfigDocument), args.Error(1)
}
