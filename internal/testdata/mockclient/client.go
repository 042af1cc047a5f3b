package mockclient

import (
	"context"

	"telemetry-pipeline/internal/client"

	"github.com/stretchr/testify/mock"
)

type Client struct {
	mock.Mock
}

// Interface compliance check
var _ client.Client = &Client{}

func (m *Client) FetchConfig(ctx context.Context) (*client.Response, error) {
	args := m.Called(ctx)
	resp, _ := args.Get(0).(*client.Response)
	return resp, args.Error(1)
}

func (m *Client) SendBatch(ctx context.Context, payload []byte) (*client.Response, error) {
	args := m.Called(ctx, payload)
	resp, _ := args.Get(0).(*client.Response)
	return resp, args.Error(1)
}
