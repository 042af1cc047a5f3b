package mockcollectedstore

import (
	"context"

	"telemetry-pipeline/internal/repository"

	"github.com/stretchr/testify/mock"
)

type Store struct {
	mock.Mock
}

// Interface compliance check
var _ repository.CollectedStore = &Store{}

func (m *Store) InsertCollected(ctx context.Context, msgs []repository.CollectedMessage) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}
