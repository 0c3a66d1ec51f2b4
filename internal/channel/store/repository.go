package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/crewhub/internal/channel/models"
)

// Repository is the persistence surface the channel service depends on.
type Repository interface {
	CreateChannel(ctx context.Context, ch *models.Channel) error
	GetChannel(ctx context.Context, id uuid.UUID) (*models.Channel, error)
	GetChannelByName(ctx context.Context, name string) (*models.Channel, error)
	ListChannels(ctx context.Context, includeArchived bool) ([]*models.Channel, error)
	ArchiveChannel(ctx context.Context, id uuid.UUID) error
	SetContextCleared(ctx context.Context, id uuid.UUID, at time.Time) error

	InsertMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id uuid.UUID) (*models.Message, error)
	UpdateMessage(ctx context.Context, id uuid.UUID, content string, metadata map[string]any) (*models.Message, error)
	RecentMessages(ctx context.Context, channelID uuid.UUID, limit int) ([]*models.Message, error)
	History(ctx context.Context, channelID uuid.UUID, limit int, before *time.Time) ([]*models.Message, error)
	CountMessages(ctx context.Context, channelID uuid.UUID) (int64, error)
}

var _ Repository = (*Store)(nil)
