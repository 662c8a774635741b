package database

import (
	"context"
	"errors"

	"listing-chat/internal/models"
)

var ErrNotFound = errors.New("not found")

// MessageRepository is the durable ordered log of room messages.
type MessageRepository interface {
	InsertMessage(ctx context.Context, msg *models.Message) (*models.Message, error)
	GetMessageByID(ctx context.Context, id string) (*models.Message, error)
	LoadMessages(ctx context.Context, q models.MessageQuery) ([]models.Message, error)
}

type ProfileRepository interface {
	GetPushTokens(ctx context.Context, userIDs []string) ([]models.PushToken, error)
	SetPushToken(ctx context.Context, userID, token string) error
}

type FavoriteRepository interface {
	AddFavorite(ctx context.Context, userID, productID string) error
	RemoveFavorite(ctx context.Context, userID, productID string) error
	IsFavorite(ctx context.Context, userID, productID string) (bool, error)
}

// ChangeFeed streams inserts from the durable log until ctx is done.
type ChangeFeed interface {
	ListenMessageInserts(ctx context.Context, handle func(models.ChangeEvent)) error
}

type Database interface {
	MessageRepository
	ProfileRepository
	FavoriteRepository
	ChangeFeed
	Close() error
}
