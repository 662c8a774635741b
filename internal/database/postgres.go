package database

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"slices"

	"listing-chat/internal/models"
	"listing-chat/pkg/logger"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(databaseURL string) (*PostgresDB, error) {
	pool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to database successfully")
	return &PostgresDB{pool: pool}, nil
}

func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}

// EnsureSchema creates the tables and the insert trigger if they are missing.
func (db *PostgresDB) EnsureSchema(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Message Repository Implementation
func (db *PostgresDB) InsertMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	msgType := msg.Type
	if msgType == "" {
		msgType = models.MessageTypeText
	}

	query := `
		INSERT INTO messages (room, sender, type, content)
		VALUES ($1, $2, $3, $4)
		RETURNING id::text, room, sender, type, content, created_at`

	saved := &models.Message{}
	err := db.pool.QueryRow(ctx, query, msg.Room, msg.Sender, msgType, msg.Content).Scan(
		&saved.ID, &saved.Room, &saved.Sender, &saved.Type, &saved.Content, &saved.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	return saved, nil
}

func (db *PostgresDB) GetMessageByID(ctx context.Context, id string) (*models.Message, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("message %q: %w", id, ErrNotFound)
	}

	query := `SELECT id::text, room, sender, type, content, created_at FROM messages WHERE id = $1`

	msg := &models.Message{}
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&msg.ID, &msg.Room, &msg.Sender, &msg.Type, &msg.Content, &msg.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("message %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message %q: %w", id, err)
	}

	return msg, nil
}

// LoadMessages returns the newest q.Limit messages of a room, ordered by
// created_at in the requested direction.
func (db *PostgresDB) LoadMessages(ctx context.Context, q models.MessageQuery) ([]models.Message, error) {
	q = normalizeQuery(q)

	query := `
		SELECT id::text, room, sender, type, content, created_at
		FROM messages
		WHERE room = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := db.pool.Query(ctx, query, q.Room, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.Room, &msg.Sender, &msg.Type, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if q.Order == models.SortAscending {
		slices.Reverse(messages)
	}

	return messages, nil
}

func normalizeQuery(q models.MessageQuery) models.MessageQuery {
	if q.Limit <= 0 {
		q.Limit = defaultHistoryLimit
	}
	if q.Limit > maxHistoryLimit {
		q.Limit = maxHistoryLimit
	}
	if q.Order != models.SortDescending {
		q.Order = models.SortAscending
	}
	return q
}

// Profile Repository Implementation
func (db *PostgresDB) GetPushTokens(ctx context.Context, userIDs []string) ([]models.PushToken, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, expo_push_token
		FROM profiles
		WHERE id = ANY($1) AND expo_push_token IS NOT NULL AND expo_push_token <> ''`

	rows, err := db.pool.Query(ctx, query, userIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query push tokens: %w", err)
	}
	defer rows.Close()

	var tokens []models.PushToken
	for rows.Next() {
		var t models.PushToken
		if err := rows.Scan(&t.UserID, &t.Token); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}

	return tokens, rows.Err()
}

func (db *PostgresDB) SetPushToken(ctx context.Context, userID, token string) error {
	query := `
		INSERT INTO profiles (id, expo_push_token, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET expo_push_token = EXCLUDED.expo_push_token, updated_at = NOW()`

	if _, err := db.pool.Exec(ctx, query, userID, token); err != nil {
		return fmt.Errorf("failed to store push token: %w", err)
	}
	return nil
}

// Favorite Repository Implementation
func (db *PostgresDB) AddFavorite(ctx context.Context, userID, productID string) error {
	query := `
		INSERT INTO product_favorites (user_id, product_id, created_at) VALUES ($1, $2, NOW())
		ON CONFLICT (user_id, product_id) DO NOTHING`

	if _, err := db.pool.Exec(ctx, query, userID, productID); err != nil {
		return fmt.Errorf("failed to add favorite: %w", err)
	}
	return nil
}

func (db *PostgresDB) RemoveFavorite(ctx context.Context, userID, productID string) error {
	query := `DELETE FROM product_favorites WHERE user_id = $1 AND product_id = $2`

	if _, err := db.pool.Exec(ctx, query, userID, productID); err != nil {
		return fmt.Errorf("failed to remove favorite: %w", err)
	}
	return nil
}

func (db *PostgresDB) IsFavorite(ctx context.Context, userID, productID string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM product_favorites WHERE user_id = $1 AND product_id = $2)`

	var exists bool
	if err := db.pool.QueryRow(ctx, query, userID, productID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check favorite: %w", err)
	}
	return exists, nil
}
