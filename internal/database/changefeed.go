package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"listing-chat/internal/models"
	"listing-chat/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
)

const (
	messageInsertChannel = "message_inserts"

	listenMinBackoff = 500 * time.Millisecond
	listenMaxBackoff = 30 * time.Second
)

type insertNotification struct {
	Table string `json:"table"`
	Type  string `json:"type"`
	ID    string `json:"id"`
	Room  string `json:"room"`
}

func decodeNotification(payload string) (insertNotification, error) {
	var n insertNotification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return n, fmt.Errorf("invalid notification payload: %w", err)
	}
	if n.ID == "" || n.Room == "" {
		return n, fmt.Errorf("notification payload missing id or room: %s", payload)
	}
	if n.Table == "" {
		n.Table = models.TableMessages
	}
	if n.Type == "" {
		n.Type = models.ChangeInsert
	}
	return n, nil
}

// ListenMessageInserts LISTENs on the message insert channel and calls
// handle with the full inserted row. It reconnects with backoff and only
// returns once ctx is done.
func (db *PostgresDB) ListenMessageInserts(ctx context.Context, handle func(models.ChangeEvent)) error {
	backoff := listenMinBackoff
	for {
		listening, err := db.listen(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if listening {
			backoff = listenMinBackoff
		}
		logger.Error("[CHANGEFEED] listener stopped: %v, retrying in %s", err, backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, listenMaxBackoff)
	}
}

func (db *PostgresDB) listen(ctx context.Context, handle func(models.ChangeEvent)) (bool, error) {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{messageInsertChannel}.Sanitize()); err != nil {
		return false, fmt.Errorf("listen %s: %w", messageInsertChannel, err)
	}
	logger.Info("[CHANGEFEED] listening on %s", messageInsertChannel)

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return true, err
		}

		n, err := decodeNotification(notification.Payload)
		if err != nil {
			logger.Warn("[CHANGEFEED] %v", err)
			continue
		}

		msg, err := db.GetMessageByID(ctx, n.ID)
		if errors.Is(err, ErrNotFound) {
			logger.Debug("[CHANGEFEED] message %s vanished before it could be relayed", n.ID)
			continue
		}
		if err != nil {
			logger.Error("[CHANGEFEED] load message %s: %v", n.ID, err)
			continue
		}

		record, err := json.Marshal(msg)
		if err != nil {
			logger.Error("[CHANGEFEED] encode message %s: %v", n.ID, err)
			continue
		}

		handle(models.ChangeEvent{
			Table:  n.Table,
			Type:   n.Type,
			Room:   n.Room,
			Record: record,
		})
	}
}
