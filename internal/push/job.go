package push

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"listing-chat/internal/database"
	"listing-chat/internal/models"
	"listing-chat/pkg/logger"

	"golang.org/x/sync/singleflight"
)

var (
	ErrMissingMessageID = errors.New("missing messageId")
	ErrNotFound         = errors.New("message not found")
	ErrGatewayFailure   = errors.New("push gateway failure")
)

type MessageLoader interface {
	GetMessageByID(ctx context.Context, id string) (*models.Message, error)
}

type TokenResolver interface {
	GetPushTokens(ctx context.Context, userIDs []string) ([]models.PushToken, error)
}

type Gateway interface {
	Send(ctx context.Context, messages []models.PushMessage) (*models.DispatchResult, error)
}

type Config struct {
	Title          string
	FallbackBody   string
	BodyLimit      int
	DeepLinkPrefix string
}

func (c Config) withDefaults() Config {
	if c.Title == "" {
		c.Title = "New message"
	}
	if c.FallbackBody == "" {
		c.FallbackBody = "You have a new message"
	}
	if c.BodyLimit <= 0 {
		c.BodyLimit = 50
	}
	if c.DeepLinkPrefix == "" {
		c.DeepLinkPrefix = "product/"
	}
	return c
}

// Result of one invocation. NoTokens is set when the recipient has no push
// token; Dispatch is nil then.
type Result struct {
	Dispatched int
	NoTokens   bool
	Dispatch   *models.DispatchResult
}

// Job sends a push notification for a newly stored message to its
// recipient. It is invoked once per insert, at least once.
type Job struct {
	messages MessageLoader
	tokens   TokenResolver
	gateway  Gateway
	cfg      Config

	group singleflight.Group
}

func NewJob(messages MessageLoader, tokens TokenResolver, gateway Gateway, cfg Config) *Job {
	return &Job{
		messages: messages,
		tokens:   tokens,
		gateway:  gateway,
		cfg:      cfg.withDefaults(),
	}
}

// Run executes the job. Concurrent invocations for the same message and
// recipient share one execution.
func (j *Job) Run(ctx context.Context, req models.PushRequest) (*Result, error) {
	if req.MessageID == "" {
		return nil, ErrMissingMessageID
	}

	key := req.MessageID + "|" + req.Recipient()
	v, err, shared := j.group.Do(key, func() (interface{}, error) {
		return j.run(ctx, req)
	})
	if shared {
		logger.Debug("[PUSH] invocation for %s shared an in-flight run", key)
	}
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (j *Job) run(ctx context.Context, req models.PushRequest) (*Result, error) {
	msg, err := j.messages.GetMessageByID(ctx, req.MessageID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.MessageID)
	}
	if err != nil {
		return nil, fmt.Errorf("load message %s: %w", req.MessageID, err)
	}

	recipient := req.Recipient()
	if recipient == "" {
		logger.Info("[PUSH] message %s has no recipient, nothing to send", msg.ID)
		return &Result{}, nil
	}

	tokens, err := j.tokens.GetPushTokens(ctx, []string{recipient})
	if err != nil {
		return nil, fmt.Errorf("resolve push tokens for %s: %w", recipient, err)
	}

	batch := j.buildBatch(msg, tokens)
	if len(batch) == 0 {
		logger.Info("[PUSH] recipient %s has no valid push token", recipient)
		return &Result{NoTokens: true}, nil
	}

	dispatch, err := j.gateway.Send(ctx, batch)
	if err != nil {
		return nil, err
	}

	logger.Info("[PUSH] dispatched %d notification(s) for message %s", len(batch), msg.ID)
	return &Result{Dispatched: len(batch), Dispatch: dispatch}, nil
}

func (j *Job) buildBatch(msg *models.Message, tokens []models.PushToken) []models.PushMessage {
	_, resourceID, err := models.ParseRoomKey(msg.Room)
	if err != nil {
		resourceID = msg.Room
	}

	body := truncate(msg.Content, j.cfg.BodyLimit)
	if body == "" {
		body = j.cfg.FallbackBody
	}

	batch := make([]models.PushMessage, 0, len(tokens))
	seen := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		if t.Token == "" || seen[t.Token] {
			continue
		}
		seen[t.Token] = true
		batch = append(batch, models.PushMessage{
			To:    t.Token,
			Title: j.cfg.Title,
			Body:  body,
			Sound: "default",
			Data: map[string]string{
				"screen":    j.cfg.DeepLinkPrefix + resourceID,
				"room":      msg.Room,
				"messageId": msg.ID,
			},
		})
	}
	return batch
}

// truncate keeps the first limit runes of s.
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
