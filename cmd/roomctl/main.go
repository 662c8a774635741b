package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"listing-chat/internal/auth"
	"listing-chat/internal/config"
	"listing-chat/internal/database"
	"listing-chat/internal/models"
	"listing-chat/internal/realtime"
	"listing-chat/internal/services"
	"listing-chat/internal/wsclient"
	"listing-chat/pkg/logger"
)

func main() {
	cfg := config.Load()

	product := flag.String("product", "", "product id whose room to join")
	server := flag.String("server", cfg.Client.ServerURL, "websocket endpoint of the room server")
	token := flag.String("token", cfg.Client.Token, "access token of the signed-in user (empty joins anonymously)")
	pushToken := flag.String("push-token", "", "expo push token to register for the signed-in user")
	logLevel := flag.String("log-level", "warn", "log level")
	flag.Parse()

	logger.SetLevel(*logLevel)
	if *product == "" {
		fmt.Fprintln(os.Stderr, "usage: roomctl -product <id> [-server ws://host/ws] [-token jwt]")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgresDB(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database: %v", err)
	}
	defer db.Close()

	session := auth.NewSession(*token)
	if *pushToken != "" {
		registerPushToken(ctx, db, session, *pushToken)
	}

	transport := wsclient.New(wsclient.Options{
		URL:              *server,
		Token:            session.Token,
		SubscribeTimeout: cfg.Realtime.SubscribeTimeout,
		MinBackoff:       cfg.Realtime.ReconnectMinBackoff,
		MaxBackoff:       cfg.Realtime.ReconnectMaxBackoff,
		MaxAttempts:      cfg.Realtime.MaxReconnectAttempts,
	})
	channels := realtime.NewManager(transport, realtime.Options{
		TypingThrottle:     cfg.Realtime.TypingThrottle,
		TypingIdle:         cfg.Realtime.TypingIdle,
		RemoteTypingExpiry: cfg.Realtime.RemoteTypingExpiry,
	})
	defer channels.CloseAll()

	rooms := services.NewRoomService(channels, db, db, session, cfg.Realtime.HistoryLimit)
	room, err := rooms.Join(ctx, *product)
	if err != nil {
		logger.Fatal("Failed to join room: %v", err)
	}

	closed := make(chan struct{})
	var closeOnce sync.Once
	room.OnStateChange(func(_, next realtime.ConnectionState) {
		fmt.Printf("* %s\n", next)
		if next == realtime.StateClosed {
			closeOnce.Do(func() { close(closed) })
		}
	})
	room.OnViewers(func(n int) { fmt.Printf("* %d viewing\n", n) })
	room.OnTyping(func(typing bool) {
		if typing {
			fmt.Println("* someone is typing...")
		}
	})

	printed := map[string]bool{}
	cancelWatch := room.WatchMessages(func(log []models.Message) {
		for _, m := range log {
			if m.IsOptimistic() || printed[m.ID] {
				continue
			}
			printed[m.ID] = true
			fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format(time.Kitchen), m.Sender, m.Content)
		}
	})
	defer cancelWatch()

	rooms.Favorites().Watch(func(productID string, fav bool) {
		if productID == *product {
			fmt.Printf("* favorite: %t\n", fav)
		}
	})

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			leave(room)
			return
		case <-closed:
			fmt.Println("* connection closed")
			return
		case line, ok := <-lines:
			if !ok {
				leave(room)
				return
			}
			if quit := handleLine(ctx, room, line); quit {
				leave(room)
				return
			}
		}
	}
}

// handleLine runs one input line and reports whether to quit.
func handleLine(ctx context.Context, room *services.RoomSession, line string) bool {
	switch strings.TrimSpace(line) {
	case "/quit":
		return true
	case "/blur":
		room.Blur()
		return false
	case "/fav":
		if err := room.ToggleFavorite(ctx); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Printf("! favorite not saved: %v\n", err)
		}
		return false
	case "/who":
		fmt.Printf("* %d viewing, state %s\n", room.Viewers(), room.State())
		return false
	}

	room.Typing()
	if err := room.Send(ctx, line); err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			fmt.Println("! sign in (-token) to send messages")
		} else {
			fmt.Printf("! message not sent: %v\n", err)
		}
	}
	return false
}

func registerPushToken(ctx context.Context, profiles database.ProfileRepository, session *auth.Session, token string) {
	userID := session.CurrentUserID()
	if userID == "" {
		fmt.Println("! sign in (-token) to register a push token")
		return
	}
	if err := profiles.SetPushToken(ctx, userID, token); err != nil {
		logger.Warn("Failed to register push token: %v", err)
		return
	}
	fmt.Println("* push token registered")
}

func leave(room *services.RoomSession) {
	if err := room.Leave(); err != nil {
		logger.Warn("Error leaving room: %v", err)
	}
}
