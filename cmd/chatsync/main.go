package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/noah-isme/gema-sync/internal/api"
	"github.com/noah-isme/gema-sync/internal/channel"
	"github.com/noah-isme/gema-sync/internal/config"
	"github.com/noah-isme/gema-sync/internal/models"
	"github.com/noah-isme/gema-sync/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	flags := pflag.NewFlagSet("chatsync", pflag.ExitOnError)
	conversationID := flags.StringP("conversation", "c", "", "conversation to open")
	postID := flags.StringP("post", "p", "", "post whose comments to follow")
	flags.StringVarP(&cfg.ActorID, "actor", "a", cfg.ActorID, "local actor id")
	flags.StringVar(&cfg.APIBaseURL, "api", cfg.APIBaseURL, "backend base url")
	flags.StringVar(&cfg.ChannelDriver, "channel", cfg.ChannelDriver, "event channel driver (websocket|nats|redis|memory)")
	verbose := flags.BoolP("verbose", "v", false, "log at debug level")
	_ = flags.Parse(os.Args[1:])

	if cfg.ActorName == "" {
		cfg.ActorName = cfg.ActorID
	}
	if err := cfg.ValidateClient(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if *conversationID == "" && *postID == "" {
		log.Fatal("one of --conversation or --post is required")
	}

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *conversationID, *postID, os.Stdin, os.Stdout, logger); err != nil {
		logger.Error().Err(err).Msg("chatsync stopped")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, conversationID, postID string, in io.Reader, out io.Writer, logger zerolog.Logger) error {
	client, err := api.NewClient(cfg.APIBaseURL, cfg.ActorID, cfg.APITimeout, logger)
	if err != nil {
		return err
	}
	client.SetActorName(cfg.ActorName)

	events, err := channel.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open event channel: %w", err)
	}
	defer events.Close()

	validate := validator.New(validator.WithRequiredStructEnabled())
	view := &screen{out: out, seen: make(map[string]string)}

	var (
		conversation *service.ConversationSession
		comments     *service.CommentSession
	)

	if conversationID != "" {
		conversation, err = service.NewConversationService(client, events, validate, service.ConversationOptions{
			ActorID:            cfg.ActorID,
			TypingDebounce:     cfg.TypingDebounce,
			RemoteTypingExpiry: cfg.RemoteTypingExpiry,
			AutoReadReceipts:   cfg.AutoReadReceipts,
		}, logger).Open(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("open conversation: %w", err)
		}
		defer conversation.Close(context.Background())
		session := conversation
		session.OnChange(func() { view.messages(session) })
		view.messages(session)
	}

	if postID != "" {
		comments, err = service.NewCommentService(client, events, validate, service.CommentOptions{
			ActorID:   cfg.ActorID,
			ActorName: cfg.ActorName,
			MaxDepth:  cfg.CommentMaxDepth,
		}, logger).Open(ctx, postID)
		if err != nil {
			return fmt.Errorf("open comments: %w", err)
		}
		defer comments.Close(context.Background())
		session := comments
		session.OnChange(func() { view.comments(session) })
		view.comments(session)
	}

	events.OnReconnect(func() {
		if conversation != nil {
			if err := conversation.Refresh(ctx); err != nil {
				logger.Warn().Err(err).Msg("conversation refresh after reconnect failed")
			}
		}
		if comments != nil {
			if err := comments.Refresh(ctx); err != nil {
				logger.Warn().Err(err).Msg("comment refresh after reconnect failed")
			}
		}
	})

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, line, conversation, comments, logger); quit {
				return nil
			}
		}
	}
}

// handleLine interprets one line of input. Plain text is sent to the
// conversation, or to the post when no conversation is open.
func handleLine(ctx context.Context, line string, conversation *service.ConversationSession, comments *service.CommentSession, logger zerolog.Logger) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}

	command, rest, _ := strings.Cut(trimmed, " ")
	rest = strings.TrimSpace(rest)
	var err error

	switch {
	case command == "/quit":
		return true
	case command == "/retry" && conversation != nil:
		err = conversation.Retry(ctx, rest)
	case command == "/retry-comment" && comments != nil:
		err = comments.Retry(ctx, rest)
	case command == "/like" && comments != nil:
		if !comments.ToggleLike(ctx, rest) {
			err = fmt.Errorf("comment %q cannot be liked yet", rest)
		}
	case command == "/reply" && comments != nil:
		parent, text, _ := strings.Cut(rest, " ")
		_, err = comments.Submit(ctx, text, parent)
	case command == "/comment" && comments != nil:
		_, err = comments.Submit(ctx, rest, "")
	case conversation != nil:
		conversation.OnLocalInput(trimmed)
		_, err = conversation.Submit(ctx, trimmed)
	case comments != nil:
		_, err = comments.Submit(ctx, trimmed, "")
	}

	if err != nil {
		logger.Warn().Err(err).Str("input", trimmed).Msg("input rejected")
	}
	return false
}

// screen prints entries the first time they appear and again whenever their
// status changes.
type screen struct {
	mu     sync.Mutex
	out    io.Writer
	seen   map[string]string
	typing string
}

func (s *screen) messages(session *service.ConversationSession) {
	items := session.VisibleItems()
	typing := strings.Join(session.RemoteTyping(), ", ")

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range items {
		key := "m:" + firstNonEmpty(m.TempID, m.ID)
		state := m.ID + "|" + string(m.Status)
		if s.seen[key] == state {
			continue
		}
		s.seen[key] = state
		fmt.Fprintf(s.out, "[%s] %-10s %-9s %s  (%s)\n", m.CreatedAt.Local().Format(time.Kitchen), m.SenderID, m.Status, m.Body, m.ID)
	}
	if typing != s.typing {
		s.typing = typing
		if typing != "" {
			fmt.Fprintf(s.out, "... %s typing\n", typing)
		}
	}
}

func (s *screen) comments(session *service.CommentSession) {
	flat := session.Flat()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range flat {
		key := "c:" + firstNonEmpty(c.TempID, c.ID)
		state := fmt.Sprintf("%s|%s|%d|%t", c.ID, c.Outcome, c.LikesCount, c.LikedByMe)
		if s.seen[key] == state {
			continue
		}
		s.seen[key] = state
		depth, _ := session.Depth(c.ID)
		fmt.Fprintf(s.out, "%s%s: %s  [%d likes%s]  (%s)\n", strings.Repeat("  ", depth), c.Author.Name, c.Body, c.LikesCount, likedMark(c), c.ID)
	}
}

func likedMark(c models.Comment) string {
	if c.LikedByMe {
		return ", liked"
	}
	if c.Outcome == models.OutcomeFailed {
		return ", failed"
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
