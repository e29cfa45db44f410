package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cenkalti/backoff/v4"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/alkl1m/chatclient/internal/adapters/history"
	"github.com/alkl1m/chatclient/internal/adapters/ws"
	"github.com/alkl1m/chatclient/internal/app"
	"github.com/alkl1m/chatclient/internal/config"
	"github.com/alkl1m/chatclient/internal/domain"
	"github.com/alkl1m/chatclient/internal/protocol"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.ChannelID == "" {
		log.Fatal().Msg("channel_id is required (set CHAT_CHANNEL_ID or config file)")
	}

	identity, err := domain.NewSession(cfg.Nickname, domain.ChannelID(cfg.ChannelID))
	if err != nil {
		log.Fatal().Err(err).Msg("invalid session identity")
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = cfg.ReconnectMaxInterval
	bo.MaxElapsedTime = 0 // keep retrying until the user leaves

	session := app.NewSession(app.SessionParams{
		Identity:       identity,
		Dialer:         &ws.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		History:        history.NewClient(cfg.HistoryURL, cfg.HandshakeTimeout),
		ServerURL:      cfg.ServerURL,
		QueueCapacity:  cfg.QueueCapacity,
		TypingInterval: cfg.TypingInterval,
		TypingIdle:     cfg.TypingIdle,
		MaxFileBytes:   cfg.MaxFileBytes,
		Reconnect:      cfg.Reconnect,
		Backoff:        bo,
	}, app.Hooks{
		OnJoined: func() {
			fmt.Printf("joined channel %s as %s\n", identity.ChannelID, identity.Nickname)
		},
		OnEvent:         renderEvent,
		OnTypingExpired: func(string) {},
		OnError: func(err error) {
			log.Warn().Err(err).Msg("session error")
		},
		OnClosed: cancel,
	})

	if err := session.Join(ctx); err != nil {
		log.Fatal().Err(err).Msg("join failed")
	}

	go inputLoop(ctx, session)

	<-ctx.Done()
	session.Leave()
	log.Info().Msg("session ended")
}

func renderEvent(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeChatMessage:
		fmt.Printf("%s: %s\n", env.Nickname, env.Message)
	case protocol.TypeUserJoined:
		fmt.Printf("* %s joined\n", env.Nickname)
	case protocol.TypeUserLeft:
		fmt.Printf("* %s left\n", env.Nickname)
	case protocol.TypeTyping:
		fmt.Printf("* %s is typing...\n", env.Nickname)
	case protocol.TypeFileMessage:
		fmt.Printf("%s sent a file: %s\n", env.Nickname, env.Filename)
	}
}

func inputLoop(ctx context.Context, session *app.Session) {
	fmt.Println("Type messages and press Enter to send. /file <path> sends a file, /quit leaves.")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "/quit"):
			session.Leave()
			return
		case strings.HasPrefix(line, "/file "):
			path := strings.TrimSpace(strings.TrimPrefix(line, "/file "))
			draft, err := app.ReadDraft(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "file error: %v\n", err)
				continue
			}
			if err := session.SendFile(draft); err != nil {
				fmt.Fprintf(os.Stderr, "send file error: %v\n", err)
			}
		default:
			session.Typing()
			if err := session.SendText(line); err != nil {
				fmt.Fprintf(os.Stderr, "send error: %v\n", err)
			}
		}
	}
}
