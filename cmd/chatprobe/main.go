// chatprobe connects a chat engine to a running gateway and streams
// room activity to the console.
// Usage: go run ./cmd/chatprobe --url ws://localhost:8080/ws --api http://localhost:8080 --user alice --secret dev-secret --room <id>
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/taskbid/chatsync/internal/auth"
	"github.com/taskbid/chatsync/internal/connection"
	"github.com/taskbid/chatsync/internal/engine"
	"github.com/taskbid/chatsync/internal/history"
	"github.com/taskbid/chatsync/internal/model"
)

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "gateway websocket endpoint")
	apiURL := flag.String("api", "http://localhost:8080", "gateway rest endpoint")
	userID := flag.String("user", "", "user id to connect as")
	token := flag.String("token", "", "session token (minted locally when empty)")
	secret := flag.String("secret", "", "signing secret for local token minting")
	roomID := flag.String("room", "", "room to open on startup")
	peer := flag.String("peer", "", "user to resolve a direct room with")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if *userID == "" {
		logger.Error("--user is required")
		os.Exit(1)
	}

	sessionToken := *token
	if sessionToken == "" {
		if *secret == "" {
			logger.Error("either --token or --secret is required")
			os.Exit(1)
		}
		signer, err := auth.NewSigner([]byte(*secret), "taskbid-chat", time.Hour)
		if err != nil {
			logger.Error("failed to create signer", "error", err)
			os.Exit(1)
		}
		sessionToken, err = signer.Mint(*userID)
		if err != nil {
			logger.Error("failed to mint token", "error", err)
			os.Exit(1)
		}
		logger.Info("minted local session token", "user", *userID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	connCfg := connection.DefaultManagerConfig()
	connCfg.URL = *wsURL
	connCfg.Token = sessionToken
	connMgr := connection.NewManager(connCfg, connection.NewClient, logger)

	rest := history.NewClient(*apiURL, sessionToken, history.WithLogger(logger))

	eng := engine.New(engine.DefaultConfig(*userID), connMgr, rest, nil, logger)

	events, cancelSub := eng.Subscribe("", 64)
	defer cancelSub()
	go printEvents(ctx, eng, events)

	logger.Info("starting engine", "url", *wsURL, "user", *userID)
	if err := eng.Start(ctx); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	openRoom := *roomID
	if openRoom == "" && *peer != "" {
		room, err := eng.ResolveRoom(ctx, history.ResolveRequest{UserID: *peer})
		if err != nil {
			logger.Error("failed to resolve direct room", "peer", *peer, "error", err)
			os.Exit(1)
		}
		openRoom = room.ID
		logger.Info("resolved direct room", "room", openRoom)
	}

	if openRoom != "" {
		handle, err := eng.OpenRoom(openRoom)
		if err != nil {
			logger.Error("failed to open room", "room", openRoom, "error", err)
			os.Exit(1)
		}
		defer handle.Close()
		eng.SetFocus(openRoom)
		logger.Info("room opened, type to send, /older to page back", "room", openRoom)

		go readInput(ctx, eng, openRoom, logger)
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	if err := eng.Stop(shutdownCtx); err != nil {
		logger.Warn("engine shutdown", "error", err)
	}
	logger.Info("shutdown complete")
}

// printEvents streams engine events to the console.
func printEvents(ctx context.Context, eng *engine.Engine, events <-chan engine.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Topic {
			case engine.TopicMessageUpdate:
				msgs := eng.Messages(ev.RoomID)
				if len(msgs) > 0 {
					m := msgs[len(msgs)-1]
					fmt.Printf("[MSG] room=%s id=%d from=%s status=%s %q\n",
						ev.RoomID, m.ID, m.SenderID, m.Status, m.Content)
				}
			case engine.TopicMessageFailed:
				fmt.Printf("[FAILED] room=%s temp_id=%v (use retry)\n", ev.RoomID, ev.Payload)
			case engine.TopicTypingUpdate:
				fmt.Printf("[TYPING] room=%s users=%v\n", ev.RoomID, ev.Payload)
			case engine.TopicUnreadUpdate:
				fmt.Printf("[UNREAD] room=%s count=%v\n", ev.RoomID, ev.Payload)
			case engine.TopicRoomRevoked:
				fmt.Printf("[REVOKED] room=%s reason=%v\n", ev.RoomID, ev.Payload)
			case engine.TopicConnState:
				fmt.Printf("[CONN] %v\n", ev.Payload)
			case engine.TopicRoomList:
				printRooms(eng.Rooms())
			}
		}
	}
}

func printRooms(rooms []model.Room) {
	fmt.Printf("[ROOMS] %d visible\n", len(rooms))
	for _, r := range rooms {
		status := ""
		if r.Job != nil {
			status = " job=" + string(r.Job.Status)
		}
		fmt.Printf("  %s kind=%s%s participants=%v\n", r.ID, r.Kind, status, r.Participants)
	}
}

// readInput turns console lines into messages and commands.
func readInput(ctx context.Context, eng *engine.Engine, roomID string, logger *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/older":
			n, err := eng.LoadOlder(ctx, roomID)
			if err != nil {
				logger.Warn("load older failed", "error", err)
				continue
			}
			fmt.Printf("[HISTORY] loaded %d older messages, has_more=%v\n", n, eng.HasMoreHistory(roomID))
		case strings.HasPrefix(line, "/retry "):
			if err := eng.RetryMessage(strings.TrimPrefix(line, "/retry ")); err != nil {
				logger.Warn("retry failed", "error", err)
			}
		default:
			eng.StartTyping(roomID)
			if _, err := eng.SendMessage(roomID, line); err != nil {
				logger.Warn("send failed", "error", err)
			}
			eng.StopTyping(roomID)
		}
	}
}
