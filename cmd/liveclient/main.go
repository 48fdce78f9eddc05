// liveclient - terminal client for a livelink session
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ashureev/livelink/internal/client/device"
	"github.com/ashureev/livelink/internal/client/session"
	"github.com/ashureev/livelink/internal/codec"
	"github.com/ashureev/livelink/internal/protocol"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	var (
		url            = flag.String("url", envOr("LIVELINK_URL", "ws://localhost:8080/ws/voice"), "live endpoint")
		token          = flag.String("token", os.Getenv("LIVELINK_TOKEN"), "session token")
		mode           = flag.String("mode", protocol.ModeChat, "chat or live_analysis")
		voice          = flag.String("voice", "", "initial voice")
		conversationID = flag.String("conversation", protocol.NewConversation, "conversation to resume")
		noAudio        = flag.Bool("no-audio", false, "disable microphone and speaker")
		verbose        = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *token == "" {
		fmt.Fprintln(os.Stderr, "a token is required (-token or LIVELINK_TOKEN)")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var dev session.Devices
	if !*noAudio {
		mic, err := device.NewMicrophone(codec.InputSampleRate, logger)
		if err != nil {
			slog.Warn("Microphone unavailable", "error", err)
		} else {
			defer mic.Close()
			dev.Mic = mic
		}
		spk, err := device.NewSpeaker(codec.OutputSampleRate, logger)
		if err != nil {
			slog.Warn("Speaker unavailable", "error", err)
		} else {
			dev.Clock = spk
			dev.Speaker = spk
		}
	}

	closed := make(chan struct{}, 1)
	client := session.New(session.WebsocketDialer{Header: http.Header{}}, dev, session.Config{
		URL:          *url,
		PlaybackRate: codec.OutputSampleRate,
		Logger:       logger,
		OnEvent: func(ev session.Event) {
			printEvent(ev)
			if ev.Kind == session.EventClosed {
				select {
				case closed <- struct{}{}:
				default:
				}
			}
		},
	})

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err := client.Connect(dialCtx, protocol.Params{
		Token:          *token,
		ConversationID: *conversationID,
		Mode:           *mode,
		InitialVoice:   *voice,
	})
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		os.Exit(1)
	}
	defer client.Disconnect()

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := runCommand(ctx, client, line); quit {
				return
			}
		}
	}
}

// runCommand handles one input line and reports whether to exit.
func runCommand(ctx context.Context, c *session.Client, line string) bool {
	line = strings.TrimSpace(line)
	var err error
	switch {
	case line == "":
		return false
	case line == "/quit":
		return true
	case line == "/interrupt":
		err = c.Interrupt(ctx)
	case strings.HasPrefix(line, "/voice "):
		err = c.SetVoice(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/voice ")))
	case line == "/status":
		fmt.Printf("state=%s muted=%t level=%.2f queued=%d conversation=%s\n",
			c.State(), c.Muted(), c.Level(), c.InFlight(), c.ConversationID())
	default:
		err = c.SendText(ctx, line)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	return false
}

func printEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventState:
		slog.Debug("State changed", "state", ev.State)
	case session.EventStatus:
		fmt.Printf("[%s]\n", ev.Status)
	case session.EventText:
		fmt.Println("assistant:", ev.Text)
	case session.EventReport:
		fmt.Printf("report %s:\n%s\n", ev.MessageID, ev.HTML)
	case session.EventInterrupted:
		fmt.Println("[interrupted]")
	case session.EventConversationID:
		fmt.Println("conversation:", ev.ConversationID)
	case session.EventConversationUpdated:
		slog.Debug("Conversation updated", "conversation_id", ev.ConversationID)
	case session.EventError:
		fmt.Fprintln(os.Stderr, "error:", ev.Err)
	case session.EventClosed:
		if ev.Err != nil && !errors.Is(ev.Err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "closed:", ev.Err)
		} else {
			fmt.Println("[closed]")
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
