package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"studyroom-sync-be/internal/pkg/logger"
	"studyroom-sync-be/internal/realtime"
	"studyroom-sync-be/pkg/events"
	pktNats "studyroom-sync-be/pkg/nats"
	"studyroom-sync-be/pkg/syncclient"

	"github.com/fatih/color"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  synccli chat -url ws://localhost:3000 -room <id> -user <id> -token <jwt>")
	fmt.Fprintln(os.Stderr, "  synccli rewards -nats nats://localhost:4222")
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "chat":
		runChat(ctx, os.Args[2:])
	case "rewards":
		runRewards(ctx, os.Args[2:])
	default:
		usage()
	}
}

func runChat(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:3000", "server base url")
	room := fs.String("room", "", "session id")
	user := fs.String("user", "", "participant id (must match the token)")
	name := fs.String("name", "", "display name")
	token := fs.String("token", os.Getenv("SYNC_TOKEN"), "access token")
	fs.Parse(args)
	if *room == "" || *user == "" {
		usage()
	}

	color.Cyan("Connecting to %s as %s...", *room, *user)
	conn, err := syncclient.Open(ctx, syncclient.Config{
		URL:           *url,
		SessionID:     *room,
		ParticipantID: *user,
		DisplayName:   *name,
		AuthToken:     *token,
		OnEvent:       printEvent,
		OnError: func(err error) {
			color.Red("! %v", err)
		},
	})
	if err != nil {
		color.Red("Failed: %v", err)
		os.Exit(1)
	}
	defer conn.Close()
	color.Green("Connected. Type a message, or /typing, /timer start|stop|reset [mode], /quit")

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
			return
		case <-conn.Done():
			color.Red("Connection closed: %v", conn.Err())
			os.Exit(1)
		case line, ok := <-lines:
			if !ok || line == "/quit" {
				return
			}
			if err := handleLine(conn, *room, line); err != nil {
				color.Red("! %v", err)
			}
		}
	}
}

func handleLine(conn *syncclient.Connection, room, line string) error {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return nil
	case line == "/typing":
		return conn.Send(realtime.EventTypingSet, realtime.TypingPayload{SessionID: room})
	case strings.HasPrefix(line, "/timer "):
		parts := strings.Fields(line)
		payload := realtime.TimerControlPayload{SessionID: room}
		if len(parts) > 2 {
			payload.Mode = realtime.TimerMode(parts[2])
		}
		switch parts[1] {
		case "start":
			return conn.Send(realtime.EventTimerStart, payload)
		case "stop":
			return conn.Send(realtime.EventTimerStop, payload)
		case "reset":
			return conn.Send(realtime.EventTimerReset, payload)
		}
		return fmt.Errorf("unknown timer command %q", parts[1])
	default:
		_, err := conn.SendMessage(line)
		return err
	}
}

func printEvent(env realtime.Envelope) {
	switch env.Type {
	case realtime.EventMessageNew:
		var m realtime.Message
		if json.Unmarshal(env.Data, &m) == nil {
			c := color.New(color.FgWhite)
			if m.Kind == realtime.KindSystem {
				c = color.New(color.FgYellow)
			}
			suffix := ""
			if m.Truncated {
				suffix = " [truncated]"
			}
			c.Printf("#%d %s: %s%s\n", m.ID, m.SenderID, m.Content, suffix)
		}
	case realtime.EventStreamChunk:
		var p realtime.StreamChunkPayload
		if json.Unmarshal(env.Data, &p) == nil {
			color.Magenta("~ %s", p.CumulativeText)
		}
	case realtime.EventTypingSet, realtime.EventTypingClear:
		var p realtime.TypingEvent
		if json.Unmarshal(env.Data, &p) == nil {
			color.HiBlack("%s %s", p.ParticipantID, env.Type)
		}
	case realtime.EventTimerTick:
		var p realtime.TimerTickPayload
		if json.Unmarshal(env.Data, &p) == nil {
			color.Blue("timer %s %02d:%02d running=%t", p.Mode, p.RemainingSeconds/60, p.RemainingSeconds%60, p.Running)
		}
	case realtime.EventMessageAck, realtime.EventHeartbeat:
	default:
		color.HiBlack("%s %s", env.Type, string(env.Data))
	}
}

func runRewards(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("rewards", flag.ExitOnError)
	natsURL := fs.String("nats", "nats://localhost:4222", "NATS url")
	fs.Parse(args)

	sub, err := pktNats.NewSubscriber(*natsURL, logger.NewNopLogger())
	if err != nil {
		color.Red("Failed: %v", err)
		os.Exit(1)
	}
	defer sub.Close()

	err = sub.Subscribe(ctx, events.STUDY_SESSION_COMPLETED, "", func(_ context.Context, e events.Event) error {
		p := e.Payload()
		color.Green("%s session=%v mode=%v participants=%v", e.Timestamp().Format("15:04:05"), p["session_id"], p["mode"], p["participants"])
		return nil
	})
	if err != nil {
		color.Red("Failed: %v", err)
		os.Exit(1)
	}
	color.Cyan("Watching %s, Ctrl+C to stop", events.STUDY_SESSION_COMPLETED)
	<-ctx.Done()
}
