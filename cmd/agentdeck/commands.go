package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/agentdeck/pkg/client"
	"github.com/go-go-golems/agentdeck/pkg/config"
	"github.com/go-go-golems/agentdeck/pkg/kvstore"
	"github.com/go-go-golems/agentdeck/pkg/live"
	"github.com/go-go-golems/agentdeck/pkg/recovery"
	"github.com/go-go-golems/agentdeck/pkg/session"
	"github.com/go-go-golems/agentdeck/pkg/turns"
)

func openStore() (kvstore.Store, error) {
	switch settings.StoreBackend {
	case "", "sqlite":
	case "memory":
		return kvstore.NewMemoryStore(), nil
	case "redis":
		return kvstore.NewRedisStore(settings.Redis.Addr, "")
	default:
		return nil, errors.Errorf("unknown store backend %q", settings.StoreBackend)
	}
	path := settings.StorePath
	if path == "" {
		path = config.DefaultStorePath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create state directory")
	}
	dsn, err := kvstore.SQLiteDSNForFile(path)
	if err != nil {
		return nil, err
	}
	return kvstore.NewSQLiteStore(dsn)
}

func buildSession() (*session.Session, *session.Bus, error) {
	c, err := client.New(settings.Server)
	if err != nil {
		return nil, nil, err
	}
	store, err := openStore()
	if err != nil {
		return nil, nil, err
	}
	var bus *session.Bus
	if settings.Redis.Enabled {
		ctx := context.Background()
		for _, topic := range []string{
			session.TurnTopic(settings.Surface),
			session.EventTopic(settings.Surface),
		} {
			if err := session.EnsureGroupAtTail(ctx, settings.Redis.Addr, topic, settings.Redis.Group); err != nil {
				_ = store.Close()
				return nil, nil, errors.Wrap(err, "ensure redis consumer group")
			}
		}
		bus, err = session.NewRedisBus(settings.Redis)
		if err != nil {
			_ = store.Close()
			return nil, nil, err
		}
	} else {
		bus = session.NewChannelBus()
	}
	s, err := session.New(session.Config{
		Client:       c,
		Store:        store,
		Surface:      settings.Surface,
		Agent:        settings.Agent,
		ThreadID:     settings.ThreadID,
		Bus:          bus,
		Schedule:     settings.BackoffSchedule(),
		Staleness:    settings.Staleness.Std(),
		PollInterval: settings.PollInterval.Std(),
	})
	if err != nil {
		_ = bus.Close()
		_ = store.Close()
		return nil, nil, err
	}
	return s, bus, nil
}

func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat <prompt>",
		Short: "Send a prompt and stream the agent's turn",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, bus, err := buildSession()
			if err != nil {
				return err
			}
			defer func() { _ = s.Close(); _ = bus.Close() }()

			// A leftover turn from a previous run resolves first so the
			// backend never sees two in-flight turns for this surface.
			if recovered, err := s.Recover(ctx); err != nil {
				return err
			} else if recovered != nil {
				fmt.Printf("Resolving previous turn %s...\n", recovered.ClientTurnID)
				if err := s.Wait(); err != nil {
					return err
				}
			}

			updates, err := bus.Subscribe(ctx, session.TurnTopic(settings.Surface))
			if err != nil {
				return err
			}
			events, err := bus.Subscribe(ctx, session.EventTopic(settings.Surface))
			if err != nil {
				return err
			}

			prompt := strings.Join(args, " ")
			if _, err := s.StartTurn(ctx, prompt); err != nil {
				return err
			}

			done := make(chan error, 1)
			go func() { done <- s.Wait() }()

			lastStatus := ""
			for {
				select {
				case <-ctx.Done():
					s.Cancel()
					err := <-done
					return printOutcome(s.Turn(), err)
				case msg := <-events:
					var e session.EventUpdate
					if json.Unmarshal(msg.Payload, &e) == nil && e.Significant {
						fmt.Printf("  [%s] %s\n", e.Kind, e.Title)
					}
					msg.Ack()
				case msg := <-updates:
					var u session.TurnUpdate
					if err := json.Unmarshal(msg.Payload, &u); err == nil {
						if u.StatusText != "" && u.StatusText != lastStatus {
							lastStatus = u.StatusText
							fmt.Println(u.StatusText)
						}
					}
					msg.Ack()
				case err := <-done:
					return printOutcome(s.Turn(), err)
				}
			}
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resolve a turn left in flight by a previous run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, bus, err := buildSession()
			if err != nil {
				return err
			}
			defer func() { _ = s.Close(); _ = bus.Close() }()

			turn, err := s.Recover(ctx)
			if err != nil {
				return err
			}
			if turn == nil {
				fmt.Println("Nothing to resume.")
				return nil
			}
			fmt.Printf("Resuming turn %s...\n", turn.ClientTurnID)
			err = s.Wait()
			for _, e := range s.Events() {
				fmt.Printf("  [%s] %s\n", e.Kind, e.Title)
			}
			return printOutcome(s.Turn(), err)
		},
	}
}

func newEventsCmd() *cobra.Command {
	var turnID string
	var useWS bool
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Attach the live event channel for a known turn",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if settings.ThreadID == "" || turnID == "" {
				return errors.New("--thread and --turn are required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := client.New(settings.Server)
			if err != nil {
				return err
			}
			store, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			cursors, err := recovery.NewCursorStore(store, settings.Surface)
			if err != nil {
				return err
			}

			var transport live.Transport
			if useWS {
				transport = &live.WSTransport{Client: c}
			} else {
				transport = &live.SSETransport{Client: c}
			}
			channel, err := live.NewChannel(live.ChannelConfig{
				Transport: transport,
				Cursors:   cursors,
				Schedule:  settings.BackoffSchedule(),
				Staleness: settings.Staleness.Std(),
				OnEvent: func(e live.Event) {
					fmt.Printf("%6d  [%s] %s\n", e.Seq, e.Kind, e.Title)
				},
			})
			if err != nil {
				return err
			}
			defer channel.Detach()

			channel.Attach(ctx, client.LiveTarget{
				ThreadID: settings.ThreadID,
				TurnID:   turnID,
				Agent:    settings.Agent,
			})
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&turnID, "turn", "", "server-assigned turn id")
	cmd.Flags().BoolVar(&useWS, "ws", false, "use the websocket transport")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the backend's view of the pending turn, if any",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			markers, err := recovery.NewMarkerStore(store, settings.Surface)
			if err != nil {
				return err
			}
			marker := markers.Load(cmd.Context())
			if marker == nil {
				fmt.Println("No pending turn.")
				return nil
			}
			c, err := client.New(settings.Server)
			if err != nil {
				return err
			}
			state, err := c.ActiveState(cmd.Context(), marker.ClientTurnID)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(state, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func printOutcome(turn *turns.Turn, err error) error {
	if turn != nil {
		switch turn.Status {
		case turns.StatusDone:
			fmt.Println()
			fmt.Println(turn.FinalText)
		case turns.StatusInterrupted:
			fmt.Println("Turn interrupted.")
		case turns.StatusError:
			fmt.Println(turn.StatusText)
		}
	}
	if err != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
