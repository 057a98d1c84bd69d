package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/agentdeck/pkg/config"
)

var (
	flagConfig   string
	flagLogLevel string
	flagServer   string
	flagSurface  string
	flagAgent    string
	flagThread   string
	flagStore    string

	settings config.Settings
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "agentdeck",
		Short: "Terminal client for resumable agent chat turns",
		Long: `agentdeck talks to an agent backend over its streaming turn protocol.
Turns survive process restarts: an interrupted chat can be resumed with
"agentdeck resume".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			if flagServer != "" {
				s.Server = flagServer
			}
			if flagSurface != "" {
				s.Surface = flagSurface
			}
			if flagAgent != "" {
				s.Agent = flagAgent
			}
			if flagThread != "" {
				s.ThreadID = flagThread
			}
			if flagStore != "" {
				s.StorePath = flagStore
			}
			if flagLogLevel != "" {
				s.LogLevel = flagLogLevel
			}
			settings = s
			return initLogging(s.LogLevel)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "path to config file")
	pf.StringVar(&flagLogLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	pf.StringVar(&flagServer, "server", "", "backend base URL")
	pf.StringVar(&flagSurface, "surface", "", "chat surface name")
	pf.StringVar(&flagAgent, "agent", "", "agent to address")
	pf.StringVar(&flagThread, "thread", "", "thread id to continue")
	pf.StringVar(&flagStore, "store", "", "path to the local state database")

	root.AddCommand(newChatCmd())
	root.AddCommand(newResumeCmd())
	root.AddCommand(newEventsCmd())
	root.AddCommand(newStatusCmd())
	return root
}

func initLogging(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return err
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(lvl)
	return nil
}
