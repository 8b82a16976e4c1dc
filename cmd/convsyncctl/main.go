package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/convsync/internal/api"
	"github.com/matheus3301/convsync/internal/session"
)

var (
	sessionFlag string
	jsonOutput  bool
	timeout     time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "convsyncctl",
	Short:         "Control a running convsyncd session",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return session.ValidateName(sessionName())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&sessionFlag, "session", "", "session name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func sessionName() string {
	return session.Resolve(sessionFlag)
}

func cmdContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

// dial returns a client for the session daemon and a context bounded by
// --timeout.
func dial(cmd *cobra.Command) (*api.Client, context.Context, context.CancelFunc) {
	ctx, cancel := cmdContext(cmd)
	c := api.Dial(session.SocketPath(sessionName()))
	return c, ctx, func() {
		cancel()
		c.Close()
	}
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
