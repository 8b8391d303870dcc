// Package cli implements the mealmatch realtime client commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mealmatch/realtime/internal/auth"
	"github.com/mealmatch/realtime/internal/logger"
	"github.com/mealmatch/realtime/internal/wsclient"
)

var (
	serverURL   string
	tokenFlag   string
	secretFlag  string
	userFlag    string
	logLevel    string
	pongTimeout time.Duration
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "mealmatch-client",
	Short: "Realtime client for the mealmatch service",
	Long:  "Connects to the realtime endpoint, prints match and partner events, and sends partner activity.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&serverURL, "url", "u", envOr("MEALMATCH_WS_URL", "ws://localhost:8080/ws"), "WebSocket endpoint")
	RootCmd.PersistentFlags().StringVarP(&tokenFlag, "token", "t", os.Getenv("MEALMATCH_TOKEN"), "Bearer token")
	RootCmd.PersistentFlags().StringVar(&secretFlag, "secret", os.Getenv("JWT_SECRET"), "Sign a token locally with this secret (development)")
	RootCmd.PersistentFlags().StringVar(&userFlag, "user", "", "User id for a locally signed token")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level")
	RootCmd.PersistentFlags().DurationVar(&pongTimeout, "pong-timeout", 0, "Reconnect when nothing arrives this long after a ping (0 disables)")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// tokenSource prefers an explicit token and falls back to signing one.
func tokenSource() (wsclient.TokenSource, error) {
	switch {
	case tokenFlag != "":
		return func(context.Context) (string, error) { return tokenFlag, nil }, nil
	case secretFlag != "" && userFlag != "":
		return func(context.Context) (string, error) {
			return auth.GenerateToken(userFlag, []byte(secretFlag), time.Hour)
		}, nil
	default:
		return nil, errors.New("either --token or --secret with --user is required")
	}
}

func newManager() (*wsclient.Manager, *zap.Logger, error) {
	log, err := logger.New(logLevel)
	if err != nil {
		return nil, nil, err
	}
	ts, err := tokenSource()
	if err != nil {
		return nil, nil, err
	}
	config := wsclient.DefaultConfig(serverURL)
	config.PongTimeout = pongTimeout
	return wsclient.NewManager(config, log, wsclient.WithTokenSource(ts)), log, nil
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
