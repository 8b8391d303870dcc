package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mealmatch/realtime/internal/wsclient"
)

func init() {
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print realtime events as JSON lines until interrupted",
		Run:   runListen,
	}
	RootCmd.AddCommand(cmd)
}

type eventLine struct {
	Event   string          `json:"event"`
	Type    string          `json:"type,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Code    int             `json:"code,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func runListen(cmd *cobra.Command, _ []string) {
	m, log, err := newManager()
	if err != nil {
		exitErr("setup", err)
	}
	defer log.Sync()

	var mu sync.Mutex
	enc := json.NewEncoder(os.Stdout)
	printEvent := func(ev wsclient.Event) {
		line := eventLine{
			Event:   ev.Kind.String(),
			Type:    ev.Envelope.Type,
			Payload: ev.Envelope.Payload,
			Code:    ev.Code,
			Reason:  ev.Reason,
		}
		if ev.Err != nil {
			line.Error = ev.Err.Error()
		}
		mu.Lock()
		defer mu.Unlock()
		_ = enc.Encode(line)
	}

	for _, k := range []wsclient.EventKind{
		wsclient.EventConnected, wsclient.EventDisconnected, wsclient.EventError,
		wsclient.EventSessionReady, wsclient.EventNewMatch, wsclient.EventMatchUpdate,
		wsclient.EventPartnerOnline, wsclient.EventPartnerOffline, wsclient.EventPartnerActivity,
		wsclient.EventServerError, wsclient.EventMessage,
	} {
		m.On(k, printEvent)
	}

	gaveUp := make(chan struct{})
	var once sync.Once
	m.On(wsclient.EventMaxReconnectAttemptsReached, func(ev wsclient.Event) {
		printEvent(ev)
		once.Do(func() { close(gaveUp) })
	})

	// The first failure enters the reconnect cycle, so the error is only
	// reported here.
	if err := m.Connect(cmd.Context()); err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v (retrying)\n", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-gaveUp:
		m.Disconnect()
		os.Exit(1)
	}
	m.Disconnect()
}
