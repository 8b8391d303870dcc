package cli

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/mealmatch/realtime/internal/protocol"
	"github.com/mealmatch/realtime/internal/wsclient"
)

func init() {
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Send a partnerActivity frame to your partner",
		Run:   runActivity,
	}
	cmd.Flags().StringP("data", "d", "", "Activity as a JSON value (required)")
	cmd.Flags().Duration("wait", 5*time.Second, "How long to wait for the connection")
	cmd.MarkFlagRequired("data")
	RootCmd.AddCommand(cmd)
}

func runActivity(cmd *cobra.Command, _ []string) {
	data, _ := cmd.Flags().GetString("data")
	wait, _ := cmd.Flags().GetDuration("wait")

	if !json.Valid([]byte(data)) {
		exitErr("activity", errors.New("--data must be valid JSON"))
	}
	env, err := protocol.NewEnvelope(protocol.TypePartnerActivity, protocol.PartnerActivityPayload{
		Activity: json.RawMessage(data),
	})
	if err != nil {
		exitErr("build frame", err)
	}

	m, log, err := newManager()
	if err != nil {
		exitErr("setup", err)
	}
	defer log.Sync()

	connected := make(chan struct{}, 1)
	m.On(wsclient.EventConnected, func(wsclient.Event) {
		select {
		case connected <- struct{}{}:
		default:
		}
	})

	// Send queues the frame and starts connecting; the queue is flushed on open.
	if err := m.Send(env); err != nil {
		exitErr("send", err)
	}
	select {
	case <-connected:
	case <-time.After(wait):
		m.Disconnect()
		exitErr("activity", errors.New("not connected before --wait elapsed"))
	}
	if m.QueueLen() > 0 {
		m.Disconnect()
		exitErr("activity", errors.New("frame not delivered"))
	}
	m.Disconnect()
}
