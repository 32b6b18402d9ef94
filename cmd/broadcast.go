package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BioHazard786/peerlink/internal/rtc"
	"github.com/BioHazard786/peerlink/internal/ui"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	flagBroadcastPurpose string
	flagDiscriminator    string
	flagPayload          string
	flagAwait            time.Duration
)

var broadcastCmd = &cobra.Command{
	Use:     "broadcast [id...]",
	Aliases: []string{"b"},
	Short:   "Send a request to every connected extension",
	Long: `Connect the given links (or all of them), wait for their extensions and send one request to every peer connection.

The payload is a JSON object merged into the request next to its interactionId and discriminator.

Examples:
  peerlink broadcast --discriminator accountListRequest
  peerlink broadcast --purpose ledger --discriminator getDeviceInfo --await 30s
  peerlink broadcast --discriminator dappRequest --payload '{"items":[]}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := buildRequest()
		if err != nil {
			return err
		}
		return runBroadcast(cmd.Context(), args, req)
	},
}

func buildRequest() (rtc.Request, error) {
	if flagDiscriminator == "" {
		return rtc.Request{}, fmt.Errorf("--discriminator is required")
	}

	fields := map[string]json.RawMessage{}
	if flagPayload != "" {
		if err := json.Unmarshal([]byte(flagPayload), &fields); err != nil {
			return rtc.Request{}, fmt.Errorf("payload must be a JSON object: %w", err)
		}
	}

	return rtc.Request{
		InteractionID: uuid.NewString(),
		Discriminator: flagDiscriminator,
		Fields:        fields,
	}, nil
}

func runBroadcast(ctx context.Context, ids []string, req rtc.Request) error {
	strategy := rtc.BroadcastToAllPeers()
	if flagBroadcastPurpose != "" {
		purpose, err := parsePurpose(flagBroadcastPurpose)
		if err != nil {
			return err
		}
		strategy = rtc.BroadcastToAllPeersWith(purpose)
	}

	s, err := NewSession()
	if err != nil {
		return err
	}
	defer s.Close()

	links, err := s.Links(ctx, ids)
	if err != nil {
		return err
	}
	if err := s.ConnectAll(ctx, links, false, true); err != nil {
		return err
	}

	// Subscribe before sending so a fast answer is not missed
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	incoming := s.Clients.IncomingMessages(subCtx)

	n, err := s.Clients.SendRequest(ctx, req, strategy)
	if err != nil {
		return err
	}
	ui.PrintSuccessf("Request %s sent to %d peer connection(s) (%s)", req.InteractionID, n, strategy)

	if flagAwait <= 0 {
		return nil
	}
	return awaitResponse(ctx, incoming, req.InteractionID, flagAwait)
}

func awaitResponse(ctx context.Context, incoming <-chan rtc.IncomingMessage, interactionID string, timeout time.Duration) error {
	sp := ui.NewWaitingSpinner("Waiting for a response...")
	sp.Start()
	defer sp.Stop()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case msg, ok := <-incoming:
			if !ok {
				return ctx.Err()
			}
			if msg.Response == nil || msg.Response.InteractionID != interactionID {
				continue
			}
			body, err := json.Marshal(msg.Response)
			if err != nil {
				return err
			}
			if msg.Response.IsFailure() {
				sp.Error(fmt.Sprintf("Failure from %s", msg.Route))
			} else {
				sp.Success(fmt.Sprintf("Response from %s", msg.Route))
			}
			fmt.Println(string(body))
			return nil

		case <-timer.C:
			sp.Error("No response")
			return fmt.Errorf("no response within %s", timeout)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func init() {
	rootCmd.AddCommand(broadcastCmd)

	broadcastCmd.Flags().StringVar(&flagBroadcastPurpose, "purpose", "", "Only send to links with this purpose")
	broadcastCmd.Flags().StringVarP(&flagDiscriminator, "discriminator", "d", "", "Request discriminator")
	broadcastCmd.Flags().StringVar(&flagPayload, "payload", "", "Extra request fields as a JSON object")
	broadcastCmd.Flags().DurationVar(&flagAwait, "await", 0, "Wait this long for the first response")
}
