package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/BioHazard786/peerlink/internal/link"
	"github.com/BioHazard786/peerlink/internal/rtc"
	"github.com/BioHazard786/peerlink/internal/ui"
	"github.com/spf13/cobra"
)

var (
	flagNew    bool
	flagWait   bool
	flagReject bool
)

var connectCmd = &cobra.Command{
	Use:     "connect [id...]",
	Aliases: []string{"c"},
	Short:   "Connect stored links and watch them",
	Long: `Connect stored links to their extensions and show a live view of peer connections and traffic.

With no ids every stored link is connected. Ids may be abbreviated to any unique prefix.

Examples:
  peerlink connect
  peerlink connect 3fa2c1 --wait
  peerlink connect 3fa2c1 --new
  peerlink connect --reject`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagNew && len(args) != 1 {
			return fmt.Errorf("--new takes exactly one link id")
		}
		return runConnect(cmd.Context(), args)
	},
}

func runConnect(ctx context.Context, ids []string) error {
	s, err := NewSession()
	if err != nil {
		return err
	}
	defer s.Close()

	links, err := s.Links(ctx, ids)
	if err != nil {
		return err
	}

	if flagReject {
		ui.PrintWarning("Every incoming request will be rejected")
	}

	if err := s.ConnectAll(ctx, links, flagNew, flagWait || flagNew); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	statuses := watchStatuses(ctx, s)
	events := watchMessages(ctx, s)

	return ui.RunMonitor(ctx, statuses, events)
}

func watchStatuses(ctx context.Context, s *Session) <-chan []ui.LinkStatus {
	out := make(chan []ui.LinkStatus)
	updates := s.Clients.ConnectClients(ctx)

	go func() {
		defer close(out)
		for update := range updates {
			// Names and purposes can change while we run
			links, err := s.Store.Links(ctx)
			if err != nil {
				links = nil
			}
			select {
			case out <- linkStatuses(update, links):
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

func linkStatuses(updates []rtc.ClientConnectionsUpdate, links []link.Link) []ui.LinkStatus {
	byID := make(map[link.ConnectionID]link.Link, len(links))
	for _, l := range links {
		byID[l.ID()] = l
	}

	rows := make([]ui.LinkStatus, len(updates))
	for i, u := range updates {
		l := byID[u.ConnectionID]
		rows[i] = ui.LinkStatus{
			ConnectionID: u.ConnectionID.String(),
			Name:         l.DisplayName,
			Purpose:      string(l.Purpose),
			Peers:        len(u.PeerConnectionIDs),
		}
	}
	return rows
}

// responder answers a request on the route it came from
type responder func(ctx context.Context, resp rtc.Response, route rtc.Route) error

func watchMessages(ctx context.Context, s *Session) <-chan ui.Event {
	var respond responder
	if flagReject {
		respond = s.Clients.SendResponse
	}
	return messageEvents(ctx, s.Clients.IncomingMessages(ctx), respond)
}

// messageEvents turns incoming messages into monitor events. With a
// responder set every request is rejected in the background, so a
// slow reconnect never holds up the feed.
func messageEvents(ctx context.Context, incoming <-chan rtc.IncomingMessage, respond responder) <-chan ui.Event {
	out := make(chan ui.Event)

	emit := func(ev ui.Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		var pending sync.WaitGroup
		defer func() {
			pending.Wait()
			close(out)
		}()

		for msg := range incoming {
			ev := ui.Event{Time: time.Now(), Route: msg.Route.String()}

			switch {
			case msg.Err != nil:
				ev.Err = msg.Err
			case msg.Request != nil:
				ev.Kind = ui.EventRequest
				ev.Summary = fmt.Sprintf("%s request %s", msg.Request.Discriminator, msg.Request.InteractionID)
				if respond != nil {
					pending.Add(1)
					go func(req rtc.Request, route rtc.Route) {
						defer pending.Done()
						err := respond(ctx, rejection(req), route)
						emit(ui.Event{
							Time:    time.Now(),
							Kind:    ui.EventResponse,
							Route:   route.String(),
							Summary: "rejected " + req.InteractionID,
							Err:     err,
						})
					}(*msg.Request, msg.Route)
				}
			case msg.Response != nil:
				ev.Kind = ui.EventResponse
				outcome := "success"
				if msg.Response.IsFailure() {
					outcome = "failure"
				}
				ev.Summary = fmt.Sprintf("%s response %s", outcome, msg.Response.InteractionID)
			}

			if !emit(ev) {
				return
			}
		}
	}()

	return out
}

func rejection(req rtc.Request) rtc.Response {
	return rtc.Response{
		InteractionID: req.InteractionID,
		Discriminator: "failure",
		Fields: map[string]json.RawMessage{
			"error": json.RawMessage(`"rejectedByUser"`),
		},
	}
}

func init() {
	rootCmd.AddCommand(connectCmd)

	connectCmd.Flags().BoolVarP(&flagNew, "new", "n", false, "Treat the link as newly created and send the wallet's link key")
	connectCmd.Flags().BoolVarP(&flagWait, "wait", "w", false, "Wait for every link's first peer connection before showing the monitor")
	connectCmd.Flags().BoolVar(&flagReject, "reject", false, "Answer every incoming request with a rejection")
}
