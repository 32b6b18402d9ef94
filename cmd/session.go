package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BioHazard786/peerlink/internal/config"
	"github.com/BioHazard786/peerlink/internal/link"
	"github.com/BioHazard786/peerlink/internal/linkstore"
	"github.com/BioHazard786/peerlink/internal/rtc"
	"github.com/BioHazard786/peerlink/internal/ui"
	"github.com/BioHazard786/peerlink/internal/webrtc"
)

// Session holds everything a command needs to talk to linked peers
type Session struct {
	Config  *config.Config
	Store   *linkstore.Store
	Clients *rtc.Clients
}

func NewSession() (*Session, error) {
	cfg, store, err := openStore()
	if err != nil {
		return nil, err
	}

	identity, err := store.Identity()
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	logger := slog.Default()
	factory := webrtc.NewPionFactory(cfg.ICEConfig(), webrtc.PionOptions{Logger: logger})

	clients := rtc.NewClients(rtc.Options{
		SignalingURL:           cfg.SignalingURL,
		Factory:                factory,
		Links:                  store,
		Identity:               identity,
		FirstConnectionTimeout: cfg.FirstConnectionTimeout,
		ReconnectDelay:         cfg.ReconnectDelay,
		PingInterval:           cfg.PingInterval,
		Logger:                 logger,
	})

	return &Session{Config: cfg, Store: store, Clients: clients}, nil
}

// Links returns the stored links matching the given id prefixes, or all of
// them when none are given
func (s *Session) Links(ctx context.Context, prefixes []string) ([]link.Link, error) {
	if len(prefixes) == 0 {
		links, err := s.Store.Links(ctx)
		if err != nil {
			return nil, err
		}
		if len(links) == 0 {
			return nil, fmt.Errorf("no links stored, add one with `peerlink link add`")
		}
		return links, nil
	}

	links := make([]link.Link, 0, len(prefixes))
	for _, p := range prefixes {
		l, err := s.Store.Find(p)
		if err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, nil
}

// ConnectAll registers every link. With wait set it blocks until each has
// a first peer connection, showing a spinner meanwhile.
func (s *Session) ConnectAll(ctx context.Context, links []link.Link, isNew, wait bool) error {
	var sp *ui.Spinner
	if wait {
		sp = ui.NewWaitingSpinner(fmt.Sprintf("Waiting for %d extension(s) to connect...", len(links)))
		sp.Start()
		defer sp.Stop()
	}

	for _, l := range links {
		if sp != nil {
			sp.UpdateMessage(fmt.Sprintf("Waiting for %s to connect...", describe(l)))
		}
		if err := s.Clients.Connect(ctx, l, isNew, wait); err != nil {
			if sp != nil {
				sp.Error(fmt.Sprintf("%s did not connect", describe(l)))
			}
			return fmt.Errorf("connect %s: %w", l.ID().Short(), err)
		}
	}

	if sp != nil {
		sp.Success(fmt.Sprintf("Connected to %d extension(s)", len(links)))
	}
	return nil
}

func (s *Session) Close() {
	s.Clients.Close()
}

func describe(l link.Link) string {
	if l.DisplayName != "" {
		return fmt.Sprintf("%q (%s)", l.DisplayName, l.ID().Short())
	}
	return l.ID().Short()
}
