package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/BioHazard786/peerlink/internal/config"
	"github.com/BioHazard786/peerlink/internal/linkstore"
	"github.com/BioHazard786/peerlink/internal/ui"
	"github.com/BioHazard786/peerlink/internal/version"
	"github.com/spf13/cobra"
)

var (
	flagSignaling string
	flagSTUN      string
	flagTURN      string
	flagTURNUser  string
	flagTURNPass  string
	flagRelay     bool
	flagLinksFile string
	flagEnvFile   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "peerlink",
	Short: "Link a wallet with browser extensions over WebRTC",
	Long: `peerlink keeps encrypted peer-to-peer data channels between a wallet and the browser extensions it is linked with.

A link is a shared 32 byte password. Both sides meet on a signaling relay under the hash of that password, negotiate WebRTC connections through it, and then talk directly over data channels.`,
	Version: version.Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		ui.PrintError(err.Error())
		stop()
		os.Exit(1)
	}
}

func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.Options{
		SignalingURL: flagSignaling,
		STUNServer:   flagSTUN,
		TURNServer:   flagTURN,
		TURNUser:     flagTURNUser,
		TURNPass:     flagTURNPass,
		ForceRelay:   flagRelay,
		LinksFile:    flagLinksFile,
		RelayAddr:    flagRelayAddr,
		EnvFile:      flagEnvFile,
	})
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cfg.ForceRelay && cfg.GetTURNServers() == nil {
		return nil, fmt.Errorf("cannot force relay mode without TURN server configured")
	}

	return cfg, nil
}

func openStore() (*config.Config, *linkstore.Store, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	return cfg, linkstore.Open(cfg.LinksFile), nil
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagSignaling, "signaling", "", "Signaling relay URL")
	pf.StringVarP(&flagSTUN, "stun", "s", "", "Custom STUN server")
	pf.StringVarP(&flagTURN, "turn", "t", "", "Custom TURN server")
	pf.StringVarP(&flagTURNUser, "turn-user", "u", "", "TURN username")
	pf.StringVarP(&flagTURNPass, "turn-pass", "p", "", "TURN password")
	pf.BoolVarP(&flagRelay, "force-relay", "r", false, "Force TURN relay for peer connections")
	pf.StringVar(&flagLinksFile, "links", "", "Links file")
	pf.StringVar(&flagEnvFile, "env-file", "", "Environment file (default .env)")
}
