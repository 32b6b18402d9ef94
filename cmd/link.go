package cmd

import (
	"fmt"
	"time"

	"github.com/BioHazard786/peerlink/internal/link"
	"github.com/BioHazard786/peerlink/internal/ui"
	"github.com/spf13/cobra"
)

var (
	flagPurpose  string
	flagName     string
	flagPassword string
)

var linkCmd = &cobra.Command{
	Use:   "link",
	Short: "Manage stored links",
}

var linkAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a link, or store one shown by the extension",
	Long: `Create a link and print its password, or store an existing password with --password.

Examples:
  peerlink link add --name "Work laptop"
  peerlink link add --purpose ledger --password 5f1c...`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := openStore()
		if err != nil {
			return err
		}

		purpose, err := parsePurpose(flagPurpose)
		if err != nil {
			return err
		}

		var password link.Password
		if flagPassword != "" {
			password, err = link.ParsePassword(flagPassword)
		} else {
			password, err = link.NewPassword()
		}
		if err != nil {
			return err
		}

		l := link.Link{
			Password:    password,
			Purpose:     purpose,
			DisplayName: flagName,
			CreatedAt:   time.Now().UTC(),
		}
		if err := store.Add(l); err != nil {
			return err
		}

		fmt.Println(ui.LinkCreatedView(l.ID().Short(), password.String(), string(purpose)))
		return nil
	},
}

var linkListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List stored links",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := openStore()
		if err != nil {
			return err
		}
		links, err := store.Links(cmd.Context())
		if err != nil {
			return err
		}

		rows := make([]ui.LinkRow, len(links))
		for i, l := range links {
			rows[i] = ui.LinkRow{
				ConnectionID: l.ID().String(),
				Name:         l.DisplayName,
				Purpose:      string(l.Purpose),
				CreatedAt:    l.CreatedAt,
			}
		}
		fmt.Println(ui.LinkListView(rows))
		return nil
	},
}

var linkRemoveCmd = &cobra.Command{
	Use:     "remove <id>",
	Aliases: []string{"rm"},
	Short:   "Remove a stored link by id prefix",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := openStore()
		if err != nil {
			return err
		}
		l, err := store.Find(args[0])
		if err != nil {
			return err
		}
		if _, err := store.Remove(l.ID()); err != nil {
			return err
		}
		ui.PrintSuccessf("Removed link %s", l.ID().Short())
		return nil
	},
}

func parsePurpose(s string) (link.Purpose, error) {
	switch p := link.Purpose(s); p {
	case link.PurposeGeneral, link.PurposeLedger:
		return p, nil
	default:
		return "", fmt.Errorf("unknown purpose %q (want %s or %s)", s, link.PurposeGeneral, link.PurposeLedger)
	}
}

func init() {
	rootCmd.AddCommand(linkCmd)
	linkCmd.AddCommand(linkAddCmd, linkListCmd, linkRemoveCmd)

	linkAddCmd.Flags().StringVar(&flagPurpose, "purpose", string(link.PurposeGeneral), "Link purpose (general or ledger)")
	linkAddCmd.Flags().StringVarP(&flagName, "name", "n", "", "Display name")
	linkAddCmd.Flags().StringVar(&flagPassword, "password", "", "Existing link password (hex)")
}
