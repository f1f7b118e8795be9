package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"mandi-price-engine/internal/app"
)

var (
	showLimit     int
	showCommodity string
	showAlerts    bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent history rows or dispatched alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Commodity: showCommodity,
			Limit:     showLimit,
			Alerts:    showAlerts,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().StringVar(&showCommodity, "commodity", "", "Only show this commodity")
	showCmd.Flags().BoolVar(&showAlerts, "alerts", false, "Show the alert audit log instead of history")
}
