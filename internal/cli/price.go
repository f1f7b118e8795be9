package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"mandi-price-engine/internal/app"
)

var (
	priceLocation  string
	historyDays    int
	rangesDays     int
	subscribeItems []string
	subscribeThr   float64
	refreshItems   []string
)

var priceCmd = &cobra.Command{
	Use:   "price <commodity>",
	Short: "Resolve the current price of a commodity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Price(cmd.Context(), args[0], priceLocation)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <commodity>",
	Short: "Print stored daily prices",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().History(cmd.Context(), args[0], historyDays)
	},
}

var trendCmd = &cobra.Command{
	Use:   "trend <commodity>",
	Short: "Analyse the 30 day price trend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Trend(cmd.Context(), args[0])
	},
}

var rangesCmd = &cobra.Command{
	Use:   "ranges <commodity>",
	Short: "Compare the current price with its historical range",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Ranges(cmd.Context(), args[0], rangesDays)
	},
}

var subscribeCmd = &cobra.Command{
	Use:   "subscribe <vendor-id>",
	Short: "Subscribe a vendor to volatility alerts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(subscribeItems) == 0 {
			return fmt.Errorf("--commodity must be provided at least once")
		}
		if err := getApp().Subscribe(cmd.Context(), args[0], subscribeItems, subscribeThr); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "subscribed %s to %s\n", args[0], strings.Join(subscribeItems, ", "))
		return nil
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Run one cache warm-up pass now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Refresh(cmd.Context(), app.RefreshOptions{Commodities: refreshItems})
	},
}

func init() {
	priceCmd.Flags().StringVar(&priceLocation, "location", "", "State or market to narrow the query")
	historyCmd.Flags().IntVar(&historyDays, "days", 30, "Days of history (1-365)")
	rangesCmd.Flags().IntVar(&rangesDays, "days", 30, "Days of history for the historical range")
	subscribeCmd.Flags().StringSliceVar(&subscribeItems, "commodity", nil, "Commodity to watch (repeatable or comma separated)")
	subscribeCmd.Flags().Float64Var(&subscribeThr, "threshold", 0, "Volatility percent that triggers an alert (0 uses the global gate)")
	refreshCmd.Flags().StringSliceVar(&refreshItems, "commodity", nil, "Commodities to refresh (defaults to scheduler.commodities)")
}
