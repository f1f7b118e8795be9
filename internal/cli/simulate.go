package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"mandi-price-engine/internal/app"
)

var (
	simulateCommodity  string
	simulatePrice      float64
	simulateVolatility float64
	simulateVendor     string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Dispatch a volatility alert for a synthetic snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateCommodity == "" {
			return errors.New("--commodity is required")
		}
		if simulatePrice <= 0 {
			return errors.New("--price must be greater than 0")
		}
		if simulateVolatility < 0 || simulateVolatility > 1 {
			return errors.New("--volatility must be within [0,1]")
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Commodity:  simulateCommodity,
			Price:      simulatePrice,
			Volatility: simulateVolatility,
			VendorID:   simulateVendor,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateCommodity, "commodity", "", "Commodity name")
	simulateCmd.Flags().Float64Var(&simulatePrice, "price", 0, "Modal price in Rs/quintal")
	simulateCmd.Flags().Float64Var(&simulateVolatility, "volatility", 0.15, "Volatility as a fraction")
	simulateCmd.Flags().StringVar(&simulateVendor, "vendor", "", "Vendor id used when no database is configured")
}
