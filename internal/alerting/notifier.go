package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Notification describes one volatility alert addressed to one vendor.
type Notification struct {
	ID           uuid.UUID       `json:"id"`
	VendorID     string          `json:"vendorId"`
	Commodity    string          `json:"commodity"`
	Market       string          `json:"market,omitempty"`
	Price        decimal.Decimal `json:"price"`
	MinPrice     decimal.Decimal `json:"minPrice"`
	MaxPrice     decimal.Decimal `json:"maxPrice"`
	Volatility   decimal.Decimal `json:"volatility"`
	ThresholdPct decimal.Decimal `json:"thresholdPct"`
	Sources      []string        `json:"sources"`
	ObservedAt   time.Time       `json:"observedAt"`
	Stale        bool            `json:"stale,omitempty"`
}

// Notifier delivers a notification to an external sink.
type Notifier interface {
	Notify(ctx context.Context, note Notification) error
}

// Message renders the human-readable alert text.
func (n Notification) Message() string {
	builder := strings.Builder{}
	builder.WriteString("[Mandi Price Alert]\n")
	builder.WriteString(fmt.Sprintf("Vendor: %s\n", n.VendorID))
	builder.WriteString(fmt.Sprintf("Commodity: %s", n.Commodity))
	if n.Market != "" {
		builder.WriteString(fmt.Sprintf(" @ %s", n.Market))
	}
	builder.WriteString("\n")
	builder.WriteString(fmt.Sprintf("Price: Rs %s/quintal (range %s - %s)\n",
		n.Price.StringFixed(2), n.MinPrice.StringFixed(2), n.MaxPrice.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Volatility: %s%% (threshold %s%%)\n",
		n.Volatility.Mul(decimal.NewFromInt(100)).StringFixed(1), n.ThresholdPct.StringFixed(1)))
	if len(n.Sources) > 0 {
		builder.WriteString(fmt.Sprintf("Sources: %s\n", strings.Join(n.Sources, ",")))
	}
	builder.WriteString(fmt.Sprintf("Observed: %s UTC", n.ObservedAt.UTC().Format(time.RFC3339)))
	if n.Stale {
		builder.WriteString("\n(served from stale cache)")
	}
	return builder.String()
}

// PartialDeliveryError reports that some sinks took the notification and
// others failed.
type PartialDeliveryError struct {
	Delivered int
	Failed    int
	Err       error
}

func (e *PartialDeliveryError) Error() string {
	return fmt.Sprintf("alert delivered to %d of %d channels: %v", e.Delivered, e.Delivered+e.Failed, e.Err)
}

func (e *PartialDeliveryError) Unwrap() error { return e.Err }

// Delivered reports whether err still means at least one sink received the
// notification.
func Delivered(err error) bool {
	var partial *PartialDeliveryError
	return err == nil || errors.As(err, &partial)
}

// Multi fans a notification out to every notifier and joins their errors.
// When only some notifiers fail the error is a *PartialDeliveryError.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	if len(errs) < len(m) {
		return &PartialDeliveryError{Delivered: len(m) - len(errs), Failed: len(errs), Err: errors.Join(errs...)}
	}
	return errors.Join(errs...)
}

var _ Notifier = Multi(nil)
