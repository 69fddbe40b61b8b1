// Package notify fans liquidation alerts out to chat channels. Each event
// type can be enabled per deployment.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/lendliq/internal/domain"
	"github.com/alanyoungcy/lendliq/internal/wad"
)

// Event types.
const (
	EventLiquidation = "liquidation"
	EventShortfall   = "liquidation_shortfall"
	EventKeeperError = "keeper_error"
	EventArchive     = "archive"
)

// Field is one labelled value in a Message.
type Field struct {
	Name  string
	Value string
}

// Message is a channel-neutral notification.
type Message struct {
	Event  string
	Title  string
	Body   string
	Fields []Field
}

// Text renders the body followed by one "name: value" line per field.
func (m Message) Text() string {
	var b strings.Builder
	b.WriteString(m.Body)
	for _, f := range m.Fields {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(f.Value)
	}
	return b.String()
}

// Sender delivers a Message over one channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// Notifier dispatches to every Sender, dropping events that are not enabled.
// An empty event list enables everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether event would be delivered.
func (n *Notifier) Enabled(event string) bool {
	if n == nil || len(n.senders) == 0 {
		return false
	}
	return len(n.events) == 0 || n.events[event]
}

// Notify delivers msg to every sender. One sender failing does not stop the
// others; their errors are joined.
func (n *Notifier) Notify(ctx context.Context, msg Message) error {
	if !n.Enabled(msg.Event) {
		return nil
	}

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, msg); err != nil {
			n.logger.ErrorContext(ctx, "notifier: send failed",
				slog.String("sender", s.Name()),
				slog.String("event", msg.Event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// NotifyLiquidation announces a completed liquidation. A clamped seizure is
// sent as EventShortfall.
func (n *Notifier) NotifyLiquidation(ctx context.Context, rec domain.LiquidationRecord) error {
	return n.Notify(ctx, LiquidationMessage(rec))
}

// LiquidationMessage formats rec. Amounts are base units; values are quote
// units.
func LiquidationMessage(rec domain.LiquidationRecord) Message {
	msg := Message{
		Event: EventLiquidation,
		Title: fmt.Sprintf("Liquidated %s", rec.UserID),
		Body: fmt.Sprintf("%s repaid %s %s and seized %s %s",
			rec.LiquidatorID,
			rec.RepayAmount.Dec(), rec.BorrowedAssetID,
			rec.SeizeAmount.Dec(), rec.CollateralAssetID),
		Fields: []Field{
			{Name: "health factor", Value: wad.String(rec.HealthFactor)},
			{Name: "repay value", Value: wad.String(rec.RepayValue)},
			{Name: "seize value", Value: wad.String(rec.SeizeValue)},
			{Name: "id", Value: rec.ID},
		},
	}
	if rec.Shortfall {
		msg.Event = EventShortfall
		msg.Title = fmt.Sprintf("Liquidated %s with collateral shortfall", rec.UserID)
		msg.Fields = append(msg.Fields, Field{Name: "shortfall value", Value: wad.String(rec.ShortfallValue)})
	}
	return msg
}
