package alerting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/weviu/apr-hunter-sub000/internal/metrics"
	"github.com/weviu/apr-hunter-sub000/internal/storage"
)

// DefaultDebounce is the minimum gap between two triggers of the same alert.
const DefaultDebounce = time.Hour

const deliveryTimeout = 10 * time.Second

// EvaluationError wraps a failure while checking one alert.
type EvaluationError struct {
	AlertID string
	Err     error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluate alert %s: %v", e.AlertID, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// Evaluator matches fresh rates against active threshold alerts.
type Evaluator struct {
	alerts        storage.AlertStore
	notifications storage.NotificationStore
	notifiers     []Notifier
	debounce      time.Duration
	now           func() time.Time
	metrics       *metrics.Metrics
	logger        zerolog.Logger
}

// Option tweaks an Evaluator.
type Option func(*Evaluator)

// WithClock overrides the trigger timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// WithDebounce overrides DefaultDebounce. Non-positive values are ignored.
func WithDebounce(d time.Duration) Option {
	return func(e *Evaluator) {
		if d > 0 {
			e.debounce = d
		}
	}
}

// WithNotifiers adds out-of-band delivery channels.
func WithNotifiers(notifiers ...Notifier) Option {
	return func(e *Evaluator) {
		for _, n := range notifiers {
			if n != nil {
				e.notifiers = append(e.notifiers, n)
			}
		}
	}
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Evaluator) { e.metrics = m }
}

// NewEvaluator builds an evaluator over the alert and notification stores.
func NewEvaluator(alerts storage.AlertStore, notifications storage.NotificationStore, logger zerolog.Logger, opts ...Option) *Evaluator {
	e := &Evaluator{
		alerts:        alerts,
		notifications: notifications,
		debounce:      DefaultDebounce,
		now:           time.Now,
		logger:        logger.With().Str("component", "alert_evaluator").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LookupKey is the rate index key of a platform/asset pair.
func LookupKey(platform, asset string) string {
	return strings.ToLower(platform) + ":" + strings.ToUpper(asset)
}

// CheckAlerts evaluates every active alert against rates and returns the
// number that fired. Errors are logged per alert and never returned.
func (e *Evaluator) CheckAlerts(ctx context.Context, rates []storage.RateObservation) int {
	alerts, err := e.alerts.FindActiveAlerts(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to load active alerts")
		return 0
	}
	if len(alerts) == 0 {
		return 0
	}

	lookup := make(map[string]decimal.Decimal, len(rates))
	for _, r := range rates {
		lookup[LookupKey(r.Platform, r.Asset)] = r.APR
	}

	now := e.now().UTC()
	triggered := 0
	for _, alert := range alerts {
		fired, err := e.evaluate(ctx, alert, lookup, now)
		if err != nil {
			e.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("alert evaluation failed")
		}
		if fired {
			triggered++
		}
	}

	e.logger.Debug().Int("alerts", len(alerts)).Int("triggered", triggered).Msg("alerts checked")
	return triggered
}

func (e *Evaluator) evaluate(ctx context.Context, alert storage.Alert, lookup map[string]decimal.Decimal, now time.Time) (fired bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			fired, err = false, &EvaluationError{AlertID: alert.ID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	current, ok := lookup[LookupKey(alert.Platform, alert.Asset)]
	if !ok {
		return false, nil
	}

	hit, err := crossed(alert.AlertType, current, alert.Threshold)
	if err != nil {
		return false, &EvaluationError{AlertID: alert.ID, Err: err}
	}
	if !hit {
		return false, nil
	}

	if alert.LastTriggered != nil && now.Sub(*alert.LastTriggered) < e.debounce {
		e.logger.Debug().Str("alert_id", alert.ID).Time("last_triggered", *alert.LastTriggered).Msg("alert debounced")
		return false, nil
	}

	saved, err := e.notifications.InsertNotification(ctx, buildNotification(alert, current, now))
	if err != nil {
		return false, &EvaluationError{AlertID: alert.ID, Err: fmt.Errorf("insert notification: %w", err)}
	}

	e.metrics.RecordAlert()
	e.logger.Info().
		Str("alert_id", alert.ID).
		Str("asset", alert.Asset).
		Str("platform", alert.Platform).
		Str("apr", current.StringFixed(2)).
		Msg("alert triggered")

	stampErr := e.alerts.SetAlertLastTriggered(ctx, alert.ID, now)
	e.deliver(ctx, saved)
	if stampErr != nil {
		return true, &EvaluationError{AlertID: alert.ID, Err: fmt.Errorf("set last triggered: %w", stampErr)}
	}
	return true, nil
}

func (e *Evaluator) deliver(ctx context.Context, note storage.Notification) {
	for _, n := range e.notifiers {
		deliverCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
		err := n.Notify(deliverCtx, note)
		cancel()
		e.metrics.RecordDelivery(n.Name(), err)
		if err != nil {
			e.logger.Warn().Err(err).Str("channel", n.Name()).Str("alert_id", note.AlertID).Msg("alert delivery failed")
		}
	}
}

func crossed(kind storage.AlertType, current, threshold decimal.Decimal) (bool, error) {
	switch kind {
	case storage.AlertAbove:
		return current.GreaterThan(threshold), nil
	case storage.AlertBelow:
		return current.LessThan(threshold), nil
	default:
		return false, fmt.Errorf("unknown alert type %q", kind)
	}
}

func buildNotification(alert storage.Alert, current decimal.Decimal, now time.Time) storage.Notification {
	return storage.Notification{
		UserID:  alert.UserID,
		AlertID: alert.ID,
		Type:    storage.NotificationAlertTriggered,
		Title:   fmt.Sprintf("%s APR alert", alert.Asset),
		Message: fmt.Sprintf("%s APR on %s is %s%% (%s %s%%)",
			alert.Asset, alert.Platform, current.StringFixed(2), alert.AlertType, alert.Threshold.String()),
		Data: storage.NotificationData{
			Asset:      alert.Asset,
			Platform:   alert.Platform,
			CurrentAPR: current,
			Threshold:  alert.Threshold,
			AlertType:  alert.AlertType,
		},
		CreatedAt: now,
	}
}
