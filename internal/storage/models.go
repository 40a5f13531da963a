package storage

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Rates cross the gateway boundary as JSON numbers, not quoted strings.
	decimal.MarshalJSONWithoutQuotes = true
}

// PlatformType separates centralised exchanges from on-chain protocols.
type PlatformType string

const (
	PlatformExchange PlatformType = "exchange"
	PlatformDeFi     PlatformType = "defi"
)

// RiskLevel is an optional qualitative label attached by a connector.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// RateObservation is one normalised earn/staking offer.
type RateObservation struct {
	Asset        string           `json:"asset"`
	Platform     string           `json:"platform"`
	PlatformType PlatformType     `json:"platformType"`
	Chain        string           `json:"chain"`
	APR          decimal.Decimal  `json:"apr"`
	APY          *decimal.Decimal `json:"apy,omitempty"`
	MinStake     *decimal.Decimal `json:"minStake,omitempty"`
	LockPeriod   string           `json:"lockPeriod,omitempty"`
	RiskLevel    RiskLevel        `json:"riskLevel,omitempty"`
	Source       string           `json:"source"`
	LastUpdated  time.Time        `json:"lastUpdated"`
}

// Key returns the identity key of the observation.
func (o RateObservation) Key() RateKey {
	return RateKey{Asset: o.Asset, Platform: o.Platform, Chain: o.Chain, LockPeriod: o.LockPeriod}
}

// RateKey identifies the single current row for an offer.
type RateKey struct {
	Asset      string `json:"asset"`
	Platform   string `json:"platform"`
	Chain      string `json:"chain"`
	LockPeriod string `json:"lockPeriod"`
}

// String renders the key in a stable, log-friendly form.
func (k RateKey) String() string {
	return strings.Join([]string{k.Asset, k.Platform, k.Chain, k.LockPeriod}, "|")
}

// RateHistoryEntry snapshots the value a key held before it changed.
type RateHistoryEntry struct {
	RateKey
	APR        decimal.Decimal  `json:"apr"`
	APY        *decimal.Decimal `json:"apy,omitempty"`
	RecordedAt time.Time        `json:"recordedAt"`
}

// AlertType is the crossing direction an alert watches for.
type AlertType string

const (
	AlertAbove AlertType = "above"
	AlertBelow AlertType = "below"
)

// Alert is a user-owned threshold rule.
type Alert struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	Asset         string          `json:"asset"`
	Platform      string          `json:"platform"`
	AlertType     AlertType       `json:"alertType"`
	Threshold     decimal.Decimal `json:"threshold"`
	IsActive      bool            `json:"isActive"`
	LastTriggered *time.Time      `json:"lastTriggered,omitempty"`
}

// NotificationAlertTriggered is the only notification type emitted here.
const NotificationAlertTriggered = "alert_triggered"

// NotificationData is the structured payload of a triggered alert.
type NotificationData struct {
	Asset      string          `json:"asset"`
	Platform   string          `json:"platform"`
	CurrentAPR decimal.Decimal `json:"currentApr"`
	Threshold  decimal.Decimal `json:"threshold"`
	AlertType  AlertType       `json:"alertType"`
}

// Notification is created once per alert trigger.
type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	AlertID   string           `json:"alertId"`
	Type      string           `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Data      NotificationData `json:"data"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"createdAt"`
}
