package notify

import (
	"context"

	"campaign_engine/internal/model"
)

// CampaignStoppedEvent carries the final ledger of a campaign that has
// finished draining.
type CampaignStoppedEvent struct {
	AtMs     int64               `json:"atMs"`
	Campaign model.Campaign      `json:"campaign"`
	Stats    model.CampaignStats `json:"stats"`
}

type Notifier interface {
	NotifyCampaignStopped(ctx context.Context, evt CampaignStoppedEvent)
}

// SettingsStore is where the notifier reads its mailbox settings on every
// send, so changes apply without a restart.
type SettingsStore interface {
	GetEmailSettings(ctx context.Context) (model.EmailSettings, bool, error)
}
