package notifier

import (
	"fmt"

	"campaignd/internal/campaign"
	"campaignd/internal/eventbus"
)

// FromEvent maps a bus event to an alert. Outcomes, cooldowns and routine
// state changes are not alerted.
func FromEvent(e eventbus.Event) (Alert, bool) {
	switch d := e.Data.(type) {
	case eventbus.StateChange:
		switch e.Type {
		case eventbus.CampaignStalled:
			return Alert{
				Priority: PriorityWarn,
				Key:      "stalled:" + d.CampaignID,
				Text:     fmt.Sprintf("campaign %s stalled: %s", d.CampaignID, d.Reason),
			}, true
		case eventbus.CampaignHalted:
			return Alert{
				Priority: PriorityAlert,
				Key:      "halted:" + d.CampaignID,
				Text:     fmt.Sprintf("campaign %s halted: %s", d.CampaignID, d.Reason),
			}, true
		case eventbus.CampaignState:
			switch d.To {
			case campaign.StateCompleted, campaign.StateCancelled:
				return Alert{
					Priority: PriorityInfo,
					Key:      string(d.To) + ":" + d.CampaignID,
					Text:     fmt.Sprintf("campaign %s %s", d.CampaignID, d.To),
				}, true
			}
		}
	case eventbus.AccountChange:
		if e.Type == eventbus.AccountSuspended {
			return Alert{
				Priority: PriorityWarn,
				Key:      "suspended:" + d.AccountID,
				Text:     fmt.Sprintf("account %s suspended (%s) while sending campaign %s", d.AccountID, d.Cause, d.CampaignID),
			}, true
		}
	}
	return Alert{}, false
}
