package hubspotsync

import (
	"context"

	"github.com/sirupsen/logrus"
)

// PropertyBatch coalesces property updates per deal id within one request
// scope: multiple logical changes to the same deal flush as a single
// outbound call, avoiding redundant traffic and lost-update races against
// HubSpot inside one request.
type PropertyBatch struct {
	client  *Client
	logger  *logrus.Logger
	pending map[string]map[string]string
	order   []string
}

func NewPropertyBatch(client *Client, logger *logrus.Logger) *PropertyBatch {
	return &PropertyBatch{
		client:  client,
		logger:  logger,
		pending: make(map[string]map[string]string),
	}
}

func (b *PropertyBatch) Queue(dealID, property, value string) {
	if dealID == "" || property == "" {
		return
	}
	props, ok := b.pending[dealID]
	if !ok {
		props = make(map[string]string)
		b.pending[dealID] = props
		b.order = append(b.order, dealID)
	}
	props[property] = value
}

// Flush sends one update per deal. Failures are recorded and do not stop
// the remaining deals.
func (b *PropertyBatch) Flush(ctx context.Context) {
	if b.client == nil {
		return
	}
	for _, dealID := range b.order {
		props := b.pending[dealID]
		if len(props) == 0 {
			continue
		}
		if err := b.client.UpdateDealProperties(ctx, dealID, props); err != nil {
			b.logger.WithFields(logrus.Fields{
				"module":  "hubspotsync",
				"deal_id": dealID,
			}).Error("property sync failed: " + err.Error())
		}
	}
	b.pending = make(map[string]map[string]string)
	b.order = nil
}
