package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/salesdock_backend/config"
	"bitbucket.org/mmdatafocus/salesdock_backend/hubspotsync"
	"bitbucket.org/mmdatafocus/salesdock_backend/models"
	"bitbucket.org/mmdatafocus/salesdock_backend/store"
	"github.com/bsm/redislock"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// hubspotWebhookHandler ingests deal change notifications. Signature
// verification is mandatory; the per-portal lock is best effort (HubSpot
// retries on 5xx, so overlapping deliveries resolve themselves).
func (s *apiServer) hubspotWebhookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		secret := os.Getenv("HUBSPOT_CLIENT_SECRET")
		ok := hubspotsync.VerifySignature(
			secret,
			c.GetHeader("X-HubSpot-Signature-v3"),
			c.GetHeader("X-HubSpot-Request-Timestamp"),
			c.Request.Method,
			c.Request.Host,
			c.Request.RequestURI,
			body,
		)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}

		var webhookEvents []hubspotsync.WebhookEvent
		if err := json.Unmarshal(body, &webhookEvents); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if len(webhookEvents) == 0 {
			c.JSON(http.StatusOK, gin.H{"processed": 0})
			return
		}
		if s.hubspot == nil {
			// Accept and drop: HubSpot keeps retrying on errors, and without
			// an API token we can never enrich the event into a full deal.
			s.logger.WithField("module", "hubspot").Warn("webhook received but no hubspot client is configured")
			c.JSON(http.StatusOK, gin.H{"processed": 0, "skipped": len(webhookEvents)})
			return
		}

		ctx := c.Request.Context()
		if locker := config.GetRedisLock(); locker != nil {
			lockKey := "hubspot-webhook:" + strconv.FormatInt(webhookEvents[0].PortalID, 10)
			lock, err := locker.Obtain(ctx, lockKey, 30*time.Second, &redislock.Options{
				RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(500*time.Millisecond), 10),
			})
			if err == nil {
				defer lock.Release(ctx)
			}
		}

		now := time.Now().UTC()
		entries, version, err := s.entries.Read(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		propertySync := hubspotsync.NewPropertyBatch(s.hubspot, s.logger)
		var logEvents []models.LogEvent
		changed := false
		processed := 0
		seenDeals := make(map[int64]bool)

		for _, ev := range webhookEvents {
			if seenDeals[ev.ObjectID] {
				continue
			}
			seenDeals[ev.ObjectID] = true

			dealID := strconv.FormatInt(ev.ObjectID, 10)
			deal, err := s.hubspot.GetDeal(ctx, dealID)
			if err != nil {
				config.LogError(s.logger, "hubspotWebhook.go", "hubspotWebhookHandler", "fetch deal "+dealID, ev, err)
				continue
			}

			var outcome hubspotsync.ReconcileOutcome
			entries, outcome = hubspotsync.ReconcileDeal(entries, deal, now)
			processed++
			changed = changed || outcome.Changed

			switch outcome.Action {
			case "create":
				hubspotsync.EnrichFromCrm(ctx, s.hubspot, deal, outcome.Entry)
				logEvents = append(logEvents, models.NewLogEvent(now, models.LogEventCreate, string(models.EntrySourceHubspot), nil, outcome.Entry, ""))
				// Write our record id back so the deal links to its entry.
				propertySync.Queue(dealID, "salesdock_id", outcome.Entry.ID)
			case "update":
				logEvents = append(logEvents, models.NewLogEvent(now, models.LogEventUpdate, string(models.EntrySourceHubspot), nil, outcome.Entry, ""))
			default:
				evLog := models.NewLogEvent(now, models.LogEventSkip, string(models.EntrySourceHubspot), nil, outcome.Entry, outcome.Reason)
				logEvents = append(logEvents, evLog)
			}
		}

		if changed {
			if _, err := s.entries.Write(ctx, entries, version); err != nil {
				if errors.Is(err, store.ErrVersionConflict) {
					// 5xx so HubSpot redelivers against the fresh state.
					c.JSON(http.StatusInternalServerError, gin.H{"error": "save_conflict"})
					return
				}
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}
		s.logs.Flush(logEvents)

		// Property writes only fire for records HubSpot owns.
		propertySync.Flush(ctx)

		s.logger.WithFields(logrus.Fields{
			"module":    "hubspot",
			"processed": processed,
			"changed":   changed,
		}).Info("webhook batch done")
		c.JSON(http.StatusOK, gin.H{"processed": processed, "saved": changed})
	}
}
