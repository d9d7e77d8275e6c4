package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/salesdock_backend/config"
	"bitbucket.org/mmdatafocus/salesdock_backend/hubspotsync"
	"bitbucket.org/mmdatafocus/salesdock_backend/importer"
	"bitbucket.org/mmdatafocus/salesdock_backend/logstore"
	"bitbucket.org/mmdatafocus/salesdock_backend/models"
	"bitbucket.org/mmdatafocus/salesdock_backend/reconcile"
	"bitbucket.org/mmdatafocus/salesdock_backend/store"
	"bitbucket.org/mmdatafocus/salesdock_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// conflictRetryDelay is the pause before the single automatic retry on a
// version conflict (single-entry writes only).
const conflictRetryDelay = 300 * time.Millisecond

type apiServer struct {
	entries store.EntryStore
	logs    *logstore.Appender
	cache   *validationCache
	hubspot *hubspotsync.Client
	logger  *logrus.Logger
}

func sourceFromRequest(c *gin.Context, def models.EntrySource) models.EntrySource {
	if s := strings.TrimSpace(c.Query("source")); s != "" {
		return models.EntrySource(s)
	}
	return def
}

// stampActor attributes the events to the session user, if there is one.
func stampActor(c *gin.Context, events []models.LogEvent) []models.LogEvent {
	actor, ok := utils.GetUsernameFromContext(c.Request.Context())
	if !ok {
		return events
	}
	for i := range events {
		events[i].Actor = actor
	}
	return events
}

func bindingErrorResponse(err error, fallback string) gin.H {
	if fields := utils.ProcessValidationErrors(err); fields != nil {
		return gin.H{"error": "validation_failed", "fields": fields}
	}
	return gin.H{"error": fallback}
}

// mutateWithRetry runs the read-mutate-write cycle with exactly one retry
// on a version conflict: re-read the latest state and re-apply the change.
// Batches and merges must NOT use this; they surface the conflict.
func (s *apiServer) mutateWithRetry(ctx context.Context, mutate func(entries []models.Entry) ([]models.Entry, bool, error)) error {
	for attempt := 0; ; attempt++ {
		entries, version, err := s.entries.Read(ctx)
		if err != nil {
			return err
		}
		out, changed, err := mutate(entries)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		if _, err = s.entries.Write(ctx, out, version); err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) || attempt >= 1 {
			return err
		}
		time.Sleep(conflictRetryDelay)
	}
}

func (s *apiServer) listEntriesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		entries, _, err := s.entries.Read(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, entries)
	}
}

func (s *apiServer) getEntryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		entries, _, err := s.entries.Read(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		id := c.Param("id")
		for i := range entries {
			if entries[i].ID == id {
				c.JSON(http.StatusOK, entries[i])
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	}
}

// createEntryHandler creates a full entry or reconciles a narrow
// KV+amount row: 201 on create, 200 on upsert-merge or business skip,
// 409 on id conflict, 422 on validation failure.
func (s *apiServer) createEntryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var fields map[string]json.RawMessage
		if err := c.ShouldBindJSON(&fields); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		now := time.Now().UTC()

		if models.IsFullEntry(fields) {
			s.createFullEntry(c, fields, now)
			return
		}

		source := sourceFromRequest(c, models.EntrySourceErp)
		var result reconcile.UpsertResult
		var events []models.LogEvent
		err := s.mutateWithRetry(c.Request.Context(), func(entries []models.Entry) ([]models.Entry, bool, error) {
			events = events[:0]
			entries, result = reconcile.UpsertRow(entries, fields, source, now)
			switch result.Outcome {
			case reconcile.OutcomeCreate:
				events = append(events, models.NewLogEvent(now, models.LogEventCreate, string(source), nil, result.Entry, ""))
			case reconcile.OutcomeUpdate:
				events = append(events, models.NewLogEvent(now, models.LogEventUpdate, string(source), nil, result.Entry, ""))
			default:
				ev := models.NewLogEvent(now, models.LogEventSkip, string(source), nil, result.Entry, result.Reason)
				if kvList := models.KvListFromPayload(fields); len(kvList) > 0 {
					ev.Kv = kvList[0]
					ev.KvList = kvList
				}
				events = append(events, ev)
			}
			return entries, result.Changed, nil
		})
		if err != nil {
			s.writeStoreError(c, err)
			return
		}
		s.logs.Flush(stampActor(c, events))

		switch result.Outcome {
		case reconcile.OutcomeCreate:
			c.JSON(http.StatusCreated, result.Entry)
		case reconcile.OutcomeUpdate:
			c.JSON(http.StatusOK, result.Entry)
		default:
			if reconcile.IsValidationReason(result.Reason) {
				c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation_failed", "reason": result.Reason})
				return
			}
			c.JSON(http.StatusOK, gin.H{"action": "skip", "reason": result.Reason, "entry": result.Entry})
		}
	}
}

func (s *apiServer) createFullEntry(c *gin.Context, fields map[string]json.RawMessage, now time.Time) {
	raw, err := json.Marshal(fields)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	var incoming models.Entry
	if err := json.Unmarshal(raw, &incoming); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	pt, err := models.ParseProjectType(string(incoming.ProjectType))
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation_failed", "reason": "invalid_project_type"})
		return
	}
	incoming.ProjectType = pt
	models.EnsureKvStructure(&incoming)
	source := incoming.Source
	if source == "" {
		source = sourceFromRequest(c, models.EntrySourceManual)
	}

	var created *models.Entry
	var skipReason string
	var idConflict bool
	var events []models.LogEvent
	err = s.mutateWithRetry(c.Request.Context(), func(entries []models.Entry) ([]models.Entry, bool, error) {
		created, skipReason, idConflict = nil, "", false
		events = events[:0]

		if incoming.ID != "" {
			for i := range entries {
				if entries[i].ID == incoming.ID {
					idConflict = true
					return entries, false, nil
				}
			}
		}
		if dup := models.FindDuplicateKv(entries, incoming.KvNumbers, ""); dup != nil {
			skipReason = models.ReasonDuplicateKv
			ev := models.NewLogEvent(now, models.LogEventSkip, string(source), nil, &incoming, skipReason)
			ev.Kv = dup.Kv
			events = append(events, ev)
			return entries, false, nil
		}

		e := incoming.Clone()
		if e.ID == "" {
			e.ID = models.NewEntryID()
		}
		e.Source = source
		e.Created = now
		e.Modified = now
		entries = append(entries, e)
		created = &entries[len(entries)-1]
		events = append(events, models.NewLogEvent(now, models.LogEventCreate, string(source), nil, created, ""))
		return entries, true, nil
	})
	if err != nil {
		s.writeStoreError(c, err)
		return
	}
	s.logs.Flush(stampActor(c, events))

	switch {
	case idConflict:
		c.JSON(http.StatusConflict, gin.H{"error": "id_conflict", "id": incoming.ID})
	case skipReason != "":
		c.JSON(http.StatusOK, gin.H{"action": "skip", "reason": skipReason})
	default:
		c.JSON(http.StatusCreated, created)
	}
}

func (s *apiServer) updateEntryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var fields map[string]json.RawMessage
		if err := c.ShouldBindJSON(&fields); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		id := c.Param("id")
		now := time.Now().UTC()
		source := sourceFromRequest(c, models.EntrySourceManual)

		var notFound bool
		var skipReason string
		var invalidReason string
		var updated *models.Entry
		var events []models.LogEvent
		err := s.mutateWithRetry(c.Request.Context(), func(entries []models.Entry) ([]models.Entry, bool, error) {
			notFound, skipReason, invalidReason, updated = false, "", "", nil
			events = events[:0]

			idx := -1
			for i := range entries {
				if entries[i].ID == id {
					idx = i
					break
				}
			}
			if idx < 0 {
				notFound = true
				return entries, false, nil
			}
			target := &entries[idx]
			before := target.Clone()

			if models.IsFullEntry(fields) {
				raw, err := json.Marshal(fields)
				if err != nil {
					return entries, false, err
				}
				var incoming models.Entry
				if err := json.Unmarshal(raw, &incoming); err != nil {
					return entries, false, err
				}
				incoming.ID = id
				pt, err := models.ParseProjectType(string(incoming.ProjectType))
				if err != nil {
					invalidReason = "invalid_project_type"
					return entries, false, nil
				}
				incoming.ProjectType = pt
				models.EnsureKvStructure(&incoming)
				if dup := models.FindDuplicateKv(entries, incoming.KvNumbers, id); dup != nil {
					skipReason = models.ReasonDuplicateKv
					ev := models.NewLogEvent(now, models.LogEventSkip, string(source), target, &incoming, skipReason)
					ev.Kv = dup.Kv
					events = append(events, ev)
					return entries, false, nil
				}
				replaceFullEntry(target, incoming, now)
				updated = target
				events = append(events, models.NewLogEvent(now, models.LogEventUpdate, string(source), &before, target, ""))
				return entries, true, nil
			}

			if reason, ok := models.ValidateRow(fields); !ok {
				invalidReason = reason
				return entries, false, nil
			}
			kvList := models.KvListFromPayload(fields)
			if dup := models.FindDuplicateKv(entries, kvList, id); dup != nil {
				skipReason = models.ReasonDuplicateKv
				ev := models.NewLogEvent(now, models.LogEventSkip, string(source), target, nil, skipReason)
				ev.Kv = dup.Kv
				events = append(events, ev)
				return entries, false, nil
			}
			if !reconcile.ApplyRow(target, fields) {
				skipReason = models.ReasonNoChange
				events = append(events, models.NewLogEvent(now, models.LogEventSkip, string(source), target, nil, skipReason))
				return entries, false, nil
			}
			target.Modified = now
			updated = target
			events = append(events, models.NewLogEvent(now, models.LogEventUpdate, string(source), &before, target, ""))
			return entries, true, nil
		})
		if err != nil {
			s.writeStoreError(c, err)
			return
		}
		s.logs.Flush(stampActor(c, events))

		switch {
		case notFound:
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		case invalidReason != "":
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation_failed", "reason": invalidReason})
		case skipReason != "":
			c.JSON(http.StatusOK, gin.H{"action": "skip", "reason": skipReason})
		default:
			c.JSON(http.StatusOK, updated)
		}
	}
}

func (s *apiServer) deleteEntryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		now := time.Now().UTC()
		source := sourceFromRequest(c, models.EntrySourceManual)

		var removed bool
		var events []models.LogEvent
		err := s.mutateWithRetry(c.Request.Context(), func(entries []models.Entry) ([]models.Entry, bool, error) {
			removed = false
			events = events[:0]
			kept := entries[:0]
			for i := range entries {
				if entries[i].ID == id {
					removed = true
					before := entries[i].Clone()
					events = append(events, models.NewLogEvent(now, models.LogEventDelete, string(source), &before, nil, ""))
					continue
				}
				kept = append(kept, entries[i])
			}
			return kept, removed, nil
		})
		if err != nil {
			s.writeStoreError(c, err)
			return
		}
		s.logs.Flush(stampActor(c, events))
		// Idempotent: deleting an already-gone entry is still a 200.
		c.JSON(http.StatusOK, gin.H{"deleted": removed, "id": id})
	}
}

type bulkRequest struct {
	Rows []map[string]json.RawMessage `json:"rows"`
}

func decodeRows(c *gin.Context) ([]map[string]json.RawMessage, bool) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return nil, false
	}
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var rows []map[string]json.RawMessage
		if err := json.Unmarshal(body, &rows); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return nil, false
		}
		return rows, true
	}
	var req bulkRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Rows == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rows array is required"})
		return nil, false
	}
	return req.Rows, true
}

func (s *apiServer) bulkHandler(full bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, ok := decodeRows(c)
		if !ok {
			return
		}
		source := sourceFromRequest(c, models.EntrySourceErp)
		now := time.Now().UTC()
		s.runBatch(c, rows, full, source, now)
	}
}

// runBatch executes a batch against a single read snapshot and persists at
// most once. Version conflicts are surfaced, not retried: replaying a batch
// against a different base state risks divergent semantics.
func (s *apiServer) runBatch(c *gin.Context, rows []map[string]json.RawMessage, full bool, source models.EntrySource, now time.Time) {
	ctx := c.Request.Context()
	entries, version, err := s.entries.Read(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var result reconcile.BatchResult
	var events []models.LogEvent
	if full {
		entries, result, events = reconcile.RunFullBatch(entries, rows, source, now)
	} else {
		entries, result, events = reconcile.RunNarrowBatch(entries, rows, source, now)
	}

	saved := false
	if result.Changed {
		if _, err := s.entries.Write(ctx, entries, version); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				c.JSON(http.StatusConflict, gin.H{"error": "save_conflict"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		saved = true
	}
	s.logs.Flush(stampActor(c, events))

	c.JSON(http.StatusOK, gin.H{
		"created": result.Created,
		"updated": result.Updated,
		"skipped": result.Skipped,
		"errors":  result.Errors,
		"saved":   saved,
	})
}

type bulkDeleteRequest struct {
	IDs []string `json:"ids" binding:"required"`
}

func (s *apiServer) bulkDeleteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req bulkDeleteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, bindingErrorResponse(err, "ids array is required"))
			return
		}
		now := time.Now().UTC()
		source := sourceFromRequest(c, models.EntrySourceManual)
		ctx := c.Request.Context()

		entries, version, err := s.entries.Read(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		wanted := make(map[string]bool, len(req.IDs))
		for _, id := range req.IDs {
			wanted[id] = true
		}
		var events []models.LogEvent
		kept := entries[:0]
		deleted := 0
		for i := range entries {
			if wanted[entries[i].ID] {
				deleted++
				before := entries[i].Clone()
				events = append(events, models.NewLogEvent(now, models.LogEventDelete, string(source), &before, nil, ""))
				continue
			}
			kept = append(kept, entries[i])
		}

		if deleted > 0 {
			if _, err := s.entries.Write(ctx, kept, version); err != nil {
				if errors.Is(err, store.ErrVersionConflict) {
					c.JSON(http.StatusConflict, gin.H{"error": "save_conflict"})
					return
				}
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}
		s.logs.Flush(stampActor(c, events))
		c.JSON(http.StatusOK, gin.H{"deletedCount": deleted})
	}
}

func (s *apiServer) mergeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req reconcile.MergeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, bindingErrorResponse(err, "ids array is required"))
			return
		}
		now := time.Now().UTC()
		source := sourceFromRequest(c, models.EntrySourceManual)
		ctx := c.Request.Context()

		entries, version, err := s.entries.Read(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		merged, target, events, err := reconcile.MergeEntries(entries, req, string(source), now)
		if err != nil {
			switch {
			case errors.Is(err, reconcile.ErrMergeTooFew):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			case errors.Is(err, reconcile.ErrMergeNotFound),
				errors.Is(err, reconcile.ErrMergeProjectNumberMismatch),
				errors.Is(err, reconcile.ErrMergeFrameworkEntry):
				c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}

		// Merges never auto-retry: the caller must re-fetch and resubmit,
		// since re-deriving the merge after a concurrent change could
		// silently combine different records.
		if _, err := s.entries.Write(ctx, merged, version); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				c.JSON(http.StatusConflict, gin.H{"error": "save_conflict"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		s.logs.Flush(stampActor(c, events))
		c.JSON(http.StatusOK, target)
	}
}

type checkKvRequest struct {
	Kv            string   `json:"kv"`
	KvNummer      string   `json:"kv_nummer"`
	KvNummern     []string `json:"kvNummern"`
	ExcludeID     string   `json:"excludeId"`
	ProjektNummer string   `json:"projektnummer"`
}

func (r *checkKvRequest) kvList() []string {
	fields := make(map[string]json.RawMessage)
	if len(r.KvNummern) > 0 {
		b, _ := json.Marshal(r.KvNummern)
		fields["kvNummern"] = b
	}
	if r.KvNummer != "" {
		b, _ := json.Marshal(r.KvNummer)
		fields["kv_nummer"] = b
	}
	if r.Kv != "" {
		b, _ := json.Marshal(r.Kv)
		fields["kv"] = b
	}
	return models.KvListFromPayload(fields)
}

func (s *apiServer) checkKvHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req checkKvRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		kvList := req.kvList()
		cacheKey := "validation:check_kv:" + strings.Join(kvList, "|") + ":" + req.ExcludeID

		var cached models.KvUsageResult
		if s.cache.get(cacheKey, &cached) {
			c.JSON(http.StatusOK, cached)
			return
		}
		entries, _, err := s.entries.Read(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		result := models.ValidateKvNumberUsage(entries, kvList, req.ExcludeID)
		s.cache.set(cacheKey, result)
		c.JSON(http.StatusOK, result)
	}
}

func (s *apiServer) checkProjektnummerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req checkKvRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		pn := strings.TrimSpace(req.ProjektNummer)
		cacheKey := "validation:check_projektnummer:" + strings.ToLower(pn) + ":" + req.ExcludeID

		var cached models.ProjectNumberResult
		if s.cache.get(cacheKey, &cached) {
			c.JSON(http.StatusOK, cached)
			return
		}
		entries, _, err := s.entries.Read(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		result := models.ValidateProjectNumberUsage(entries, pn, req.ExcludeID)
		s.cache.set(cacheKey, result)
		c.JSON(http.StatusOK, result)
	}
}

func (s *apiServer) logStatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		to := time.Now().UTC()
		from := to.AddDate(0, 0, -30)
		if v := c.Query("from"); v != "" {
			if t, err := time.Parse("2006-01-02", v); err == nil {
				from = t
			}
		}
		if v := c.Query("to"); v != "" {
			if t, err := time.Parse("2006-01-02", v); err == nil {
				to = t
			}
		}
		events, err := s.logs.ReadRange(c.Request.Context(), from, to)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		var rows []logstore.RollupRow
		if c.Query("granularity") == "month" {
			rows = logstore.MonthlyRollup(events)
		} else {
			rows = logstore.Rollup(events)
		}
		c.JSON(http.StatusOK, gin.H{"from": from.Format("2006-01-02"), "to": to.Format("2006-01-02"), "rows": rows})
	}
}

func (s *apiServer) importExcelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		file, _, err := c.Request.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
			return
		}
		defer file.Close()

		rows, err := importer.RowsFromExcel(file)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		s.runBatch(c, rows, false, models.EntrySourceImport, time.Now().UTC())
	}
}

func (s *apiServer) writeStoreError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrVersionConflict) {
		c.JSON(http.StatusConflict, gin.H{"error": "save_conflict"})
		return
	}
	var data any
	if cid, ok := utils.GetCorrelationIdFromContext(c.Request.Context()); ok {
		data = gin.H{"correlationId": cid}
	}
	config.LogError(s.logger, "handlers.go", "writeStoreError", "store write", data, err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// replaceFullEntry is the PUT semantics: incoming object wins wholesale,
// identity and creation time stay.
func replaceFullEntry(target *models.Entry, incoming models.Entry, now time.Time) {
	created := target.Created
	*target = incoming
	if !created.IsZero() {
		target.Created = created
	}
	target.Modified = now
	models.EnsureKvStructure(target)
}
