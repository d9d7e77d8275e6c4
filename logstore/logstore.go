package logstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/salesdock_backend/models"
	"bitbucket.org/mmdatafocus/salesdock_backend/store"
	"github.com/sirupsen/logrus"
)

// Appender writes log events as newline-delimited JSON into day-partitioned
// blobs keyed logs/YYYY-MM/YYYY-MM-DD.jsonl. Log durability is best-effort:
// flush failures are reported to the operational log and never to the
// caller.
type Appender struct {
	blobs  store.BlobStore
	prefix string
	logger *logrus.Logger
}

func NewAppender(blobs store.BlobStore, logger *logrus.Logger) *Appender {
	return &Appender{blobs: blobs, prefix: "logs", logger: logger}
}

func dayPath(prefix string, ts time.Time) string {
	ts = ts.UTC()
	return prefix + "/" + ts.Format("2006-01") + "/" + ts.Format("2006-01-02") + ".jsonl"
}

// Append groups events by day and appends one JSON line per event. A
// version conflict on a day file is retried once with a re-read.
func (a *Appender) Append(ctx context.Context, events []models.LogEvent) error {
	byPath := make(map[string][]models.LogEvent)
	var order []string
	for _, ev := range events {
		path := dayPath(a.prefix, ev.Ts)
		if _, ok := byPath[path]; !ok {
			order = append(order, path)
		}
		byPath[path] = append(byPath[path], ev)
	}

	for _, path := range order {
		if err := a.appendToPath(ctx, path, byPath[path]); err != nil {
			return err
		}
	}
	return nil
}

func (a *Appender) appendToPath(ctx context.Context, path string, events []models.LogEvent) error {
	err := a.appendOnce(ctx, path, events)
	if err == store.ErrVersionConflict {
		err = a.appendOnce(ctx, path, events)
	}
	return err
}

func (a *Appender) appendOnce(ctx context.Context, path string, events []models.LogEvent) error {
	blob, version, err := a.blobs.GetBlob(ctx, path)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.Write(blob)
	if len(blob) > 0 && blob[len(blob)-1] != '\n' {
		buf.WriteByte('\n')
	}
	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	_, err = a.blobs.PutBlob(ctx, path, buf.Bytes(), version)
	return err
}

// Flush is the fire-and-forget write used by request handlers: the primary
// response never waits on, or fails because of, the event log.
func (a *Appender) Flush(events []models.LogEvent) {
	if len(events) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.Append(ctx, events); err != nil {
			a.logger.WithFields(logrus.Fields{
				"module": "logstore",
				"count":  len(events),
			}).Error("log flush failed: " + err.Error())
		}
	}()
}

// ReadRange loads all events whose day partition falls inside [from, to].
func (a *Appender) ReadRange(ctx context.Context, from, to time.Time) ([]models.LogEvent, error) {
	var out []models.LogEvent
	from = from.UTC().Truncate(24 * time.Hour)
	to = to.UTC()
	for day := from; !day.After(to); day = day.Add(24 * time.Hour) {
		blob, _, err := a.blobs.GetBlob(ctx, dayPath(a.prefix, day))
		if err != nil {
			return nil, err
		}
		if blob == nil {
			continue
		}
		events, err := parseLines(blob)
		if err != nil {
			return nil, err
		}
		out = append(out, events...)
	}
	return out, nil
}

func parseLines(blob []byte) ([]models.LogEvent, error) {
	var out []models.LogEvent
	scanner := bufio.NewScanner(bytes.NewReader(blob))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev models.LogEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			// Tolerate a torn trailing line rather than failing the whole day.
			continue
		}
		out = append(out, ev)
	}
	return out, scanner.Err()
}
