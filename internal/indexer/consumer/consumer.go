// Package consumer reads index records from Kafka and writes them through
// the shard router. Messages are handled in batches and a batch is
// committed only once every record in it is in a writable buffer.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/manager"
	apperrors "github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/kafka"
)

// Operations accepted in Event.Op.
const (
	OpUpsert = "upsert"
	OpDelete = "delete"
)

// Event is the JSON form of an index record on the wire.
type Event struct {
	UID     int64           `json:"uid"`
	Op      string          `json:"op,omitempty"`
	Text    string          `json:"text,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Version int64           `json:"version,omitempty"`
}

// Indexer accepts decoded records.
type Indexer interface {
	Index(records []manager.Record) error
}

// Record converts ev. Events without a version take fallback.
func (ev Event) Record(fallback int64) (manager.Record, error) {
	rec := manager.Record{UID: ev.UID, Text: ev.Text, Version: ev.Version}
	if rec.Version == 0 {
		rec.Version = fallback
	}
	switch strings.ToLower(ev.Op) {
	case "", OpUpsert:
		rec.Payload = ev.Payload
		if len(rec.Payload) == 0 {
			rec.Payload = []byte(ev.Text)
		}
	case OpDelete:
		rec.Delete = true
		rec.Text = ""
	default:
		return manager.Record{}, fmt.Errorf("unknown op %q for uid %d: %w", ev.Op, ev.UID, apperrors.ErrInvalidInput)
	}
	return rec, nil
}

// Decode turns a message into a record. Without an explicit version the
// record is versioned by its offset, so replays never lower the version.
func Decode(msg kafka.Message) (manager.Record, error) {
	ev, err := kafka.DecodeJSON[Event](msg.Value)
	if err != nil {
		return manager.Record{}, fmt.Errorf("%w: %w", apperrors.ErrInvalidInput, err)
	}
	return ev.Record(msg.Offset + 1)
}

// HandleBatch returns a kafka.BatchHandler that decodes a batch and
// indexes it in one call. Undecodable messages are logged and skipped.
func HandleBatch(ix Indexer) kafka.BatchHandler {
	logger := slog.Default().With("component", "index-consumer")
	return func(ctx context.Context, batch []kafka.Message) error {
		records := make([]manager.Record, 0, len(batch))
		for _, msg := range batch {
			rec, err := Decode(msg)
			if err != nil {
				logger.Error("failed to decode index record",
					"partition", msg.Partition,
					"offset", msg.Offset,
					"key", string(msg.Key),
					"error", err,
				)
				continue
			}
			records = append(records, rec)
		}
		if len(records) == 0 {
			return nil
		}
		if err := ix.Index(records); err != nil {
			return fmt.Errorf("indexing batch of %d records: %w", len(records), err)
		}
		logger.Debug("batch indexed", "records", len(records), "skipped", len(batch)-len(records))
		return nil
	}
}
