package pebblestore

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/wyre-technology/autotask-queue/id"
	"github.com/wyre-technology/autotask-queue/request"
)

// itemRecord is the on-disk form of a request.Item. The ID is stored as a
// string because the TypeID wrapper has no stable binary encoding.
type itemRecord struct {
	ID             string     `msgpack:"id"`
	Zone           string     `msgpack:"zone"`
	Payload        []byte     `msgpack:"payload"`
	Priority       int        `msgpack:"priority"`
	SubmittedAt    time.Time  `msgpack:"submitted_at"`
	MaxAttempts    int        `msgpack:"max_attempts"`
	Batchable      bool       `msgpack:"batchable"`
	Status         string     `msgpack:"status"`
	AttemptCount   int        `msgpack:"attempt_count"`
	NextEligibleAt time.Time  `msgpack:"next_eligible_at"`
	LastError      string     `msgpack:"last_error"`
	CompletedAt    *time.Time `msgpack:"completed_at"`
}

func encodeItem(it *request.Item) ([]byte, error) {
	rec := itemRecord{
		ID:             it.ID.String(),
		Zone:           it.Zone,
		Payload:        it.Payload,
		Priority:       it.Priority,
		SubmittedAt:    it.SubmittedAt,
		MaxAttempts:    it.MaxAttempts,
		Batchable:      it.Batchable,
		Status:         string(it.Status),
		AttemptCount:   it.AttemptCount,
		NextEligibleAt: it.NextEligibleAt,
		LastError:      it.LastError,
		CompletedAt:    it.CompletedAt,
	}
	return msgpack.Marshal(rec)
}

func decodeItem(data []byte) (*request.Item, error) {
	var rec itemRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, err
	}

	rid, err := id.ParseRequestID(rec.ID)
	if err != nil {
		return nil, err
	}

	return &request.Item{
		Descriptor: request.Descriptor{
			ID:          rid,
			Zone:        rec.Zone,
			Payload:     rec.Payload,
			Priority:    rec.Priority,
			SubmittedAt: rec.SubmittedAt,
			MaxAttempts: rec.MaxAttempts,
			Batchable:   rec.Batchable,
		},
		Status:         request.Status(rec.Status),
		AttemptCount:   rec.AttemptCount,
		NextEligibleAt: rec.NextEligibleAt,
		LastError:      rec.LastError,
		CompletedAt:    rec.CompletedAt,
	}, nil
}
