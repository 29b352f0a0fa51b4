package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	atq "github.com/wyre-technology/autotask-queue"
	"github.com/wyre-technology/autotask-queue/id"
	"github.com/wyre-technology/autotask-queue/request"
)

var allStatuses = []request.Status{
	request.StatusPending,
	request.StatusInBatch,
	request.StatusDispatching,
	request.StatusRetrying,
	request.StatusCompleted,
	request.StatusFailed,
}

// casScript performs the status compare-and-swap atomically: check the
// current status, apply the patch fields, move the ID between status sets,
// and maintain the zone priority zset. Running it server-side is what makes
// the CAS safe when multiple dispatcher processes race for one item.
//
// KEYS: 1=item hash, 2=zone zset, 3=from-status set, 4=to-status set.
// ARGV: 1=from, 2=to, 3=id, 4=zset action ("keep", "rem", or the new
// eligibility time in unix millis), 5..=patch field/value pairs.
var casScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then return 'not_found' end
if cur ~= ARGV[1] then return 'conflict' end
redis.call('HSET', KEYS[1], 'status', ARGV[2])
for i = 5, #ARGV, 2 do
	redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('SMOVE', KEYS[3], KEYS[4], ARGV[3])
if ARGV[4] == 'rem' then
	redis.call('ZREM', KEYS[2], ARGV[3])
elseif ARGV[4] ~= 'keep' then
	local prio = tonumber(redis.call('HGET', KEYS[1], 'priority')) or 0
	local score = -prio + tonumber(ARGV[4]) / 1e15
	redis.call('ZADD', KEYS[2], score, ARGV[3])
end
return 'ok'
`)

// ──────────────────────────────────────────────────
// Enqueue
// ──────────────────────────────────────────────────

// Enqueue stores the item as a Hash and adds it to its zone's Sorted Set.
func (s *Store) Enqueue(ctx context.Context, d request.Descriptor) (id.RequestID, error) {
	err := s.withRetry(ctx, func() error {
		return s.enqueueOnce(ctx, d)
	})
	if err != nil {
		return id.Nil, err
	}
	return d.ID, nil
}

// EnqueueBatch stores all items in one transactional pipeline.
func (s *Store) EnqueueBatch(ctx context.Context, ds []request.Descriptor) ([]id.RequestID, error) {
	err := s.withRetry(ctx, func() error {
		for _, d := range ds {
			exists, err := s.client.Exists(ctx, itemKey(d.ID.String())).Result()
			if err != nil {
				return err
			}
			if exists > 0 {
				return atq.ErrItemExists
			}
		}

		pipe := s.client.TxPipeline()
		for _, d := range ds {
			addEnqueue(ctx, pipe, request.NewItem(d))
		}
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	rids := make([]id.RequestID, len(ds))
	for i, d := range ds {
		rids[i] = d.ID
	}
	return rids, nil
}

func (s *Store) enqueueOnce(ctx context.Context, d request.Descriptor) error {
	exists, err := s.client.Exists(ctx, itemKey(d.ID.String())).Result()
	if err != nil {
		return err
	}
	if exists > 0 {
		return atq.ErrItemExists
	}

	pipe := s.client.TxPipeline()
	addEnqueue(ctx, pipe, request.NewItem(d))
	_, err = pipe.Exec(ctx)
	return err
}

func addEnqueue(ctx context.Context, pipe goredis.Pipeliner, it *request.Item) {
	rid := it.ID.String()
	pipe.HSet(ctx, itemKey(rid), itemToMap(it))
	pipe.SAdd(ctx, zonesKey, it.Zone)
	pipe.SAdd(ctx, statusKey(string(request.StatusPending)), rid)
	pipe.ZAdd(ctx, zoneKey(it.Zone), goredis.Z{
		Score:  itemScore(it.Priority, it.NextEligibleAt),
		Member: rid,
	})
}

// ──────────────────────────────────────────────────
// Dequeue / CAS
// ──────────────────────────────────────────────────

// DequeueEligible walks the zone's Sorted Set in score order (highest
// priority first, earliest eligibility within a priority) and returns up to
// limit items eligible at now. Items remain unclaimed; competing
// dispatchers race for them through UpdateStatus.
func (s *Store) DequeueEligible(ctx context.Context, zone string, limit int) ([]*request.Item, error) {
	now := s.clock.Now()

	var items []*request.Item
	err := s.withRetry(ctx, func() error {
		items = items[:0]

		const pageSize = 64
		for offset := int64(0); ; offset += pageSize {
			ids, err := s.client.ZRange(ctx, zoneKey(zone), offset, offset+pageSize-1).Result()
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				return nil
			}

			for _, rid := range ids {
				it, err := s.getByKey(ctx, itemKey(rid))
				if err != nil {
					if errors.Is(err, atq.ErrItemNotFound) {
						continue
					}
					return err
				}
				if !it.Eligible(now) {
					continue
				}
				items = append(items, it)
				if limit > 0 && len(items) >= limit {
					return nil
				}
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// UpdateStatus transitions the item between statuses via the CAS script.
func (s *Store) UpdateStatus(ctx context.Context, rid id.RequestID, from, to request.Status, patch request.Patch) error {
	key := itemKey(rid.String())

	return s.withRetry(ctx, func() error {
		zone, err := s.client.HGet(ctx, key, "zone").Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return atq.ErrItemNotFound
			}
			return err
		}

		keys := []string{
			key,
			zoneKey(zone),
			statusKey(string(from)),
			statusKey(string(to)),
		}
		args := []interface{}{string(from), string(to), rid.String(), zsetAction(to, patch)}
		args = append(args, patchFields(patch)...)

		res, err := casScript.Run(ctx, s.client, keys, args...).Text()
		if err != nil {
			return err
		}
		switch res {
		case "ok":
			return nil
		case "conflict":
			return atq.ErrConflict
		case "not_found":
			return atq.ErrItemNotFound
		default:
			return fmt.Errorf("atq/redis: unexpected cas result %q", res)
		}
	})
}

// zsetAction decides how the CAS script maintains the zone zset: terminal
// transitions drop the member, a new eligibility time rescores it, anything
// else leaves it in place.
func zsetAction(to request.Status, patch request.Patch) string {
	if to.Terminal() {
		return "rem"
	}
	if patch.NextEligibleAt != nil {
		return strconv.FormatInt(patch.NextEligibleAt.UnixMilli(), 10)
	}
	return "keep"
}

func patchFields(patch request.Patch) []interface{} {
	var fields []interface{}
	if patch.AttemptCount != nil {
		fields = append(fields, "attempt_count", strconv.Itoa(*patch.AttemptCount))
	}
	if patch.NextEligibleAt != nil {
		fields = append(fields, "next_eligible_at", patch.NextEligibleAt.Format(time.RFC3339Nano))
	}
	if patch.LastError != nil {
		fields = append(fields, "last_error", *patch.LastError)
	}
	if patch.CompletedAt != nil {
		fields = append(fields, "completed_at", patch.CompletedAt.Format(time.RFC3339Nano))
	}
	return fields
}

// ──────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────

// Get retrieves an item by ID.
func (s *Store) Get(ctx context.Context, rid id.RequestID) (*request.Item, error) {
	var it *request.Item
	err := s.withRetry(ctx, func() error {
		var err error
		it, err = s.getByKey(ctx, itemKey(rid.String()))
		return err
	})
	if err != nil {
		return nil, err
	}
	return it, nil
}

func (s *Store) getByKey(ctx context.Context, key string) (*request.Item, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, atq.ErrItemNotFound
	}
	return mapToItem(vals)
}

// Zones lists zones whose Sorted Sets still hold non-terminal items.
func (s *Store) Zones(ctx context.Context) ([]string, error) {
	var zones []string
	err := s.withRetry(ctx, func() error {
		zones = zones[:0]

		names, err := s.client.SMembers(ctx, zonesKey).Result()
		if err != nil {
			return err
		}
		for _, z := range names {
			n, err := s.client.ZCard(ctx, zoneKey(z)).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				zones = append(zones, z)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(zones)
	return zones, nil
}

// PendingCount returns the number of non-terminal items.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	var total int64
	err := s.withRetry(ctx, func() error {
		total = 0
		for _, st := range allStatuses {
			if st.Terminal() {
				continue
			}
			n, err := s.client.SCard(ctx, statusKey(string(st))).Result()
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	return total, err
}

// Counts returns item counts grouped by status.
func (s *Store) Counts(ctx context.Context) (map[request.Status]int64, error) {
	counts := make(map[request.Status]int64, len(allStatuses))
	err := s.withRetry(ctx, func() error {
		for _, st := range allStatuses {
			n, err := s.client.SCard(ctx, statusKey(string(st))).Result()
			if err != nil {
				return err
			}
			counts[st] = n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// ──────────────────────────────────────────────────
// Mapping helpers
// ──────────────────────────────────────────────────

// itemScore computes a sorted-set score from priority and eligibility time.
// Lower score = dequeued first; priority is negated so higher priority
// sorts first, with a fractional time component for FIFO within a priority.
func itemScore(priority int, eligibleAt time.Time) float64 {
	return float64(-priority) + float64(eligibleAt.UnixMilli())/1e15
}

func itemToMap(it *request.Item) map[string]interface{} {
	m := map[string]interface{}{
		"id":               it.ID.String(),
		"zone":             it.Zone,
		"payload":          string(it.Payload),
		"priority":         strconv.Itoa(it.Priority),
		"submitted_at":     it.SubmittedAt.Format(time.RFC3339Nano),
		"max_attempts":     strconv.Itoa(it.MaxAttempts),
		"batchable":        strconv.FormatBool(it.Batchable),
		"status":           string(it.Status),
		"attempt_count":    strconv.Itoa(it.AttemptCount),
		"next_eligible_at": it.NextEligibleAt.Format(time.RFC3339Nano),
		"last_error":       it.LastError,
	}
	if it.CompletedAt != nil {
		m["completed_at"] = it.CompletedAt.Format(time.RFC3339Nano)
	}
	return m
}

func mapToItem(m map[string]string) (*request.Item, error) {
	rid, err := id.ParseRequestID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("atq/redis: parse item id: %w", err)
	}

	priority, _ := strconv.Atoi(m["priority"])         //nolint:errcheck // best-effort parse from trusted Redis data
	maxAttempts, _ := strconv.Atoi(m["max_attempts"])  //nolint:errcheck // best-effort parse from trusted Redis data
	attempts, _ := strconv.Atoi(m["attempt_count"])    //nolint:errcheck // best-effort parse from trusted Redis data
	batchable, _ := strconv.ParseBool(m["batchable"])  //nolint:errcheck // best-effort parse from trusted Redis data

	submittedAt, _ := time.Parse(time.RFC3339Nano, m["submitted_at"])   //nolint:errcheck // best-effort parse from trusted Redis data
	eligibleAt, _ := time.Parse(time.RFC3339Nano, m["next_eligible_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	it := &request.Item{
		Descriptor: request.Descriptor{
			ID:          rid,
			Zone:        m["zone"],
			Payload:     []byte(m["payload"]),
			Priority:    priority,
			SubmittedAt: submittedAt,
			MaxAttempts: maxAttempts,
			Batchable:   batchable,
		},
		Status:         request.Status(m["status"]),
		AttemptCount:   attempts,
		NextEligibleAt: eligibleAt,
		LastError:      m["last_error"],
	}

	if v := m["completed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		it.CompletedAt = &t
	}
	return it, nil
}
