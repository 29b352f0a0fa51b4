package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"

	atq "github.com/wyre-technology/autotask-queue"
	"github.com/wyre-technology/autotask-queue/batch"
	"github.com/wyre-technology/autotask-queue/breaker"
	"github.com/wyre-technology/autotask-queue/request"
)

// zoneLoop is the single worker goroutine for a zone. Claims, batching,
// and outcome routing for a zone all happen here, so items of one zone
// dispatch in priority order without internal races.
func (d *Dispatcher) zoneLoop(zone string) {
	defer d.wg.Done()

	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		if d.paused.Load() {
			d.sleep(zone)
			continue
		}

		if !d.pollZone(zone) {
			d.sleep(zone)
		}
	}
}

// pollZone runs one claim-and-dispatch cycle. Returns true when any
// dispatch happened, so the loop spins while work is flowing and sleeps
// when the zone is idle.
func (d *Dispatcher) pollZone(zone string) bool {
	br := d.breakers.Get(zone)

	allowed, probe := br.Allow()
	if !allowed {
		// Open circuit: return any forming batch to pending so its members
		// are not stranded in a claimed state while the zone heals.
		d.restoreZoneBatch(zone)
		return false
	}

	items, err := d.store.DequeueEligible(context.Background(), zone, d.claimLimit())
	if err != nil {
		d.logger.Error("dequeue error",
			slog.String("zone", zone),
			slog.String("error", err.Error()),
		)
		if probe {
			br.CancelProbe()
		}
		return false
	}

	if probe {
		// Half-open admits exactly one probe dispatch, never a batch.
		if it := d.claimSingle(items); it != nil {
			d.execute(zone, br, it.ID.String(), []*request.Item{it})
			return true
		}
		br.CancelProbe()
		return false
	}

	worked := false

	// A forming batch whose timeout elapsed dispatches even if nothing new
	// arrived; a lone item is never starved.
	if d.batches != nil {
		if due := d.batches.Due(zone, d.clock.Now()); due != nil {
			d.dispatchBatch(zone, br, due)
			worked = true
		}
	}

	for _, it := range items {
		if d.batches != nil && it.Batchable {
			err := d.store.UpdateStatus(context.Background(), it.ID,
				it.Status, request.StatusInBatch, request.Patch{})
			if err != nil {
				// Lost the claim race to another dispatcher.
				continue
			}
			it.Status = request.StatusInBatch

			if full := d.batches.Add(it, d.clock.Now()); full != nil {
				d.dispatchBatch(zone, br, full)
				worked = true
			}
			continue
		}

		err := d.store.UpdateStatus(context.Background(), it.ID,
			it.Status, request.StatusDispatching, request.Patch{})
		if err != nil {
			continue
		}
		it.Status = request.StatusDispatching
		d.execute(zone, br, it.ID.String(), []*request.Item{it})
		worked = true
	}

	return worked
}

// claimSingle claims the first item it wins the CAS race for, as a
// dispatching single.
func (d *Dispatcher) claimSingle(items []*request.Item) *request.Item {
	for _, it := range items {
		err := d.store.UpdateStatus(context.Background(), it.ID,
			it.Status, request.StatusDispatching, request.Patch{})
		if err != nil {
			continue
		}
		it.Status = request.StatusDispatching
		return it
	}
	return nil
}

// dispatchBatch promotes the batch members to dispatching and executes
// them as one transport call.
func (d *Dispatcher) dispatchBatch(zone string, br *breaker.Breaker, b *batch.Batch) {
	items := make([]*request.Item, 0, len(b.Items))
	for _, it := range b.Items {
		err := d.store.UpdateStatus(context.Background(), it.ID,
			request.StatusInBatch, request.StatusDispatching, request.Patch{})
		if err != nil {
			d.logger.Error("failed to promote batched item",
				slog.String("request_id", it.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		it.Status = request.StatusDispatching
		items = append(items, it)
	}
	if len(items) == 0 {
		return
	}
	d.execute(zone, br, b.ID.String(), items)
}

// restoreZoneBatch returns a zone's forming batch to pending.
func (d *Dispatcher) restoreZoneBatch(zone string) {
	if d.batches == nil {
		return
	}
	b := d.batches.Flush(zone)
	if b == nil {
		return
	}
	for _, it := range b.Items {
		err := d.store.UpdateStatus(context.Background(), it.ID,
			request.StatusInBatch, request.StatusPending, request.Patch{})
		if err != nil {
			d.logger.Error("failed to return batched item to pending",
				slog.String("request_id", it.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// ──────────────────────────────────────────────────
// Transport invocation and outcome routing
// ──────────────────────────────────────────────────

// execute invokes the transport for the claimed items and routes each
// outcome. The dispatch deadline bounds the call so a stuck transport
// cannot block drain forever.
func (d *Dispatcher) execute(zone string, br *breaker.Breaker, key string, items []*request.Item) {
	ctx, cancel := context.WithTimeout(context.Background(), d.dispatchTimeout)
	d.trackDispatch(key, cancel)
	defer func() {
		d.untrackDispatch(key)
		cancel()
	}()

	ctx, span := d.telemetry.startDispatch(ctx, zone, len(items))
	defer span.End()

	d.hooks.EmitDispatchStarted(ctx, zone, items)

	payloads := make([][]byte, len(items))
	for i, it := range items {
		payloads[i] = it.Payload
	}

	start := d.clock.Now()
	results, err := d.transport.Execute(ctx, zone, payloads)
	elapsed := d.clock.Now().Sub(start)
	d.telemetry.recordDispatch(ctx, zone, elapsed, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		// A call-level error applies to every member.
		for _, it := range items {
			d.routeFailure(br, it, err)
		}
		return
	}
	span.SetStatus(codes.Ok, "")

	for i, it := range items {
		if i >= len(results) {
			d.routeFailure(br, it, fmt.Errorf("atq: transport returned %d results for %d payloads", len(results), len(items)))
			continue
		}
		if results[i].Err != nil {
			d.routeFailure(br, it, results[i].Err)
			continue
		}
		d.routeSuccess(br, it, results[i].Body, elapsed)
	}
}

// routeSuccess marks the item completed, settles its handle, and closes
// the loop with the breaker.
func (d *Dispatcher) routeSuccess(br *breaker.Breaker, it *request.Item, body []byte, elapsed time.Duration) {
	now := d.clock.Now()
	attempts := it.AttemptCount + 1

	err := d.store.UpdateStatus(context.Background(), it.ID,
		request.StatusDispatching, request.StatusCompleted,
		request.PatchTerminal(attempts, now, ""))
	if err != nil {
		d.logger.Error("failed to mark item completed",
			slog.String("request_id", it.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	it.Status = request.StatusCompleted
	it.AttemptCount = attempts
	it.CompletedAt = &now

	d.handles.Resolve(it.ID, body)
	d.hooks.EmitCompleted(context.Background(), it, elapsed)
	d.telemetry.recordOutcome(it.Zone, "ok")
	br.RecordSuccess()
}

// routeFailure classifies the dispatch error and routes the item:
// permanent failures terminate immediately without a breaker signal,
// transient failures reschedule with backoff until the attempt cap, and
// exhaustion terminates with the breaker still informed. Unclassified
// errors count as transient so an honest infrastructure flake is retried.
func (d *Dispatcher) routeFailure(br *breaker.Breaker, it *request.Item, dispatchErr error) {
	now := d.clock.Now()
	attempts := it.AttemptCount + 1

	if atq.IsPermanent(dispatchErr) {
		d.failTerminal(it, attempts, now, dispatchErr)
		d.telemetry.recordOutcome(it.Zone, "permanent")
		return
	}

	limit := it.MaxAttempts
	if limit <= 0 {
		limit = d.policy.MaxAttempts
	}
	if attempts >= limit {
		d.failTerminal(it, attempts, now, fmt.Errorf("%w: %v", atq.ErrExhausted, dispatchErr))
		d.telemetry.recordOutcome(it.Zone, "exhausted")
		br.RecordFailure()
		return
	}

	next := now.Add(d.policy.DelayFor(attempts))
	err := d.store.UpdateStatus(context.Background(), it.ID,
		request.StatusDispatching, request.StatusRetrying,
		request.PatchAttempt(attempts, next, dispatchErr.Error()))
	if err != nil {
		d.logger.Error("failed to reschedule item",
			slog.String("request_id", it.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	it.Status = request.StatusRetrying
	it.AttemptCount = attempts
	it.NextEligibleAt = next

	d.hooks.EmitRetrying(context.Background(), it, attempts, next)
	d.telemetry.recordOutcome(it.Zone, "retrying")
	br.RecordFailure()
}

// failTerminal marks the item failed and settles its handle with the
// terminal error.
func (d *Dispatcher) failTerminal(it *request.Item, attempts int, now time.Time, terminalErr error) {
	err := d.store.UpdateStatus(context.Background(), it.ID,
		request.StatusDispatching, request.StatusFailed,
		request.PatchTerminal(attempts, now, terminalErr.Error()))
	if err != nil {
		d.logger.Error("failed to mark item failed",
			slog.String("request_id", it.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	it.Status = request.StatusFailed
	it.AttemptCount = attempts
	it.CompletedAt = &now
	it.LastError = terminalErr.Error()

	d.handles.Fail(it.ID, terminalErr)
	d.hooks.EmitFailed(context.Background(), it, terminalErr)
}

// ──────────────────────────────────────────────────
// Poll pacing
// ──────────────────────────────────────────────────

func (d *Dispatcher) claimLimit() int {
	if d.batches != nil && d.maxBatchSize > claimBudget {
		return d.maxBatchSize
	}
	return claimBudget
}

// sleep waits out the poll interval, cut short by the zone's forming-batch
// deadline so a partial batch dispatches within its timeout.
func (d *Dispatcher) sleep(zone string) {
	wait := d.pollInterval
	if d.batches != nil {
		if deadline, ok := d.batches.NextDeadline(zone); ok {
			if until := deadline.Sub(d.clock.Now()); until < wait {
				wait = until
			}
			if wait < 0 {
				wait = 0
			}
		}
	}

	select {
	case <-time.After(wait):
	case <-d.stopCh:
	}
}
