// Package telemetry records orchestrator metrics through OTel
// instruments. Counters cover the lifecycle events operators watch
// (spawns, kills, stale marks, signal drops); structured logging stays
// in the logging package.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/squadhq/squad"

// recorderInstruments holds all lazy-initialized OTel metric instruments.
type recorderInstruments struct {
	sessionSpawnTotal  metric.Int64Counter
	sessionKillTotal   metric.Int64Counter
	sessionResumeTotal metric.Int64Counter
	sessionStaleTotal  metric.Int64Counter

	signalTotal        metric.Int64Counter
	signalDedupedTotal metric.Int64Counter
	signalDroppedTotal metric.Int64Counter
	signalLaggedTotal  metric.Int64Counter

	taskCreatedTotal metric.Int64Counter
	taskClosedTotal  metric.Int64Counter

	backupTotal        metric.Int64Counter
	bridgeMessageTotal metric.Int64Counter

	spawnDurationHist metric.Float64Histogram
}

var (
	instOnce sync.Once
	inst     recorderInstruments
)

// initInstruments registers all metric instruments against the current
// global MeterProvider. Called lazily on first use so callers never need
// to sequence against Init.
func initInstruments() {
	instOnce.Do(func() {
		m := otel.GetMeterProvider().Meter(meterName)

		inst.sessionSpawnTotal, _ = m.Int64Counter("squad.session.spawns.total",
			metric.WithDescription("Total session spawn attempts"),
		)
		inst.sessionKillTotal, _ = m.Int64Counter("squad.session.kills.total",
			metric.WithDescription("Total session kills"),
		)
		inst.sessionResumeTotal, _ = m.Int64Counter("squad.session.resumes.total",
			metric.WithDescription("Total paused session resumes"),
		)
		inst.sessionStaleTotal, _ = m.Int64Counter("squad.session.stale_marks.total",
			metric.WithDescription("Total sessions marked dead by the stale heartbeat"),
		)

		inst.signalTotal, _ = m.Int64Counter("squad.signal.received.total",
			metric.WithDescription("Total signals accepted by the bus"),
		)
		inst.signalDedupedTotal, _ = m.Int64Counter("squad.signal.deduped.total",
			metric.WithDescription("Total signals collapsed by consecutive-duplicate dedup"),
		)
		inst.signalDroppedTotal, _ = m.Int64Counter("squad.signal.dropped.total",
			metric.WithDescription("Total inbound signals rejected as malformed"),
		)
		inst.signalLaggedTotal, _ = m.Int64Counter("squad.signal.lagged.total",
			metric.WithDescription("Total subscriber disconnects due to backlog overflow"),
		)

		inst.taskCreatedTotal, _ = m.Int64Counter("squad.task.created.total",
			metric.WithDescription("Total tasks created"),
		)
		inst.taskClosedTotal, _ = m.Int64Counter("squad.task.closed.total",
			metric.WithDescription("Total tasks closed"),
		)

		inst.backupTotal, _ = m.Int64Counter("squad.backup.runs.total",
			metric.WithDescription("Total backup and restore runs"),
		)
		inst.bridgeMessageTotal, _ = m.Int64Counter("squad.bridge.messages.total",
			metric.WithDescription("Total bridge messages by direction"),
		)

		inst.spawnDurationHist, _ = m.Float64Histogram("squad.session.spawn.duration_ms",
			metric.WithDescription("Session spawn round-trip latency in milliseconds"),
			metric.WithUnit("ms"),
		)
	})
}

// statusStr returns "ok" or "error" depending on whether err is nil.
func statusStr(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordSpawn records a session spawn attempt.
func RecordSpawn(ctx context.Context, agent string, durationMs float64, err error) {
	initInstruments()
	inst.sessionSpawnTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("status", statusStr(err)),
	))
	if err == nil {
		inst.spawnDurationHist.Record(ctx, durationMs)
	}
}

// RecordKill records a session kill.
func RecordKill(ctx context.Context, agent string) {
	initInstruments()
	inst.sessionKillTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agent),
	))
}

// RecordResume records a paused session resume attempt.
func RecordResume(ctx context.Context, agent string, err error) {
	initInstruments()
	inst.sessionResumeTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("status", statusStr(err)),
	))
}

// RecordStaleMark records a session marked dead by the heartbeat.
func RecordStaleMark(ctx context.Context, agent string) {
	initInstruments()
	inst.sessionStaleTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agent),
	))
}

// RecordSignal records a signal accepted by the bus.
func RecordSignal(ctx context.Context, kind string) {
	initInstruments()
	inst.signalTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// RecordSignalDeduped records a signal collapsed by dedup.
func RecordSignalDeduped(ctx context.Context, kind string) {
	initInstruments()
	inst.signalDedupedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// RecordSignalDropped records an inbound signal rejected before it
// reached the bus. Kind is one of the signal kinds or "invalid" when
// the request named no real kind.
func RecordSignalDropped(ctx context.Context, kind string) {
	initInstruments()
	inst.signalDroppedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// RecordSubscriberLag records a subscriber dropped for lagging.
func RecordSubscriberLag(ctx context.Context) {
	initInstruments()
	inst.signalLaggedTotal.Add(ctx, 1)
}

// RecordTaskCreated records a task creation.
func RecordTaskCreated(ctx context.Context, issueType string) {
	initInstruments()
	inst.taskCreatedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("issue_type", issueType),
	))
}

// RecordTaskClosed records a task close.
func RecordTaskClosed(ctx context.Context, issueType string) {
	initInstruments()
	inst.taskClosedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("issue_type", issueType),
	))
}

// RecordBackup records a backup or restore run. Op is "backup",
// "verify", or "restore".
func RecordBackup(ctx context.Context, op string, err error) {
	initInstruments()
	inst.backupTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("status", statusStr(err)),
	))
}

// RecordBridgeMessage records a bridge message. Direction is "inbound"
// or "outbound".
func RecordBridgeMessage(ctx context.Context, direction string, err error) {
	initInstruments()
	inst.bridgeMessageTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.String("status", statusStr(err)),
	))
}
