package transcript

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/ctxswitch-asr/internal/metrics"
	"github.com/skypro1111/ctxswitch-asr/internal/snapshot"
)

// Emitter turns commit decisions into client events. It never blocks: events
// go to the client's outbox, and finals are also journaled.
type Emitter struct {
	journal *Journal
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewEmitter creates an emitter. journal and m may be nil.
func NewEmitter(journal *Journal, m *metrics.Metrics, logger *slog.Logger) *Emitter {
	return &Emitter{
		journal: journal,
		metrics: m,
		logger:  logger.With("component", "emitter"),
		now:     time.Now,
	}
}

// Emit stamps the event and delivers it to the outbox. It reports whether the
// event was delivered; a closed outbox drops it.
func (e *Emitter) Emit(ctx context.Context, out *Outbox, ev Event) bool {
	ev.ID = uuid.NewString()
	ev.Timestamp = e.now()

	if !out.push(&ev) {
		e.logger.Debug("Dropping event for closed outbox",
			slog.String("client_id", out.ClientID()),
			slog.String("type", string(ev.Type)))
		return false
	}
	e.metrics.RecordEvent(string(ev.Type), ev.IsFinal)

	if ev.IsFinal && ev.Type == TypeTranscript && e.journal != nil {
		if err := e.journal.Append(ctx, ev); err != nil {
			e.metrics.RecordJournalError()
			e.logger.Error("Failed to journal final event",
				slog.String("client_id", ev.ClientID),
				slog.Uint64("seq", ev.Seq),
				slog.String("error", err.Error()))
		}
	}

	return true
}

// EmitPass delivers the outcome of one commit decision: newly committed tokens
// first, then the revised pending hypothesis if it changed and is not empty.
func (e *Emitter) EmitPass(ctx context.Context, out *Outbox, final, pending []snapshot.Token, pendingChanged bool) int {
	emitted := 0

	if len(final) > 0 {
		if e.Emit(ctx, out, Event{
			Type:    TypeTranscript,
			Text:    snapshot.Join(final),
			IsFinal: true,
			Start:   final[0].Start,
			End:     final[len(final)-1].End,
		}) {
			emitted++
		}
	}

	if pendingChanged && len(pending) > 0 {
		if e.Emit(ctx, out, Event{
			Type:  TypeTranscript,
			Text:  snapshot.Join(pending),
			Start: pending[0].Start,
			End:   pending[len(pending)-1].End,
		}) {
			emitted++
		}
	}

	return emitted
}

// EmitError notifies the client that its session failed
func (e *Emitter) EmitError(ctx context.Context, out *Outbox, message string) bool {
	return e.Emit(ctx, out, Event{Type: TypeError, Text: message})
}

// Journal returns the journal, or nil when journaling is disabled
func (e *Emitter) Journal() *Journal {
	return e.journal
}
