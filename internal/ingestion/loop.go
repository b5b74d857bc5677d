package ingestion

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"matrank/internal/comp"
	"matrank/internal/core"
	"matrank/internal/observability"
	"matrank/internal/rating"
)

// Loop drains the raw message channel into the tracker. It owns the
// ACK/NAK decision: malformed or permanently-rejected payloads are ACKed
// so they never block the stream, transient failures are NAKed for
// redelivery, and matches bounced with ErrPeriodFinalized are escalated
// to the rollback path automatically.
type Loop struct {
	tracker *core.Tracker
	msgs    <-chan RawMessage
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewLoop(tracker *core.Tracker, msgs <-chan RawMessage, metrics *observability.Metrics) *Loop {
	return &Loop{
		tracker: tracker,
		msgs:    msgs,
		log:     observability.NewLogger("ingestion"),
		metrics: metrics,
	}
}

// Run processes messages until the context is cancelled or the channel is
// closed.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-l.msgs:
			if !ok {
				return
			}
			l.handle(ctx, msg)
		}
	}
}

func (l *Loop) handle(ctx context.Context, msg RawMessage) {
	switch {
	case strings.HasPrefix(msg.Subject, "mat.events."):
		l.handleEvent(ctx, msg)
	case strings.HasPrefix(msg.Subject, "mat.matches."):
		l.handleMatch(ctx, msg)
	default:
		l.log.Warn().Str("subject", msg.Subject).Msg("unexpected subject")
		msg.AckFunc()
	}
}

func (l *Loop) handleEvent(ctx context.Context, msg RawMessage) {
	ev, err := ParseEvent(msg.Data)
	if err != nil {
		l.parseError("event", err)
		msg.AckFunc()
		return
	}

	switch err := l.tracker.IngestEvent(ctx, ev); {
	case err == nil:
		msg.AckFunc()
	case errors.Is(err, core.ErrEventConflict):
		// Permanent: same ID, different data. Drop and flag loudly.
		l.log.Error().Err(err).Str("event_id", ev.ID).Msg("conflicting event registration")
		msg.AckFunc()
	default:
		l.log.Warn().Err(err).Str("event_id", ev.ID).Msg("event ingest failed, will retry")
		msg.NakFunc()
	}
}

func (l *Loop) handleMatch(ctx context.Context, msg RawMessage) {
	m, err := ParseMatch(msg.Data)
	if err != nil {
		l.parseError("match", err)
		msg.AckFunc()
		return
	}

	err = l.tracker.IngestMatch(ctx, m)

	var late *core.ErrPeriodFinalized
	if errors.As(err, &late) {
		// The period is already closed: this is a late event, admitted
		// only through the rollback replay.
		l.log.Info().
			Str("match_id", m.ID).
			Str("pool", string(late.Pool)).
			Int("seq", late.Seq).
			Msg("late match, escalating to rollback")
		err = l.tracker.AdmitLate(ctx, m)
	}

	l.settle(msg, m, err)
}

// settle maps an ingest outcome to an ACK or NAK.
func (l *Loop) settle(msg RawMessage, m comp.Match, err error) {
	var (
		unroutable *comp.ErrUnroutable
		badWinType *rating.ErrUnknownWinType
		unknownEv  *core.ErrUnknownEvent
		truncated  *core.ErrLogTruncated
	)

	switch {
	case err == nil:
		msg.AckFunc()

	case errors.Is(err, core.ErrDuplicateMatch):
		// Redelivery of something already applied.
		msg.AckFunc()

	case errors.As(err, &unroutable), errors.As(err, &badWinType):
		// Permanent input errors: log and drop.
		l.log.Warn().Err(err).Str("match_id", m.ID).Msg("match rejected")
		msg.AckFunc()

	case errors.As(err, &truncated):
		// The match predates the replayable history of a recovered pool.
		// Redelivery can never succeed; drop it and flag for an operator.
		l.log.Error().Err(err).Str("match_id", m.ID).Msg("match predates replayable history, dropped")
		msg.AckFunc()

	case errors.As(err, &unknownEv):
		// The event message may simply not have landed yet. Redeliver,
		// bounded by the consumer's MaxDeliver.
		l.log.Debug().Err(err).Str("match_id", m.ID).Msg("match before its event, will retry")
		msg.NakFunc()

	case errors.Is(err, core.ErrPoolBusy):
		msg.NakFunc()

	default:
		l.log.Error().Err(err).Str("match_id", m.ID).Msg("match ingest failed, will retry")
		msg.NakFunc()
	}
}

func (l *Loop) parseError(kind string, err error) {
	if l.metrics != nil {
		l.metrics.ParseErrors.WithLabelValues(kind).Inc()
	}
	l.log.Warn().Err(err).Str("kind", kind).Msg("malformed payload dropped")
}
