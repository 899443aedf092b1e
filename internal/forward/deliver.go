package forward

import (
	"context"

	"relayfleet/internal/eventbus"
	"relayfleet/internal/platform"
	"relayfleet/pkg/logx"
)

type outcome struct {
	delivered bool
	stop      bool // abandon the rest of the round
}

// deliver forwards the batch to t. A refused batch falls back to one message
// at a time; the destination counts as delivered when any message lands.
// The returned error is non-nil only for lost authorization or cancellation.
func (s *Scheduler) deliver(ctx context.Context, set Settings, t Target, ids []int) (outcome, error) {
	err := s.forward(ctx, set, t.ID, ids)
	if err == nil {
		s.record(ctx, "forward", t, nil)
		return outcome{delivered: true}, nil
	}
	if ctx.Err() != nil {
		return outcome{stop: true}, ctx.Err()
	}

	switch platform.KindOf(err) {
	case platform.KindUnauthorized:
		s.record(ctx, "forward", t, err)
		return outcome{stop: true}, err
	case platform.KindPermissionDenied:
		s.denied(ctx, set, t, err)
		return outcome{stop: true}, nil
	case platform.KindRateLimited:
		wait, _ := platform.RateLimitWait(err)
		s.rateLimited(wait)
		s.log.Warn("batch forward rate limited; sending one by one",
			logx.Chat(t.ID), logx.Duration("wait", wait))
	default:
		s.log.Debug("batch forward failed; sending one by one",
			logx.Chat(t.ID), logx.Err(err))
	}
	return s.deliverEach(ctx, set, t, ids)
}

func (s *Scheduler) deliverEach(ctx context.Context, set Settings, t Target, ids []int) (outcome, error) {
	var (
		out     outcome
		lastErr error
	)
	for i, id := range ids {
		if i > 0 && !s.sleep(ctx, s.between(set.PacingMin, set.PacingMax)) {
			return out, ctx.Err()
		}
		err := s.forward(ctx, set, t.ID, []int{id})
		if err == nil {
			out.delivered = true
			continue
		}
		lastErr = err
		switch platform.KindOf(err) {
		case platform.KindUnauthorized:
			s.record(ctx, "forward", t, err)
			out.stop = true
			return out, err
		case platform.KindPermissionDenied:
			s.denied(ctx, set, t, err)
			out.stop = true
			return out, nil
		case platform.KindRateLimited:
			wait, _ := platform.RateLimitWait(err)
			s.rateLimited(wait)
			out.stop = true
			s.record(ctx, "forward", t, err)
			return out, nil
		}
	}
	if out.delivered {
		lastErr = nil
	}
	s.record(ctx, "forward", t, lastErr)
	return out, nil
}

func (s *Scheduler) forward(ctx context.Context, set Settings, to int64, ids []int) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return s.client.ForwardMessages(ctx, to, set.Source, ids)
}

func (s *Scheduler) denied(ctx context.Context, set Settings, t Target, err error) {
	until := s.pause.PauseFor(set.PermissionPause, true)
	s.log.Warn("forward permission denied; pausing forwarding",
		logx.Chat(t.ID),
		logx.String("title", t.Title),
		logx.Time("until", until),
	)
	s.record(ctx, "forward", t, err)
	s.publish(eventbus.ForwardDenied, eventbus.PauseData{Until: until, Forward: true, Wait: set.PermissionPause})
}
