package forward

import (
	"context"
	"slices"
	"strings"

	"relayfleet/internal/platform"
	"relayfleet/pkg/logx"
)

// Target is one destination candidate for the current round. Each chat
// appears at most once, so a round delivers to it at most once.
type Target struct {
	ID        int64
	Title     string
	SentToday int
}

// eligible reports whether m may be re-broadcast.
func eligible(m platform.Message, mediaOnly bool) bool {
	if m.IsService {
		return false
	}
	if mediaOnly {
		return m.HasMedia
	}
	return m.HasMedia || strings.TrimSpace(m.Text) != ""
}

// pickBatch returns the ids of the newest n eligible posts, oldest first.
func pickBatch(msgs []platform.Message, n int, mediaOnly bool) []int {
	ok := make([]platform.Message, 0, len(msgs))
	for _, m := range msgs {
		if eligible(m, mediaOnly) {
			ok = append(ok, m)
		}
	}
	slices.SortStableFunc(ok, func(a, b platform.Message) int {
		if c := a.Date.Compare(b.Date); c != 0 {
			return c
		}
		return a.ID - b.ID
	})
	if len(ok) > n {
		ok = ok[len(ok)-n:]
	}
	ids := make([]int, 0, len(ok))
	for _, m := range ok {
		ids = append(ids, m.ID)
	}
	return ids
}

func (s *Scheduler) fetchBatch(ctx context.Context, set Settings) ([]int, error) {
	// Over-fetch so service messages and text-only posts in media mode do not starve the batch.
	msgs, err := s.client.RecentMessages(ctx, set.Source, set.BatchSize*4)
	if err != nil {
		return nil, err
	}
	return pickBatch(msgs, set.BatchSize, set.MediaOnly), nil
}

// dialogs returns the cached membership listing, refreshing it after DialogTTL.
func (s *Scheduler) dialogs(ctx context.Context, set Settings) ([]platform.Dialog, error) {
	now := s.now()
	if s.cachedDialogs != nil && now.Sub(s.cachedAt) < set.DialogTTL {
		return s.cachedDialogs, nil
	}
	ds, err := s.client.Dialogs(ctx)
	if err != nil {
		if s.cachedDialogs != nil {
			s.log.Debug("dialog refresh failed; using cached list", logx.Err(err))
			return s.cachedDialogs, nil
		}
		return nil, err
	}
	s.cachedDialogs, s.cachedAt = ds, now
	return ds, nil
}

// candidates filters dialogs down to destinations this account may post in.
func candidates(ds []platform.Dialog, set Settings) []Target {
	excludedTitles := make([]string, 0, len(set.ExcludeTitles))
	for _, p := range set.ExcludeTitles {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			excludedTitles = append(excludedTitles, p)
		}
	}
	out := make([]Target, 0, len(ds))
	seen := make(map[int64]struct{}, len(ds))
	for _, d := range ds {
		c := d.Chat
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		switch {
		case d.Broadcast, c.Kind == platform.ChatChannel, c.Kind == platform.ChatPrivate:
			continue
		case c.ID == set.Source:
			continue
		case slices.Contains(set.ExcludeIDs, c.ID):
			continue
		case len(set.Allow) > 0 && !slices.Contains(set.Allow, c.ID):
			continue
		}
		title := strings.ToLower(c.Title)
		if slices.ContainsFunc(excludedTitles, func(p string) bool { return strings.Contains(title, p) }) {
			continue
		}
		out = append(out, Target{ID: c.ID, Title: c.Title})
	}
	return out
}
