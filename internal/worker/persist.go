package worker

import (
	"context"
	"encoding/json"

	"relayfleet/internal/platform"
	"relayfleet/internal/state"
	"relayfleet/pkg/logx"
)

func knownKey(account string) string { return account + ".platform" }

// importKnown restores what the client learned in earlier runs.
func (w *Worker) importKnown(ctx context.Context) {
	snap, ok := w.d.Client.(platform.Snapshotter)
	if !ok {
		return
	}
	raw, found, err := w.d.Store.Get(ctx, knownKey(w.d.Name))
	if err != nil || !found {
		return
	}
	var k platform.Known
	if err := json.Unmarshal(raw, &k); err != nil {
		w.log.Warn("ignoring unreadable platform snapshot", logx.Err(err))
		return
	}
	snap.ImportKnown(k)
}

func (w *Worker) exportKnown(ctx context.Context) {
	snap, ok := w.d.Client.(platform.Snapshotter)
	if !ok {
		return
	}
	raw, err := json.Marshal(snap.ExportKnown())
	if err != nil {
		return
	}
	if err := w.d.Store.Put(ctx, knownKey(w.d.Name), raw); err != nil {
		w.log.Warn("save platform snapshot failed", logx.Err(err))
	}
}

func (w *Worker) saveSession(ctx context.Context) {
	s := state.Session{SelfID: w.self.ID, Username: w.self.Username, SavedAt: w.d.Now()}
	if snap, ok := w.d.Client.(platform.Snapshotter); ok {
		s.LastUpdateID = snap.ExportKnown().Cursor
	}
	if err := state.SaveSession(ctx, w.d.Store, w.d.Name, s); err != nil {
		w.log.Warn("save session failed", logx.Err(err))
	}
}

// flush writes every piece of account state that changed since the last flush.
func (w *Worker) flush(ctx context.Context) {
	if n := w.st.PruneHistory(historyRetention); n > 0 {
		w.log.Debug("pruned forward history", logx.Int("entries", n))
	}
	if err := w.st.Save(ctx); err != nil {
		w.log.Warn("state save failed", logx.Err(err))
	}
	w.exportKnown(ctx)
	if w.self.ID != 0 {
		w.saveSession(ctx)
	}
}
