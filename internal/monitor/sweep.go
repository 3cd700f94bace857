package monitor

import (
	"context"
	"fmt"
	"runtime/debug"

	"chirpwatch/internal/classify"
	"chirpwatch/internal/notify"
	"chirpwatch/internal/source"
	"chirpwatch/internal/state"
	logx "chirpwatch/pkg/logx"
)

// cycle performs one full sweep across all configured accounts. carried is
// the consecutive-error count accumulated over previous cycles; it grows on
// every failed account, resets only on a per-account success, and the total
// is returned so even a single permanently failing account eventually crosses
// the cooldown threshold. Anything escaping the per-account boundary is
// caught here: the loop pauses briefly and resumes with the count intact, so
// long unattended runs self-heal.
func (s *Service) cycle(ctx context.Context, carried int) (errs int) {
	errs = carried
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("sweep failed",
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
			s.sleep(ctx, s.crashPause)
		}
	}()

	cfg := s.cfgm.Get()
	accounts := append([]string(nil), cfg.Accounts...)
	s.log.Info("sweep started",
		logx.Int("accounts", len(accounts)),
		logx.Duration("interval", s.interval()))

	for _, acct := range accounts {
		if !s.shouldRun(ctx) {
			return errs
		}
		if err := s.checkAccount(ctx, acct); err != nil {
			errs++
			s.log.Error("account sweep failed",
				logx.String("account", acct),
				logx.Int("consecutive_errors", errs),
				logx.Err(err))
		} else {
			errs = 0
		}
		if !s.sleep(ctx, s.accountPause) {
			return errs
		}
	}
	return errs
}

// checkAccount runs fetch -> classify -> diff -> notify -> persist for one
// account. A failure here must never abort the sweep: panics are converted
// to errors at this boundary and counted by the caller.
func (s *Service) checkAccount(ctx context.Context, acct string) (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("panic: %v", r)
			s.log.Error("panic while processing account",
				logx.String("account", acct),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
		}
	}()

	s.log.Debug("checking account", logx.String("account", acct))

	displayName := acct
	currentPinned := ""
	pinnedKnown := false

	prof, err := s.src.FetchProfile(ctx, acct)
	if err != nil {
		// Without the profile we skip pinned handling for this cycle; the
		// timeline diff below still runs.
		s.log.Warn("profile fetch failed", logx.String("account", acct), logx.Err(err))
	} else {
		if prof.Name != "" {
			displayName = prof.Name
		}
		pinnedKnown = true
		currentPinned = prof.PinnedID
		s.diffPinned(ctx, acct, displayName, currentPinned)
	}

	items, err := s.src.FetchTimeline(ctx, acct)
	if err != nil {
		s.log.Warn("timeline fetch failed; skipping account",
			logx.String("account", acct), logx.Err(err))
		return nil
	}
	if len(items) == 0 {
		s.log.Debug("no items fetched", logx.String("account", acct))
		return nil
	}

	slots := classify.Classify(items)

	var updates []state.Update
	for _, kind := range source.Kinds {
		it := slots.Get(kind)
		if it == nil {
			continue
		}
		key := state.Key{Account: acct, Slot: state.SlotFor(kind)}
		stored, ok := s.store.Get(key)
		if !ok {
			// First observation of this slot: prime silently.
			updates = append(updates, state.Update{Key: key, ID: it.ID})
			s.log.Info("primed slot",
				logx.String("account", acct),
				logx.String("slot", string(key.Slot)),
				logx.String("id", it.ID))
			continue
		}
		if stored == it.ID {
			continue
		}

		updates = append(updates, state.Update{Key: key, ID: it.ID})

		if pinnedKnown && currentPinned != "" && it.ID == currentPinned {
			// The pinned-change notification already covered this item;
			// update the slot silently to avoid a double notification.
			s.log.Debug("item is the current pin; not re-notifying",
				logx.String("account", acct), logx.String("id", it.ID))
			continue
		}

		s.log.Info("new item detected",
			logx.String("account", acct),
			logx.String("slot", string(key.Slot)),
			logx.String("id", it.ID))
		delivered := s.notif.Send(ctx, notify.NewItem(displayName, acct, *it))
		s.log.Info("notification dispatched",
			logx.String("account", acct),
			logx.String("id", it.ID),
			logx.Bool("delivered", delivered))
	}

	// One durable write per account sweep, not one per slot.
	if len(updates) > 0 {
		if err := s.store.ApplyBatch(updates); err != nil {
			s.log.Error("state persist failed; in-memory state stays authoritative",
				logx.String("account", acct), logx.Err(err))
		}
	}
	return nil
}

// diffPinned compares the fetched pinned id against the pinned slot and
// notifies on change. Priming (first observation) stores without notifying.
func (s *Service) diffPinned(ctx context.Context, acct, displayName, currentPinned string) {
	key := state.Key{Account: acct, Slot: state.SlotPinned}
	stored, ok := s.store.Get(key)

	switch {
	case !ok:
		if err := s.store.ApplyBatch([]state.Update{{Key: key, ID: currentPinned}}); err != nil {
			s.log.Error("state persist failed; in-memory state stays authoritative",
				logx.String("account", acct), logx.Err(err))
		}
		if currentPinned != "" {
			s.log.Info("primed pinned slot",
				logx.String("account", acct), logx.String("id", currentPinned))
		}

	case stored != currentPinned:
		if err := s.store.ApplyBatch([]state.Update{{Key: key, ID: currentPinned}}); err != nil {
			s.log.Error("state persist failed; in-memory state stays authoritative",
				logx.String("account", acct), logx.Err(err))
		}
		var msg string
		if currentPinned != "" {
			s.log.Info("pinned item changed",
				logx.String("account", acct),
				logx.String("old", stored),
				logx.String("new", currentPinned))
			msg = notify.PinnedChanged(displayName, acct, stored, currentPinned)
		} else {
			s.log.Info("pinned item cleared", logx.String("account", acct))
			msg = notify.PinnedCleared(displayName, acct)
		}
		delivered := s.notif.Send(ctx, msg)
		s.log.Info("notification dispatched",
			logx.String("account", acct),
			logx.Bool("delivered", delivered))
	}
}
