package notifier

import (
	"context"
	"errors"
	"fmt"

	"dispatchd/internal/eventbus"
	"dispatchd/internal/model"
	logx "dispatchd/pkg/logx"
)

// Watch raises alerts from dispatch events until ctx ends.
func (s *Service) Watch(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			a, ok := alertFor(s.config(), ev)
			if !ok {
				continue
			}
			if err := s.Notify(ctx, a); err != nil && !errors.Is(err, ErrDisabled) && !errors.Is(err, ErrStopped) {
				s.log.Warn("alert not queued", logx.String("event", ev.Type), logx.Err(err))
			}
		}
	}
}

func alertFor(cfg Config, ev eventbus.Event) (Alert, bool) {
	switch ev.Type {
	case eventbus.SessionExpired:
		se, ok := ev.Data.(eventbus.SessionEvent)
		if !ok || !cfg.OnSessionExpired {
			return Alert{}, false
		}
		text := fmt.Sprintf("Chat session for profile %d was rejected; capture a new login.", se.ProfileID)
		if se.Reason != "" {
			text += "\n" + se.Reason
		}
		return Alert{Priority: 9, Text: text, Key: fmt.Sprintf("session.expired:%d", se.ProfileID)}, true

	case eventbus.SessionCaptured:
		se, ok := ev.Data.(eventbus.SessionEvent)
		if !ok || !cfg.OnSessionCaptured {
			return Alert{}, false
		}
		return Alert{Priority: 5, Text: fmt.Sprintf("Session captured for profile %d.", se.ProfileID)}, true

	case eventbus.DispatchLogged:
		e, ok := ev.Data.(model.LogEntry)
		if !ok || !cfg.OnJobFailed || e.Status != model.StatusError {
			return Alert{}, false
		}
		text := fmt.Sprintf("Send to %s failed (profile %d, campaign %s): %s", e.Recipient, e.ProfileID, e.CampaignID, e.Detail)
		// One alert per profile and failure reason per window.
		return Alert{Priority: 7, Text: text, Key: fmt.Sprintf("job.failed:%d:%s", e.ProfileID, e.Detail)}, true
	}
	return Alert{}, false
}
