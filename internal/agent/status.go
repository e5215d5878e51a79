package agent

import (
	"context"
	"os"

	"carenote/internal/api"
	"carenote/internal/logging"
	"carenote/internal/store"
)

// Status reports the runtime state of every component.
func (a *Agent) Status(ctx context.Context) api.Status {
	conn := a.monitor.State()
	status := api.Status{
		Running:      a.running.Load(),
		PID:          os.Getpid(),
		QueueDBPath:  a.store.Path(),
		LockFilePath: a.cfg.LockPath(),
		Connectivity: api.Connectivity{
			Online:       conn.Online,
			LastProbeAt:  api.FormatTime(conn.LastProbeAt),
			PendingCount: conn.PendingCount,
			LinkEvents:   a.links != nil && a.links.Running(),
		},
		Capture: api.FromSnapshot(a.capture.Snapshot()),
		Session: api.SessionStatus{
			Active:       a.session.Active(),
			LastActivity: api.FormatTime(a.session.LastActivity()),
		},
		Gateway: api.GatewayStatus{
			Enabled: a.gateway != nil,
			Address: a.gwAddr,
			Polling: a.sync.Polling(),
		},
	}
	if a.gateway != nil {
		status.Gateway.CacheName = a.gateway.CacheName()
	}

	for _, s := range []store.ActionStatus{store.ActionPending, store.ActionAbandoned, store.ActionRejected} {
		n, err := a.store.CountActions(ctx, s)
		if err != nil {
			a.logger.Warn("action count failed", logging.String("status", string(s)), logging.Error(err))
			continue
		}
		switch s {
		case store.ActionPending:
			status.Actions.Pending = n
		case store.ActionAbandoned:
			status.Actions.Abandoned = n
		case store.ActionRejected:
			status.Actions.Rejected = n
		}
	}

	if summary, err := a.audio.Status(ctx); err != nil {
		a.logger.Warn("audio status failed", logging.Error(err))
	} else {
		status.Audio = api.FromAudioStatus(summary)
	}
	return status
}
