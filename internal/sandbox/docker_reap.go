package sandbox

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
)

// Run enforces sandbox expiry until ctx is done: containers idle past
// AutoStop are stopped and released, containers older than AutoDelete are
// removed regardless of owner, and running containers this process no
// longer tracks are stopped.
func (m *DockerManager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("docker sandbox reaper started", slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.Reap(ctx); err != nil {
				m.logger.Warn("sandbox reap failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Reap performs one expiry sweep and returns how many containers it acted on.
func (m *DockerManager) Reap(ctx context.Context) (int, error) {
	list, err := m.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManaged+"=true")),
	})
	if err != nil {
		return 0, err
	}

	now := time.Now()
	acted := 0
	for _, c := range list {
		sessionID := c.Labels[labelSession]
		created := time.Unix(c.Created, 0)
		if v, err := strconv.ParseInt(c.Labels[labelCreated], 10, 64); err == nil {
			created = time.Unix(v, 0)
		}

		m.mu.Lock()
		sb, live := m.byID[sessionID]
		live = live && sb.handle.ID == c.ID
		var idle time.Duration
		if live {
			idle = now.Sub(sb.lastUsed)
		}
		m.mu.Unlock()

		running := c.State == "running"
		switch {
		case m.cfg.AutoDelete > 0 && now.Sub(created) > m.cfg.AutoDelete:
			if live {
				m.release(sessionID, c.ID)
			}
			m.removeContainer(c.ID)
			m.logger.Info("sandbox expired",
				slog.String("session_id", sessionID),
				slog.String("container", shortID(c.ID)),
			)
			acted++
		case live && running && m.cfg.AutoStop > 0 && idle > m.cfg.AutoStop:
			m.release(sessionID, c.ID)
			m.stopContainer(ctx, c.ID)
			m.logger.Info("sandbox stopped after idle",
				slog.String("session_id", sessionID),
				slog.Duration("idle", idle),
			)
			acted++
		case !live && running && c.Labels[labelOwner] == m.owner:
			m.stopContainer(ctx, c.ID)
			acted++
		}
	}
	return acted, nil
}

// release forgets a tracked sandbox and notifies the reap callback.
func (m *DockerManager) release(sessionID, containerID string) {
	m.mu.Lock()
	if sb, ok := m.byID[sessionID]; ok && sb.handle.ID == containerID {
		delete(m.byID, sessionID)
	}
	fn := m.onReap
	m.mu.Unlock()
	if fn != nil {
		fn(sessionID)
	}
}

func (m *DockerManager) stopContainer(ctx context.Context, id string) {
	timeout := 10
	if err := m.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		m.logger.Warn("docker stop failed",
			slog.String("container", shortID(id)),
			slog.String("error", err.Error()),
		)
	}
}
