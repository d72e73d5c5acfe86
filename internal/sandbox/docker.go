package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
)

// Container labels used to find and expire sandboxes.
const (
	labelManaged = "velocity.managed"
	labelSession = "velocity.session"
	labelCreated = "velocity.created"
	labelOwner   = "velocity.owner"
)

const (
	defaultDockerImage = "python:3.12-slim"
	defaultDockerPIDs  = 256
	defaultDockerMem   = 1 << 30
)

// DockerConfig configures the Docker provider.
type DockerConfig struct {
	Image          string        // Container image. Default: python:3.12-slim.
	MemoryBytes    int64         // Hard memory limit, swap disabled.
	CPUCores       float64       // CPU quota (e.g. 0.5 = half a core). 0 = 1.0.
	PIDsLimit      int64         // Fork bomb protection. 0 = 256.
	NetworkMode    string        // "bridge" (default) or "none".
	DefaultTimeout time.Duration // Per-execution wall clock. 0 = 600s.
	AutoStop       time.Duration // Stop a sandbox idle for this long. 0 = never.
	AutoDelete     time.Duration // Remove a sandbox this old. 0 = never.
	SetupCommands  []string      // Run through sh after creation; failures are logged.
	Streaming      bool          // false = buffered execution with replay.
}

// DockerManager leases one long-lived container per session and runs
// commands in it with docker exec.
//
// Hardening applied to every container:
//   - ALL Linux capabilities dropped
//   - Privilege escalation blocked (no-new-privileges)
//   - Memory hard limit with swap disabled, CPU quota and PIDs limit
//   - An init process reaps orphaned children
//   - No host mounts, no docker socket, no privileged mode
type DockerManager struct {
	cli       *client.Client
	cfg       DockerConfig
	owner     string
	logger    *slog.Logger
	onReap    func(sessionID string)
	closeOnce sync.Once

	mu   sync.Mutex
	byID map[string]*dockerSandbox
}

type dockerSandbox struct {
	handle   *Handle
	lastUsed time.Time
}

// NewDockerManager connects to the docker daemon configured by the environment.
func NewDockerManager(cfg DockerConfig, logger *slog.Logger) (*DockerManager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.MemoryBytes <= 0 {
		cfg.MemoryBytes = defaultDockerMem
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = 1.0
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDs
	}
	if cfg.NetworkMode == "" {
		cfg.NetworkMode = "bridge"
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	return &DockerManager{
		cli:    cli,
		cfg:    cfg,
		owner:  uuid.NewString(),
		logger: logger,
		byID:   make(map[string]*dockerSandbox),
	}, nil
}

// OnReap registers a callback invoked with the session ID whenever the
// reaper removes a sandbox that still belongs to a live session.
func (m *DockerManager) OnReap(fn func(sessionID string)) {
	m.mu.Lock()
	m.onReap = fn
	m.mu.Unlock()
}

// Close releases the docker client.
func (m *DockerManager) Close() error {
	var err error
	m.closeOnce.Do(func() { err = m.cli.Close() })
	return err
}

// Ping checks that the docker daemon answers.
func (m *DockerManager) Ping(ctx context.Context) error {
	_, err := m.cli.Ping(ctx)
	return err
}

// Create starts a container for the session and runs the setup commands.
func (m *DockerManager) Create(ctx context.Context, sessionID string, env map[string]string) (*Handle, error) {
	m.mu.Lock()
	if _, ok := m.byID[sessionID]; ok {
		m.mu.Unlock()
		return nil, ErrExists
	}
	m.mu.Unlock()

	if err := m.ensureImage(ctx); err != nil {
		return nil, err
	}

	now := time.Now()
	cfg := &container.Config{
		Image:      m.cfg.Image,
		Cmd:        []string{"sleep", "infinity"},
		Env:        envList(env),
		WorkingDir: "/tmp",
		Labels: map[string]string{
			labelManaged: "true",
			labelSession: sessionID,
			labelCreated: strconv.FormatInt(now.Unix(), 10),
			labelOwner:   m.owner,
		},
	}

	pids := m.cfg.PIDsLimit
	useInit := true
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(m.cfg.NetworkMode),
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Init:        &useInit,
		Resources: container.Resources{
			Memory:     m.cfg.MemoryBytes,
			MemorySwap: m.cfg.MemoryBytes,
			NanoCPUs:   int64(m.cfg.CPUCores * 1e9),
			PidsLimit:  &pids,
		},
	}

	resp, err := m.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	if err := m.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		m.removeContainer(resp.ID)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	sb := &dockerSandbox{
		handle: &Handle{
			SessionID: sessionID,
			ID:        resp.ID,
			Env:       maps.Clone(env),
			CreatedAt: now,
		},
		lastUsed: now,
	}

	m.mu.Lock()
	if _, ok := m.byID[sessionID]; ok {
		m.mu.Unlock()
		m.removeContainer(resp.ID)
		return nil, ErrExists
	}
	m.byID[sessionID] = sb
	m.mu.Unlock()

	m.logger.Info("docker sandbox created",
		slog.String("session_id", sessionID),
		slog.String("container", shortID(resp.ID)),
		slog.String("image", m.cfg.Image),
	)

	for _, setup := range m.cfg.SetupCommands {
		res := drain(m.execStream(ctx, sb, ExecRequest{Command: []string{"sh", "-c", setup}}))
		if res.Failed() {
			m.logger.Warn("sandbox setup command failed",
				slog.String("session_id", sessionID),
				slog.String("command", setup),
				slog.Int("exit_code", res.ExitCode),
				slog.String("stderr", res.Stderr),
			)
		}
	}
	return sb.handle, nil
}

func (m *DockerManager) ensureImage(ctx context.Context) error {
	_, _, err := m.cli.ImageInspectWithRaw(ctx, m.cfg.Image)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspecting image %s: %w", m.cfg.Image, err)
	}
	m.logger.Info("pulling sandbox image", slog.String("image", m.cfg.Image))
	rc, err := m.cli.ImagePull(ctx, m.cfg.Image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", m.cfg.Image, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pulling image %s: %w", m.cfg.Image, err)
	}
	return nil
}

// UploadScript copies the driver program into the container.
func (m *DockerManager) UploadScript(ctx context.Context, sessionID string, content []byte, path string) error {
	sb, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	return m.copyTo(ctx, sb, path, content, 0o755)
}

// WriteFile copies content into the container at path.
func (m *DockerManager) WriteFile(ctx context.Context, sessionID string, content []byte, path string) error {
	sb, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	return m.copyTo(ctx, sb, path, content, 0o644)
}

// ExecuteStreaming runs a command with docker exec.
func (m *DockerManager) ExecuteStreaming(ctx context.Context, sessionID string, req ExecRequest) *Execution {
	if len(req.Command) == 0 {
		return failedExecution(fmt.Errorf("empty command"))
	}
	sb, err := m.lookup(sessionID)
	if err != nil {
		return failedExecution(err)
	}
	m.touch(sb)
	if !m.cfg.Streaming {
		return m.execBuffered(ctx, sb, req)
	}
	return m.execStream(ctx, sb, req)
}

// Cleanup removes the session's container. Unknown sessions are a no-op.
func (m *DockerManager) Cleanup(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	sb, ok := m.byID[sessionID]
	delete(m.byID, sessionID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	err := m.cli.ContainerRemove(ctx, sb.handle.ID, types.ContainerRemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("removing container %s: %w", shortID(sb.handle.ID), err)
	}
	m.logger.Info("docker sandbox removed",
		slog.String("session_id", sessionID),
		slog.String("container", shortID(sb.handle.ID)),
	)
	return nil
}

// removeContainer force-removes a container, logging failures.
func (m *DockerManager) removeContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := m.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		m.logger.Warn("docker remove failed",
			slog.String("container", shortID(id)),
			slog.String("error", err.Error()),
		)
	}
}

func (m *DockerManager) lookup(sessionID string) (*dockerSandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.byID[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return sb, nil
}

func (m *DockerManager) touch(sb *dockerSandbox) {
	m.mu.Lock()
	sb.lastUsed = time.Now()
	m.mu.Unlock()
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// isTimeout reports whether err came from an expired deadline.
func isTimeout(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
}
