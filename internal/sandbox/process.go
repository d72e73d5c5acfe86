package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	defaultTimeout    = 600 * time.Second
	defaultCPUSeconds = 900
	defaultMemoryMB   = 2048
)

// ProcessConfig configures the local process provider.
type ProcessConfig struct {
	Root           string        // Parent directory for per-session roots. Empty = os.TempDir().
	DefaultTimeout time.Duration // Per-execution wall clock. 0 = 600s.
	MaxCPUSeconds  int           // ulimit -t. 0 = 900.
	MaxMemoryMB    int           // ulimit -v. 0 = 2048.
	SetupCommands  []string      // Run through sh after creation; failures are logged.
}

// ProcessManager runs each session's sandbox as local OS processes confined
// to a private root directory. It serves development and single-host
// deployments where a container runtime is unavailable.
//
// Paths inside the sandbox are virtual: an absolute path P is stored at
// <root>/P, and commands receive SANDBOX_ROOT so the program can resolve
// them. Command arguments equal to an uploaded path are rewritten to the
// real location.
//
// Isolation guarantees:
//   - Process runs in its own process group (Setpgid)
//   - Entire process group killed on timeout/cancel
//   - No environment inheritance from the parent beyond a minimal safe set
//   - Resource limits enforced via ulimit
type ProcessManager struct {
	cfg    ProcessConfig
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*processSandbox
}

type processSandbox struct {
	handle   *Handle
	root     string
	uploaded map[string]string // virtual path → real path
}

// NewProcessManager creates a process-based provider.
func NewProcessManager(cfg ProcessConfig, logger *slog.Logger) *ProcessManager {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.MaxCPUSeconds == 0 {
		cfg.MaxCPUSeconds = defaultCPUSeconds
	}
	if cfg.MaxMemoryMB == 0 {
		cfg.MaxMemoryMB = defaultMemoryMB
	}
	return &ProcessManager{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*processSandbox),
	}
}

// Create allocates a private root directory for the session.
func (m *ProcessManager) Create(ctx context.Context, sessionID string, env map[string]string) (*Handle, error) {
	m.mu.Lock()
	if _, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		return nil, ErrExists
	}
	m.mu.Unlock()

	root, err := os.MkdirTemp(m.cfg.Root, "velocity-sbx-*")
	if err != nil {
		return nil, fmt.Errorf("creating sandbox root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "tmp"), 0o755); err != nil {
		_ = os.RemoveAll(root)
		return nil, fmt.Errorf("creating sandbox tmp: %w", err)
	}

	sb := &processSandbox{
		handle: &Handle{
			SessionID: sessionID,
			ID:        root,
			Env:       maps.Clone(env),
			CreatedAt: time.Now(),
		},
		root:     root,
		uploaded: make(map[string]string),
	}

	m.mu.Lock()
	if _, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		_ = os.RemoveAll(root)
		return nil, ErrExists
	}
	m.sessions[sessionID] = sb
	m.mu.Unlock()

	m.logger.Info("process sandbox created",
		slog.String("session_id", sessionID),
		slog.String("root", root),
	)

	for _, setup := range m.cfg.SetupCommands {
		res := drain(m.start(ctx, sb, ExecRequest{Command: []string{"/bin/sh", "-c", setup}}))
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

// UploadScript writes the driver program and marks it executable.
func (m *ProcessManager) UploadScript(_ context.Context, sessionID string, content []byte, path string) error {
	return m.write(sessionID, content, path, 0o755)
}

// WriteFile writes content at the virtual path.
func (m *ProcessManager) WriteFile(_ context.Context, sessionID string, content []byte, path string) error {
	return m.write(sessionID, content, path, 0o644)
}

func (m *ProcessManager) write(sessionID string, content []byte, path string, mode os.FileMode) error {
	sb, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	dst, err := sb.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating parent of %s: %w", path, err)
	}
	// Write then rename so readers never observe a partial file.
	tmp := dst + ".partial"
	if err := os.WriteFile(tmp, content, mode); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", path, err)
	}

	m.mu.Lock()
	sb.uploaded[path] = dst
	m.mu.Unlock()
	return nil
}

// ExecuteStreaming runs the command with its output streamed line by line.
func (m *ProcessManager) ExecuteStreaming(ctx context.Context, sessionID string, req ExecRequest) *Execution {
	if len(req.Command) == 0 {
		return failedExecution(fmt.Errorf("empty command"))
	}
	sb, err := m.lookup(sessionID)
	if err != nil {
		return failedExecution(err)
	}
	return m.start(ctx, sb, req)
}

func (m *ProcessManager) start(ctx context.Context, sb *processSandbox, req ExecRequest) *Execution {
	e := newExecution()
	go func() {
		e.finish(m.run(ctx, sb, req, e))
	}()
	return e
}

// run executes req, streaming output into e.
func (m *ProcessManager) run(ctx context.Context, sb *processSandbox, req ExecRequest, e *Execution) ExecResult {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = m.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// sh -c 'ulimit ...; exec "$@"' _ cmd args...
	// The command is passed as positional parameters, never interpolated.
	shellScript := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec \"$@\"",
		m.cfg.MaxMemoryMB*1024, m.cfg.MaxCPUSeconds,
	)
	args := make([]string, 0, 3+len(req.Command))
	args = append(args, "-c", shellScript, "_")
	args = append(args, sb.rewriteArgs(req.Command, &m.mu)...)

	cmd := exec.CommandContext(ctx, "/bin/sh", args...)
	cmd.Dir = sb.root
	if req.WorkingDir != "" {
		if dir, err := sb.resolve(req.WorkingDir); err == nil {
			cmd.Dir = dir
		}
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second
	cmd.Env = sb.buildEnv(req.Env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return ExecResult{ExitCode: -1, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return ExecResult{ExitCode: -1, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	m.logger.Debug("process sandbox executing",
		slog.String("session_id", sb.handle.SessionID),
		slog.String("program", req.Command[0]),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return ExecResult{ExitCode: -1, Err: fmt.Errorf("starting command: %w", err)}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); e.pump(ctx, stdout, Stdout) }()
	go func() { defer wg.Done(); e.pump(ctx, stderr, Stderr) }()
	wg.Wait()

	runErr := cmd.Wait()
	res := ExecResult{Duration: time.Since(start)}

	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			res.TimedOut = true
			res.ExitCode = -1
		case ctx.Err() != nil:
			res.ExitCode = -1
			res.Err = ctx.Err()
		case errors.As(runErr, &exitErr):
			res.ExitCode = exitErr.ExitCode()
		default:
			res.ExitCode = -1
			res.Err = fmt.Errorf("execution failed: %w", runErr)
		}
	}
	return res
}

// Cleanup removes the session root. Unknown sessions are a no-op.
func (m *ProcessManager) Cleanup(_ context.Context, sessionID string) error {
	m.mu.Lock()
	sb, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := os.RemoveAll(sb.root); err != nil {
		return fmt.Errorf("removing sandbox root: %w", err)
	}
	m.logger.Info("process sandbox removed", slog.String("session_id", sessionID))
	return nil
}

// Ping always succeeds; the local host is the provider.
func (m *ProcessManager) Ping(context.Context) error {
	return nil
}

// Root returns the real directory backing a session, for tests and tooling.
func (m *ProcessManager) Root(sessionID string) (string, error) {
	sb, err := m.lookup(sessionID)
	if err != nil {
		return "", err
	}
	return sb.root, nil
}

func (m *ProcessManager) lookup(sessionID string) (*processSandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return sb, nil
}

// resolve maps a virtual absolute path into the session root.
func (sb *processSandbox) resolve(path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = "/" + path
	}
	dst := filepath.Join(sb.root, filepath.Clean(path))
	if dst != sb.root && !strings.HasPrefix(dst, sb.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes sandbox root", path)
	}
	return dst, nil
}

func (sb *processSandbox) rewriteArgs(argv []string, mu *sync.Mutex) []string {
	mu.Lock()
	defer mu.Unlock()
	out := make([]string, len(argv))
	for i, a := range argv {
		if dst, ok := sb.uploaded[a]; ok {
			out[i] = dst
			continue
		}
		out[i] = a
	}
	return out
}

// buildEnv constructs a minimal environment: the parent process's variables
// are never inherited, only the creation env and per-execution extras.
func (sb *processSandbox) buildEnv(extra map[string]string) []string {
	tmp := filepath.Join(sb.root, "tmp")
	env := []string{
		"PATH=" + safePath(),
		"HOME=" + sb.root,
		"TMPDIR=" + tmp,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
		"SANDBOX_ROOT=" + sb.root,
	}
	for k, v := range sb.handle.Env {
		env = append(env, k+"="+v)
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// safePath keeps the host's PATH entries for interpreters such as python3,
// falling back to the standard system directories.
func safePath() string {
	if p := os.Getenv("PATH"); p != "" {
		return p
	}
	return "/usr/local/bin:/usr/bin:/bin"
}
