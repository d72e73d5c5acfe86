package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

const (
	// killGrace is how long after the remote timeout the local side waits
	// before abandoning the exec stream.
	killGrace = 10 * time.Second

	// Exit codes produced by coreutils timeout(1).
	exitTimedOut = 124
	exitKilled   = 137

	maxCapturedBytes = 8 << 20 // 8 MB

	bufferedDir  = "/tmp/.velocity-exec"
	pollInterval = 250 * time.Millisecond

	// stopTimeout bounds the in-container kill of an abandoned exec.
	stopTimeout = 15 * time.Second
)

// execStream runs req attached, demultiplexing the docker stream into lines.
func (m *DockerManager) execStream(ctx context.Context, sb *dockerSandbox, req ExecRequest) *Execution {
	e := newExecution()
	go func() {
		e.finish(m.runAttached(ctx, sb, req, e))
	}()
	return e
}

func (m *DockerManager) runAttached(ctx context.Context, sb *dockerSandbox, req ExecRequest, e *Execution) ExecResult {
	timeout := m.timeout(req)
	ctx, cancel := context.WithTimeout(ctx, timeout+killGrace)
	defer cancel()

	base := path.Join(bufferedDir, uuid.NewString())
	script := fmt.Sprintf("mkdir -p %s && { %s & p=$!; echo $p > %s.pid; wait $p; c=$?; rm -f %s.pid; exit $c; }",
		bufferedDir, shellJoin(withDeadline(req.Command, timeout)), base, base)

	start := time.Now()
	created, err := m.cli.ContainerExecCreate(ctx, sb.handle.ID, types.ExecConfig{
		Cmd:          []string{"sh", "-c", script},
		Env:          envList(req.Env),
		WorkingDir:   req.WorkingDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{ExitCode: -1, TimedOut: isTimeout(ctx, err), Err: fmt.Errorf("creating exec: %w", err)}
	}

	resp, err := m.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return ExecResult{ExitCode: -1, TimedOut: isTimeout(ctx, err), Err: fmt.Errorf("attaching exec: %w", err)}
	}
	defer resp.Close()
	// Closing the hijacked connection unblocks the reader on deadline.
	stop := context.AfterFunc(ctx, resp.Close)
	defer stop()

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); e.pump(ctx, outR, Stdout) }()
	go func() { defer wg.Done(); e.pump(ctx, errR, Stderr) }()

	_, copyErr := stdcopy.StdCopy(outW, errW, resp.Reader)
	_ = outW.Close()
	_ = errW.Close()
	wg.Wait()

	res := ExecResult{Duration: time.Since(start)}
	if ctx.Err() != nil {
		// The attach is gone but the command is not; stop it before the
		// session can run anything else.
		m.stopExec(sb, base)
		res.ExitCode = -1
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.TimedOut = true
		} else {
			res.Err = ctx.Err()
		}
		return res
	}
	if copyErr != nil {
		res.ExitCode = -1
		res.Err = fmt.Errorf("reading exec output: %w", copyErr)
		return res
	}

	code, err := m.waitExit(ctx, created.ID)
	if err != nil {
		res.ExitCode = -1
		res.Err = err
		return res
	}
	res.ExitCode = code
	res.TimedOut = timedOut(code, res.Duration, timeout)
	return res
}

// execBuffered runs req detached with its output captured to files, then
// replays the captured output line by line once the command has finished.
func (m *DockerManager) execBuffered(ctx context.Context, sb *dockerSandbox, req ExecRequest) *Execution {
	e := newExecution()
	go func() {
		e.finish(m.runBuffered(ctx, sb, req, e))
	}()
	return e
}

func (m *DockerManager) runBuffered(ctx context.Context, sb *dockerSandbox, req ExecRequest, e *Execution) ExecResult {
	timeout := m.timeout(req)
	ctx, cancel := context.WithTimeout(ctx, timeout+killGrace)
	defer cancel()

	base := path.Join(bufferedDir, uuid.NewString())
	script := fmt.Sprintf("mkdir -p %s && { %s > %s.out 2> %s.err & p=$!; echo $p > %s.pid; wait $p; echo $? > %s.code; rm -f %s.pid; }",
		bufferedDir, shellJoin(withDeadline(req.Command, timeout)), base, base, base, base, base)

	start := time.Now()
	created, err := m.cli.ContainerExecCreate(ctx, sb.handle.ID, types.ExecConfig{
		Cmd:        []string{"sh", "-c", script},
		Env:        envList(req.Env),
		WorkingDir: req.WorkingDir,
		Detach:     true,
	})
	if err != nil {
		return ExecResult{ExitCode: -1, TimedOut: isTimeout(ctx, err), Err: fmt.Errorf("creating exec: %w", err)}
	}
	if err := m.cli.ContainerExecStart(ctx, created.ID, types.ExecStartCheck{Detach: true}); err != nil {
		return ExecResult{ExitCode: -1, TimedOut: isTimeout(ctx, err), Err: fmt.Errorf("starting exec: %w", err)}
	}
	if _, err := m.waitExit(ctx, created.ID); err != nil {
		m.stopExec(sb, base)
		m.removeCaptured(sb, base)
		return ExecResult{ExitCode: -1, TimedOut: isTimeout(ctx, err), Err: err, Duration: time.Since(start)}
	}
	res := ExecResult{Duration: time.Since(start)}

	stdout, err := m.readFile(ctx, sb.handle.ID, base+".out")
	if err != nil {
		res.ExitCode = -1
		res.Err = err
		return res
	}
	stderr, _ := m.readFile(ctx, sb.handle.ID, base+".err")
	codeRaw, err := m.readFile(ctx, sb.handle.ID, base+".code")
	if err != nil {
		res.ExitCode = -1
		res.Err = err
		return res
	}
	res.ExitCode, err = strconv.Atoi(strings.TrimSpace(string(codeRaw)))
	if err != nil {
		res.ExitCode = -1
		res.Err = fmt.Errorf("parsing exit code %q: %w", codeRaw, err)
		return res
	}
	res.TimedOut = timedOut(res.ExitCode, res.Duration, timeout)

	e.replay(ctx, string(stdout), string(stderr))
	m.removeCaptured(sb, base)
	return res
}

// waitExit polls the exec until it stops running and returns its exit code.
func (m *DockerManager) waitExit(ctx context.Context, execID string) (int, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		ins, err := m.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return -1, fmt.Errorf("inspecting exec: %w", err)
		}
		if !ins.Running {
			return ins.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *DockerManager) removeCaptured(sb *dockerSandbox, base string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	created, err := m.cli.ContainerExecCreate(ctx, sb.handle.ID, types.ExecConfig{
		Cmd:    []string{"rm", "-f", base + ".out", base + ".err", base + ".code", base + ".pid"},
		Detach: true,
	})
	if err == nil {
		err = m.cli.ContainerExecStart(ctx, created.ID, types.ExecStartCheck{Detach: true})
	}
	if err != nil {
		m.logger.Debug("removing captured output failed",
			slog.String("session_id", sb.handle.SessionID),
			slog.String("error", err.Error()),
		)
	}
}

// stopExec terminates the process group of the exec whose pid file lives at
// base.pid: TERM first, KILL if it is still alive five seconds later. It
// returns once the kill script has finished.
func (m *DockerManager) stopExec(sb *dockerSandbox, base string) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	created, err := m.cli.ContainerExecCreate(ctx, sb.handle.ID, types.ExecConfig{
		Cmd:    []string{"sh", "-c", killScript(base + ".pid")},
		Detach: true,
	})
	if err == nil {
		err = m.cli.ContainerExecStart(ctx, created.ID, types.ExecStartCheck{Detach: true})
	}
	if err == nil {
		_, err = m.waitExit(ctx, created.ID)
	}
	if err != nil {
		m.logger.Warn("stopping abandoned exec failed",
			slog.String("session_id", sb.handle.SessionID),
			slog.String("error", err.Error()),
		)
		return
	}
	m.logger.Debug("abandoned exec stopped", slog.String("session_id", sb.handle.SessionID))
}

// killScript waits briefly for pidFile to appear (the exec may have been
// abandoned before writing it), then signals the process group it names.
func killScript(pidFile string) string {
	return fmt.Sprintf(`i=0; while [ ! -f %[1]s ] && [ $i -lt 10 ]; do sleep 0.2; i=$((i+1)); done
p=$(cat %[1]s 2>/dev/null) || exit 0
kill -s TERM -- -$p 2>/dev/null || kill -s TERM $p 2>/dev/null
i=0; while kill -0 $p 2>/dev/null && [ $i -lt 25 ]; do sleep 0.2; i=$((i+1)); done
kill -s KILL -- -$p 2>/dev/null || kill -s KILL $p 2>/dev/null
rm -f %[1]s
exit 0`, pidFile)
}

// readFile reads a single file out of the container.
func (m *DockerManager) readFile(ctx context.Context, containerID, p string) ([]byte, error) {
	rc, _, err := m.cli.CopyFromContainer(ctx, containerID, p)
	if err != nil {
		return nil, fmt.Errorf("copying %s from container: %w", p, err)
	}
	defer rc.Close()
	tr := tar.NewReader(rc)
	if _, err := tr.Next(); err != nil {
		return nil, fmt.Errorf("reading archive for %s: %w", p, err)
	}
	return io.ReadAll(io.LimitReader(tr, maxCapturedBytes))
}

// copyTo writes one file into the container, creating its directory when
// the first attempt fails.
func (m *DockerManager) copyTo(ctx context.Context, sb *dockerSandbox, dst string, content []byte, mode int64) error {
	archive, err := tarFile(path.Base(dst), content, mode)
	if err != nil {
		return err
	}
	dir := path.Dir(dst)
	err = m.cli.CopyToContainer(ctx, sb.handle.ID, dir, bytes.NewReader(archive), types.CopyToContainerOptions{})
	if err == nil {
		return nil
	}
	if res := drain(m.execStream(ctx, sb, ExecRequest{Command: []string{"mkdir", "-p", dir}, Timeout: 30 * time.Second})); res.Failed() {
		return fmt.Errorf("copying %s into container: %w", dst, err)
	}
	if err := m.cli.CopyToContainer(ctx, sb.handle.ID, dir, bytes.NewReader(archive), types.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copying %s into container: %w", dst, err)
	}
	return nil
}

func tarFile(name string, content []byte, mode int64) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    name,
		Mode:    mode,
		Size:    int64(len(content)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("writing tar header: %w", err)
	}
	if _, err := tw.Write(content); err != nil {
		return nil, fmt.Errorf("writing tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("closing tar: %w", err)
	}
	return buf.Bytes(), nil
}

func (m *DockerManager) timeout(req ExecRequest) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return m.cfg.DefaultTimeout
}

// withDeadline wraps argv so the remote side kills it after d: TERM at the
// deadline, KILL five seconds later.
func withDeadline(argv []string, d time.Duration) []string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	out := make([]string, 0, len(argv)+4)
	out = append(out, "timeout", "-k", "5", strconv.Itoa(secs))
	return append(out, argv...)
}

func timedOut(code int, elapsed, limit time.Duration) bool {
	return (code == exitTimedOut || code == exitKilled) && elapsed >= limit
}

// shellJoin quotes argv for sh -c.
func shellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}
