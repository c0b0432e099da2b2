// Package proxy implements the Proxy Core (C8): spawns the target child
// process, pipes its three stdio streams, and applies the Rewriter to the
// child's stdout frames before they reach the client.
//
// Grounded on original_source/proxy.rs's IntegratedProxy (three concurrent
// tasks wired to child stdin/stdout/stderr, newline-delimited read loop,
// best-effort final-stats log on shutdown) and canyonroad-agentsh's
// cmd/agentsh-shell-shim/main.go for the plain os/exec usage style (no
// process-supervision framework, just stdlib). Soft/hard kill via process
// groups (golang.org/x/sys/unix) and the hard frame-size cap are this
// implementation's own additions, since the async-task model in
// original_source relies on tokio's kill_on_drop rather than an explicit
// termination sequence.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/gbrigandi/mcp-server-conceal/internal/mapping"
	"github.com/gbrigandi/mcp-server-conceal/internal/rewrite"
)

// State is the Proxy Core's lifecycle state machine per spec §4.8/§5.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateExited
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// maxFrameBytes is the hard size cap spec §4.8 imposes on a single
// newline-delimited frame before the connection is torn down.
const maxFrameBytes = 8 * 1024 * 1024

// ErrFrameTooLarge is readFrame's error when a frame exceeds maxFrameBytes
// before a newline is seen. Run propagates it through its return value
// instead of only logging it, so a FrameTooLarge teardown always surfaces as
// a non-nil error regardless of what exit code the killed child happens to
// report, per spec §7's "Tear down stream, log, exit non-zero".
var ErrFrameTooLarge = errors.New("proxy: frame exceeds size cap")

// exitGrace is how long the Proxy Core waits for the child to exit on
// its own (it sees its stdin close the moment the client's does) before
// escalating to an explicit SIGTERM.
const exitGrace = 2 * time.Second

// killGrace is how long the soft kill (SIGTERM to the child's process
// group) is given to succeed before the hard kill (SIGKILL) follows.
const killGrace = 5 * time.Second

// StatsReporter is the narrow capability the Proxy Core needs from the
// Mapping Store to log a best-effort shutdown summary; kept narrow so tests
// can substitute a stub instead of a real sqlite-backed store.
type StatsReporter interface {
	Statistics(ctx context.Context) (mapping.Stats, error)
}

// CacheCounter is the narrow capability the Proxy Core needs from the LLM
// Cache to fold "total cache entries" into the same shutdown summary. Nil
// when the LLM cache is disabled in config.
type CacheCounter interface {
	Count(ctx context.Context) (int, error)
}

// Spec carries everything the Proxy Core needs to spawn and supervise one
// child process.
type Spec struct {
	TargetCommand string
	TargetArgs    []string
	TargetCwd     string
	TargetEnv     []string
	Rewriter      *rewrite.Rewriter
	Stats         StatsReporter
	Cache         CacheCounter

	// PanicHandler, if set, is invoked with the recovered value whenever a
	// pump goroutine panics, before that pump is treated as failed per
	// spec §7's "unexpected panics ... recovered at the goroutine boundary,
	// reported via the ambient error-reporting sink". Left as a callback
	// rather than a direct sentry-go import so this package stays free of
	// an observability dependency.
	PanicHandler func(recovered interface{})
}

// Proxy supervises one child process for the lifetime of one Run call.
type Proxy struct {
	spec  Spec
	state atomic.Int32
}

// New constructs a Proxy in the Starting state.
func New(spec Spec) *Proxy {
	p := &Proxy{spec: spec}
	p.state.Store(int32(StateStarting))
	return p
}

// State returns the Proxy's current lifecycle state.
func (p *Proxy) State() State {
	return State(p.state.Load())
}

func (p *Proxy) setState(s State) {
	p.state.Store(int32(s))
}

// recoverPump catches a panic in the calling pump goroutine, reports it
// through PanicHandler if set, and surfaces it on errCh as that pump's I/O
// failure, matching spec §7's "treated as that goroutine's I/O failure ...
// never a silent process exit".
func (p *Proxy) recoverPump(name string, errCh chan<- error) {
	if r := recover(); r != nil {
		if p.spec.PanicHandler != nil {
			p.spec.PanicHandler(r)
		}
		log.Printf("[Proxy] Recovered panic in %s: %v", name, r)
		errCh <- fmt.Errorf("%s: panic: %v", name, r)
	}
}

// Run spawns the child, pumps all three stdio streams until either side
// closes, tears the child down, and returns the child's exit code. Returns a
// non-nil error if the child could never be started, or if the stream was
// torn down by an oversized frame (errors.Is(err, ErrFrameTooLarge)).
func (p *Proxy) Run(ctx context.Context, clientStdin io.Reader, clientStdout, clientStderr io.Writer) (int, error) {
	cmd := exec.Command(p.spec.TargetCommand, p.spec.TargetArgs...)
	cmd.Dir = p.spec.TargetCwd
	if len(p.spec.TargetEnv) > 0 {
		cmd.Env = append(os.Environ(), p.spec.TargetEnv...)
	}
	// Setpgid isolates the child (and anything it forks) in its own process
	// group, so a soft/hard kill signal sent to -pgid reaches the child's own
	// descendants instead of leaving them orphaned when the proxy exits.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	childStdin, err := cmd.StdinPipe()
	if err != nil {
		return 0, fmt.Errorf("proxy: open child stdin pipe: %w", err)
	}
	childStdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("proxy: open child stdout pipe: %w", err)
	}
	childStderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("proxy: open child stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("proxy: spawn target command %q: %w", p.spec.TargetCommand, err)
	}
	log.Printf("[Proxy] Spawned child %q (pid %d)", p.spec.TargetCommand, cmd.Process.Pid)
	p.setState(StateRunning)

	pumpCtx, cancelPumps := context.WithCancel(ctx)
	defer cancelPumps()

	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	// io.Copy(childStdin, clientStdin) below blocks on a plain Read with no
	// notion of pumpCtx, so cancellation alone can never interrupt it. This
	// watcher is what actually unblocks that Read once shutdown is underway
	// for any reason other than clientStdin EOFing on its own: the child
	// exiting early, a FrameTooLarge teardown on the stdout pump, or an
	// outer ctx cancellation from a trapped signal.
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-pumpCtx.Done()
		unblockRead(clientStdin)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancelPumps()
		defer childStdin.Close()
		defer p.recoverPump("client stdin pump", errCh)
		if _, err := io.Copy(childStdin, clientStdin); err != nil && pumpCtx.Err() == nil {
			errCh <- fmt.Errorf("client stdin pump: %w", err)
		}
	}()

	// cmd.Wait closes the child's stdout/stderr pipes, so it must not run
	// until both output pumps have read them to EOF.
	var outputPumps sync.WaitGroup
	outputPumps.Add(2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer outputPumps.Done()
		defer p.recoverPump("child stderr pump", errCh)
		if err := pumpStderr(childStderr, clientStderr); err != nil && pumpCtx.Err() == nil {
			errCh <- fmt.Errorf("child stderr pump: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer outputPumps.Done()
		defer cancelPumps()
		defer p.recoverPump("child stdout pump", errCh)
		if err := p.pumpStdout(pumpCtx, childStdout, clientStdout); err != nil && pumpCtx.Err() == nil {
			errCh <- fmt.Errorf("child stdout pump: %w", err)
		}
	}()

	waitDone := make(chan error, 1)
	go func() {
		outputPumps.Wait()
		waitDone <- cmd.Wait()
	}()

	select {
	case <-pumpCtx.Done():
		p.setState(StateDraining)
		p.terminate(cmd, waitDone)
	case waitErr := <-waitDone:
		p.setState(StateDraining)
		cancelPumps()
		if waitErr != nil {
			var exitErr *exec.ExitError
			if ok := asExitError(waitErr, &exitErr); !ok {
				wg.Wait()
				p.setState(StateExited)
				return 0, fmt.Errorf("proxy: wait for child: %w", waitErr)
			}
		}
	}

	wg.Wait()
	close(errCh)
	var frameErr error
	for pumpErr := range errCh {
		log.Printf("[Proxy] Warning: %v", pumpErr)
		if errors.Is(pumpErr, ErrFrameTooLarge) {
			frameErr = pumpErr
		}
	}

	p.logFinalStats(ctx)
	p.setState(StateExited)

	if frameErr != nil {
		return 0, frameErr
	}

	return exitCode(cmd), nil
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return 0
	}
	return cmd.ProcessState.ExitCode()
}

// terminate waits up to exitGrace for the child to exit on its own (its
// stdin pipe is already closed by the time this runs, so a well-behaved
// target notices EOF and shuts down without being signaled), then sends a
// soft kill (SIGTERM) to its process group, then escalates to a hard kill
// (SIGKILL) if it still hasn't exited within killGrace. waitDone is the
// single channel fed by the cmd.Wait() goroutine in Run; terminate is the
// only reader of it once the caller hands it off, so the process is never
// waited on from two places at once.
func (p *Proxy) terminate(cmd *exec.Cmd, waitDone <-chan error) {
	select {
	case <-waitDone:
		return
	case <-time.After(exitGrace):
	}

	p.signalProcessGroup(cmd, unix.SIGTERM, "SIGTERM")

	select {
	case <-waitDone:
		return
	case <-time.After(killGrace):
		log.Printf("[Proxy] Process group %d did not exit within %s, sending SIGKILL", cmd.Process.Pid, killGrace)
		p.signalProcessGroup(cmd, unix.SIGKILL, "SIGKILL")
		<-waitDone
	}
}

// signalProcessGroup sends sig to the child's process group (the negative
// pgid os/exec sets up via Setpgid), matching the original_source behavior
// of tearing down the whole group rather than just the immediate child.
func (p *Proxy) signalProcessGroup(cmd *exec.Cmd, sig syscall.Signal, label string) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	log.Printf("[Proxy] Sending %s to process group %d", label, pgid)
	if err := unix.Kill(-pgid, sig); err != nil {
		log.Printf("[Proxy] Warning: %s to process group %d failed: %v", label, pgid, err)
	}
}

// logFinalStats logs the best-effort shutdown summary original_source's
// proxy.rs logs on exit (total mappings, mappings by kind, oldest mapping
// age, total cache entries); see spec §2.3/§4.8. Never fails the run: a
// missing Stats/Cache reporter or a query error only produces a warning.
func (p *Proxy) logFinalStats(ctx context.Context) {
	if p.spec.Stats != nil {
		stats, err := p.spec.Stats.Statistics(ctx)
		if err != nil {
			log.Printf("[Proxy] Warning: failed to gather final mapping statistics: %v", err)
		} else {
			var age time.Duration
			if !stats.OldestMapping.IsZero() {
				age = time.Since(stats.OldestMapping).Round(time.Second)
			}
			log.Printf("[Proxy] Final statistics: %d total mapping(s), by kind: %v, oldest mapping age: %s",
				stats.TotalMappings, stats.MappingsByKind, age)
		}
	}

	if p.spec.Cache != nil {
		count, err := p.spec.Cache.Count(ctx)
		if err != nil {
			log.Printf("[Proxy] Warning: failed to gather final cache statistics: %v", err)
			return
		}
		log.Printf("[Proxy] Final statistics: %d total LLM cache entries", count)
	}
}

// readDeadliner is the subset of *os.File's deadline API a blocking Read
// needs to be interrupted from another goroutine; pipes, ttys, and
// os.Stdin itself satisfy it, a plain io.Reader like strings.Reader does
// not.
type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// unblockRead forces a pending Read on r to return, so a pump stuck on a
// long-lived stream like os.Stdin doesn't keep wg.Wait() from returning
// after shutdown has already been decided elsewhere. Prefers an expired
// read deadline, which leaves r otherwise usable; falls back to closing r
// outright for a plain io.Closer that doesn't support deadlines (e.g. a
// redirected regular file).
func unblockRead(r io.Reader) {
	if d, ok := r.(readDeadliner); ok {
		if err := d.SetReadDeadline(time.Unix(1, 0)); err == nil {
			return
		}
	}
	if c, ok := r.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Printf("[Proxy] Warning: failed to unblock client stdin read: %v", err)
		}
	}
}

// pumpStderr forwards child stderr to client stderr byte-for-byte, never
// parsed, matching spec §4.8's "target_stderr -> client_stderr:
// byte-pass-through".
func pumpStderr(src io.Reader, dst io.Writer) error {
	_, err := io.Copy(dst, src)
	return err
}

// pumpStdout implements the frame_splitter -> JSON parse -> Rewriter ->
// serialize -> client_stdout pipeline. Frames are newline-delimited; a
// frame exceeding maxFrameBytes tears the connection down with a logged
// error, per spec §4.8.
func (p *Proxy) pumpStdout(ctx context.Context, src io.Reader, dst io.Writer) error {
	reader := bufio.NewReaderSize(src, 64*1024)
	writer := bufio.NewWriter(dst)
	defer writer.Flush()

	for {
		line, err := readFrame(reader)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		frameID := uuid.NewString()

		rewritten, err := p.spec.Rewriter.RewriteFrame(ctx, line)
		if err != nil {
			log.Printf("[Proxy] Warning: [frame %s] rewrite failed, forwarding frame unchanged: %v", frameID, err)
			rewritten = line
		}

		if _, err := writer.Write(rewritten); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
		if _, err := writer.Write([]byte("\n")); err != nil {
			return fmt.Errorf("write frame delimiter: %w", err)
		}
		if err := writer.Flush(); err != nil {
			return fmt.Errorf("flush frame: %w", err)
		}
	}
}

// readFrame reads one newline-delimited frame, stripping the trailing
// newline, and returns io.EOF once the stream is exhausted with no partial
// data left to deliver. A frame whose accumulated length exceeds
// maxFrameBytes before a newline is seen fails with ErrFrameTooLarge.
func readFrame(reader *bufio.Reader) ([]byte, error) {
	var frame []byte
	for {
		chunk, err := reader.ReadSlice('\n')
		frame = append(frame, chunk...)
		if len(frame) > maxFrameBytes {
			return nil, fmt.Errorf("%w: %d byte cap", ErrFrameTooLarge, maxFrameBytes)
		}
		if err == nil {
			return frame[:len(frame)-1], nil
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF {
			if len(frame) == 0 {
				return nil, io.EOF
			}
			return frame, nil
		}
		return nil, err
	}
}
