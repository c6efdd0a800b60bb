package sandbox

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
)

// ErrSessionNotFound is returned when an op references an unknown session id.
var ErrSessionNotFound = errors.New("sandbox: unified exec session not found")

// broadcastBufferSize is the chunk size read from the PTY master and handed
// to subscribers (spec §4.2: "fills an 8 KiB buffer").
const broadcastBufferSize = 8 * 1024

// execSubscriber receives chunks broadcast from a session's reader loop.
type execSubscriber chan []byte

// ExecCommandSession wraps one PTY-backed child process: a background
// reader broadcasting output to subscribers, a writer draining an input
// queue into the PTY, and a wait goroutine that records the exit code.
// Dropping a session (Close) kills the child and unblocks every goroutine.
type ExecCommandSession struct {
	id      string
	cmd     *exec.Cmd
	ptyFile *os.File

	mu          sync.Mutex
	subscribers map[int]execSubscriber
	nextSubID   int
	buffer      []byte // all output seen so far, for late subscribers / polling reads

	input chan []byte

	exitCode atomic.Int32
	exited   atomic.Bool
	exitCh   chan struct{}

	closeOnce sync.Once
}

// UnifiedExecSessionManager owns the {session_id -> ExecCommandSession} map
// backing the exec_command/write_stdin ops.
type UnifiedExecSessionManager struct {
	mu       sync.Mutex
	sessions map[string]*ExecCommandSession
	nextID   int64
}

// NewUnifiedExecSessionManager creates an empty session table.
func NewUnifiedExecSessionManager() *UnifiedExecSessionManager {
	return &UnifiedExecSessionManager{sessions: map[string]*ExecCommandSession{}}
}

// StartOpts configures a new PTY session (spec exec_command op).
type StartOpts struct {
	Command []string
	Shell   string
	Login   bool
	Workdir string
	Env     map[string]string
}

// Start launches cmd under a PTY and registers it under a new session id.
func (m *UnifiedExecSessionManager) Start(opts StartOpts) (*ExecCommandSession, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("sandbox: exec_command requires a non-empty command")
	}
	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	if opts.Workdir != "" {
		cmd.Dir = opts.Workdir
	}
	if opts.Env != nil {
		cmd.Env = flattenEnv(opts.Env)
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 80})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.nextID++
	id := itoa(m.nextID)
	m.mu.Unlock()

	sess := &ExecCommandSession{
		id:          id,
		cmd:         cmd,
		ptyFile:     ptmx,
		subscribers: map[int]execSubscriber{},
		input:       make(chan []byte, 64),
		exitCh:      make(chan struct{}),
	}
	sess.exitCode.Store(-1)

	go sess.readLoop()
	go sess.writeLoop()
	go sess.waitLoop()

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	return sess, nil
}

// Get returns the session by id.
func (m *UnifiedExecSessionManager) Get(id string) (*ExecCommandSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close terminates and forgets a session.
func (m *UnifiedExecSessionManager) Close(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	sess.Close()
	return nil
}

func (s *ExecCommandSession) readLoop() {
	buf := make([]byte, broadcastBufferSize)
	for {
		n, err := s.ptyFile.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			s.broadcast(chunk)
		}
		if err != nil {
			return
		}
	}
}

func (s *ExecCommandSession) broadcast(chunk []byte) {
	s.mu.Lock()
	s.buffer = append(s.buffer, chunk...)
	subs := make([]execSubscriber, 0, len(s.subscribers))
	for _, ch := range s.subscribers {
		subs = append(subs, ch)
	}
	s.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- chunk:
		default:
		}
	}
}

func (s *ExecCommandSession) writeLoop() {
	for data := range s.input {
		if _, err := s.ptyFile.Write(data); err != nil {
			return
		}
	}
}

func (s *ExecCommandSession) waitLoop() {
	err := s.cmd.Wait()
	code := -1
	if err == nil {
		code = 0
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	}
	s.exitCode.Store(int32(code))
	s.exited.Store(true)
	close(s.exitCh)
}

// WriteStdin enqueues data to be written to the PTY master.
func (s *ExecCommandSession) WriteStdin(data []byte) {
	select {
	case s.input <- data:
	default:
		// Back-pressure: drop rather than block the caller indefinitely;
		// the caller can retry via write_stdin.
	}
}

// subscribe registers a new output subscriber and returns its id and the
// output already buffered (so it doesn't miss output that happened before
// it subscribed).
func (s *ExecCommandSession) subscribe() (int, execSubscriber, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	ch := make(execSubscriber, 64)
	s.subscribers[id] = ch
	existing := append([]byte(nil), s.buffer...)
	return id, ch, existing
}

func (s *ExecCommandSession) unsubscribe(id int) {
	s.mu.Lock()
	delete(s.subscribers, id)
	s.mu.Unlock()
}

// CollectOutput waits up to yieldTime for new output (or process exit),
// then returns everything produced since the caller's last read mark.
func (s *ExecCommandSession) CollectOutput(yieldTime time.Duration) []byte {
	id, ch, existing := s.subscribe()
	defer s.unsubscribe(id)

	if s.HasExited() {
		return existing
	}

	var collected []byte
	deadline := time.Now().Add(yieldTime)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		select {
		case chunk := <-ch:
			collected = append(collected, chunk...)
		case <-s.exitCh:
			// Drain whatever arrived right at exit.
			for {
				select {
				case chunk := <-ch:
					collected = append(collected, chunk...)
					continue
				default:
				}
				break
			}
			return collected
		case <-time.After(remaining):
		}
	}
	return collected
}

// HasExited reports whether the child process has terminated.
func (s *ExecCommandSession) HasExited() bool { return s.exited.Load() }

// ExitCode returns the exit code, or nil if still running.
func (s *ExecCommandSession) ExitCode() *int {
	if !s.exited.Load() {
		return nil
	}
	code := int(s.exitCode.Load())
	return &code
}

// Close kills the child and aborts the reader/writer/wait goroutines.
func (s *ExecCommandSession) Close() {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		_ = s.ptyFile.Close()
		close(s.input)
	})
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
