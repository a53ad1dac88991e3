package compositor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/confcast/internal/domain"
)

type LaunchSpec struct {
	Room    domain.RoomID
	Path    string
	Args    []string
	Dir     string
	LogPath string
}

// Process is a running transcoder.
type Process interface {
	Pid() int
	// Done is closed when the process exits for any reason.
	Done() <-chan struct{}
	Err() error
	// Stop asks the process to finish and kills it after timeout.
	Stop(timeout time.Duration) error
}

type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ExecLauncher runs ffmpeg as a child process. Its stderr goes to the
// debug log and to spec.LogPath.
type ExecLauncher struct{}

func (ExecLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	var logFile *os.File
	if spec.LogPath != "" {
		logFile, err = os.Create(spec.LogPath)
		if err != nil {
			return nil, fmt.Errorf("create transcoder log: %w", err)
		}
	}
	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return nil, fmt.Errorf("start %s: %w: %w", spec.Path, err, domain.ErrPipeline)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	logger := log.With().Str("module", "ffmpeg").Str("room", string(spec.Room)).Int("pid", cmd.Process.Pid).Logger()
	go func() {
		var sink io.Writer = io.Discard
		if logFile != nil {
			sink = logFile
			defer logFile.Close()
		}
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			line := sc.Text()
			logger.Debug().Msg(line)
			_, _ = fmt.Fprintln(sink, line)
		}
		p.finish(cmd.Wait())
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *execProcess) finish(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.done)
}

func (p *execProcess) Stop(timeout time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return p.cmd.Process.Kill()
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
		<-p.done
		return nil
	}
}
