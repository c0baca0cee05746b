package supervisor

import (
	"os"
	"os/exec"
	"syscall"
)

// Process is a handle to a launched service daemon.
type Process interface {
	Pid() int
	Signal(sig os.Signal) error
	Kill() error
}

// Runtime abstracts binary lookup and process launch so tests can run
// against a fake daemon instead of spawning real services.
type Runtime interface {
	LookPath(binary string) (string, error)
	Start(binary string, args ...string) (Process, error)
}

// ExecRuntime launches real processes, detached from the supervisor's
// own lifecycle so a supervisor exit never takes the daemon down.
type ExecRuntime struct{}

func (ExecRuntime) LookPath(binary string) (string, error) {
	return exec.LookPath(binary)
}

func (ExecRuntime) Start(binary string, args ...string) (Process, error) {
	cmd := exec.Command(binary, args...) // #nosec G204 -- binary comes from validated service config
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	// Reap the child in the background so it never lingers as a zombie.
	go func() { _ = cmd.Wait() }()

	return osProcess{cmd.Process}, nil
}

type osProcess struct {
	p *os.Process
}

func (o osProcess) Pid() int                  { return o.p.Pid }
func (o osProcess) Signal(sig os.Signal) error { return o.p.Signal(sig) }
func (o osProcess) Kill() error               { return o.p.Kill() }
