package compositor

import (
	"context"
	"sync"

	"github.com/looplab/fsm"
)

type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateRestarting State = "restarting"
	StateStopped    State = "stopped"
)

const (
	evStart       = "start"
	evRestart     = "restart"
	evStarted     = "started"
	evFailStart   = "fail_start"
	evFailRestart = "fail_restart"
	evDrain       = "drain"
	evStop        = "stop"
)

type Transition struct {
	From State
	To   State
}

// machine wraps the pipeline FSM and records every transition.
type machine struct {
	fsm *fsm.FSM

	mu      sync.Mutex
	history []Transition
}

func newMachine() *machine {
	m := &machine{}
	m.fsm = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: evStart, Src: []string{string(StateIdle)}, Dst: string(StateStarting)},
			{Name: evRestart, Src: []string{string(StateRunning)}, Dst: string(StateRestarting)},
			{Name: evStarted, Src: []string{string(StateStarting), string(StateRestarting)}, Dst: string(StateRunning)},
			{Name: evFailStart, Src: []string{string(StateStarting)}, Dst: string(StateIdle)},
			{Name: evFailRestart, Src: []string{string(StateRestarting)}, Dst: string(StateRunning)},
			{Name: evDrain, Src: []string{string(StateRunning), string(StateRestarting)}, Dst: string(StateIdle)},
			{Name: evStop, Src: []string{string(StateIdle), string(StateStarting), string(StateRunning), string(StateRestarting)}, Dst: string(StateStopped)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.mu.Lock()
				m.history = append(m.history, Transition{From: State(e.Src), To: State(e.Dst)})
				m.mu.Unlock()
			},
		},
	)
	return m
}

func (m *machine) fire(event string) error {
	return m.fsm.Event(context.Background(), event)
}

func (m *machine) current() State {
	return State(m.fsm.Current())
}

func (m *machine) transitions() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.history...)
}
