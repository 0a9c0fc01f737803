package state

import (
	"fmt"
	"sync"
	"time"
)

// Client lifecycle phases.
const (
	Disconnected = "disconnected"
	Joining      = "joining"
	Synced       = "synced"
	Reconciling  = "reconciling"
)

// PhaseState is one lifecycle phase. It remembers when it was last entered.
type PhaseState struct {
	StateBase
	mu        sync.Mutex
	enteredAt time.Time
}

func NewPhaseState(id string) *PhaseState {
	return &PhaseState{StateBase: StateBase{ID: id}}
}

func (s *PhaseState) OnEnter() {
	s.mu.Lock()
	s.enteredAt = time.Now()
	s.mu.Unlock()
}

func (s *PhaseState) EnteredAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enteredAt
}

// Lifecycle is the strict state machine of one synchronization client:
//
//	disconnected -> joining -> synced <-> reconciling
//	joining, synced, reconciling -> disconnected
type Lifecycle struct {
	*BaseStateMachine
	phases map[string]*PhaseState
}

func NewLifecycle() *Lifecycle {
	phases := map[string]*PhaseState{
		Disconnected: NewPhaseState(Disconnected),
		Joining:      NewPhaseState(Joining),
		Synced:       NewPhaseState(Synced),
		Reconciling:  NewPhaseState(Reconciling),
	}
	sm := NewStrictStateMachine(phases[Disconnected])

	declare := func(from, to string) {
		_ = sm.AddTransition(phases[from], phases[to], nil)
	}
	declare(Disconnected, Joining)
	declare(Joining, Synced)
	declare(Joining, Disconnected)
	declare(Synced, Reconciling)
	declare(Reconciling, Synced)
	declare(Synced, Disconnected)
	declare(Reconciling, Disconnected)

	return &Lifecycle{BaseStateMachine: sm, phases: phases}
}

// Transition moves to the named phase.
func (l *Lifecycle) Transition(id string) error {
	phase, ok := l.phases[id]
	if !ok {
		return fmt.Errorf("%w: unknown phase %q", ErrTransitionNotAllowed, id)
	}
	if err := l.ChangeState(phase); err != nil {
		return fmt.Errorf("%w: %s -> %s", err, l.Current(), id)
	}
	return nil
}

func (l *Lifecycle) Current() string {
	return l.GetCurrentState().GetID()
}

func (l *Lifecycle) Is(id string) bool {
	return l.Current() == id
}
