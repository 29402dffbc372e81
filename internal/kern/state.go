package kern

import (
	"fmt"

	"github.com/kahiteam/cowfork/internal/abi"
)

// validTransitions defines allowed environment status transitions.
var validTransitions = map[abi.Status][]abi.Status{
	abi.Free:        {abi.NotRunnable},
	abi.NotRunnable: {abi.Runnable, abi.Dying},
	abi.Runnable:    {abi.Running, abi.NotRunnable, abi.Dying},
	abi.Running:     {abi.Runnable, abi.NotRunnable, abi.Dying},
	abi.Dying:       {abi.Free},
}

// statusMachine tracks one environment's status. It is guarded by the
// kernel lock.
type statusMachine struct {
	status abi.Status
	runs   int
}

// Status returns the current status.
func (sm *statusMachine) Status() abi.Status { return sm.status }

// Runs returns how many times the environment has been dispatched.
func (sm *statusMachine) Runs() int { return sm.runs }

// Transition attempts a status change and returns an error if it is not
// allowed. Transitioning to the current status is a no-op.
func (sm *statusMachine) Transition(target abi.Status) error {
	if sm.status == target {
		return nil
	}
	for _, a := range validTransitions[sm.status] {
		if a == target {
			sm.status = target
			if target == abi.Running {
				sm.runs++
			}
			return nil
		}
	}
	return fmt.Errorf("cannot transition from %s to %s", sm.status, target)
}

// Alive reports whether the environment can still execute or be scheduled.
func (sm *statusMachine) Alive() bool {
	return sm.status != abi.Free && sm.status != abi.Dying
}
