package observatory

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the control state of the observatory.
type State int

const (
	// Off means the devices are not connected.
	Off State = iota
	// Idle means connected and free to be controlled.
	Idle
	// Manual means an operator holds control.
	Manual
	// Auto means a job is running.
	Auto
	// Error means the observatory was halted. Only Reset leaves it.
	Error
)

var stateNames = map[State]string{
	Off:    "OFF",
	Idle:   "IDLE",
	Manual: "MANUAL",
	Auto:   "AUTO",
	Error:  "ERROR",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown observatory state %q", text)
}

// Operator is a person holding manual control.
type Operator struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (o Operator) String() string {
	if o.Name == "" {
		return o.ID
	}
	return fmt.Sprintf("%s (%s)", o.Name, o.ID)
}

// Job is an automated observation run.
type Job struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

func NewJob(name string) Job {
	return Job{ID: uuid.New(), Name: name}
}

// Snapshot is the state together with its operator and job. Snapshots are
// never modified once published: an operator is only set in Manual and a job
// only in Auto.
type Snapshot struct {
	State    State     `json:"state"`
	Operator *Operator `json:"operator,omitempty"`
	Job      *Job      `json:"job,omitempty"`
}

// Event describes one state transition.
type Event struct {
	Time     time.Time `json:"time"`
	Previous State     `json:"previous"`
	Reason   string    `json:"reason"`
	Snapshot
}
