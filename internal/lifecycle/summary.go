package lifecycle

import (
	"fmt"
	"io"

	"github.com/loykin/stackvisor/internal/service"
)

// Action names an orchestration operation.
type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionHealth  Action = "health"
)

// Outcome is the result of one operation on one service.
type Outcome struct {
	Service string                `json:"service"`
	Action  Action                `json:"action"`
	State   string                `json:"state"`
	ID      string                `json:"id,omitempty"`
	Health  *service.HealthResult `json:"health,omitempty"`
	Err     error                 `json:"-"`
	Error   string                `json:"error,omitempty"`
	Skipped bool                  `json:"skipped,omitempty"`
}

// Failed reports whether the outcome counts against the exit status.
func (o Outcome) Failed() bool { return o.Err != nil || o.Skipped }

// Summary aggregates the outcomes of an orchestration run.
type Summary struct {
	Action   Action    `json:"action"`
	Outcomes []Outcome `json:"outcomes"`
	Swept    []int     `json:"swept,omitempty"` // orphan pids killed by stop
}

func (s *Summary) add(o Outcome) {
	if o.Err != nil {
		o.Error = o.Err.Error()
	}
	s.Outcomes = append(s.Outcomes, o)
}

// Failed returns the number of failed or skipped outcomes.
func (s Summary) Failed() int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Failed() {
			n++
		}
	}
	return n
}

// OK reports whether every outcome succeeded.
func (s Summary) OK() bool { return s.Failed() == 0 }

// Err returns an error describing the failures, or nil.
func (s Summary) Err() error {
	if n := s.Failed(); n > 0 {
		return fmt.Errorf("%s: %d of %d services failed", s.Action, n, len(s.Outcomes))
	}
	return nil
}

// Print writes one line per outcome followed by the aggregate line.
func (s Summary) Print(w io.Writer) {
	for _, o := range s.Outcomes {
		line := fmt.Sprintf("[%s] %-14s %s", o.Action, o.Service, o.State)
		if o.ID != "" {
			line += " (" + o.ID + ")"
		}
		if h := o.Health; h != nil {
			if h.Healthy {
				line += fmt.Sprintf(", healthy after %d attempt(s)", h.Attempts)
			} else {
				line += fmt.Sprintf(", unhealthy after %d attempt(s)", h.Attempts)
			}
		}
		switch {
		case o.Err != nil:
			line += ": " + o.Err.Error()
		case o.Health != nil && o.Health.LastError() != "":
			line += ": " + o.Health.LastError()
		}
		_, _ = fmt.Fprintln(w, line)
	}
	if len(s.Swept) > 0 {
		_, _ = fmt.Fprintf(w, "[%s] swept orphan pids %v\n", s.Action, s.Swept)
	}
	_, _ = fmt.Fprintf(w, "%s: %d ok, %d failed\n", s.Action, len(s.Outcomes)-s.Failed(), s.Failed())
}
