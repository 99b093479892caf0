package lifecycle

// State is the per-dashboard lifecycle record mirrored into the session store.
type State struct {
	Opened bool `json:"opened,omitempty"`
	// StoppedAt is the terminal elapsed duration. Once set it never changes.
	StoppedAt string `json:"stopped_at,omitempty"`
	// PendingCloseTime is the elapsed duration captured when the view was
	// hidden, not yet confirmed as terminal.
	PendingCloseTime string `json:"pending_close_time,omitempty"`
}

func (s State) Stopped() bool { return s.StoppedAt != "" }

// merge seeds mem with the persisted record. The persisted values win unless
// the dashboard is already active in this session, in which case mem's set
// keys are kept. A stopped_at already known in memory is never replaced.
func merge(mem, persisted State, activeInSession bool) State {
	out := persisted
	if activeInSession {
		out.Opened = mem.Opened || persisted.Opened
		if mem.PendingCloseTime != "" {
			out.PendingCloseTime = mem.PendingCloseTime
		}
	}
	if mem.StoppedAt != "" {
		out.StoppedAt = mem.StoppedAt
	}
	if out.StoppedAt != "" {
		out.PendingCloseTime = ""
	}
	return out
}
