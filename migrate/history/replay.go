package history

// State is the result of replaying history.
type State struct {
	// Current is the version the database is at; empty when nothing was installed.
	Current string
	// Blocked is set by a failed_partial entry not yet followed by an
	// acknowledged or restored entry.
	Blocked bool
	// Interrupted is set by a started entry with no later entry.
	Interrupted bool
	// Cause is the entry that blocked or interrupted the database.
	Cause *Entry
	// Applied maps every script ever applied to the checksum recorded with
	// its latest applied entry.
	Applied map[string]string
	Entries int
}

// NeedsIntervention reports whether migrations must be refused.
func (s State) NeedsIntervention() bool {
	return s.Blocked || s.Interrupted
}

// Replay folds entries, in append order, into a State.
func Replay(entries []Entry) State {
	st := State{Applied: map[string]string{}, Entries: len(entries)}

	for i := range entries {
		e := entries[i]
		if e.Outcome != Started && st.Interrupted && !st.Blocked {
			st.Interrupted = false
			st.Cause = nil
		}

		switch e.Outcome {
		case Applied:
			if !st.Blocked {
				st.Current = e.Version
			}
			if e.Script != "" && e.Script != InstallScript {
				st.Applied[e.Script] = e.Checksum
			}
		case RolledBack:
			if !st.Blocked {
				st.Current = e.Version
			}
		case FailedPartial:
			st.Blocked = true
			st.Interrupted = false
			st.Cause = &entries[i]
		case Started:
			if !st.Blocked {
				st.Interrupted = true
				st.Cause = &entries[i]
			}
		case Acknowledged, Restored:
			st.Current = e.Version
			st.Blocked = false
			st.Interrupted = false
			st.Cause = nil
		}
	}
	return st
}
