package task

// Block marks t as waiting. A running thread keeps its CPU until the next
// Switch.
func (m *Manager) Block(t *Thread) {
	m.lock.Acquire()
	defer m.lock.Release()

	switch t.State() {
	case StateRunning, StateReady:
		t.setState(StateBlocked)
	case StateReadySuspended:
		t.setState(StateBlockedSuspended)
	default:
		return
	}
	m.sched.SetBlocked(t.ID)
}

// Unblock makes a blocked thread runnable again.
func (m *Manager) Unblock(t *Thread) {
	m.lock.Acquire()
	defer m.lock.Release()

	switch t.State() {
	case StateBlocked:
		if t.CPU() >= 0 {
			t.setState(StateRunning)
		} else {
			t.setState(StateReady)
		}
	case StateBlockedSuspended:
		t.setState(StateReadySuspended)
	default:
		return
	}
	m.sched.SetReady(t.ID)
}

// Suspend prevents t from being scheduled until Unsuspend is called.
func (m *Manager) Suspend(t *Thread) {
	m.lock.Acquire()
	defer m.lock.Release()

	switch t.State() {
	case StateRunning, StateReady:
		t.setState(StateReadySuspended)
	case StateBlocked:
		t.setState(StateBlockedSuspended)
	default:
		return
	}
	m.sched.SetSuspended(t.ID, true)
}

// Unsuspend reverts Suspend.
func (m *Manager) Unsuspend(t *Thread) {
	m.lock.Acquire()
	defer m.lock.Release()

	switch t.State() {
	case StateReadySuspended:
		if t.CPU() >= 0 {
			t.setState(StateRunning)
		} else {
			t.setState(StateReady)
		}
	case StateBlockedSuspended:
		t.setState(StateBlocked)
	default:
		return
	}
	m.sched.SetSuspended(t.ID, false)
}
