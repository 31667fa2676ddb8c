package channel

// State is the lifecycle position of a channel
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateIdentityExchanged
	StateEncrypting
	StateAttached
	StateClosed
)

var stateNames = [...]string{
	"idle", "connecting", "identity-exchanged", "encrypting", "attached", "closed",
}

func (s State) String() string {
	if s < StateIdle || s > StateClosed {
		return "unknown"
	}
	return stateNames[s]
}

// StateFunc observes a state transition
type StateFunc func(from, to State)

// OnStateChange registers fn for every subsequent transition and returns
// a function that removes it. Observers run outside the channel lock, in
// transition order per goroutine.
func (c *Channel) OnStateChange(fn StateFunc) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextObserver++
	key := c.nextObserver
	c.observers[key] = fn

	return func() {
		c.mu.Lock()
		delete(c.observers, key)
		c.mu.Unlock()
	}
}

// setStateLocked records a transition and returns the observers to notify.
// Must be called with c.mu held.
func (c *Channel) setStateLocked(to State) (from State, notify []StateFunc) {
	from = c.state
	if from == to || from == StateClosed {
		return from, nil
	}
	c.state = to

	notify = make([]StateFunc, 0, len(c.observers))
	for _, fn := range c.observers {
		notify = append(notify, fn)
	}
	return from, notify
}

func (c *Channel) setState(to State) {
	c.mu.Lock()
	from, notify := c.setStateLocked(to)
	c.mu.Unlock()

	c.notifyState(from, to, notify)
}

func (c *Channel) notifyState(from, to State, notify []StateFunc) {
	for _, fn := range notify {
		fn(from, to)
	}
}
