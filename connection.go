package carto

import (
	"sync"
	"time"
)

type State int

const (
	StateConnected State = iota
	StateCache
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateCache:
		return "CACHE"
	case StateOffline:
		return "OFFLINE"
	}
	return "UNKNOWN"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type (
	ConnectionStatus struct {
		State    State     `json:"state"`
		LastSync time.Time `json:"lastSync"`
	}

	// ConnectionState is observable by anyone but only moved by the composite
	// read/write policy of a Session.
	ConnectionState struct {
		mu        sync.Mutex
		status    ConnectionStatus
		observers map[int]func(ConnectionStatus)
		nextObs   int
	}
)

// NewConnectionState starts CONNECTED until the first failure says otherwise.
func NewConnectionState() *ConnectionState {
	return &ConnectionState{
		status:    ConnectionStatus{State: StateConnected},
		observers: make(map[int]func(ConnectionStatus)),
	}
}

func (c *ConnectionState) Current() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *ConnectionState) CanWrite() bool {
	return c.Current().State == StateConnected
}

// Subscribe calls fn after every change of state. The returned function
// removes the observer.
func (c *ConnectionState) Subscribe(fn func(ConnectionStatus)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.observers, id)
	}
}

func (c *ConnectionState) readSucceeded(at time.Time) {
	c.transition(StateConnected, at)
}

func (c *ConnectionState) readFromCache() {
	c.transition(StateCache, time.Time{})
}

func (c *ConnectionState) readFailed() {
	c.transition(StateOffline, time.Time{})
}

func (c *ConnectionState) writeSucceeded(at time.Time) {
	c.transition(StateConnected, at)
}

func (c *ConnectionState) writeLost() {
	c.transition(StateOffline, time.Time{})
}

// transition moves to next; a non-zero sync time replaces LastSync.
func (c *ConnectionState) transition(next State, at time.Time) {
	c.mu.Lock()
	prev := c.status.State
	c.status.State = next
	if !at.IsZero() {
		c.status.LastSync = at
	}
	status := c.status
	var observers []func(ConnectionStatus)
	if prev != next {
		observers = make([]func(ConnectionStatus), 0, len(c.observers))
		for _, fn := range c.observers {
			observers = append(observers, fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range observers {
		fn(status)
	}
}
