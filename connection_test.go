package carto

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConnectionStateTransitions(t *testing.T) {
	a := assert.New(t)
	state := NewConnectionState()
	a.Equal(StateConnected, state.Current().State)
	a.True(state.Current().LastSync.IsZero())

	var seen []State
	cancel := state.Subscribe(func(status ConnectionStatus) {
		seen = append(seen, status.State)
	})

	synced := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	state.readSucceeded(synced)
	a.Empty(seen, "no notification without a change of state")
	a.Equal(synced, state.Current().LastSync)

	state.readFromCache()
	a.False(state.CanWrite())
	a.Equal(synced, state.Current().LastSync, "cache reads keep the last sync")

	state.readFailed()
	state.readSucceeded(synced.Add(time.Minute))
	a.True(state.CanWrite())
	a.Equal(synced.Add(time.Minute), state.Current().LastSync)

	state.writeLost()
	a.Equal(StateOffline, state.Current().State)
	state.writeSucceeded(synced.Add(2 * time.Minute))

	a.Equal([]State{StateCache, StateOffline, StateConnected, StateOffline, StateConnected}, seen)

	cancel()
	state.readFailed()
	a.Len(seen, 5)
}

func TestConnectionStateObserverMayReadState(t *testing.T) {
	state := NewConnectionState()
	var observed State
	state.Subscribe(func(ConnectionStatus) {
		observed = state.Current().State
	})
	state.readFailed()
	assert.Equal(t, StateOffline, observed)
}

func TestStateText(t *testing.T) {
	a := assert.New(t)
	data, err := json.Marshal(ConnectionStatus{State: StateCache})
	a.NoError(err)
	a.Contains(string(data), `"state":"CACHE"`)
	a.Equal("OFFLINE", StateOffline.String())
	a.Equal("UNKNOWN", State(9).String())
}
