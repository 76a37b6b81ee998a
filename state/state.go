package state

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// PeerId uniquely identifies a node in the mesh. It is assigned once in the
// mesh config and is stable across reconnects.
type PeerId string

type Module interface {
	Init(s *State) error
	Cleanup(s *State) error
}

// State access must be done only on the main goroutine, via Env.Dispatch.
type State struct {
	*Env
	Modules map[string]Module

	Started   atomic.Bool
	Stopping  atomic.Bool
	Reloading atomic.Bool
}

// Env can be read from any goroutine.
type Env struct {
	DispatchChannel chan<- func(s *State) error
	MeshCfg
	LocalCfg
	Context context.Context
	Cancel  context.CancelCauseFunc
	Log     *slog.Logger
}
