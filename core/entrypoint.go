package core

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"reflect"
	"runtime"
	"syscall"
	"time"

	"github.com/encodeous/tint"
	"github.com/goccy/go-yaml"
	slogmulti "github.com/samber/slog-multi"
	"github.com/weftnet/weft/protocol"
	"github.com/weftnet/weft/state"
)

func readMeshConfig(meshPath string) (*state.MeshCfg, error) {
	var cfg state.MeshCfg
	file, err := os.ReadFile(meshPath)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(file, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readLocalConfig(nodePath string) (*state.LocalCfg, error) {
	var cfg state.LocalCfg
	file, err := os.ReadFile(nodePath)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(file, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Bootstrap manages the lifetime of the whole application. The node may be
// restarted multiple times on config reload, but Bootstrap is only called once.
func Bootstrap(meshPath, nodePath, logPath string, verbose bool, nic Nic) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	for {
		meshCfg, err := readMeshConfig(meshPath)
		if err != nil {
			return err
		}
		nodeCfg, err := readLocalConfig(nodePath)
		if err != nil {
			return err
		}
		if logPath != "" {
			nodeCfg.LogPath = logPath
		}

		state.ExpandMeshConfig(meshCfg)
		if err := state.MeshConfigValidator(meshCfg); err != nil {
			return err
		}
		if err := state.LocalConfigValidator(nodeCfg); err != nil {
			return err
		}

		aux := map[string]any{}
		if nic != nil {
			aux["nic"] = nic
		}
		restart, err := Start(*meshCfg, *nodeCfg, level, aux, nil)
		if err != nil {
			return err
		}
		if !restart {
			return nil
		}
	}
}

// Start runs one node lifetime: init modules, run the main loop until the
// context is cancelled, clean up. It reports whether the caller should
// restart with freshly read configs.
func Start(mesh state.MeshCfg, local state.LocalCfg, logLevel slog.Level, aux map[string]any, initState **state.State) (bool, error) {
	ctx, cancel := context.WithCancelCause(context.Background())

	dispatch := make(chan func(env *state.State) error, 128)

	handlers := make([]slog.Handler, 0)
	handlers = append(handlers,
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:        logLevel,
			AddSource:    false,
			CustomPrefix: string(local.Id),
			ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
				if attr.Key == "time" {
					return slog.Attr{}
				}
				return attr
			},
		}))

	if local.LogPath != "" {
		err := os.MkdirAll(path.Dir(local.LogPath), 0700)
		if err != nil {
			cancel(err)
			return false, err
		}
		f, err := os.OpenFile(local.LogPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0700)
		if err != nil {
			cancel(err)
			return false, err
		}
		defer f.Close()
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: logLevel}))
	}

	logger := slog.New(slogmulti.Fanout(handlers...))

	if local.Port == 0 {
		local.Port = state.DefaultPort
	}
	if local.InterfaceName == "" {
		local.InterfaceName = "weft"
	}

	s := state.State{
		Modules: make(map[string]state.Module),
		Env: &state.Env{
			Context:         ctx,
			Cancel:          cancel,
			DispatchChannel: dispatch,
			MeshCfg:         mesh,
			LocalCfg:        local,
			Log:             logger,
		},
	}
	if initState != nil {
		*initState = &s
	}

	s.Log.Info("init modules")
	if err := initModules(&s, aux); err != nil {
		cancel(err)
		return false, err
	}
	s.Log.Info("init modules complete")

	s.Log.Info("weft is up. To gracefully exit, send SIGINT or Ctrl+C.")

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(c)
	go func() {
		for {
			select {
			case sig := <-c:
				if sig == syscall.SIGHUP {
					Reload(&s)
					continue
				}
				s.Cancel(errors.New("received shutdown signal"))
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := MainLoop(&s, dispatch); err != nil {
		return false, err
	}
	if s.Reloading.Load() {
		s.Log.Info("restarting with fresh configuration")
		return true, nil
	}
	return false, nil
}

// initModules wires the node together. The udp bind and tcp listener are
// shared infrastructure created up front; everything else is a module keyed
// by type.
func initModules(s *state.State, aux map[string]any) error {
	authKey := protocol.LinkAuthKey(s.MeshCfg.Name, s.MeshCfg.Secret)

	// envelope sink: tunnel data is handled on the reader goroutine, control
	// messages funnel through the main loop
	sink := func(from state.PeerId, env []byte) {
		if protocol.KindOf(env) == protocol.KindTunnelData {
			Get[*DataPlane](s).HandleFrame(from, env)
			return
		}
		s.Dispatch(func(st *state.State) error {
			return Get[*PeerManager](st).HandleControl(st, from, env)
		})
	}

	bind, err := NewUdpBind(s.Env, s.LocalCfg.Port, authKey, sink)
	if err != nil {
		return err
	}
	ln, err := NewTcpListener(s.Env, s.LocalCfg.Port, authKey, sink)
	if err != nil {
		bind.Close()
		return err
	}

	var nic Nic
	if v, ok := aux["nic"]; ok {
		nic = v.(Nic)
	}

	var modules []state.Module
	modules = append(modules, &RouteEngine{})
	modules = append(modules, &Gossip{})
	modules = append(modules, &PeerManager{})
	modules = append(modules, &Listeners{bind: bind, tcp: ln})
	modules = append(modules, NewDataPlane(nic))
	modules = append(modules, NewTraversal(bind, sink))
	modules = append(modules, &Status{})

	for _, module := range modules {
		s.Modules[reflect.TypeOf(module).String()] = module
		if err := module.Init(s); err != nil {
			return err
		}
	}
	return nil
}

// Listeners owns the shared transport sockets so they are torn down with the
// rest of the modules.
type Listeners struct {
	bind *UdpBind
	tcp  *TcpListener
}

func (l *Listeners) Init(s *state.State) error { return nil }

func (l *Listeners) Cleanup(s *state.State) error {
	err := l.bind.Close()
	if terr := l.tcp.Close(); err == nil {
		err = terr
	}
	return err
}

func MainLoop(s *state.State, dispatch <-chan func(*state.State) error) error {
	s.Log.Debug("started main loop")
	s.Started.Store(true)
	for {
		select {
		case fun := <-dispatch:
			if fun == nil {
				goto endLoop
			}
			start := time.Now()
			err := fun(s)
			if err != nil {
				s.Log.Error("error occurred during dispatch: ", "error", err)
				s.Cancel(err)
			}
			elapsed := time.Since(start)
			if elapsed > time.Millisecond*4 {
				s.Log.Warn("dispatch took a long time!", "fun", runtime.FuncForPC(reflect.ValueOf(fun).Pointer()).Name(), "elapsed", elapsed, "len", len(dispatch))
			}
		case <-s.Context.Done():
			goto endLoop
		}
	}
endLoop:
	s.Log.Info("stopped main loop", "reason", context.Cause(s.Context).Error())
	Stop(s)
	return nil
}

// Reload flags the node for a restart with re-read configs and begins
// shutdown.
func Reload(s *state.State) {
	s.Reloading.Store(true)
	s.Cancel(errors.New("config reload requested"))
}

func Stop(s *state.State) {
	if s.Stopping.Swap(true) {
		return // don't stop twice
	}
	s.Cancel(context.Canceled)
	if s.DispatchChannel != nil {
		close(s.DispatchChannel)
		s.DispatchChannel = nil
	}
	s.Log.Info("cleaning up modules")
	for moduleName, module := range s.Modules {
		err := module.Cleanup(s)
		if err != nil {
			s.Log.Error("error occurred during Stop: ", "module", moduleName, "error", err)
		}
	}
	s.Log.Info("stopped")
}
