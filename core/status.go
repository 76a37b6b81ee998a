package core

import (
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/weftnet/weft/state"
)

// StatusDump is the snapshot a running node serves over its status socket.
type StatusDump struct {
	Id      state.PeerId
	Uptime  string
	Links   []LinkStatus
	Routes  []RouteStatus
	Origins []OriginStatus
	Stats   map[string]uint64
}

type LinkStatus struct {
	Peer      state.PeerId
	Transport string
	Remote    string
	Cost      uint32
}

type RouteStatus struct {
	Dst     state.PeerId
	NextHop state.PeerId
	Cost    uint32
}

type OriginStatus struct {
	Origin    state.PeerId
	Seq       uint64
	Neighbors int
}

// StatusSocketPath is where a running node exposes its status dump.
func StatusSocketPath(id state.PeerId) string {
	return filepath.Join(os.TempDir(), "weft-"+string(id)+".sock")
}

// Status serves a one-shot yaml status dump per connection on a local unix
// socket, so inspect can show what a running node actually sees.
type Status struct {
	env     *state.Env
	ln      net.Listener
	started time.Time
}

func (st *Status) Init(s *state.State) error {
	st.env = s.Env
	st.started = time.Now()

	path := StatusSocketPath(s.LocalCfg.Id)
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		// status is a diagnostic surface, a node without it still works
		s.Log.Warn("status socket unavailable", "path", path, "err", err)
		return nil
	}
	st.ln = ln
	go st.serve()
	return nil
}

func (st *Status) Cleanup(s *state.State) error {
	if st.ln == nil {
		return nil
	}
	err := st.ln.Close()
	_ = os.Remove(StatusSocketPath(s.LocalCfg.Id))
	return err
}

func (st *Status) serve() {
	for {
		conn, err := st.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				st.env.Log.Warn("status accept failed", "err", err)
			}
			return
		}
		go func() {
			defer conn.Close()
			_ = conn.SetDeadline(time.Now().Add(time.Second * 2))
			dump, err := st.collect()
			if err != nil {
				return
			}
			out, err := yaml.Marshal(dump)
			if err != nil {
				return
			}
			_, _ = conn.Write(out)
		}()
	}
}

// collect assembles the dump on the main goroutine, where link and topology
// state may be read.
func (st *Status) collect() (*StatusDump, error) {
	res, err := st.env.DispatchWait(func(s *state.State) (any, error) {
		dump := &StatusDump{
			Id:     s.LocalCfg.Id,
			Uptime: time.Since(st.started).Round(time.Second).String(),
		}
		pm := Get[*PeerManager](s)
		for peer, l := range pm.AllLinks() {
			dump.Links = append(dump.Links, LinkStatus{
				Peer:      peer,
				Transport: l.Active.Kind().String(),
				Remote:    l.Active.Remote(),
				Cost:      l.Quality.Cost(),
			})
		}
		for origin, lsa := range Get[*Gossip](s).Topology() {
			dump.Origins = append(dump.Origins, OriginStatus{
				Origin:    origin,
				Seq:       lsa.Seq,
				Neighbors: len(lsa.Neighbors),
			})
		}
		table := Get[*RouteEngine](s).Table()
		for dst, route := range table.Routes {
			dump.Routes = append(dump.Routes, RouteStatus{
				Dst:     dst,
				NextHop: route.NextHop,
				Cost:    route.Cost,
			})
		}
		stats := &Get[*DataPlane](s).Stats
		dump.Stats = map[string]uint64{
			"sent":       stats.Sent.Load(),
			"delivered":  stats.Delivered.Load(),
			"forwarded":  stats.Forwarded.Load(),
			"no_route":   stats.NoRoute.Load(),
			"auth":       stats.Auth.Load(),
			"replay":     stats.Replay.Load(),
			"hop_limit":  stats.HopLimit.Load(),
			"reassembly": stats.Reassembly.Load(),
		}
		return dump, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*StatusDump), nil
}

// QueryStatus reads one dump from a running node's status socket.
func QueryStatus(id state.PeerId) (*StatusDump, error) {
	conn, err := net.DialTimeout("unix", StatusSocketPath(id), time.Second)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(time.Second * 2))
	raw, err := io.ReadAll(conn)
	if err != nil {
		return nil, err
	}
	var dump StatusDump
	if err := yaml.Unmarshal(raw, &dump); err != nil {
		return nil, err
	}
	return &dump, nil
}
