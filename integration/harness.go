//go:build integration

package integration

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/weftnet/weft/core"
	"github.com/weftnet/weft/mock"
	"github.com/weftnet/weft/state"
)

// Harness runs several weft nodes in one process, each with real loopback
// sockets and a channel-backed virtual interface.
type Harness struct {
	Mesh   state.MeshCfg
	Locals []state.LocalCfg
	Nics   []*mock.ChanNic
	States []*state.State

	eg   *errgroup.Group
	errs chan error
}

// NewHarness builds a mesh config for the given node names. Every node gets a
// free loopback port and a /32 out of mock.Addr; the first node is the
// bootstrap.
func NewHarness(t *testing.T, names ...string) *Harness {
	ports := freePorts(t, len(names))
	h := &Harness{
		Mesh: state.MeshCfg{
			Name:   "testmesh",
			Secret: "integration-secret",
		},
		errs: make(chan error, len(names)),
	}
	for i, name := range names {
		key := state.GenerateKey()
		h.Mesh.Nodes = append(h.Mesh.Nodes, state.NodeCfg{
			Id:        state.PeerId(name),
			PubKey:    key.Pubkey(),
			Addresses: []netip.Addr{mock.Addr(i)},
			Endpoints: []netip.AddrPort{netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), ports[i])},
		})
		h.Locals = append(h.Locals, state.LocalCfg{
			Key:  key,
			Id:   state.PeerId(name),
			Port: ports[i],
		})
		h.Nics = append(h.Nics, mock.NewChanNic())
	}
	h.Mesh.Bootstrap = []state.PeerId{state.PeerId(names[0])}
	state.ExpandMeshConfig(&h.Mesh)
	return h
}

// freePorts reserves n distinct UDP ports by binding them all before releasing
// any, so two nodes cannot land on the same one.
func freePorts(t *testing.T, n int) []uint16 {
	conns := make([]*net.UDPConn, 0, n)
	ports := make([]uint16, 0, n)
	for i := 0; i < n; i++ {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		if err != nil {
			t.Fatal(err)
		}
		conns = append(conns, conn)
		ports = append(ports, uint16(conn.LocalAddr().(*net.UDPAddr).Port))
	}
	for _, conn := range conns {
		conn.Close()
	}
	return ports
}

func (h *Harness) IndexOf(id state.PeerId) int {
	return slices.IndexFunc(h.Mesh.Nodes, func(n state.NodeCfg) bool { return n.Id == id })
}

// Start launches every node and blocks until they all reach the main loop.
func (h *Harness) Start(t *testing.T) {
	h.States = make([]*state.State, len(h.Locals))
	h.eg = &errgroup.Group{}
	for idx := range h.Locals {
		h.eg.Go(func() error {
			restart, err := core.Start(h.Mesh, h.Locals[idx], slog.LevelDebug, map[string]any{
				"nic": h.Nics[idx],
			}, &h.States[idx])
			if err != nil {
				h.errs <- err
				return err
			}
			if restart {
				return fmt.Errorf("unexpected restart request from %s", h.Locals[idx].Id)
			}
			return nil
		})
		// stagger a little so the nodes don't all handshake at once
		time.Sleep(time.Millisecond * 100)
	}

	deadline := time.Now().Add(time.Second * 15)
	for {
		started := true
		for idx := range h.Locals {
			if h.States[idx] == nil || !h.States[idx].Started.Load() {
				started = false
				break
			}
		}
		if started {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("nodes did not start in time")
		}
		select {
		case err := <-h.errs:
			t.Fatal(err)
		case <-time.After(time.Millisecond * 50):
		}
	}
}

// Stop shuts every node down and waits for their main loops to return.
func (h *Harness) Stop(t *testing.T) {
	for _, s := range h.States {
		if s != nil {
			core.Stop(s)
		}
	}
	if err := h.eg.Wait(); err != nil {
		t.Error(err)
	}
}

// WaitForRoute polls node i's route table until it has an entry for dst.
func (h *Harness) WaitForRoute(t *testing.T, i int, dst state.PeerId, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for {
		table := core.Get[*core.RouteEngine](h.States[i]).Table()
		if _, ok := table.Lookup(dst); ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s never learned a route to %s", h.Locals[i].Id, dst)
		}
		select {
		case err := <-h.errs:
			t.Fatal(err)
		case <-time.After(time.Millisecond * 50):
		}
	}
}

// Ping pushes one packet into node i's virtual interface addressed to node j
// and waits for it to come out the other end.
func (h *Harness) Ping(t *testing.T, i, j int, payload []byte, timeout time.Duration) []byte {
	pkt := mock.BuildPacket(mock.Addr(i), mock.Addr(j), payload)
	deadline := time.After(timeout)
	tick := time.NewTicker(time.Millisecond * 200)
	defer tick.Stop()

	h.Nics[i].In <- pkt
	for {
		select {
		case got := <-h.Nics[j].Out:
			return got
		case <-tick.C:
			// routes may not have settled when the first copy went out
			h.Nics[i].In <- pkt
		case err := <-h.errs:
			t.Fatal(err)
		case <-deadline:
			t.Fatalf("packet from %s never reached %s", h.Locals[i].Id, h.Locals[j].Id)
		}
	}
}
