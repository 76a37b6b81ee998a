//go:build integration

package integration

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/weftnet/weft/core"
	"github.com/weftnet/weft/protocol"
	"github.com/weftnet/weft/state"
)

func TestFullMeshConvergence(t *testing.T) {
	names := []string{"a", "b", "c", "d", "e"}
	h := NewHarness(t, names...)
	h.Start(t)
	defer h.Stop(t)

	for i := range names {
		for j, dst := range names {
			if i == j {
				continue
			}
			h.WaitForRoute(t, i, state.PeerId(dst), time.Second*60)
		}
	}

	// everyone can reach everyone
	for i := range names {
		for j := range names {
			if i == j {
				continue
			}
			h.Ping(t, i, j, []byte{byte(i), byte(j)}, time.Second*30)
		}
	}

	// once routes settle, the flooded link-state view itself must agree on
	// every node, down to each origin's sequence number
	snapshot := func(i int) map[state.PeerId]*protocol.LinkStateAdvertisement {
		res, err := h.States[i].Env.DispatchWait(func(s *state.State) (any, error) {
			return core.Get[*core.Gossip](s).Topology(), nil
		})
		if err != nil {
			t.Fatalf("topology snapshot on %s: %v", names[i], err)
		}
		return res.(map[state.PeerId]*protocol.LinkStateAdvertisement)
	}
	deadline := time.Now().Add(time.Second * 30)
	for {
		ref := snapshot(0)
		diff := ""
		for i := 1; i < len(names); i++ {
			if d := cmp.Diff(ref, snapshot(i)); d != "" {
				diff = d
				break
			}
		}
		if diff == "" && len(ref) == len(names) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("link-state views never agreed: %s", diff)
		}
		time.Sleep(time.Millisecond * 500)
	}
}

func TestDirectPathsPreferred(t *testing.T) {
	h := NewHarness(t, "a", "b", "c")
	h.Start(t)
	defer h.Stop(t)

	h.WaitForRoute(t, 0, "b", time.Second*60)
	h.WaitForRoute(t, 0, "c", time.Second*60)

	// on loopback every dial succeeds, so every route is one hop
	table := core.Get[*core.RouteEngine](h.States[0]).Table()
	for _, dst := range []state.PeerId{"b", "c"} {
		route, ok := table.Lookup(dst)
		if !ok {
			t.Fatalf("no route to %s", dst)
		}
		if route.NextHop != dst {
			t.Errorf("route to %s goes through %s, expected direct", dst, route.NextHop)
		}
	}
}

func TestRouteLostWhenPeerStops(t *testing.T) {
	h := NewHarness(t, "a", "b", "c")
	h.Start(t)
	defer h.Stop(t)

	h.WaitForRoute(t, 0, "c", time.Second*60)

	core.Stop(h.States[2])

	deadline := time.Now().Add(state.LsaStaleTime + time.Second*30)
	for {
		table := core.Get[*core.RouteEngine](h.States[0]).Table()
		if _, ok := table.Lookup("c"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("route to the stopped node never went away")
		}
		time.Sleep(time.Millisecond * 200)
	}
}
