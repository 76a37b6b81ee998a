package state

import "time"

const (
	// INF is an unreachable link/route cost.
	INF = ^(uint32)(0)
)

var (
	ProbeDelay         = time.Millisecond * 1000
	ProbeMissThreshold = 3
	LinkDeadThreshold  = time.Duration(ProbeMissThreshold) * ProbeDelay

	LsaRefreshDelay = time.Second * 10
	// LsaStaleTime excludes an origin from route computation; LsaExpiryTime
	// removes it from the topology entirely. The gap lets us tell genuine
	// origin departure apart from a transient partition.
	LsaStaleTime   = 3 * LsaRefreshDelay
	LsaExpiryTime  = 6 * LsaRefreshDelay
	GossipGcDelay  = time.Second * 5
	ConnectDelay   = time.Second * 5
	PathReevalTime = time.Second * 15

	TraversalMaxAttempts   = 5
	TraversalBaseInterval  = time.Millisecond * 500
	TraversalMaxInterval   = time.Second * 30
	PunchProbeCount        = 5
	PunchProbeSpacing      = time.Millisecond * 200
	TraversalRetryCooldown = time.Minute * 2

	// TransportMTU is the largest frame payload we hand to any transport
	// without fragmenting. Chosen to clear IPv6 minimum MTU with headroom
	// for UDP and frame headers.
	TransportMTU      = 1280
	HopLimit          = uint8(16)
	RelayHopLimit     = uint8(4)
	ReassemblyTimeout = time.Second * 5
	ReplayWindow      = time.Minute * 2

	// link cost smoothing
	RttAlpha    = 0.125
	MinLinkCost = uint32(10) // in cost units of 100us; prevents zero-cost loops
	// RelayInitialCost biases freshly accepted relay links until probes
	// measure the real path.
	RelayInitialCost = MinLinkCost * 10

	ProtocolVersion = uint8(1)

	DefaultPort = uint16(48613)
)
