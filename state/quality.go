package state

import (
	"math"
	"time"
)

// LinkQuality tracks the observed health of one link. The cost it reports is
// derived from a smoothed RTT so that a single slow probe does not flap routes.
type LinkQuality struct {
	expRTT    float64
	lastHeard time.Time
	missed    int
}

func NewLinkQuality() *LinkQuality {
	return &LinkQuality{expRTT: math.Inf(1)}
}

func (q *LinkQuality) UpdateRTT(rtt time.Duration) {
	// the clock is sometimes not fine-grained enough on loopback
	if rtt <= 0 {
		rtt = time.Microsecond * 100
	}
	f := float64(rtt)
	if math.IsInf(q.expRTT, 1) {
		q.expRTT = f
	}
	q.expRTT = RttAlpha*f + (1-RttAlpha)*q.expRTT
	q.lastHeard = time.Now()
	q.missed = 0
}

func (q *LinkQuality) Renew() {
	q.lastHeard = time.Now()
	q.missed = 0
}

// MarkMissed records a probe that went unanswered and reports the current
// consecutive miss count.
func (q *LinkQuality) MarkMissed() int {
	q.missed++
	return q.missed
}

func (q *LinkQuality) Missed() int {
	return q.missed
}

func (q *LinkQuality) IsActive() bool {
	return !q.lastHeard.IsZero() && time.Since(q.lastHeard) <= LinkDeadThreshold
}

func (q *LinkQuality) RTT() time.Duration {
	if math.IsInf(q.expRTT, 1) {
		return 0
	}
	return time.Duration(int64(q.expRTT))
}

// Cost converts the smoothed RTT into a routing cost in units of 100us.
// A dead link costs INF.
func (q *LinkQuality) Cost() uint32 {
	if !q.IsActive() {
		return INF
	}
	if math.IsInf(q.expRTT, 1) {
		return MinLinkCost
	}
	c := uint32(min(int64(q.expRTT)/int64(time.Microsecond*100), int64(INF)-1))
	return max(c, MinLinkCost)
}
