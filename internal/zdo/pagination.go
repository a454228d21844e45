package zdo

import (
	"time"

	"zigbee-nwkcore/internal/codec"
)

// DefaultPageTimeout is how long a follow-up request stays outstanding
// before another may be issued for the same device.
const DefaultPageTimeout = 30 * time.Second

type pageKey struct {
	nwk  codec.NwkID
	ieee codec.IEEE
}

type pendingPage struct {
	startIndex int
	sentAt     time.Time
}

// Pager tracks associated-device list paging. At most one follow-up request
// is outstanding per (NwkId, IEEE) pair.
type Pager struct {
	pending map[pageKey]pendingPage
	timeout time.Duration
	now     func() time.Time
}

// NewPager creates a Pager. A zero timeout means DefaultPageTimeout.
func NewPager(timeout time.Duration) *Pager {
	if timeout <= 0 {
		timeout = DefaultPageTimeout
	}
	return &Pager{
		pending: make(map[pageKey]pendingPage),
		timeout: timeout,
		now:     time.Now,
	}
}

// Observe records a page of reported entries starting at startIndex with
// carried entries present. It returns the start index of the follow-up
// request to issue, or ok false when none is needed or one is already in
// flight.
func (p *Pager) Observe(nwk codec.NwkID, ieee codec.IEEE, reported, startIndex, carried int) (next int, ok bool) {
	key := pageKey{nwk: nwk, ieee: ieee}
	now := p.now()

	if pp, found := p.pending[key]; found {
		if pp.startIndex == startIndex || now.Sub(pp.sentAt) >= p.timeout {
			delete(p.pending, key)
		}
	}

	next = startIndex + carried
	if carried == 0 || next >= reported || next > 0xff {
		return 0, false
	}
	if _, inFlight := p.pending[key]; inFlight {
		return 0, false
	}
	p.pending[key] = pendingPage{startIndex: next, sentAt: now}
	return next, true
}

// Pending reports whether a follow-up is outstanding for the pair.
func (p *Pager) Pending(nwk codec.NwkID, ieee codec.IEEE) bool {
	_, ok := p.pending[pageKey{nwk: nwk, ieee: ieee}]
	return ok
}

// Forget drops any outstanding follow-up for nwk.
func (p *Pager) Forget(nwk codec.NwkID) {
	for k := range p.pending {
		if k.nwk == nwk {
			delete(p.pending, k)
		}
	}
}

// Len returns the number of outstanding follow-ups.
func (p *Pager) Len() int {
	return len(p.pending)
}
