// Package guide plans and drives guide channel negotiations: the temporary
// channels (an authenticated connection, classic Bluetooth, a BLE trigger or
// a proxy relay) used to agree on the parameters of a Wi-Fi Direct link.
package guide

import (
	"fmt"

	"github.com/postalsys/lanelink/internal/adapter"
	"github.com/postalsys/lanelink/internal/lane"
)

// MaxLadder bounds the number of guide channels tried for one build.
const MaxLadder = 6

// planContext is what the strategy admission checks look at.
type planContext struct {
	peer     lane.PeerID
	linkType lane.LinkType
	qos      lane.QoS
	local    adapter.Feature
	remote   adapter.Feature
	hasAuth  bool
	hasBR    bool
}

// both reports whether the local device and the peer advertise f.
func (c *planContext) both(f adapter.Feature) bool {
	return c.local.Has(f) && c.remote.Has(f)
}

// triggerAllowed reports whether trigger-based HML variants may be tried.
func (c *planContext) triggerAllowed() bool {
	return c.linkType == lane.LinkHML && !c.qos.P2POnly
}

// Planner computes guide channel ladders.
type Planner struct {
	ledger   adapter.Ledger
	topology adapter.Topology
	disabled map[lane.GuideType]bool
}

// NewPlanner creates a planner. Guide types listed in disabled are never planned.
func NewPlanner(ledger adapter.Ledger, topology adapter.Topology, disabled ...lane.GuideType) *Planner {
	p := &Planner{
		ledger:   ledger,
		topology: topology,
		disabled: make(map[lane.GuideType]bool, len(disabled)),
	}
	for _, g := range disabled {
		p.disabled[g] = true
	}
	return p
}

// Plan returns the ordered guide channels to try for a negotiated link.
func (p *Planner) Plan(peer lane.PeerID, linkType lane.LinkType, qos lane.QoS) ([]lane.GuideType, error) {
	if !linkType.NeedsNegotiation() {
		return nil, fmt.Errorf("%w: %s needs no negotiation", lane.ErrInvalidParam, linkType)
	}

	ctx := &planContext{
		peer:     peer,
		linkType: linkType,
		qos:      qos,
		local:    adapter.LocalFeatures(p.ledger),
		remote:   adapter.RemoteFeatures(p.ledger, peer),
		hasAuth:  p.topology.HasAuthConnection(peer),
		hasBR:    p.topology.HasBRConnection(peer),
	}

	ladder := make([]lane.GuideType, 0, MaxLadder)
	seen := make(map[lane.GuideType]bool, len(strategies))
	for _, s := range strategies {
		if len(ladder) == MaxLadder {
			break
		}
		if p.disabled[s.guide] || seen[s.guide] || !s.admissible(ctx) {
			continue
		}
		seen[s.guide] = true
		ladder = append(ladder, s.guide)
	}

	if len(ladder) == 0 {
		return nil, fmt.Errorf("%w: %s to %s", lane.ErrNoAvailableGuideChannel, linkType, peer.Short())
	}
	return ladder, nil
}
