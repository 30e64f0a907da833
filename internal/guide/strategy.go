package guide

import (
	"github.com/postalsys/lanelink/internal/adapter"
	"github.com/postalsys/lanelink/internal/lane"
)

// strategy describes how one guide type negotiates a link.
type strategy struct {
	guide lane.GuideType

	// channel is the negotiation channel opened before the connect call.
	channel        adapter.NegoChannelType
	authKind       adapter.AuthConnKind
	preferExisting bool
	trigger        adapter.TriggerMode

	// retryCurrent allows CategoryRetryCurrent failures to re-run this
	// guide instead of advancing.
	retryCurrent bool

	admissible func(*planContext) bool
}

// strategies is ordered by preference. Planning walks it top to bottom.
var strategies = []strategy{
	{
		guide:   lane.GuideBLETrigger,
		channel: adapter.NegoNone,
		trigger: adapter.TriggerBLE,
		admissible: func(c *planContext) bool {
			return c.triggerAllowed() && c.both(adapter.FeatureBLETrigger)
		},
	},
	{
		guide:          lane.GuideAuthTrigger,
		channel:        adapter.NegoAuth,
		authKind:       adapter.AuthConnAny,
		preferExisting: true,
		trigger:        adapter.TriggerAuth,
		retryCurrent:   true,
		admissible: func(c *planContext) bool {
			return c.triggerAllowed() && c.both(adapter.FeatureAuthTrigger) && c.hasAuth
		},
	},
	{
		guide:          lane.GuideExistingAuth,
		channel:        adapter.NegoAuth,
		authKind:       adapter.AuthConnAny,
		preferExisting: true,
		retryCurrent:   true,
		admissible: func(c *planContext) bool {
			return c.hasAuth
		},
	},
	{
		guide:          lane.GuideBR,
		channel:        adapter.NegoAuth,
		authKind:       adapter.AuthConnBR,
		preferExisting: true,
		admissible: func(c *planContext) bool {
			return c.hasBR
		},
	},
	{
		guide:   lane.GuideProxy,
		channel: adapter.NegoProxy,
		admissible: func(c *planContext) bool {
			return c.both(adapter.FeatureProxyNego)
		},
	},
	{
		guide:    lane.GuideNewAuth,
		channel:  adapter.NegoAuth,
		authKind: adapter.AuthConnAny,
		admissible: func(*planContext) bool {
			return true
		},
	},
}

func strategyFor(g lane.GuideType) *strategy {
	for i := range strategies {
		if strategies[i].guide == g {
			return &strategies[i]
		}
	}
	return nil
}
