// Package discovery abstracts how a device learns the network endpoints of
// its peers. The sync layer itself discovers peers from hello announcements;
// discovery answers the prior question of where to send frames at all, for
// links (unicast UDP fanout) that cannot rely on a broadcast medium.
package discovery

// Discovery provides the current set of peer endpoints (host:port). The set
// may change between calls; callers should re-query rather than cache.
type Discovery interface {
	Peers() []string
}
