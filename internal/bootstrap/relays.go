package bootstrap

// Relay subscription states as persisted by the application.
const (
	RelayStatePending  = 1
	RelayStateAccepted = 2
	RelayStateRejected = 3
)

// DefaultRelayInboxes is the static set of relay inboxes every deployment
// subscribes to. Entries are written directly to storage as accepted
// (state 2), bypassing the application's own relay-management workflow.
var DefaultRelayInboxes = []string{
	"https://relay.an-instance.social/inbox",
	"https://relay.beckmeyer.us/inbox",
	"https://relay.chocoflan.net/inbox",
	"https://relay.darkfriend.social/inbox",
	"https://relay.dresden.network/inbox",
	"https://relay.fedi.agency/inbox",
	"https://relay.fedinet.social/inbox",
	"https://relay.froth.zone/inbox",
	"https://relay.g3l.org/inbox",
	"https://relay.homelab.social/inbox",
	"https://relay.infosec.exchange/inbox",
	"https://relay.intahnet.co.uk/inbox",
	"https://relay.libranet.de/inbox",
	"https://relay.mastodon.zone/inbox",
	"https://relay.mistli.net/inbox",
	"https://relay.pissdichal.de/inbox",
	"https://relay.toot.yukimochi.jp/inbox",
	"https://relay.wagnersnetz.de/inbox",
}
