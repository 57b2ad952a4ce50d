package fedi

// DefaultFollowTargets is the static list of remote accounts a fresh admin
// follows so the home timeline is not empty. Order only affects
// operator-visible progress, not correctness.
var DefaultFollowTargets = []string{
	"Gargron@mastodon.social",
	"Mastodon@mastodon.social",
	"feditips@mstdn.social",
	"FediFollows@mastodon.online",
	"fediversenews@venera.social",
	"selfhosted@lemmy.world",
	"nextcloud@mastodon.xyz",
	"EUCommission@ec.social-network.europa.eu",
	"Codeberg@social.anoxinon.de",
	"kde@floss.social",
	"gnome@floss.social",
	"mozilla@mozilla.social",
	"torproject@mastodon.social",
	"EFF@mastodon.social",
	"internetarchive@mastodon.archive.org",
	"signalapp@mastodon.world",
	"blender@mastodon.social",
	"postgresql@mastodon.social",
	"thunderbird@mastodon.online",
	"fdroidorg@floss.social",
}
