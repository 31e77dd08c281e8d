package signal

// ── Channel name constants ────────────────────────────────────────────────────
// Single source of truth for the relay channel naming convention. These are
// a wire-level contract: every client in a voice channel or call must derive
// the same names.
const (
	// VoicePrefix + channelID: mesh voice channel control traffic.
	VoicePrefix = "voice:"

	// CallPrefix + threadID: 1:1 call signaling for one thread.
	CallPrefix = "call:"

	// UserCallPrefix + userID: inbound call-offers for one user, listened to
	// while no call UI is mounted.
	UserCallPrefix = "user-call:"
)

// VoiceChannel returns the relay channel name for a mesh voice channel.
func VoiceChannel(channelID string) string { return VoicePrefix + channelID }

// CallThread returns the relay channel name for 1:1 call signaling.
func CallThread(threadID string) string { return CallPrefix + threadID }

// UserCall returns the user-scoped channel name for global inbound-call listening.
func UserCall(userID string) string { return UserCallPrefix + userID }
