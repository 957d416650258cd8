package domain

type (
	ServerID  string
	ChannelID string
)

// Channel is a voice channel as resolved by the external channel store.
type Channel struct {
	ID        ChannelID `json:"id"`
	ServerID  ServerID  `json:"serverId"`
	Name      string    `json:"name"`
	IsPrivate bool      `json:"isPrivate"`
}

// VoiceFlags summarises what a member is currently sending.
type VoiceFlags struct {
	Microphone   bool `json:"microphone"`
	Camera       bool `json:"camera"`
	ScreenShare  bool `json:"screenShare"`
	BrowserShare bool `json:"browserShare"`
}

// VoiceState is the global presence record of one user.
// Channel is nil when the user is not in any voice channel.
type VoiceState struct {
	UserID   UserID     `json:"userId"`
	Username string     `json:"username,omitempty"`
	Channel  *ChannelID `json:"channelId"`
	Flags    VoiceFlags `json:"flags"`
}

// FlagsFor derives voice flags from the set of live source tags.
func FlagsFor(tags []SourceTag) VoiceFlags {
	var f VoiceFlags
	for _, t := range tags {
		switch t {
		case SourceMic:
			f.Microphone = true
		case SourceWebcam:
			f.Camera = true
		case SourceScreen, SourceScreenAudio:
			f.ScreenShare = true
		case SourceBrowser, SourceBrowserAudio:
			f.BrowserShare = true
		}
	}
	return f
}
