package messages

// Command type tags carried in the "type" field of a relayed payload.
const (
	TypePlay         = "play"
	TypeResume       = "resume"
	TypeSeek         = "seek"
	TypeSkipForward  = "skipForward"
	TypeSkipBackward = "skipBackward"
	TypeSetSubtitles = "setSubtitles"
	TypeMetadata     = "metadata"
	TypePong         = "pong"
)

// Envelope is the server-side wrapper around a relayed payload. The type
// field is only set on client-originated envelopes; server-relayed ones
// omit it.
type Envelope struct {
	Sender  string         `mapstructure:"sender"`
	RoomID  string         `mapstructure:"room_id"`
	Ts      float64        `mapstructure:"ts"`
	Payload map[string]any `mapstructure:"payload"`
	MsgID   string         `mapstructure:"msg_id"`
	Type    string         `mapstructure:"type"`
}

// Command is the tagged union of remote playback commands.
type Command interface {
	CommandType() string
}

// Play starts playback of a piece of content on the receiving device.
type Play struct {
	ContentID string `mapstructure:"contentId"`
	IsLive    bool   `mapstructure:"isLive"`
}

func (Play) CommandType() string { return TypePlay }

// Resume re-opens the last played content without new playback details.
type Resume struct{}

func (Resume) CommandType() string { return TypeResume }

// Seek jumps to an absolute position in seconds.
type Seek struct {
	Position float64 `mapstructure:"position"`
}

func (Seek) CommandType() string { return TypeSeek }

// SkipForward skips ahead by Seconds (player default when zero).
type SkipForward struct {
	Seconds float64 `mapstructure:"seconds"`
}

func (SkipForward) CommandType() string { return TypeSkipForward }

// SkipBackward skips back by Seconds (player default when zero).
type SkipBackward struct {
	Seconds float64 `mapstructure:"seconds"`
}

func (SkipBackward) CommandType() string { return TypeSkipBackward }

// SetSubtitles switches the active subtitle language.
type SetSubtitles struct {
	Language string `mapstructure:"language"`
}

func (SetSubtitles) CommandType() string { return TypeSetSubtitles }

// Generic carries a structurally valid command whose type this client does
// not model. Consumers decide whether to act on it.
type Generic struct {
	Type   string
	Fields map[string]any
}

func (g Generic) CommandType() string { return g.Type }

// AdBreak describes the ad pod currently playing, if any.
type AdBreak struct {
	Position float64 `mapstructure:"position"`
	Duration float64 `mapstructure:"duration"`
	Sequence float64 `mapstructure:"sequence"`
	PodCount float64 `mapstructure:"podCount"`
}

// Metadata is the periodic playback state report exchanged between room
// participants while content is playing. It is never persisted.
type Metadata struct {
	ContentID        string   `mapstructure:"contentId"`
	IsLive           bool     `mapstructure:"isLive"`
	Duration         float64  `mapstructure:"duration"`
	Position         float64  `mapstructure:"position"`
	Rate             float64  `mapstructure:"rate"`
	IsMuted          bool     `mapstructure:"isMuted"`
	Volume           float64  `mapstructure:"volume"`
	SubtitleLanguage string   `mapstructure:"subtitleLanguage"`
	Ad               *AdBreak `mapstructure:"ad"`
}

// Payload renders the metadata as the wire-shaped map pushed through the
// relay, including its type tag.
func (m Metadata) Payload() map[string]any {
	p := map[string]any{
		"type":             TypeMetadata,
		"contentId":        m.ContentID,
		"isLive":           m.IsLive,
		"duration":         m.Duration,
		"position":         m.Position,
		"rate":             m.Rate,
		"isMuted":          m.IsMuted,
		"volume":           m.Volume,
		"subtitleLanguage": m.SubtitleLanguage,
	}

	if m.Ad != nil {
		p["ad"] = map[string]any{
			"position": m.Ad.Position,
			"duration": m.Ad.Duration,
			"sequence": m.Ad.Sequence,
			"podCount": m.Ad.PodCount,
		}
	}

	return p
}
