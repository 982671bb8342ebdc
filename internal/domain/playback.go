package domain

// Playback command vocabulary relayed between room members to keep their
// local players in step.
const (
	CommandPlay     = "play"
	CommandPause    = "pause"
	CommandStop     = "stop"
	CommandNext     = "next"
	CommandPrev     = "prev"
	CommandSeek     = "seek"
	CommandVolume   = "volume"
	CommandLoadSong = "load_song"
)
