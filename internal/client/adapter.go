package client

// PlayerAdapter is the surface of the local media engine the room manager
// drives when a peer's playback command arrives. Implementations are called
// from the manager's receive goroutine and must be safe to call there.
type PlayerAdapter interface {
	Play()
	Pause()
	Stop()
	Next()
	Previous()
	// Seek moves playback to an absolute position in milliseconds.
	Seek(positionMs int64)
	// SetVolume takes a 0-100 level.
	SetVolume(volume int)
	// Load opens the track at songPath without implying play.
	Load(songPath string)
}
