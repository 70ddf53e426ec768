package dispatch

import "nearcast/internal/playerstate"

// Config bundles the tunables the dispatcher needs beyond the shared
// audibility params: send-queue depth and the control-message rate limit
// applied per connection.
type Config struct {
	Audibility            playerstate.AudibilityParams
	DatagramSendCapacity  int
	DatagramRecvCapacity  int
	ControlRateLimitPerSec float64
	ControlRateLimitBurst int
	// IdentityMismatchLimit is the number of consecutive PacketOwner/CN
	// mismatches tolerated before the connection is closed.
	IdentityMismatchLimit int
}

// DefaultConfig returns the dispatcher's shipped defaults.
func DefaultConfig() Config {
	return Config{
		Audibility:             playerstate.DefaultAudibilityParams(),
		DatagramSendCapacity:   1024,
		DatagramRecvCapacity:   1024,
		ControlRateLimitPerSec: 20,
		ControlRateLimitBurst:  40,
		IdentityMismatchLimit:  5,
	}
}
