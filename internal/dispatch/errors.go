package dispatch

import "errors"

// Sentinel errors of the Channel Manager, meant to be tested with
// errors.Is since they are frequently wrapped with contextual detail at
// each call boundary.
var (
	// ErrChannelDisconnected means the session host's socket dropped
	// mid-request, before a result frame arrived.
	ErrChannelDisconnected = errors.New("dispatch: channel disconnected")

	// ErrHostUnreachable means a dial or spawn attempt could not
	// establish a connection to the channel's session host at all.
	ErrHostUnreachable = errors.New("dispatch: session host unreachable")

	// ErrSpawnTimeout means the 10s poll window after spawning a new
	// session host elapsed without a successful socket dial.
	ErrSpawnTimeout = errors.New("dispatch: session host spawn timed out")

	// ErrAgentEnded names the agent-subprocess-exited case. Manager.Send
	// does not return it: an agent exit reaches the caller as a
	// ChatResult with IsError set, carrying the session host's synthetic
	// result text.
	ErrAgentEnded = errors.New("dispatch: agent subprocess ended")
)
