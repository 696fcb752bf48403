package dispatch

import "errors"

// Failure classes for a delivery turn. HandleDelivery maps every internal
// failure onto one of these so the user always gets exactly one reply.
var (
	// ErrOverloaded means no concurrency slot freed up within the gate wait.
	ErrOverloaded = errors.New("dispatcher overloaded")

	// ErrTimeout means the capability did not finish within the turn deadline.
	ErrTimeout = errors.New("capability timed out")

	// ErrCapabilityFailure wraps errors returned by the agent capability.
	ErrCapabilityFailure = errors.New("capability failed")

	// ErrStoreFailure wraps session store errors. A turn that fails here is
	// eligible for redelivery.
	ErrStoreFailure = errors.New("session store failed")

	// ErrNotInitialized means lazy initialization has not yet succeeded.
	ErrNotInitialized = errors.New("dispatcher not initialized")
)

// failureReply maps a classified error to the single user-facing reply for
// the turn.
func failureReply(err error) string {
	switch {
	case errors.Is(err, ErrOverloaded):
		return "I'm handling a lot of messages right now. Please try again in a moment."
	case errors.Is(err, ErrTimeout):
		return "That took longer than I allow for a single reply. Please try again."
	case errors.Is(err, ErrStoreFailure):
		return "I couldn't save this conversation. Please resend your message."
	default:
		return "Something went wrong while generating a reply. Please try again."
	}
}
