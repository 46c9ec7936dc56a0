package constants

// Handler constants
const (
	// DefaultSearchLimit is the default number of identities returned by a search
	DefaultSearchLimit = 10

	// MaxSearchLimit caps the search limit a client may request
	MaxSearchLimit = 100

	// MaxCycleBodyBytes limits the size of a submitted cycle
	MaxCycleBodyBytes = 32 << 20
)

// Event channel constants
const (
	// EventChannelBuffer is the buffer size for event channels
	EventChannelBuffer = 100
)
