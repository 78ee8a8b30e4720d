package rooms

import "errors"

// Session errors returned by Manager operations. All of them leave the
// manager's state untouched.
var (
	// ErrInvalidName is returned when a room or user name is empty or
	// only whitespace.
	ErrInvalidName = errors.New("name is empty or whitespace")
	// ErrRoomNotFound is returned when the referenced room does not exist.
	ErrRoomNotFound = errors.New("room not found")
	// ErrUserNotFound is returned when the referenced user is not registered.
	ErrUserNotFound = errors.New("user not found")
	// ErrInvalidVolume is returned when a volume is outside [0.0, 1.0].
	ErrInvalidVolume = errors.New("volume outside valid range [0.0, 1.0]")
)
