package voicelink

import (
	"errors"

	"github.com/opd-ai/voicelink/rooms"
)

// Resource and lifecycle errors. Resource errors leave the engine in its
// last stable state.
var (
	// ErrDeviceUnavailable is returned when an audio device cannot be
	// acquired. The engine stays idle and no partial state remains.
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	// ErrDeviceNotFound is returned when no device with the requested
	// name is registered.
	ErrDeviceNotFound = errors.New("audio device not found")
	// ErrNotStreaming is returned by operations that require an active
	// audio session.
	ErrNotStreaming = errors.New("audio session is not streaming")
	// ErrEngineClosed is returned after Close.
	ErrEngineClosed = errors.New("engine is closed")
)

// Session errors surface from the rooms package unchanged so callers can
// match them without importing it.
var (
	ErrInvalidName   = rooms.ErrInvalidName
	ErrRoomNotFound  = rooms.ErrRoomNotFound
	ErrUserNotFound  = rooms.ErrUserNotFound
	ErrInvalidVolume = rooms.ErrInvalidVolume
)
