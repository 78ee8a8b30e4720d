package voicelink

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/voicelink/audio"
	"github.com/opd-ai/voicelink/rooms"
	"github.com/opd-ai/voicelink/transport"
)

// Audio session states.
const (
	SessionIdle      = "idle"
	SessionStarting  = "starting"
	SessionStreaming = "streaming"
	SessionStopping  = "stopping"
)

// Audio session FSM events.
const (
	sessionEventStart       = "start"
	sessionEventStarted     = "started"
	sessionEventStartFailed = "start_failed"
	sessionEventStop        = "stop"
	sessionEventStopped     = "stopped"
)

// Default device names registered by New.
const (
	DefaultToneDevice = "tone"
	DefaultNullDevice = "null"
)

// Engine is the voice chat engine facade. It owns the UDP transport, the
// room registry, the peer links, the audio pipeline and the quality
// monitoring loops.
//
// All control-plane methods are safe for concurrent use. The real-time
// capture and playout paths never block on network I/O or on the control
// mutex held across slow work.
type Engine struct {
	cfg       Config
	transport transport.Transport
	manager   *rooms.Manager
	processor *audio.Processor
	mixer     *audio.Mixer
	meter     *audio.LevelMeter
	devices   *DeviceRegistry
	collector *engineCollector

	localID uuid.UUID

	session   *fsm.FSM
	sessionMu sync.Mutex

	mu          sync.Mutex
	links       map[uuid.UUID]*PeerLink
	roomID      uuid.UUID
	capture     CaptureDevice
	playback    PlaybackDevice
	subscribers map[int]chan NetworkStats
	nextSubID   int
	closed      bool

	muted      atomic.Bool
	inputGain  *audio.GainEffect
	outputGain *audio.GainEffect

	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup

	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	packetsDropped  atomic.Uint64
}

// New creates an engine bound to cfg.ListenAddr and registers localName as
// the local user. A tone source and a null sink are registered as default
// devices so the pipeline runs without hardware.
func New(cfg Config, localName string) (*Engine, error) {
	udp, err := transport.NewUDPTransport(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind transport: %w", err)
	}

	manager := rooms.NewManager()
	localID, err := manager.AddUser(localName)
	if err != nil {
		udp.Close()
		return nil, err
	}

	inputGain, err := audio.NewGainEffect(1.0)
	if err != nil {
		udp.Close()
		return nil, err
	}
	outputGain, err := audio.NewGainEffect(1.0)
	if err != nil {
		udp.Close()
		return nil, err
	}

	e := &Engine{
		cfg:         cfg,
		transport:   udp,
		manager:     manager,
		processor:   audio.NewProcessor(cfg.PayloadFormat),
		mixer:       audio.NewMixer(cfg.FrameSize()),
		meter:       audio.NewLevelMeter(),
		devices:     NewDeviceRegistry(),
		localID:     localID,
		links:       make(map[uuid.UUID]*PeerLink),
		subscribers: make(map[int]chan NetworkStats),
		inputGain:   inputGain,
		outputGain:  outputGain,
	}
	e.collector = newEngineCollector(e)

	tone := NewToneSource(DefaultToneDevice, 440, cfg.SampleRate, cfg.FrameDuration)
	sink := NewNullSink(DefaultNullDevice)
	e.devices.RegisterCapture(tone)
	e.devices.RegisterPlayback(sink)
	e.capture = tone
	e.playback = sink

	e.session = fsm.NewFSM(
		SessionIdle,
		fsm.Events{
			{Name: sessionEventStart, Src: []string{SessionIdle}, Dst: SessionStarting},
			{Name: sessionEventStarted, Src: []string{SessionStarting}, Dst: SessionStreaming},
			{Name: sessionEventStartFailed, Src: []string{SessionStarting}, Dst: SessionIdle},
			{Name: sessionEventStop, Src: []string{SessionStreaming}, Dst: SessionStopping},
			{Name: sessionEventStopped, Src: []string{SessionStopping}, Dst: SessionIdle},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, ev *fsm.Event) {
				logrus.WithFields(logrus.Fields{
					"function": "Engine",
					"from":     ev.Src,
					"to":       ev.Dst,
				}).Info("Audio session state changed")
			},
		},
	)

	udp.RegisterHandler(transport.PacketAudioFrame, e.handleAudioFrame)
	udp.RegisterHandler(transport.PacketPingRequest, e.handlePingRequest)
	udp.RegisterHandler(transport.PacketPingResponse, e.handlePingResponse)

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"addr":     udp.LocalAddr(),
		"local_id": localID,
	}).Info("Engine created")
	return e, nil
}

// LocalID returns the local user's ID.
func (e *Engine) LocalID() uuid.UUID { return e.localID }

// LocalAddr returns the bound UDP address.
func (e *Engine) LocalAddr() net.Addr { return e.transport.LocalAddr() }

// SessionState returns the audio session's current FSM state.
func (e *Engine) SessionState() string {
	e.sessionMu.Lock()
	defer e.sessionMu.Unlock()
	return e.session.Current()
}

func (e *Engine) fireSession(event string) error {
	e.sessionMu.Lock()
	defer e.sessionMu.Unlock()
	return e.session.Event(context.Background(), event)
}

// StartAudio acquires the capture device and starts the playout, probe
// and stats loops. Calling it while already streaming is a no-op. On
// device failure the engine returns to idle with no state change.
func (e *Engine) StartAudio() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}
	if e.SessionState() == SessionStreaming {
		return nil
	}
	if err := e.fireSession(sessionEventStart); err != nil {
		return fmt.Errorf("cannot start audio from state %s: %w", e.SessionState(), err)
	}

	if err := e.capture.Start(e.onCaptureFrame); err != nil {
		_ = e.fireSession(sessionEventStartFailed)
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.loopCancel = cancel
	e.loopWG.Add(3)
	go e.playoutLoop(ctx)
	go e.pingLoop(ctx)
	go e.statsLoop(ctx)

	_ = e.fireSession(sessionEventStarted)
	return nil
}

// StopAudio tears down all peer links, stops the capture device and the
// background loops, and returns the session to idle. Calling it while
// idle is a no-op.
func (e *Engine) StopAudio() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopAudioLocked()
}

func (e *Engine) stopAudioLocked() error {
	if e.SessionState() == SessionIdle {
		return nil
	}
	if err := e.fireSession(sessionEventStop); err != nil {
		return fmt.Errorf("cannot stop audio from state %s: %w", e.SessionState(), err)
	}

	if err := e.capture.Stop(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.stopAudioLocked",
			"error":    err,
		}).Warn("Capture device stop failed")
	}
	if e.loopCancel != nil {
		e.loopCancel()
		e.loopCancel = nil
	}

	for id, link := range e.links {
		link.Close()
		delete(e.links, id)
	}

	e.mu.Unlock()
	e.loopWG.Wait()
	e.mu.Lock()

	_ = e.fireSession(sessionEventStopped)
	return nil
}

// StartStreaming builds peer links to every member of the room with a
// known endpoint. The local user must be a member.
func (e *Engine) StartStreaming(roomID uuid.UUID) error {
	peers, err := e.manager.RoomPeers(roomID, e.localID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}
	if e.roomID != uuid.Nil && e.roomID != roomID {
		// Switching rooms; links to the previous room's members are stale.
		for id, link := range e.links {
			link.Close()
			delete(e.links, id)
		}
	}
	e.roomID = roomID
	for _, peer := range peers {
		if _, ok := e.links[peer.UserID]; ok {
			continue
		}
		e.links[peer.UserID] = newPeerLink(peer.UserID, peer.Addr, e.cfg)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Engine.StartStreaming",
		"room_id":  roomID,
		"links":    len(e.links),
	}).Info("Streaming started")
	return nil
}

// StopStreaming closes every peer link for the room.
func (e *Engine) StopStreaming(roomID uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.roomID != roomID {
		return nil
	}
	for id, link := range e.links {
		link.Close()
		delete(e.links, id)
	}
	e.roomID = uuid.Nil

	logrus.WithFields(logrus.Fields{
		"function": "Engine.StopStreaming",
		"room_id":  roomID,
	}).Info("Streaming stopped")
	return nil
}

// AddUser registers a remote participant in the room registry.
func (e *Engine) AddUser(name string) (uuid.UUID, error) {
	return e.manager.AddUser(name)
}

// AddRemoteUser registers a remote participant under the identity the
// signaling collaborator delivered for them.
func (e *Engine) AddRemoteUser(id uuid.UUID, name string) error {
	return e.manager.AddUserWithID(id, name)
}

// Rooms exposes the room registry so signaling collaborators can mirror
// remote membership.
func (e *Engine) Rooms() *rooms.Manager {
	return e.manager
}

// SetPeerAddress records a user's reachable UDP endpoint, delivered by an
// external negotiation collaborator.
func (e *Engine) SetPeerAddress(userID uuid.UUID, addr *net.UDPAddr) error {
	return e.manager.SetPeerAddress(userID, addr)
}

// CreateRoom creates a room with the local user as creator.
func (e *Engine) CreateRoom(name string) (rooms.Room, error) {
	return e.manager.CreateRoom(name, e.localID)
}

// JoinRoom adds the local user to an existing room. While the session is
// streaming, links to the room's reachable members are established
// immediately rather than waiting for their first packet.
func (e *Engine) JoinRoom(roomID uuid.UUID) (rooms.Room, error) {
	room, err := e.manager.JoinRoom(roomID, e.localID)
	if err != nil {
		return rooms.Room{}, err
	}
	if e.SessionState() == SessionStreaming {
		if err := e.StartStreaming(roomID); err != nil {
			return room, err
		}
	}
	return room, nil
}

// LeaveRoom removes the local user from the room and stops streaming to
// its members.
func (e *Engine) LeaveRoom(roomID uuid.UUID) error {
	if err := e.manager.LeaveRoom(roomID, e.localID); err != nil {
		return err
	}
	return e.StopStreaming(roomID)
}

// ListRooms returns snapshots of all rooms with participants.
func (e *Engine) ListRooms() []rooms.Room {
	return e.manager.ListRooms()
}

// SetMuted sets the local mute flag. While muted, captured frames feed
// the input level meter but are not transmitted.
func (e *Engine) SetMuted(muted bool) error {
	if err := e.manager.SetMuted(e.localID, muted); err != nil {
		return err
	}
	e.muted.Store(muted)
	return nil
}

// SetDeafened sets the local deafen flag. While deafened, playback is
// silenced but jitter buffers keep running so undeafening resumes cleanly.
func (e *Engine) SetDeafened(deafened bool) error {
	if err := e.manager.SetDeafened(e.localID, deafened); err != nil {
		return err
	}
	gain := 1.0
	if deafened {
		gain = 0.0
	}
	return e.outputGain.SetGain(gain)
}

// SetInputVolume scales captured audio before encoding. The input level
// meter keeps reading the raw signal.
func (e *Engine) SetInputVolume(volume float64) error {
	return e.inputGain.SetGain(volume)
}

// SetUserVolume sets the playback volume for one remote participant.
func (e *Engine) SetUserVolume(userID uuid.UUID, volume float64) error {
	if err := e.manager.SetVolume(userID, volume); err != nil {
		return err
	}

	e.mu.Lock()
	link, ok := e.links[userID]
	e.mu.Unlock()
	if ok {
		return link.SetVolume(volume)
	}
	return nil
}

// SetInputDevice switches capture to the named registered device. While
// streaming, the old device stops before the new one starts; on failure
// the old device is restored.
func (e *Engine) SetInputDevice(name string) error {
	device, err := e.devices.Capture(name)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.SessionState() != SessionStreaming {
		e.capture = device
		return nil
	}

	previous := e.capture
	if err := previous.Stop(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.SetInputDevice",
			"error":    err,
		}).Warn("Previous capture device stop failed")
	}
	if err := device.Start(e.onCaptureFrame); err != nil {
		if restoreErr := previous.Start(e.onCaptureFrame); restoreErr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Engine.SetInputDevice",
				"error":    restoreErr,
			}).Error("Failed to restore previous capture device")
		}
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	e.capture = device
	return nil
}

// SetOutputDevice switches playback to the named registered device.
func (e *Engine) SetOutputDevice(name string) error {
	device, err := e.devices.Playback(name)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.playback = device
	return nil
}

// Devices returns the engine's device registry for registering real
// hardware backends.
func (e *Engine) Devices() *DeviceRegistry { return e.devices }

// InputLevel returns the smoothed peak level of raw captured audio in
// [0.0, 1.0]. It keeps moving while muted.
func (e *Engine) InputLevel() float64 {
	return e.meter.Level()
}

// SubscribeNetworkStats returns a bounded stats stream and its cancel
// function. When the consumer lags, older snapshots are replaced by newer
// ones rather than queueing without bound.
func (e *Engine) SubscribeNetworkStats() (<-chan NetworkStats, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextSubID
	e.nextSubID++
	ch := make(chan NetworkStats, 1)
	e.subscribers[id] = ch

	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if sub, ok := e.subscribers[id]; ok {
			delete(e.subscribers, id)
			close(sub)
		}
	}
	return ch, cancel
}

// MetricsCollector returns a prometheus collector exporting engine and
// per-link counters.
func (e *Engine) MetricsCollector() prometheus.Collector {
	return e.collector
}

// LinkState returns the FSM state of the link to userID.
func (e *Engine) LinkState(userID uuid.UUID) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	link, ok := e.links[userID]
	if !ok {
		return "", false
	}
	return link.State(), true
}

// removeLink closes the link and drops it from the engine's link table.
func (e *Engine) removeLink(link *PeerLink) {
	link.Close()
	e.mu.Lock()
	delete(e.links, link.UserID())
	e.mu.Unlock()
}

// linksSnapshot returns the current links without holding the lock during
// iteration.
func (e *Engine) linksSnapshot() []*PeerLink {
	e.mu.Lock()
	defer e.mu.Unlock()

	links := make([]*PeerLink, 0, len(e.links))
	for _, link := range e.links {
		links = append(links, link)
	}
	return links
}

// Close stops the audio session, closes the transport and releases all
// subscriptions. The engine cannot be restarted afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	err := e.stopAudioLocked()

	for id, sub := range e.subscribers {
		delete(e.subscribers, id)
		close(sub)
	}
	e.mu.Unlock()

	if closeErr := e.transport.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if procErr := e.processor.Close(); procErr != nil && err == nil {
		err = procErr
	}

	logrus.WithFields(logrus.Fields{
		"function": "Engine.Close",
	}).Info("Engine closed")
	return err
}
