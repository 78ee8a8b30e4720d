// Package voicelink implements a peer-to-peer voice chat engine: named
// rooms, low-latency UDP audio between participants, adaptive jitter
// buffering and connection quality monitoring.
//
// The Engine facade owns the transport, the room registry and one peer
// link per remote participant. Audio flows capture → encode → packetize →
// UDP → jitter buffer → decode → gain → mix → playback, with a ~40ms
// end-to-end budget at the default 48kHz/20ms framing.
//
// Basic usage:
//
//	engine, err := voicelink.New(voicelink.DefaultConfig(), "alice")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	room, err := engine.CreateRoom("standup")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	// Endpoints arrive from an external negotiation collaborator.
//	bob, _ := engine.AddUser("bob")
//	engine.SetPeerAddress(bob, bobAddr)
//
//	engine.StartAudio()
//	engine.StartStreaming(room.ID)
//
//	stats, cancel := engine.SubscribeNetworkStats()
//	defer cancel()
//	for s := range stats {
//		fmt.Println(s.Quality)
//	}
//
// Subpackages hold the building blocks: transport (wire codec and UDP
// socket), jitter (adaptive jitter buffer), audio (codecs, gain, mixing)
// and rooms (membership registry).
package voicelink
