package media

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Engine is the media plane as seen by call control. Negotiation decisions
// live in call control; the engine owns ports, codecs in flight and stream
// direction. Implementations must be safe for concurrent use.
type Engine interface {
	// Negotiate processes a remote offer for a leg against the codec
	// policy and returns the local answer description.
	Negotiate(legID string, remote []byte, policy string) ([]byte, error)
	// ChoosePort allocates a local port without a remote offer and returns
	// a local offer description (late-negotiation answers).
	ChoosePort(legID string, policy string) ([]byte, error)
	// Activate starts (or restarts) the media stream for a leg.
	Activate(legID string) error
	// Redirect re-points an active stream at a new remote description
	// without renegotiating codecs.
	Redirect(legID string, remote []byte) error
	// Hold pauses outbound media; Unhold resumes it.
	Hold(legID string) error
	Unhold(legID string) error
	// Release frees everything the engine holds for a leg.
	Release(legID string)
}

type loopStream struct {
	port    int
	codec   Codec
	remote  string
	rport   int
	active  bool
	onHold  bool
	chosen  bool // port allocated before a remote offer arrived
	hasSDP  bool
	localIP string
}

// Loopback is the in-process media engine: it allocates ports and tracks
// stream state but moves no packets. Default engine for runs without an
// external media plane, and the engine the tests drive.
type Loopback struct {
	mu      sync.Mutex
	streams map[string]*loopStream
	localIP string
	nextPort, minPort, maxPort int
	logger  *slog.Logger
}

// NewLoopback creates a loopback engine allocating ports from [minPort, maxPort).
func NewLoopback(localIP string, minPort, maxPort int, logger *slog.Logger) *Loopback {
	return &Loopback{
		streams:  make(map[string]*loopStream),
		localIP:  localIP,
		nextPort: minPort,
		minPort:  minPort,
		maxPort:  maxPort,
		logger:   logger.With("component", "media"),
	}
}

func (l *Loopback) allocPortLocked() int {
	p := l.nextPort
	l.nextPort += 2
	if l.nextPort >= l.maxPort {
		l.nextPort = l.minPort
	}
	return p
}

func (l *Loopback) stream(legID string) *loopStream {
	s, ok := l.streams[legID]
	if !ok {
		s = &loopStream{localIP: l.localIP}
		l.streams[legID] = s
	}
	return s
}

// Negotiate parses the remote offer, applies the codec policy and returns a
// local answer bound to this leg's port.
func (l *Loopback) Negotiate(legID string, remote []byte, policy string) ([]byte, error) {
	offer, err := ParseOffer(remote)
	if err != nil {
		return nil, fmt.Errorf("leg %s: %w", legID, err)
	}
	codec, err := Negotiate(offer, policy)
	if err != nil {
		return nil, fmt.Errorf("leg %s: %w", legID, err)
	}

	l.mu.Lock()
	s := l.stream(legID)
	if s.port == 0 {
		s.port = l.allocPortLocked()
	}
	s.codec = codec
	s.remote = offer.Address
	s.rport = offer.Port
	s.hasSDP = true
	port := s.port
	l.mu.Unlock()

	l.logger.Debug("negotiated codec", "leg", legID, "codec", codec.Name, "remote", offer.Address, "port", port)
	return BuildDescription(l.localIP, port, []Codec{codec}, "sendrecv")
}

// ChoosePort allocates a port with no remote offer yet and returns a local
// offer listing the full policy preference set.
func (l *Loopback) ChoosePort(legID string, policy string) ([]byte, error) {
	codecs := policyCodecs(policy)
	if len(codecs) == 0 {
		codecs = []Codec{staticPayloads[0]}
	}

	l.mu.Lock()
	s := l.stream(legID)
	if s.port == 0 {
		s.port = l.allocPortLocked()
	}
	s.chosen = true
	port := s.port
	l.mu.Unlock()

	return BuildDescription(l.localIP, port, codecs, "sendrecv")
}

// Activate marks the leg's stream live.
func (l *Loopback) Activate(legID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.streams[legID]
	if !ok || s.port == 0 {
		return fmt.Errorf("leg %s: no negotiated stream", legID)
	}
	s.active = true
	return nil
}

// Redirect re-points a live stream at a new remote endpoint.
func (l *Loopback) Redirect(legID string, remote []byte) error {
	offer, err := ParseOffer(remote)
	if err != nil {
		return fmt.Errorf("leg %s: %w", legID, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.streams[legID]
	if !ok {
		return fmt.Errorf("leg %s: no stream", legID)
	}
	s.remote = offer.Address
	s.rport = offer.Port
	return nil
}

// Hold pauses the outbound direction of the stream.
func (l *Loopback) Hold(legID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.streams[legID]
	if !ok {
		return fmt.Errorf("leg %s: no stream", legID)
	}
	s.onHold = true
	return nil
}

// Unhold resumes the outbound direction of the stream.
func (l *Loopback) Unhold(legID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.streams[legID]
	if !ok {
		return fmt.Errorf("leg %s: no stream", legID)
	}
	s.onHold = false
	return nil
}

// Release drops all state for a leg. Safe to call for unknown legs.
func (l *Loopback) Release(legID string) {
	l.mu.Lock()
	delete(l.streams, legID)
	l.mu.Unlock()
}

// Active reports whether the leg has a live stream. Test helper.
func (l *Loopback) Active(legID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.streams[legID]
	return ok && s.active
}

// OnHold reports whether the leg's stream is paused. Test helper.
func (l *Loopback) OnHold(legID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.streams[legID]
	return ok && s.onHold
}

var wellKnownCodecs = map[string]Codec{
	"pcmu":            {PayloadType: 0, Name: "PCMU", ClockRate: 8000},
	"pcma":            {PayloadType: 8, Name: "PCMA", ClockRate: 8000},
	"g722":            {PayloadType: 9, Name: "G722", ClockRate: 8000},
	"g729":            {PayloadType: 18, Name: "G729", ClockRate: 8000},
	"opus":            {PayloadType: 96, Name: "opus", ClockRate: 48000, Channels: 2},
	"telephone-event": {PayloadType: 101, Name: "telephone-event", ClockRate: 8000},
}

// policyCodecs expands a codec policy string into concrete codecs, keeping
// only names with a known payload mapping.
func policyCodecs(policy string) []Codec {
	var out []Codec
	for _, name := range strings.Split(policy, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if c, ok := wellKnownCodecs[name]; ok {
			out = append(out, c)
		}
	}
	return out
}
