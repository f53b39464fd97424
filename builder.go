package rewind

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MaxPlayers bounds the player slots in one session. Spectators don't
// count against it.
const MaxPlayers = 4

var (
	errNoSocket       = errors.New("can't start session: no socket")
	errNoLocalPlayer  = errors.New("can't start session: no local player")
	errBadHandleRange = errors.New("can't start session: handles not contiguous from 0")
)

// SessionBuilder validates and assembles the three session modes. The
// zero builder is unusable; start from NewSessionBuilder and chain the
// With/Add calls.
type SessionBuilder[I Input[I], S any, A comparable] struct {
	sock    Socket[A]
	players []Player[A]

	numPlayers int // explicit override, for spectator mode

	fps        int
	frameDelay int

	disconnectTimeout     time.Duration
	disconnectNotifyStart time.Duration

	desyncInterval int

	maxFramesBehind int
	catchupSpeed    int

	log   logrus.FieldLogger
	clock func() time.Time
}

func NewSessionBuilder[I Input[I], S any, A comparable]() *SessionBuilder[I, S, A] {
	return &SessionBuilder[I, S, A]{
		fps:                   60,
		frameDelay:            DefaultFrameDelay,
		disconnectTimeout:     defaultDisconnectTimeout,
		disconnectNotifyStart: defaultDisconnectNotifyStart,
		maxFramesBehind:       DefaultMaxFramesBehind,
		catchupSpeed:          DefaultCatchupSpeed,
		log:                   logrus.StandardLogger(),
		clock:                 time.Now,
	}
}

// WithSocket sets the transport every remote peer is reached through.
func (b *SessionBuilder[I, S, A]) WithSocket(sock Socket[A]) *SessionBuilder[I, S, A] {
	b.sock = sock
	return b
}

// AddLocalPlayer registers a slot fed through AddLocalInput.
func (b *SessionBuilder[I, S, A]) AddLocalPlayer(handle PlayerHandle) *SessionBuilder[I, S, A] {
	b.players = append(b.players, Player[A]{Type: Local, Handle: handle})
	return b
}

// AddRemotePlayer registers a slot whose inputs arrive from addr.
func (b *SessionBuilder[I, S, A]) AddRemotePlayer(handle PlayerHandle, addr A) *SessionBuilder[I, S, A] {
	b.players = append(b.players, Player[A]{Type: Remote, Handle: handle, Addr: addr})
	return b
}

// AddSpectator registers a non-playing peer that receives the confirmed
// input broadcast. Spectators are reported in events with handles past
// the player range.
func (b *SessionBuilder[I, S, A]) AddSpectator(addr A) *SessionBuilder[I, S, A] {
	b.players = append(b.players, Player[A]{Type: Spectator, Addr: addr})
	return b
}

// WithNumPlayers fixes the roster size. Only spectator sessions need it;
// the other modes count their registered players.
func (b *SessionBuilder[I, S, A]) WithNumPlayers(n int) *SessionBuilder[I, S, A] {
	b.numPlayers = n
	return b
}

// WithFPS sets the nominal simulation rate used to convert latency into
// frames. It doesn't drive anything; the host owns the real tick.
func (b *SessionBuilder[I, S, A]) WithFPS(fps int) *SessionBuilder[I, S, A] {
	b.fps = fps
	return b
}

// WithFrameDelay shifts local inputs into the future, trading input lag
// for fewer rollbacks.
func (b *SessionBuilder[I, S, A]) WithFrameDelay(delay int) *SessionBuilder[I, S, A] {
	b.frameDelay = delay
	return b
}

// WithDisconnectTimeout sets how long a peer may stay silent before it's
// dropped, and how much earlier the host gets warned.
func (b *SessionBuilder[I, S, A]) WithDisconnectTimeout(timeout, notifyStart time.Duration) *SessionBuilder[I, S, A] {
	b.disconnectTimeout = timeout
	b.disconnectNotifyStart = notifyStart
	return b
}

// WithDesyncDetection exchanges confirmed-state checksums every interval
// frames. Zero disables it.
func (b *SessionBuilder[I, S, A]) WithDesyncDetection(interval int) *SessionBuilder[I, S, A] {
	b.desyncInterval = interval
	return b
}

// WithSpectatorCatchup tunes how far a spectator may trail the host
// before consuming several frames per tick.
func (b *SessionBuilder[I, S, A]) WithSpectatorCatchup(maxFramesBehind, speed int) *SessionBuilder[I, S, A] {
	b.maxFramesBehind = maxFramesBehind
	b.catchupSpeed = speed
	return b
}

// WithLogger routes the session's logging. Defaults to the logrus
// standard logger.
func (b *SessionBuilder[I, S, A]) WithLogger(log logrus.FieldLogger) *SessionBuilder[I, S, A] {
	b.log = log
	return b
}

// WithClock overrides the monotonic clock driving the protocol timers.
// Tests use it to step time explicitly.
func (b *SessionBuilder[I, S, A]) WithClock(clock func() time.Time) *SessionBuilder[I, S, A] {
	b.clock = clock
	return b
}

func (b *SessionBuilder[I, S, A]) inputSize() int {
	var zero I
	return zero.Size()
}

// splitPlayers orders player slots by handle and separates spectators.
func (b *SessionBuilder[I, S, A]) splitPlayers() (players, spectators []Player[A], err error) {
	for _, p := range b.players {
		if p.Type == Spectator {
			spectators = append(spectators, p)
		} else {
			players = append(players, p)
		}
	}
	sort.Slice(players, func(i, j int) bool { return players[i].Handle < players[j].Handle })

	if len(players) < 2 || len(players) > MaxPlayers {
		return nil, nil, fmt.Errorf("can't start session: %d players, want 2..%d", len(players), MaxPlayers)
	}
	for i, p := range players {
		if int(p.Handle) != i {
			return nil, nil, errBadHandleRange
		}
	}

	locals, remotes := 0, 0
	seen := make(map[A]bool)
	for _, p := range b.players {
		switch p.Type {
		case Local:
			locals++
		case Remote, Spectator:
			if p.Type == Remote {
				remotes++
			}
			if seen[p.Addr] {
				return nil, nil, fmt.Errorf("can't start session: duplicate address %v", p.Addr)
			}
			seen[p.Addr] = true
		}
	}
	if locals == 0 {
		return nil, nil, errNoLocalPlayer
	}
	if remotes > 0 && locals != 1 {
		// One input stream per peer link; a networked session carries
		// exactly one locally fed slot.
		return nil, nil, fmt.Errorf("can't start session: %d local players with remote peers, want 1", locals)
	}
	return players, spectators, nil
}

// StartP2P builds a networked session. Every remote peer starts in the
// Syncing state; the session runs once each completes its handshake.
func (b *SessionBuilder[I, S, A]) StartP2P() (*P2PSession[I, S, A], error) {
	if b.sock == nil {
		return nil, errNoSocket
	}
	players, spectators, err := b.splitPlayers()
	if err != nil {
		return nil, err
	}
	if b.numPlayers != 0 && b.numPlayers != len(players) {
		return nil, fmt.Errorf("can't start session: %d players registered, %d configured", len(players), b.numPlayers)
	}

	n := len(players)
	size := b.inputSize()
	if size <= 0 || size > 255 {
		return nil, fmt.Errorf("can't start session: input size %d, want 1..255", size)
	}
	if len(spectators) > 0 && n*size > 255 {
		// The broadcast packs all players into one row, and the wire
		// carries its width in a byte.
		return nil, fmt.Errorf("can't start session: broadcast row %d bytes, want <= 255", n*size)
	}

	id := uuid.NewString()
	log := b.log.WithField("session", id[:8])

	s := &P2PSession[I, S, A]{
		id:                 id,
		log:                log,
		clock:              b.clock,
		sock:               b.sock,
		numPlayers:         n,
		inputSize:          size,
		fps:                b.fps,
		players:            players,
		queues:             make([]*inputQueue, n),
		protocols:          make([]*protocol[A], n),
		byAddr:             make(map[A]*protocol[A]),
		snapshots:          newSnapshots[S](),
		localConnectStatus: newConnectionStatuses(n),
		forcedRollback:     NullFrame,
		desyncInterval:     b.desyncInterval,
		localChecksums:     make(map[Frame]uint64),
		remoteChecksums:    make(map[Frame]remoteChecksum),
		events:             newRing[Event](256),
	}
	if b.desyncInterval > 0 {
		s.nextDesyncFrame = Frame(b.desyncInterval)
	}

	for i, p := range players {
		s.queues[i] = newInputQueue(p.Handle, size)
		switch p.Type {
		case Local:
			s.queues[i].setFrameDelay(b.frameDelay)
		case Remote:
			proto := newProtocol(b.sock, p.Addr, p.Handle, n, size, b.fps,
				s.localConnectStatus, b.disconnectTimeout, b.disconnectNotifyStart, log, b.clock)
			s.protocols[i] = proto
			s.byAddr[p.Addr] = proto
		}
	}
	for i, p := range spectators {
		proto := newProtocol(b.sock, p.Addr, PlayerHandle(n+i), n, n*size, b.fps,
			s.localConnectStatus, b.disconnectTimeout, b.disconnectNotifyStart, log, b.clock)
		s.spectators = append(s.spectators, proto)
		s.byAddr[p.Addr] = proto
	}

	if len(s.byAddr) == 0 {
		s.state = sessionRunning
	}

	log.WithFields(logrus.Fields{"players": n, "spectators": len(spectators)}).Info("p2p session created")
	return s, nil
}

// StartSpectator builds a session that replicates a host's broadcast.
// The roster size must be configured with WithNumPlayers.
func (b *SessionBuilder[I, S, A]) StartSpectator(host A) (*SpectatorSession[I, S, A], error) {
	if b.sock == nil {
		return nil, errNoSocket
	}
	if b.numPlayers < 1 || b.numPlayers > MaxPlayers {
		return nil, fmt.Errorf("can't start spectator: %d players, want 1..%d", b.numPlayers, MaxPlayers)
	}
	size := b.inputSize()
	if size <= 0 || b.numPlayers*size > 255 {
		return nil, fmt.Errorf("can't start spectator: broadcast row %d bytes, want 1..255", b.numPlayers*size)
	}

	id := uuid.NewString()
	log := b.log.WithField("session", id[:8])

	s := &SpectatorSession[I, S, A]{
		id:              id,
		log:             log,
		clock:           b.clock,
		sock:            b.sock,
		numPlayers:      b.numPlayers,
		inputSize:       size,
		hostAddr:        host,
		maxFramesBehind: b.maxFramesBehind,
		catchupSpeed:    b.catchupSpeed,
		events:          newRing[Event](256),
	}
	s.proto = newProtocol(b.sock, host, 0, b.numPlayers, b.numPlayers*size, b.fps,
		newConnectionStatuses(b.numPlayers), b.disconnectTimeout, b.disconnectNotifyStart, log, b.clock)
	for i := range s.buffer {
		s.buffer[i] = playerInput{frame: NullFrame}
	}

	log.WithField("players", b.numPlayers).Info("spectator session created")
	return s, nil
}

// StartSynctest builds the single-process determinism checker. Every
// registered player must be local; checkDistance is how many frames each
// verification rewinds.
func (b *SessionBuilder[I, S, A]) StartSynctest(checkDistance int) (*SynctestSession[I, S], error) {
	players, spectators, err := b.splitPlayers()
	if err != nil {
		return nil, err
	}
	if len(spectators) > 0 {
		return nil, errors.New("can't start synctest: spectators not supported")
	}
	for _, p := range players {
		if p.Type != Local {
			return nil, errors.New("can't start synctest: all players must be local")
		}
	}
	if checkDistance < 1 || checkDistance > MaxPredictionFrames {
		return nil, fmt.Errorf("can't start synctest: check distance %d, want 1..%d", checkDistance, MaxPredictionFrames)
	}
	size := b.inputSize()
	if size <= 0 || size > 255 {
		return nil, fmt.Errorf("can't start synctest: input size %d, want 1..255", size)
	}

	id := uuid.NewString()
	log := b.log.WithField("session", id[:8])

	s := &SynctestSession[I, S]{
		id:            id,
		log:           log,
		numPlayers:    len(players),
		inputSize:     size,
		checkDistance: checkDistance,
		queues:        make([]*inputQueue, len(players)),
		snapshots:     newSnapshots[S](),
		events:        newRing[Event](256),
	}
	for i := range s.queues {
		s.queues[i] = newInputQueue(PlayerHandle(i), size)
		s.queues[i].setFrameDelay(b.frameDelay)
	}

	log.WithFields(logrus.Fields{"players": len(players), "distance": checkDistance}).Info("synctest session created")
	return s, nil
}
