package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"castroom/internal/core/domain"
	"castroom/internal/core/ports"
	apperrors "castroom/pkg/errors"
	"castroom/pkg/retry"

	"go.uber.org/zap"
)

// PeerManagerConfig controls negotiation retries.
type PeerManagerConfig struct {
	Retry retry.Config
	// NegotiationTimeout bounds a single offer/answer attempt.
	NegotiationTimeout time.Duration
	// AcceptBackoff is the pause after a failed AwaitViewer.
	AcceptBackoff time.Duration
}

// link is one peer connection slot and its state machine.
type link struct {
	peerID    string
	state     domain.LinkState
	attempts  int
	since     time.Time
	transport ports.Transport
	// pump is set on the viewer link only.
	pump *statusPump
}

func (l *link) info() domain.LinkInfo {
	return domain.LinkInfo{
		PeerID:   l.peerID,
		State:    l.state,
		Attempts: l.attempts,
		Since:    l.since,
	}
}

// PeerManager owns the peer links of one session: one link per viewer when
// hosting, a single link to the host when viewing.
type PeerManager struct {
	negotiator ports.Negotiator
	cfg        PeerManagerConfig
	logger     *zap.SugaredLogger
	metrics    ports.Metrics
	now        func() time.Time

	mu     sync.Mutex
	roomID domain.RoomID
	source ports.CaptureSource
	links  map[string]*link
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPeerManager(negotiator ports.Negotiator, cfg PeerManagerConfig, logger *zap.SugaredLogger, metrics ports.Metrics) *PeerManager {
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = 20 * time.Second
	}
	if cfg.AcceptBackoff <= 0 {
		cfg.AcceptBackoff = time.Second
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &PeerManager{
		negotiator: negotiator,
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
		links:      make(map[string]*link),
	}
}

// transition moves l to next when legal. It must be called with m.mu held.
func (m *PeerManager) transition(l *link, next domain.LinkState) bool {
	if l.state == next {
		return false
	}
	if !l.state.CanTransition(next) {
		m.logger.Debugw("ignoring illegal link transition",
			"peer_id", l.peerID,
			"from", l.state,
			"to", next,
		)
		return false
	}
	m.metrics.LinkTransition(l.state, next)
	m.logger.Debugw("link state changed",
		"peer_id", l.peerID,
		"from", l.state,
		"link_state", next,
	)
	l.state = next
	l.since = m.now()
	if l.pump != nil {
		l.pump.push(next.Status())
	}
	return true
}

// start installs a fresh run context. It must be called with m.mu held.
func (m *PeerManager) start(roomID domain.RoomID) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	m.roomID = roomID
	m.cancel = cancel
	return ctx
}

// AttachLocalStream starts accepting viewers for roomID and streams source
// to each of them. Attaching a new source to the running room swaps the
// tracks on live links.
func (m *PeerManager) AttachLocalStream(ctx context.Context, roomID domain.RoomID, source ports.CaptureSource) error {
	if source == nil {
		return apperrors.NewValidationError("no capture source to attach")
	}

	m.mu.Lock()
	if err := ctx.Err(); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.cancel != nil {
		if m.roomID != roomID || m.source == nil {
			m.mu.Unlock()
			return apperrors.NewConflictError("peer links belong to another session").
				WithContext("room_id", string(m.roomID))
		}
		m.source = source
		transports := m.connectedLocked()
		m.mu.Unlock()
		return m.replaceTracks(transports, source)
	}
	m.source = source
	runCtx := m.start(roomID)
	m.wg.Add(1)
	m.mu.Unlock()

	go m.accept(runCtx, roomID)
	m.logger.Infow("accepting viewers", "room_id", roomID)
	return nil
}

func (m *PeerManager) accept(ctx context.Context, roomID domain.RoomID) {
	defer m.wg.Done()
	for {
		viewerID, err := m.negotiator.AwaitViewer(ctx, roomID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warnw("failed to accept viewer", "room_id", roomID, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.cfg.AcceptBackoff):
			}
			continue
		}

		m.mu.Lock()
		if old, ok := m.links[viewerID]; ok && old.transport != nil {
			old.transport.Close()
		}
		l := &link{peerID: viewerID, state: domain.LinkIdle, since: m.now()}
		m.links[viewerID] = l
		m.wg.Add(1)
		m.mu.Unlock()

		go m.serveViewer(ctx, roomID, l)
	}
}

// serveViewer negotiates with one viewer and holds the link until it ends.
func (m *PeerManager) serveViewer(ctx context.Context, roomID domain.RoomID, l *link) {
	defer m.wg.Done()

	transport, err := m.negotiate(ctx, l, func(ctx context.Context) (ports.Transport, error) {
		m.mu.Lock()
		source := m.source
		m.mu.Unlock()
		if source == nil {
			return nil, apperrors.NewTrackEndedError("capture is not active")
		}
		return m.negotiator.Offer(ctx, roomID, l.peerID, source.Tracks())
	})
	if err != nil {
		m.drop(l)
		return
	}

	m.logger.Infow("viewer connected", "room_id", roomID, "viewer_id", l.peerID)
	select {
	case <-transport.Done():
		m.logger.Infow("viewer link ended",
			"room_id", roomID,
			"viewer_id", l.peerID,
			"reason", transport.Err(),
		)
	case <-ctx.Done():
		transport.Close()
	}

	m.mu.Lock()
	m.transition(l, domain.LinkDisconnected)
	m.mu.Unlock()
	m.drop(l)
}

func (m *PeerManager) drop(l *link) {
	m.mu.Lock()
	if m.links[l.peerID] == l {
		delete(m.links, l.peerID)
	}
	m.mu.Unlock()
}

// negotiate runs attempt with bounded retries. Every retry passes through
// disconnected before negotiating again.
func (m *PeerManager) negotiate(ctx context.Context, l *link, attempt func(ctx context.Context) (ports.Transport, error)) (ports.Transport, error) {
	cfg := m.cfg.Retry
	cfg.RetryIf = retryable
	cfg.OnRetry = func(n int, delay time.Duration, err error) {
		m.metrics.NegotiationAttempt("retry")
		m.logger.Warnw("negotiation failed, retrying",
			"peer_id", l.peerID,
			"retry", n,
			"delay", delay,
			"error", err,
		)
		m.mu.Lock()
		m.transition(l, domain.LinkDisconnected)
		m.mu.Unlock()
	}

	transport, err := retry.RetryWithResult(ctx, cfg, func() (ports.Transport, error) {
		m.mu.Lock()
		if ctx.Err() != nil {
			m.mu.Unlock()
			return nil, ctx.Err()
		}
		m.transition(l, domain.LinkNegotiating)
		l.attempts++
		m.mu.Unlock()

		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.NegotiationTimeout)
		defer cancel()
		return attempt(attemptCtx)
	})
	if err != nil {
		m.mu.Lock()
		if ctx.Err() == nil {
			m.transition(l, domain.LinkFailed)
		}
		m.mu.Unlock()
		if ctx.Err() == nil {
			m.metrics.NegotiationAttempt("failed")
			m.logger.Warnw("negotiation gave up", "peer_id", l.peerID, "attempts", l.attempts, "error", err)
		}
		return nil, err
	}

	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		transport.Close()
		return nil, ctx.Err()
	}
	l.transport = transport
	m.transition(l, domain.LinkConnected)
	m.mu.Unlock()
	m.metrics.NegotiationAttempt("ok")
	return transport, nil
}

// retryable keeps retrying network failures and gives up on everything the
// other side will not change its mind about.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrHostLeft) || errors.Is(err, ErrNegotiatorDown) {
		return false
	}
	switch apperrors.CodeOf(err) {
	case apperrors.ErrCodeTrackEnded,
		apperrors.ErrCodePermissionDenied,
		apperrors.ErrCodeUnsupported,
		apperrors.ErrCodeValidation,
		apperrors.ErrCodeUnauthorized,
		apperrors.ErrCodeRoomFull,
		apperrors.ErrCodeNotFound:
		return false
	}
	return true
}

// ConnectToHost starts the viewer link. The channel yields connecting,
// connected and disconnected, and is closed when the link is given up or
// Disconnect is called.
func (m *PeerManager) ConnectToHost(ctx context.Context, roomID domain.RoomID) (<-chan domain.ConnectionStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return nil, apperrors.NewConflictError("peer links are already running").
			WithContext("room_id", string(m.roomID))
	}
	runCtx := m.start(roomID)
	l := &link{peerID: "host", state: domain.LinkIdle, since: m.now(), pump: newStatusPump()}
	m.links[l.peerID] = l
	m.wg.Add(1)
	m.mu.Unlock()

	statuses := make(chan domain.ConnectionStatus, 8)
	go m.view(runCtx, roomID, l, statuses)
	return statuses, nil
}

func (m *PeerManager) view(ctx context.Context, roomID domain.RoomID, l *link, statuses chan<- domain.ConnectionStatus) {
	defer m.wg.Done()

	stop := make(chan struct{})
	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		defer close(statuses)
		l.pump.run(ctx, statuses, stop)
	}()
	defer func() {
		close(stop)
		<-pumped
	}()

	for {
		transport, err := m.negotiate(ctx, l, func(ctx context.Context) (ports.Transport, error) {
			return m.negotiator.Answer(ctx, roomID)
		})
		if err != nil {
			return
		}
		m.logger.Infow("connected to host", "room_id", roomID)

		select {
		case <-ctx.Done():
			transport.Close()
			return
		case <-transport.Done():
		}

		cause := transport.Err()
		m.mu.Lock()
		m.transition(l, domain.LinkDisconnected)
		l.transport = nil
		m.mu.Unlock()

		if !retryable(cause) {
			m.logger.Infow("host link closed", "room_id", roomID, "reason", cause)
			return
		}
		m.logger.Warnw("host link lost, reconnecting", "room_id", roomID, "reason", cause)
	}
}

// statusPump delivers coarse status changes of a link in order without
// blocking the caller.
type statusPump struct {
	mu    sync.Mutex
	last  domain.ConnectionStatus
	queue []domain.ConnectionStatus
	wake  chan struct{}
}

func newStatusPump() *statusPump {
	return &statusPump{wake: make(chan struct{}, 1)}
}

func (p *statusPump) push(status domain.ConnectionStatus) {
	p.mu.Lock()
	if status == p.last {
		p.mu.Unlock()
		return
	}
	p.last = status
	p.queue = append(p.queue, status)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// run forwards queued statuses to out until ctx ends, or stop is closed and
// the queue is drained.
func (p *statusPump) run(ctx context.Context, out chan<- domain.ConnectionStatus, stop <-chan struct{}) {
	for {
		p.mu.Lock()
		pending := p.queue
		p.queue = nil
		p.mu.Unlock()

		for _, status := range pending {
			select {
			case out <- status:
			case <-ctx.Done():
				return
			}
		}
		if len(pending) > 0 {
			continue
		}

		select {
		case <-p.wake:
		case <-stop:
			p.mu.Lock()
			empty := len(p.queue) == 0
			p.mu.Unlock()
			if empty {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Retune pushes the current source tracks to every connected link. Link
// state is left untouched.
func (m *PeerManager) Retune(ctx context.Context) error {
	m.mu.Lock()
	source := m.source
	transports := m.connectedLocked()
	m.mu.Unlock()
	if source == nil {
		return nil
	}
	return m.replaceTracks(transports, source)
}

// connectedLocked must be called with m.mu held.
func (m *PeerManager) connectedLocked() []ports.Transport {
	var out []ports.Transport
	for _, l := range m.links {
		if l.state == domain.LinkConnected && l.transport != nil {
			out = append(out, l.transport)
		}
	}
	return out
}

func (m *PeerManager) replaceTracks(transports []ports.Transport, source ports.CaptureSource) error {
	var errs []error
	for _, t := range transports {
		if err := t.ReplaceTracks(source.Tracks()); err != nil {
			m.logger.Warnw("failed to retune link", "peer_id", t.PeerID(), "error", err)
			errs = append(errs, fmt.Errorf("peer %s: %w", t.PeerID(), err))
		}
	}
	return errors.Join(errs...)
}

// Disconnect closes every link and stops accepting viewers. It returns when
// all link goroutines are gone, or ctx ends.
func (m *PeerManager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	cancel := m.cancel
	roomID := m.roomID
	m.cancel = nil
	m.source = nil
	var transports []ports.Transport
	for _, l := range m.links {
		if l.transport != nil {
			transports = append(transports, l.transport)
		}
		m.transition(l, domain.LinkDisconnected)
	}
	m.links = make(map[string]*link)
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	for _, t := range transports {
		t.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Infow("peer links closed", "room_id", roomID, "links", len(transports))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for peer links to close: %w", ctx.Err())
	}
}

// ActiveLinks counts links that are negotiating or connected.
func (m *PeerManager) ActiveLinks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, l := range m.links {
		if l.state == domain.LinkNegotiating || l.state == domain.LinkConnected {
			n++
		}
	}
	return n
}

func (m *PeerManager) Links() []domain.LinkInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.LinkInfo, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l.info())
	}
	return out
}
