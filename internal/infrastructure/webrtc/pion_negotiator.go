package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"castroom/internal/core/domain"
	"castroom/internal/core/ports"
	"castroom/pkg/optimize"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var (
	// ErrPeerLeft is reported by a host link when the viewer went away.
	ErrPeerLeft = errors.New("peer left")
	// ErrHostLeft is reported by a viewer link when the host stopped sharing.
	ErrHostLeft = errors.New("host left")
	// ErrLinkClosed is reported after a local Close.
	ErrLinkClosed     = errors.New("link closed")
	ErrNegotiatorDown = errors.New("negotiator closed")
)

// packetBuffers holds one MTU per read loop.
var packetBuffers = optimize.NewBytePool(1500)

// signalTimeout bounds best-effort notifications sent during teardown.
const signalTimeout = 5 * time.Second

// WebRTCConfig WebRTC configuration
type WebRTCConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// StreamObserver receives media plane counters.
type StreamObserver interface {
	RTPReceived(kind string, bytes int)
	RTCPReceived(packetType string)
}

type nopObserver struct{}

func (nopObserver) RTPReceived(string, int) {}
func (nopObserver) RTCPReceived(string)     {}

// PionNegotiator builds pion peer connections and exchanges complete SDP
// (non-trickle ICE) over a signaling channel.
type PionNegotiator struct {
	api       *webrtc.API
	config    webrtc.Configuration
	signaling ports.Signaling
	observer  StreamObserver
	logger    *zap.SugaredLogger

	mu         sync.Mutex
	registered map[domain.RoomID]bool
	joins      map[domain.RoomID]chan string
	answers    map[string]chan domain.Signal
	offers     map[domain.RoomID]chan domain.Signal
	links      map[string]*pionTransport
	closed     bool

	done chan struct{}
	wg   sync.WaitGroup
}

func NewPionNegotiator(
	config WebRTCConfig,
	signaling ports.Signaling,
	observer StreamObserver,
	logger *zap.SugaredLogger,
) (*PionNegotiator, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	if observer == nil {
		observer = nopObserver{}
	}

	n := &PionNegotiator{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settingEngine),
		),
		config: webrtc.Configuration{
			ICEServers:   config.ICEServers,
			SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		},
		signaling:  signaling,
		observer:   observer,
		logger:     logger,
		registered: make(map[domain.RoomID]bool),
		joins:      make(map[domain.RoomID]chan string),
		answers:    make(map[string]chan domain.Signal),
		offers:     make(map[domain.RoomID]chan domain.Signal),
		links:      make(map[string]*pionTransport),
		done:       make(chan struct{}),
	}

	n.wg.Add(1)
	go n.dispatch()
	return n, nil
}

func (n *PionNegotiator) dispatch() {
	defer n.wg.Done()
	for {
		select {
		case <-n.done:
			return
		case sig, ok := <-n.signaling.Receive():
			if !ok {
				n.logger.Warnw("signaling channel closed")
				n.failAll(ErrNegotiatorDown)
				return
			}
			n.route(sig)
		}
	}
}

func (n *PionNegotiator) route(sig domain.Signal) {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch sig.Type {
	case domain.SignalJoin:
		if !n.registered[sig.RoomID] {
			return
		}
		select {
		case n.joinQueue(sig.RoomID) <- sig.From:
		default:
			n.logger.Warnw("join queue full, dropping viewer", "room_id", sig.RoomID, "viewer_id", sig.From)
		}

	case domain.SignalAnswer:
		if ch, ok := n.answers[sig.From]; ok {
			delete(n.answers, sig.From)
			ch <- sig
		}

	case domain.SignalOffer, domain.SignalError:
		if ch, ok := n.offers[sig.RoomID]; ok {
			delete(n.offers, sig.RoomID)
			ch <- sig
			return
		}
		if sig.Type == domain.SignalError {
			n.logger.Warnw("signaling error", "room_id", sig.RoomID, "message", sig.Message)
		}

	case domain.SignalLeave:
		if link, ok := n.links[sig.From]; ok {
			go link.fail(ErrPeerLeft)
		}

	case domain.SignalHostLeft:
		if ch, ok := n.offers[sig.RoomID]; ok {
			delete(n.offers, sig.RoomID)
			ch <- sig
		}
		for _, link := range n.links {
			if link.roomID == sig.RoomID && !link.hosting {
				go link.fail(ErrHostLeft)
			}
		}
	}
}

// joinQueue must be called with n.mu held.
func (n *PionNegotiator) joinQueue(roomID domain.RoomID) chan string {
	ch, ok := n.joins[roomID]
	if !ok {
		ch = make(chan string, 32)
		n.joins[roomID] = ch
	}
	return ch
}

func (n *PionNegotiator) send(ctx context.Context, sig domain.Signal) error {
	if err := n.signaling.Send(ctx, sig); err != nil {
		return fmt.Errorf("failed to send %s: %w", sig.Type, err)
	}
	return nil
}

// AwaitViewer registers as the room's host on first use and blocks until a
// viewer asks to join. When ctx ends the registration is released.
func (n *PionNegotiator) AwaitViewer(ctx context.Context, roomID domain.RoomID) (string, error) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return "", ErrNegotiatorDown
	}
	first := !n.registered[roomID]
	n.registered[roomID] = true
	queue := n.joinQueue(roomID)
	n.mu.Unlock()

	if first {
		if err := n.send(ctx, domain.Signal{Type: domain.SignalRegisterHost, RoomID: roomID}); err != nil {
			n.release(roomID)
			return "", err
		}
		context.AfterFunc(ctx, func() { n.unregister(roomID) })
	}

	select {
	case viewerID := <-queue:
		return viewerID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-n.done:
		return "", ErrNegotiatorDown
	}
}

func (n *PionNegotiator) release(roomID domain.RoomID) {
	n.mu.Lock()
	delete(n.registered, roomID)
	delete(n.joins, roomID)
	n.mu.Unlock()
}

func (n *PionNegotiator) unregister(roomID domain.RoomID) {
	n.release(roomID)
	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	if err := n.send(ctx, domain.Signal{Type: domain.SignalLeave, RoomID: roomID}); err != nil {
		n.logger.Debugw("failed to release host registration", "room_id", roomID, "error", err)
	}
}

// Offer links the host to viewerID.
func (n *PionNegotiator) Offer(ctx context.Context, roomID domain.RoomID, viewerID string, tracks []webrtc.TrackLocal) (ports.Transport, error) {
	pc, err := n.createPeerConnection()
	if err != nil {
		return nil, err
	}
	link := n.newTransport(pc, roomID, viewerID, true)

	for _, track := range tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			link.Close()
			return nil, fmt.Errorf("failed to add track %s: %w", track.ID(), err)
		}
		link.senders = append(link.senders, sender)
		go n.readRTCP(link, sender)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		link.Close()
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	sdp, err := n.gather(ctx, pc, offer)
	if err != nil {
		link.Close()
		return nil, err
	}

	answers := make(chan domain.Signal, 1)
	n.mu.Lock()
	n.answers[viewerID] = answers
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		if n.answers[viewerID] == answers {
			delete(n.answers, viewerID)
		}
		n.mu.Unlock()
	}()

	if err := n.send(ctx, domain.Signal{Type: domain.SignalOffer, RoomID: roomID, To: viewerID, SDP: sdp}); err != nil {
		link.Close()
		return nil, err
	}

	var answer domain.Signal
	select {
	case answer = <-answers:
	case <-link.Done():
		return nil, link.Err()
	case <-ctx.Done():
		link.Close()
		return nil, ctx.Err()
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		link.Close()
		return nil, fmt.Errorf("failed to set remote answer: %w", err)
	}
	if err := link.awaitConnected(ctx); err != nil {
		return nil, err
	}
	return link, nil
}

// Answer asks the room's host for an offer and answers it.
func (n *PionNegotiator) Answer(ctx context.Context, roomID domain.RoomID) (ports.Transport, error) {
	offers := make(chan domain.Signal, 1)
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, ErrNegotiatorDown
	}
	n.offers[roomID] = offers
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		if n.offers[roomID] == offers {
			delete(n.offers, roomID)
		}
		n.mu.Unlock()
	}()

	if err := n.send(ctx, domain.Signal{Type: domain.SignalJoin, RoomID: roomID}); err != nil {
		return nil, err
	}

	var offer domain.Signal
	select {
	case offer = <-offers:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.done:
		return nil, ErrNegotiatorDown
	}
	switch offer.Type {
	case domain.SignalHostLeft:
		return nil, ErrHostLeft
	case domain.SignalError:
		return nil, fmt.Errorf("relay refused join: %s", offer.Message)
	}

	pc, err := n.createPeerConnection()
	if err != nil {
		return nil, err
	}
	link := n.newTransport(pc, roomID, offer.From, false)
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		n.logger.Infow("receiving track",
			"room_id", roomID,
			"track_id", track.ID(),
			"codec", track.Codec().MimeType,
		)
		go n.readRTP(link, track)
		go n.drainRTCP(receiver)
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		link.Close()
		return nil, fmt.Errorf("failed to set remote offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		link.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}
	sdp, err := n.gather(ctx, pc, answer)
	if err != nil {
		link.Close()
		return nil, err
	}
	if err := n.send(ctx, domain.Signal{Type: domain.SignalAnswer, RoomID: roomID, To: offer.From, SDP: sdp}); err != nil {
		link.Close()
		return nil, err
	}
	if err := link.awaitConnected(ctx); err != nil {
		return nil, err
	}
	return link, nil
}

// createPeerConnection creates a new WebRTC connection
func (n *PionNegotiator) createPeerConnection() (*webrtc.PeerConnection, error) {
	pc, err := n.api.NewPeerConnection(n.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return pc, nil
}

// gather sets the local description and waits for ICE gathering so the SDP
// carries every candidate.
func (n *PionNegotiator) gather(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (string, error) {
	complete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	select {
	case <-complete:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return pc.LocalDescription().SDP, nil
}

func (n *PionNegotiator) newTransport(pc *webrtc.PeerConnection, roomID domain.RoomID, peerID string, hosting bool) *pionTransport {
	link := &pionTransport{
		negotiator: n,
		pc:         pc,
		roomID:     roomID,
		peerID:     peerID,
		hosting:    hosting,
		connected:  make(chan struct{}),
		done:       make(chan struct{}),
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		n.logger.Debugw("peer connection state changed",
			"room_id", roomID,
			"peer_id", peerID,
			"connection_state", state,
		)
		switch state {
		case webrtc.PeerConnectionStateConnected:
			link.connectOnce.Do(func() { close(link.connected) })
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			link.fail(fmt.Errorf("peer connection %s", state))
		}
	})

	n.mu.Lock()
	if old, ok := n.links[peerID]; ok {
		go old.fail(ErrLinkClosed)
	}
	n.links[peerID] = link
	n.mu.Unlock()
	return link
}

func (n *PionNegotiator) forget(link *pionTransport) {
	n.mu.Lock()
	if n.links[link.peerID] == link {
		delete(n.links, link.peerID)
	}
	n.mu.Unlock()
}

// readRTCP reads receiver feedback for one outgoing track.
func (n *PionNegotiator) readRTCP(link *pionTransport, sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			switch p := packet.(type) {
			case *rtcp.PictureLossIndication:
				n.observer.RTCPReceived("pli")
			case *rtcp.FullIntraRequest:
				n.observer.RTCPReceived("fir")
			case *rtcp.TransportLayerNack:
				n.observer.RTCPReceived("nack")
				n.logger.Debugw("received NACK",
					"viewer_id", link.peerID,
					"nacks", len(p.Nacks),
				)
			case *rtcp.ReceiverReport:
				n.observer.RTCPReceived("receiver_report")
				for _, report := range p.Reports {
					if report.FractionLost > 0 {
						n.logger.Debugw("viewer reports loss",
							"viewer_id", link.peerID,
							"fraction_lost", float64(report.FractionLost)/256,
							"jitter", report.Jitter,
						)
					}
				}
			}
		}
	}
}

func (n *PionNegotiator) drainRTCP(receiver *webrtc.RTPReceiver) {
	buf := packetBuffers.Get()
	defer packetBuffers.Put(buf)
	for {
		if _, _, err := receiver.Read(*buf); err != nil {
			return
		}
	}
}

// readRTP counts inbound media on a viewer link.
func (n *PionNegotiator) readRTP(link *pionTransport, track *webrtc.TrackRemote) {
	buf := packetBuffers.Get()
	defer packetBuffers.Put(buf)
	packet := &rtp.Packet{}
	kind := track.Kind().String()
	for {
		read, _, err := track.Read(*buf)
		if err != nil {
			return
		}
		if err := packet.Unmarshal((*buf)[:read]); err != nil {
			n.logger.Debugw("dropping malformed RTP packet", "peer_id", link.peerID, "error", err)
			continue
		}
		n.observer.RTPReceived(kind, len(packet.Payload))
	}
}

func (n *PionNegotiator) failAll(err error) {
	n.mu.Lock()
	links := make([]*pionTransport, 0, len(n.links))
	for _, link := range n.links {
		links = append(links, link)
	}
	n.mu.Unlock()
	for _, link := range links {
		link.fail(err)
	}
}

// Close closes every link and the signaling channel.
func (n *PionNegotiator) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	close(n.done)
	n.mu.Unlock()

	n.failAll(ErrNegotiatorDown)
	err := n.signaling.Close()
	n.wg.Wait()
	return err
}

// pionTransport is one established peer connection.
type pionTransport struct {
	negotiator *PionNegotiator
	pc         *webrtc.PeerConnection
	roomID     domain.RoomID
	peerID     string
	hosting    bool

	mu      sync.Mutex
	senders []*webrtc.RTPSender

	connectOnce sync.Once
	connected   chan struct{}

	failOnce sync.Once
	done     chan struct{}
	err      error
}

func (t *pionTransport) PeerID() string        { return t.peerID }
func (t *pionTransport) Done() <-chan struct{} { return t.done }

func (t *pionTransport) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

func (t *pionTransport) awaitConnected(ctx context.Context) error {
	select {
	case <-t.connected:
		return nil
	case <-t.done:
		return t.err
	case <-ctx.Done():
		t.Close()
		return ctx.Err()
	}
}

// ReplaceTracks swaps outgoing tracks by kind, without renegotiation.
func (t *pionTransport) ReplaceTracks(tracks []webrtc.TrackLocal) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	for _, track := range tracks {
		for _, sender := range t.senders {
			current := sender.Track()
			if current == nil || current.Kind() != track.Kind() {
				continue
			}
			if err := sender.ReplaceTrack(track); err != nil {
				errs = append(errs, fmt.Errorf("replace %s track: %w", track.Kind(), err))
			}
			break
		}
	}
	return errors.Join(errs...)
}

func (t *pionTransport) fail(err error) {
	t.failOnce.Do(func() {
		t.err = err
		close(t.done)
		t.negotiator.forget(t)
		if cerr := t.pc.Close(); cerr != nil {
			t.negotiator.logger.Debugw("failed to close peer connection", "peer_id", t.peerID, "error", cerr)
		}
	})
}

// Close tells the other side and closes the peer connection.
func (t *pionTransport) Close() error {
	select {
	case <-t.done:
		return nil
	default:
	}

	sig := domain.Signal{Type: domain.SignalLeave, RoomID: t.roomID, To: t.peerID}
	if t.hosting {
		sig.Type = domain.SignalHostLeft
	}
	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	if err := t.negotiator.send(ctx, sig); err != nil {
		t.negotiator.logger.Debugw("failed to notify peer of close", "peer_id", t.peerID, "error", err)
	}
	t.fail(ErrLinkClosed)
	return nil
}
