package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"castroom/internal/core/domain"
	"castroom/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

type fakeSource struct {
	id        string
	hasAudio  bool
	maxHeight int

	mu          sync.Mutex
	constraints domain.Constraints
	audio       bool
	stopped     bool
	endOnce     sync.Once
	ended       chan struct{}
}

func newFakeSource(id string) *fakeSource {
	return &fakeSource{id: id, hasAudio: true, maxHeight: 1440, ended: make(chan struct{})}
}

func (s *fakeSource) ID() string                  { return s.id }
func (s *fakeSource) Tracks() []webrtc.TrackLocal { return nil }
func (s *fakeSource) Ended() <-chan struct{}      { return s.ended }

func (s *fakeSource) ApplyConstraints(c domain.Constraints) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Height > s.maxHeight {
		return errors.New("constraint not satisfiable")
	}
	s.constraints = c
	return nil
}

func (s *fakeSource) SetAudioEnabled(enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = enabled && s.hasAudio
	return s.audio
}

func (s *fakeSource) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.endOnce.Do(func() { close(s.ended) })
}

func (s *fakeSource) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// revoke simulates the user ending the capture from the OS.
func (s *fakeSource) revoke() {
	s.endOnce.Do(func() { close(s.ended) })
}

type fakeDevice struct {
	mu      sync.Mutex
	calls   int
	err     error
	gate    chan struct{}
	sources []*fakeSource
	limit   int
}

func (d *fakeDevice) Acquire(ctx context.Context, c domain.Constraints, withAudio bool) (ports.CaptureSource, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	gate := d.gate
	err := d.err
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	src := newFakeSource(fmt.Sprintf("src-%d", n))
	src.hasAudio = withAudio
	if d.limit > 0 {
		src.maxHeight = d.limit
	}
	src.constraints = c

	d.mu.Lock()
	d.sources = append(d.sources, src)
	d.mu.Unlock()
	return src, nil
}

func (d *fakeDevice) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDevice) last() *fakeSource {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sources) == 0 {
		return nil
	}
	return d.sources[len(d.sources)-1]
}

type fakePeers struct {
	mu          sync.Mutex
	attached    ports.CaptureSource
	attachErr   error
	connectErr  error
	script      []domain.ConnectionStatus
	viewer      chan domain.ConnectionStatus
	retunes     int
	disconnects int
	links       []domain.LinkInfo
}

func (p *fakePeers) AttachLocalStream(ctx context.Context, roomID domain.RoomID, source ports.CaptureSource) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attachErr != nil {
		return p.attachErr
	}
	p.attached = source
	return nil
}

func (p *fakePeers) Retune(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retunes++
	return nil
}

func (p *fakePeers) retuneCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retunes
}

func (p *fakePeers) ConnectToHost(ctx context.Context, roomID domain.RoomID) (<-chan domain.ConnectionStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connectErr != nil {
		return nil, p.connectErr
	}
	ch := make(chan domain.ConnectionStatus, len(p.script)+1)
	for _, s := range p.script {
		ch <- s
	}
	p.viewer = ch
	return ch, nil
}

func (p *fakePeers) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects++
	p.attached = nil
	if p.viewer != nil {
		close(p.viewer)
		p.viewer = nil
	}
	return nil
}

func (p *fakePeers) ActiveLinks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	if p.attached != nil {
		n++
	}
	if p.viewer != nil {
		n++
	}
	return n
}

func (p *fakePeers) Links() []domain.LinkInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.links
}

// failingRooms fails selected mutations after delegating reads.
type failingRooms struct {
	ports.RoomStore
	failAdd bool
	failEnd bool
}

var errStoreDown = errors.New("store unavailable")

func (r *failingRooms) AddParticipant(ctx context.Context, id domain.RoomID, p domain.Participant) (*domain.Room, error) {
	if r.failAdd {
		return nil, errStoreDown
	}
	return r.RoomStore.AddParticipant(ctx, id, p)
}

func (r *failingRooms) End(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	if r.failEnd {
		return nil, errStoreDown
	}
	return r.RoomStore.End(ctx, id)
}

func (p *fakePeers) disconnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnects
}

// giveUp ends the viewer link the way an exhausted retry does.
func (p *fakePeers) giveUp() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.viewer != nil {
		p.viewer <- domain.StatusDisconnected
		close(p.viewer)
		p.viewer = nil
	}
}

// gatedPresence commits through the real controller and then holds the
// result back until gate is closed.
type gatedPresence struct {
	*PresenceController
	entered chan struct{}
	gate    chan struct{}
}

func newGatedPresence(p *PresenceController) *gatedPresence {
	return &gatedPresence{
		PresenceController: p,
		entered:            make(chan struct{}, 1),
		gate:               make(chan struct{}),
	}
}

func (p *gatedPresence) hold() {
	p.entered <- struct{}{}
	<-p.gate
}

func (p *gatedPresence) CreateRoom(ctx context.Context, name string, maxParticipants int, host domain.User) (*domain.Room, error) {
	room, err := p.PresenceController.CreateRoom(ctx, name, maxParticipants, host)
	p.hold()
	return room, err
}

func (p *gatedPresence) JoinRoom(ctx context.Context, code string, user domain.User) (*domain.Room, bool, error) {
	room, joined, err := p.PresenceController.JoinRoom(ctx, code, user)
	p.hold()
	return room, joined, err
}
