package webrtc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"castroom/internal/core/domain"
	"castroom/internal/core/ports"
	apperrors "castroom/pkg/errors"
	"castroom/pkg/retry"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeTransport struct {
	id   string
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	err      error
	replaced int
}

func newFakeTransport(id string) *fakeTransport {
	return &fakeTransport{id: id, done: make(chan struct{})}
}

func (t *fakeTransport) PeerID() string        { return t.id }
func (t *fakeTransport) Done() <-chan struct{} { return t.done }

func (t *fakeTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *fakeTransport) ReplaceTracks([]webrtc.TrackLocal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replaced++
	return nil
}

func (t *fakeTransport) replacedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.replaced
}

func (t *fakeTransport) fail(err error) {
	t.once.Do(func() {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		close(t.done)
	})
}

func (t *fakeTransport) Close() error {
	t.fail(ErrLinkClosed)
	return nil
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

type fakeNegotiator struct {
	viewers chan string

	mu         sync.Mutex
	answerErrs []error
	answers    int
	offers     int
	transports []*fakeTransport
}

func newFakeNegotiator() *fakeNegotiator {
	return &fakeNegotiator{viewers: make(chan string, 8)}
}

func (n *fakeNegotiator) AwaitViewer(ctx context.Context, roomID domain.RoomID) (string, error) {
	select {
	case id := <-n.viewers:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (n *fakeNegotiator) Offer(ctx context.Context, roomID domain.RoomID, viewerID string, tracks []webrtc.TrackLocal) (ports.Transport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offers++
	t := newFakeTransport(viewerID)
	n.transports = append(n.transports, t)
	return t, nil
}

func (n *fakeNegotiator) Answer(ctx context.Context, roomID domain.RoomID) (ports.Transport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.answers++
	if len(n.answerErrs) > 0 {
		err := n.answerErrs[0]
		n.answerErrs = n.answerErrs[1:]
		return nil, err
	}
	t := newFakeTransport("host-conn")
	n.transports = append(n.transports, t)
	return t, nil
}

func (n *fakeNegotiator) Close() error { return nil }

func (n *fakeNegotiator) answerCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.answers
}

func (n *fakeNegotiator) transport(i int) *fakeTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	if i >= len(n.transports) {
		return nil
	}
	return n.transports[i]
}

type stubSource struct{}

func (stubSource) ID() string                                { return "stub" }
func (stubSource) Tracks() []webrtc.TrackLocal               { return nil }
func (stubSource) ApplyConstraints(domain.Constraints) error { return nil }
func (stubSource) SetAudioEnabled(bool) bool                 { return false }
func (stubSource) Ended() <-chan struct{}                    { return nil }
func (stubSource) Stop()                                     {}

func newTestManager(n ports.Negotiator, attempts int) *PeerManager {
	return NewPeerManager(n, PeerManagerConfig{
		Retry: retry.Config{
			Enabled:      true,
			MaxAttempts:  attempts,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   1,
		},
		NegotiationTimeout: time.Second,
		AcceptBackoff:      time.Millisecond,
	}, zap.NewNop().Sugar(), nil)
}

// collect reads n statuses, failing on timeout.
func collect(t *testing.T, ch <-chan domain.ConnectionStatus, n int) []domain.ConnectionStatus {
	t.Helper()
	var got []domain.ConnectionStatus
	for len(got) < n {
		select {
		case s, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, s)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %v", got)
		}
	}
	return got
}

func waitClosed(t *testing.T, ch <-chan domain.ConnectionStatus) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("status channel was not closed")
		}
	}
}

func TestPeerManager_ViewerRetryPassesThroughDisconnected(t *testing.T) {
	neg := newFakeNegotiator()
	neg.answerErrs = []error{errors.New("relay hiccup")}
	m := newTestManager(neg, 3)

	statuses, err := m.ConnectToHost(context.Background(), "room-1")
	require.NoError(t, err)

	got := collect(t, statuses, 4)
	assert.Equal(t, []domain.ConnectionStatus{
		domain.StatusConnecting,
		domain.StatusDisconnected,
		domain.StatusConnecting,
		domain.StatusConnected,
	}, got)
	assert.Equal(t, 2, neg.answerCount())
	assert.Equal(t, 1, m.ActiveLinks())

	require.NoError(t, m.Disconnect(context.Background()))
	waitClosed(t, statuses)
	assert.Zero(t, m.ActiveLinks())
	assert.True(t, neg.transport(0).isClosed())
}

func TestPeerManager_ViewerGivesUpAfterMaxAttempts(t *testing.T) {
	neg := newFakeNegotiator()
	boom := errors.New("unreachable")
	neg.answerErrs = []error{boom, boom, boom}
	m := newTestManager(neg, 2)

	statuses, err := m.ConnectToHost(context.Background(), "room-1")
	require.NoError(t, err)

	var got []domain.ConnectionStatus
	for s := range statuses {
		got = append(got, s)
	}
	require.NotEmpty(t, got)
	assert.Equal(t, domain.StatusDisconnected, got[len(got)-1])
	assert.NotContains(t, got, domain.StatusConnected)
	assert.Equal(t, 3, neg.answerCount())

	links := m.Links()
	require.Len(t, links, 1)
	assert.Equal(t, domain.LinkFailed, links[0].State)
	assert.Equal(t, 3, links[0].Attempts)
}

func TestPeerManager_ViewerDoesNotRetryWhenHostLeft(t *testing.T) {
	neg := newFakeNegotiator()
	neg.answerErrs = []error{ErrHostLeft}
	m := newTestManager(neg, 5)

	statuses, err := m.ConnectToHost(context.Background(), "room-1")
	require.NoError(t, err)
	waitClosed(t, statuses)
	assert.Equal(t, 1, neg.answerCount())
}

func TestPeerManager_ViewerReconnectsAfterLinkLoss(t *testing.T) {
	neg := newFakeNegotiator()
	m := newTestManager(neg, 3)

	statuses, err := m.ConnectToHost(context.Background(), "room-1")
	require.NoError(t, err)
	require.Equal(t, []domain.ConnectionStatus{domain.StatusConnecting, domain.StatusConnected}, collect(t, statuses, 2))

	neg.transport(0).fail(errors.New("ice failed"))

	assert.Equal(t, []domain.ConnectionStatus{
		domain.StatusDisconnected,
		domain.StatusConnecting,
		domain.StatusConnected,
	}, collect(t, statuses, 3))

	neg.transport(1).fail(ErrHostLeft)
	assert.Equal(t, []domain.ConnectionStatus{domain.StatusDisconnected}, collect(t, statuses, 1))
	waitClosed(t, statuses)
	require.NoError(t, m.Disconnect(context.Background()))
}

func TestPeerManager_HostAcceptsViewers(t *testing.T) {
	neg := newFakeNegotiator()
	m := newTestManager(neg, 1)
	ctx := context.Background()

	require.NoError(t, m.AttachLocalStream(ctx, "room-1", stubSource{}))
	neg.viewers <- "viewer-a"
	neg.viewers <- "viewer-b"

	require.Eventually(t, func() bool { return m.ActiveLinks() == 2 }, 2*time.Second, time.Millisecond)
	for _, l := range m.Links() {
		assert.Equal(t, domain.LinkConnected, l.State)
	}

	require.NoError(t, m.Retune(ctx))
	assert.Equal(t, 1, neg.transport(0).replacedCount())
	assert.Equal(t, 1, neg.transport(1).replacedCount())
	for _, l := range m.Links() {
		assert.Equal(t, domain.LinkConnected, l.State, "retune keeps links connected")
	}

	// viewer-a goes away on its own
	neg.transport(0).fail(ErrPeerLeft)
	require.Eventually(t, func() bool { return m.ActiveLinks() == 1 }, 2*time.Second, time.Millisecond)

	require.NoError(t, m.Disconnect(ctx))
	assert.Zero(t, m.ActiveLinks())
	assert.Empty(t, m.Links())
	assert.True(t, neg.transport(1).isClosed())

	require.NoError(t, m.Disconnect(ctx), "disconnect is idempotent")
}

func TestPeerManager_AttachWhileViewingConflicts(t *testing.T) {
	neg := newFakeNegotiator()
	m := newTestManager(neg, 1)
	ctx := context.Background()

	_, err := m.ConnectToHost(ctx, "room-1")
	require.NoError(t, err)
	defer m.Disconnect(ctx)

	err = m.AttachLocalStream(ctx, "room-1", stubSource{})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConflict))

	err = m.AttachLocalStream(ctx, "room-1", nil)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
}

func TestPeerManager_ReattachSwapsTracks(t *testing.T) {
	neg := newFakeNegotiator()
	m := newTestManager(neg, 1)
	ctx := context.Background()

	require.NoError(t, m.AttachLocalStream(ctx, "room-1", stubSource{}))
	neg.viewers <- "viewer-a"
	require.Eventually(t, func() bool { return m.ActiveLinks() == 1 }, 2*time.Second, time.Millisecond)

	require.NoError(t, m.AttachLocalStream(ctx, "room-1", stubSource{}))
	assert.Equal(t, 1, neg.transport(0).replacedCount())

	err := m.AttachLocalStream(ctx, "room-2", stubSource{})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConflict))
	require.NoError(t, m.Disconnect(ctx))
}

func TestPeerManager_CancelledAttachHasNoEffect(t *testing.T) {
	neg := newFakeNegotiator()
	m := newTestManager(neg, 1)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.AttachLocalStream(cancelled, "room-1", stubSource{})
	require.ErrorIs(t, err, context.Canceled)

	// nobody accepts the viewer, so no offer is made
	neg.viewers <- "viewer-a"
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, m.ActiveLinks())
	neg.mu.Lock()
	assert.Zero(t, neg.offers)
	neg.mu.Unlock()

	ctx := context.Background()
	require.NoError(t, m.AttachLocalStream(ctx, "room-2", stubSource{}), "another room can still attach")
	require.Eventually(t, func() bool { return m.ActiveLinks() == 1 }, 2*time.Second, time.Millisecond)
	require.NoError(t, m.Disconnect(ctx))
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(errors.New("timeout")))
	assert.True(t, retryable(context.DeadlineExceeded))
	assert.True(t, retryable(apperrors.NewNetworkError("relay down", nil)))
	assert.False(t, retryable(context.Canceled))
	assert.False(t, retryable(ErrHostLeft))
	assert.False(t, retryable(apperrors.NewTrackEndedError("gone")))
	assert.False(t, retryable(apperrors.NewRoomFullError(2)))
}
