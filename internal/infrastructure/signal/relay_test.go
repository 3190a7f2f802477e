package signal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"castroom/internal/core/domain"
	"castroom/internal/core/services"
	apperrors "castroom/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSDP = "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

// stubValidator accepts any token of the form "user:<id>".
type stubValidator struct{}

func (stubValidator) ValidateToken(token string) (*services.Claims, error) {
	id, ok := strings.CutPrefix(token, "user:")
	if !ok || id == "" {
		return nil, errors.New("invalid token")
	}
	return &services.Claims{UserID: domain.UserID(id), Name: id}, nil
}

func newTestRelay(t *testing.T) (*Relay, string) {
	t.Helper()
	relay := NewRelay(RelayConfig{
		PingInterval:   time.Second,
		AllowedOrigins: []string{"*"},
	}, stubValidator{}, nil, zap.NewNop().Sugar())

	server := httptest.NewServer(http.HandlerFunc(relay.HandleWebSocket))
	t.Cleanup(server.Close)
	return relay, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url, user string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), url, "user:"+user, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func next(t *testing.T, c *Client) domain.Signal {
	t.Helper()
	select {
	case sig, ok := <-c.Receive():
		require.True(t, ok, "connection closed")
		return sig
	case <-time.After(2 * time.Second):
		t.Fatal("no signal received")
		return domain.Signal{}
	}
}

// registerHost registers c as host of roomID. The relay handles one
// connection's messages in order, so the error reply to an untargeted
// host_left confirms the registration landed.
func registerHost(t *testing.T, c *Client, roomID domain.RoomID) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, c.Send(ctx, domain.Signal{Type: domain.SignalRegisterHost, RoomID: roomID}))
	require.NoError(t, c.Send(ctx, domain.Signal{Type: domain.SignalHostLeft, RoomID: roomID}))
	require.Equal(t, domain.SignalError, next(t, c).Type)
}

func TestRelay_RejectsUnauthenticated(t *testing.T) {
	_, url := newTestRelay(t)

	_, err := Dial(context.Background(), url, "garbage", zap.NewNop().Sugar())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUnauthorized))
}

func TestRelay_RoutesNegotiation(t *testing.T) {
	relay, url := newTestRelay(t)
	ctx := context.Background()

	host := dial(t, url, "alice")
	viewer := dial(t, url, "bob")
	require.Eventually(t, func() bool { return relay.Connections() == 2 }, time.Second, 5*time.Millisecond)

	t.Run("join without host is refused", func(t *testing.T) {
		require.NoError(t, viewer.Send(ctx, domain.Signal{Type: domain.SignalJoin, RoomID: "room-1"}))
		sig := next(t, viewer)
		assert.Equal(t, domain.SignalError, sig.Type)
		assert.Contains(t, sig.Message, "no active host")
	})

	registerHost(t, host, "room-1")

	var viewerID, hostID string
	t.Run("join reaches the host", func(t *testing.T) {
		require.NoError(t, viewer.Send(ctx, domain.Signal{Type: domain.SignalJoin, RoomID: "room-1"}))
		sig := next(t, host)
		assert.Equal(t, domain.SignalJoin, sig.Type)
		viewerID = sig.From
		require.NotEmpty(t, viewerID)
	})

	t.Run("offer and answer route by target", func(t *testing.T) {
		require.NoError(t, host.Send(ctx, domain.Signal{Type: domain.SignalOffer, RoomID: "room-1", To: viewerID, SDP: testSDP}))
		offer := next(t, viewer)
		assert.Equal(t, domain.SignalOffer, offer.Type)
		assert.Equal(t, testSDP, offer.SDP)
		hostID = offer.From

		require.NoError(t, viewer.Send(ctx, domain.Signal{Type: domain.SignalAnswer, RoomID: "room-1", To: hostID, SDP: testSDP}))
		answer := next(t, host)
		assert.Equal(t, domain.SignalAnswer, answer.Type)
		assert.Equal(t, viewerID, answer.From)
	})

	t.Run("malformed SDP is rejected", func(t *testing.T) {
		require.NoError(t, host.Send(ctx, domain.Signal{Type: domain.SignalOffer, RoomID: "room-1", To: viewerID, SDP: "nope"}))
		sig := next(t, host)
		assert.Equal(t, domain.SignalError, sig.Type)
	})

	t.Run("second host is refused", func(t *testing.T) {
		other := dial(t, url, "carol")
		require.NoError(t, other.Send(ctx, domain.Signal{Type: domain.SignalRegisterHost, RoomID: "room-1"}))
		sig := next(t, other)
		assert.Equal(t, domain.SignalError, sig.Type)
	})

	t.Run("host disconnect notifies viewers", func(t *testing.T) {
		require.NoError(t, host.Close())
		sig := next(t, viewer)
		assert.Equal(t, domain.SignalHostLeft, sig.Type)
		assert.Equal(t, domain.RoomID("room-1"), sig.RoomID)
	})
}

func TestRelay_ViewerLeaveReachesHost(t *testing.T) {
	_, url := newTestRelay(t)
	ctx := context.Background()

	host := dial(t, url, "alice")
	viewer := dial(t, url, "bob")

	registerHost(t, host, "room-1")

	require.NoError(t, viewer.Send(ctx, domain.Signal{Type: domain.SignalJoin, RoomID: "room-1"}))
	join := next(t, host)
	require.Equal(t, domain.SignalJoin, join.Type)

	require.NoError(t, viewer.Send(ctx, domain.Signal{Type: domain.SignalLeave, RoomID: "room-1"}))
	leave := next(t, host)
	assert.Equal(t, domain.SignalLeave, leave.Type)
	assert.Equal(t, join.From, leave.From)
}

func TestValidateSDP(t *testing.T) {
	assert.NoError(t, validateSDP(testSDP))
	assert.Error(t, validateSDP(""))
	assert.Error(t, validateSDP("o=- 1 2 IN IP4 127.0.0.1"))
	assert.Error(t, validateSDP("v=0\r\ns=-\r\nt=0 0\r\n"))
}
