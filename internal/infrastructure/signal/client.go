package signal

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"castroom/internal/core/domain"
	"castroom/internal/core/ports"
	apperrors "castroom/pkg/errors"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const clientWriteTimeout = 10 * time.Second

// Client is a relay connection implementing ports.Signaling.
type Client struct {
	ws     *websocket.Conn
	logger *zap.SugaredLogger

	writeMu  sync.Mutex
	incoming chan domain.Signal

	closeOnce sync.Once
	done      chan struct{}
}

var _ ports.Signaling = (*Client)(nil)

// Dial connects to the relay at url authenticated with token.
func Dial(ctx context.Context, url, token string, logger *zap.SugaredLogger) (*Client, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, apperrors.NewUnauthorizedError("signaling relay rejected the session token")
		}
		return nil, apperrors.NewNetworkError("failed to reach the signaling relay", err)
	}

	c := &Client{
		ws:       ws,
		logger:   logger,
		incoming: make(chan domain.Signal, 64),
		done:     make(chan struct{}),
	}
	ws.SetPingHandler(func(data string) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(clientWriteTimeout))
	})
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.incoming)
	for {
		var sig domain.Signal
		if err := c.ws.ReadJSON(&sig); err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warnw("signaling connection lost", "error", err)
			}
			return
		}
		select {
		case c.incoming <- sig:
		case <-c.done:
			return
		}
	}
}

func (c *Client) Send(ctx context.Context, sig domain.Signal) error {
	select {
	case <-c.done:
		return apperrors.NewNetworkError("signaling connection is closed", nil)
	default:
	}

	deadline := time.Now().Add(clientWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteJSON(sig); err != nil {
		return apperrors.NewNetworkError(fmt.Sprintf("failed to send %s", sig.Type), err)
	}
	return nil
}

func (c *Client) Receive() <-chan domain.Signal {
	return c.incoming
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
