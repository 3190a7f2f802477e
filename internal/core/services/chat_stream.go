package services

import (
	"context"
	"slices"
	"sync"
	"time"

	"castroom/internal/core/domain"
	"castroom/internal/core/ports"
	apperrors "castroom/pkg/errors"
	"castroom/pkg/utils"
	"castroom/pkg/validation"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ChatConfig struct {
	MaxMessageLength int
	// GapTimeout is how long a subscriber waits for a missing seq before
	// re-reading the log.
	GapTimeout time.Duration
	// SubscriberBuffer is the channel capacity of each subscription.
	SubscriberBuffer int
}

// ChatStream is the per-room append-only message log plus live fan-out.
type ChatStream struct {
	messages ports.MessageStore
	feed     ports.Feed[domain.ChatMessage]
	cfg      ChatConfig
	logger   *zap.SugaredLogger
	metrics  ports.Metrics
}

func NewChatStream(messages ports.MessageStore, feed ports.Feed[domain.ChatMessage], cfg ChatConfig, logger *zap.SugaredLogger, metrics ports.Metrics) *ChatStream {
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = 2000
	}
	if cfg.GapTimeout <= 0 {
		cfg.GapTimeout = time.Second
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 16
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &ChatStream{
		messages: messages,
		feed:     feed,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
	}
}

var _ ports.ChatService = (*ChatStream)(nil)

func newMessageID() domain.MessageID {
	// v7 ids sort by creation time, which keeps the CreatedAt tiebreak stable.
	id, err := uuid.NewV7()
	if err != nil {
		return domain.MessageID(uuid.NewString())
	}
	return domain.MessageID(id.String())
}

func (s *ChatStream) PostMessage(ctx context.Context, roomID domain.RoomID, author domain.User, text string) (*domain.ChatMessage, error) {
	text = utils.SanitizeText(text)
	if err := validation.ValidateMessageText(text, s.cfg.MaxMessageLength); err != nil {
		return nil, apperrors.NewValidationError(err.Error())
	}

	authorID := author.ID
	return s.append(ctx, &domain.ChatMessage{
		ID:         newMessageID(),
		RoomID:     roomID,
		AuthorID:   &authorID,
		AuthorName: author.Name,
		Text:       text,
		Kind:       domain.MessageUser,
	})
}

// PostSystemMessage appends an authorless announcement.
func (s *ChatStream) PostSystemMessage(ctx context.Context, roomID domain.RoomID, text string) (*domain.ChatMessage, error) {
	text = utils.SanitizeText(text)
	if text == "" {
		return nil, apperrors.NewValidationError("system message must not be empty")
	}

	return s.append(ctx, &domain.ChatMessage{
		ID:     newMessageID(),
		RoomID: roomID,
		Text:   text,
		Kind:   domain.MessageSystem,
	})
}

func (s *ChatStream) append(ctx context.Context, msg *domain.ChatMessage) (*domain.ChatMessage, error) {
	if err := s.messages.Append(ctx, msg); err != nil {
		return nil, apperrors.NewNetworkError("failed to store message", err).
			WithContext("room_id", string(msg.RoomID))
	}

	if err := s.feed.Publish(ctx, msg.RoomID, *msg); err != nil {
		// subscribers recover the message from the log on their next gap check
		s.logger.Warnw("failed to publish chat message",
			"room_id", msg.RoomID,
			"seq", msg.Seq,
			"error", err,
		)
	}

	s.metrics.MessagePosted(msg.Kind)
	s.logger.Debugw("chat message appended",
		"room_id", msg.RoomID,
		"kind", msg.Kind,
		"seq", msg.Seq,
	)
	return msg, nil
}

// History returns the full log ordered by CreatedAt, then ID.
func (s *ChatStream) History(ctx context.Context, roomID domain.RoomID) ([]domain.ChatMessage, error) {
	msgs, err := s.messages.List(ctx, roomID)
	if err != nil {
		return nil, apperrors.NewNetworkError("failed to load chat history", err).
			WithContext("room_id", string(roomID))
	}
	slices.SortStableFunc(msgs, domain.CompareMessages)
	return msgs, nil
}

// Subscribe streams every message with Seq > afterSeq, in Seq order and
// exactly once. The channel is closed after dispose or when ctx ends.
func (s *ChatStream) Subscribe(ctx context.Context, roomID domain.RoomID, afterSeq int64) (<-chan domain.ChatMessage, func(), error) {
	sub := &chatSubscription{
		stream:  s,
		roomID:  roomID,
		next:    afterSeq + 1,
		pending: make(map[int64]domain.ChatMessage),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		out:     make(chan domain.ChatMessage, s.cfg.SubscriberBuffer),
	}

	// subscribe before reading the log so nothing committed in between is lost
	unsubscribe := s.feed.Subscribe(roomID, sub.offer)

	history, err := s.messages.List(ctx, roomID)
	if err != nil {
		unsubscribe()
		return nil, nil, apperrors.NewNetworkError("failed to load chat history", err).
			WithContext("room_id", string(roomID))
	}
	for _, msg := range history {
		sub.offer(msg)
	}

	go sub.run(ctx)

	var once sync.Once
	dispose := func() {
		once.Do(func() {
			unsubscribe()
			close(sub.done)
		})
	}
	return sub.out, dispose, nil
}

type chatSubscription struct {
	stream *ChatStream
	roomID domain.RoomID

	mu      sync.Mutex
	next    int64
	pending map[int64]domain.ChatMessage
	ready   []domain.ChatMessage

	wake chan struct{}
	done chan struct{}
	out  chan domain.ChatMessage
}

// offer buffers msg and releases the contiguous run starting at next.
func (s *chatSubscription) offer(msg domain.ChatMessage) {
	s.mu.Lock()
	if msg.Seq < s.next {
		s.mu.Unlock()
		return
	}
	if _, seen := s.pending[msg.Seq]; seen {
		s.mu.Unlock()
		return
	}
	s.pending[msg.Seq] = msg
	for {
		m, ok := s.pending[s.next]
		if !ok {
			break
		}
		delete(s.pending, s.next)
		s.ready = append(s.ready, m)
		s.next++
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *chatSubscription) take() (ready []domain.ChatMessage, gap bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ready, s.ready = s.ready, nil
	return ready, len(s.pending) > 0
}

func (s *chatSubscription) run(ctx context.Context) {
	defer close(s.out)

	gapTimer := time.NewTimer(s.stream.cfg.GapTimeout)
	gapTimer.Stop()
	defer gapTimer.Stop()

	for {
		ready, gap := s.take()
		for _, msg := range ready {
			select {
			case s.out <- msg:
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
		if gap {
			gapTimer.Reset(s.stream.cfg.GapTimeout)
		}

		select {
		case <-s.wake:
			gapTimer.Stop()
		case <-gapTimer.C:
			s.repair(ctx)
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// repair re-reads the log to fill seqs whose live delivery was lost.
func (s *chatSubscription) repair(ctx context.Context) {
	msgs, err := s.stream.messages.List(ctx, s.roomID)
	if err != nil {
		s.stream.logger.Warnw("chat gap repair failed",
			"room_id", s.roomID,
			"error", err,
		)
		return
	}
	for _, msg := range msgs {
		s.offer(msg)
	}
}
