package services

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"castroom/internal/core/domain"
	"castroom/internal/core/ports"
	apperrors "castroom/pkg/errors"

	"go.uber.org/zap"
)

type MediaSessionConfig struct {
	Defaults domain.MediaSettings
	// CaptureAudio requests a microphone track alongside the screen.
	CaptureAudio bool
}

// MediaSession owns the local capture and its settings. It has no network
// awareness.
type MediaSession struct {
	device  ports.CaptureDevice
	cfg     MediaSessionConfig
	logger  *zap.SugaredLogger
	metrics ports.Metrics

	// startMu serializes acquisitions so a second StartCapture never prompts twice.
	startMu sync.Mutex

	mu         sync.Mutex
	source     ports.CaptureSource
	settings   domain.MediaSettings
	generation uint64
	nextID     int
	listeners  map[int]func(error)
}

func NewMediaSession(device ports.CaptureDevice, cfg MediaSessionConfig, logger *zap.SugaredLogger, metrics ports.Metrics) *MediaSession {
	if cfg.Defaults.Quality == "" {
		cfg.Defaults.Quality = domain.QualityMedium
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &MediaSession{
		device:    device,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		settings:  cfg.Defaults,
		listeners: make(map[int]func(error)),
	}
}

var _ ports.MediaService = (*MediaSession)(nil)

// StartCapture returns the active capture or acquires a new one. A
// StopCapture issued while acquisition is pending wins: the late source is
// released and CONFLICT is returned.
func (m *MediaSession) StartCapture(ctx context.Context) (ports.CaptureSource, error) {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	m.mu.Lock()
	if m.source != nil {
		src := m.source
		m.mu.Unlock()
		return src, nil
	}
	gen := m.generation
	settings := m.settings
	m.mu.Unlock()

	src, err := m.device.Acquire(ctx, settings.Quality.Constraints(), m.cfg.CaptureAudio)
	if err != nil {
		m.logger.Warnw("screen capture failed",
			"quality", settings.Quality,
			"error", err,
		)
		return nil, captureError(err)
	}

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		src.Stop()
		return nil, apperrors.NewConflictError("capture was stopped while starting")
	}
	m.source = src
	m.settings.AudioEnabled = src.SetAudioEnabled(settings.AudioEnabled)
	m.mu.Unlock()

	go m.watch(src)

	m.metrics.CaptureActive(true)
	m.logger.Infow("screen capture started",
		"source_id", src.ID(),
		"quality", settings.Quality,
		"tracks", len(src.Tracks()),
	)
	return src, nil
}

func captureError(err error) error {
	if apperrors.IsAppError(err) {
		return err
	}
	return apperrors.NewUnknownError("screen capture failed", err)
}

// watch reports an ended source that nobody stopped on purpose.
func (m *MediaSession) watch(src ports.CaptureSource) {
	<-src.Ended()

	m.mu.Lock()
	if m.source != src {
		m.mu.Unlock()
		return
	}
	m.source = nil
	m.generation++
	listeners := make([]func(error), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	src.Stop()
	m.metrics.CaptureActive(false)
	m.logger.Infow("screen capture ended unexpectedly", "source_id", src.ID())

	ended := apperrors.NewTrackEndedError("screen capture ended").WithContext("source_id", src.ID())
	for _, fn := range listeners {
		go fn(ended)
	}
}

func (m *MediaSession) StopCapture() {
	m.mu.Lock()
	m.generation++
	src := m.source
	m.source = nil
	m.mu.Unlock()

	if src == nil {
		return
	}
	src.Stop()
	m.metrics.CaptureActive(false)
	m.logger.Infow("screen capture stopped", "source_id", src.ID())
}

// SetAudioEnabled gates the microphone and returns the effective state,
// which is false when the capture carries no audio track.
func (m *MediaSession) SetAudioEnabled(enabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.source != nil {
		enabled = m.source.SetAudioEnabled(enabled)
	}
	m.settings.AudioEnabled = enabled
	return enabled
}

// SetQuality retargets the live video track. A rejected constraint keeps the
// previous settings and returns a recoverable VALIDATION_ERROR.
func (m *MediaSession) SetQuality(q domain.Quality) (domain.MediaSettings, error) {
	if _, err := domain.ParseQuality(string(q)); err != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.settings, apperrors.NewValidationError(err.Error())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.source != nil {
		if err := m.source.ApplyConstraints(q.Constraints()); err != nil {
			m.logger.Warnw("quality change rejected, keeping previous settings",
				"requested", q,
				"current", m.settings.Quality,
				"error", err,
			)
			return m.settings, apperrors.WrapError(err, apperrors.ErrCodeValidation,
				fmt.Sprintf("quality %s is not supported by the capture", q), http.StatusBadRequest).
				AsRecoverable().
				WithContext("quality", string(m.settings.Quality))
		}
	}
	m.settings.Quality = q
	return m.settings, nil
}

// OnTrackEnded registers fn for unexpected capture ends. fn runs on its own
// goroutine with a TRACK_ENDED error.
func (m *MediaSession) OnTrackEnded(fn func(err error)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *MediaSession) Settings() domain.MediaSettings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

func (m *MediaSession) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.source != nil
}
