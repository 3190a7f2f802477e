package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"castroom/internal/core/domain"
	apperrors "castroom/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// writeIVF writes a minimal IVF file with frames of dummy payload.
func writeIVF(t *testing.T, fourCC string, width, height uint16, frames int) string {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("DKIF")
	binary.Write(&buf, binary.LittleEndian, uint16(0))  // version
	binary.Write(&buf, binary.LittleEndian, uint16(32)) // header size
	buf.WriteString(fourCC)
	binary.Write(&buf, binary.LittleEndian, width)
	binary.Write(&buf, binary.LittleEndian, height)
	binary.Write(&buf, binary.LittleEndian, uint32(100)) // timebase denominator
	binary.Write(&buf, binary.LittleEndian, uint32(1))   // timebase numerator
	binary.Write(&buf, binary.LittleEndian, uint32(frames))
	binary.Write(&buf, binary.LittleEndian, uint32(0))

	payload := []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a}
	for i := 0; i < frames; i++ {
		binary.Write(&buf, binary.LittleEndian, uint32(len(payload)))
		binary.Write(&buf, binary.LittleEndian, uint64(i))
		buf.Write(payload)
	}

	path := filepath.Join(t.TempDir(), "screen.ivf")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func newDevice(cfg FileDeviceConfig) *FileDevice {
	return NewFileDevice(cfg, zap.NewNop().Sugar())
}

func TestFileDevice_NoSourceIsUnsupported(t *testing.T) {
	_, err := newDevice(FileDeviceConfig{}).Acquire(context.Background(), domain.QualityMedium.Constraints(), false)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUnsupported))

	missing := filepath.Join(t.TempDir(), "missing.ivf")
	_, err = newDevice(FileDeviceConfig{VideoFile: missing}).Acquire(context.Background(), domain.QualityMedium.Constraints(), false)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUnsupported))
}

func TestFileDevice_PermissionDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("file permissions are not enforced for root")
	}
	path := writeIVF(t, "VP80", 1280, 720, 3)
	require.NoError(t, os.Chmod(path, 0))

	_, err := newDevice(FileDeviceConfig{VideoFile: path}).Acquire(context.Background(), domain.QualityMedium.Constraints(), false)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodePermissionDenied))
}

func TestFileDevice_RejectsUnknownCodec(t *testing.T) {
	path := writeIVF(t, "AV01", 1280, 720, 3)
	_, err := newDevice(FileDeviceConfig{VideoFile: path}).Acquire(context.Background(), domain.QualityMedium.Constraints(), false)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUnsupported))
}

func TestFileDevice_CancelledAcquire(t *testing.T) {
	path := writeIVF(t, "VP80", 1280, 720, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newDevice(FileDeviceConfig{VideoFile: path}).Acquire(ctx, domain.QualityLow.Constraints(), false)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFileDevice_Source(t *testing.T) {
	path := writeIVF(t, "VP80", 1280, 720, 50)
	src, err := newDevice(FileDeviceConfig{VideoFile: path, Loop: true}).
		Acquire(context.Background(), domain.QualityMedium.Constraints(), true)
	require.NoError(t, err)
	defer src.Stop()

	tracks := src.Tracks()
	require.Len(t, tracks, 1, "no audio file configured")
	assert.Equal(t, "video", tracks[0].Kind().String())

	replay := src.(*fileSource)
	assert.Equal(t, 720, replay.Constraints().Height, "clamped to the native height")

	assert.NoError(t, src.ApplyConstraints(domain.QualityLow.Constraints()))
	assert.Error(t, src.ApplyConstraints(domain.QualityHigh.Constraints()))
	assert.Equal(t, 720, replay.Constraints().Height)

	assert.False(t, src.SetAudioEnabled(true), "no audio track to enable")

	src.Stop()
	select {
	case <-src.Ended():
	case <-time.After(time.Second):
		t.Fatal("Ended not closed after Stop")
	}
	src.Stop()
}

func TestFileDevice_EndsAtEOFWithoutLoop(t *testing.T) {
	path := writeIVF(t, "VP80", 640, 480, 3)
	src, err := newDevice(FileDeviceConfig{VideoFile: path}).
		Acquire(context.Background(), domain.QualityLow.Constraints(), false)
	require.NoError(t, err)
	defer src.Stop()

	select {
	case <-src.Ended():
	case <-time.After(2 * time.Second):
		t.Fatal("capture did not end at EOF")
	}
}
