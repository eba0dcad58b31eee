package framestore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"observatory/alpaca"
	"observatory/pkg/store"
)

type mockIndex struct {
	mock.Mock
}

func (m *mockIndex) AddFrame(r store.FrameRecord) error {
	return m.Called(r).Error(0)
}

func testImage() *alpaca.Image {
	return &alpaca.Image{
		ElementType: alpaca.ElementInt32,
		Rank:        2,
		Width:       3,
		Height:      2,
		Planes:      1,
		Data:        []int32{1, 2, 3, 4, 5, -6},
	}
}

func newTestDisk(t *testing.T, index Index) (*Disk, string) {
	t.Helper()
	logger := log.New()
	logger.SetOutput(io.Discard)
	dir := filepath.Join(t.TempDir(), "frames")
	d, err := New(dir, index, logger)
	require.NoError(t, err)
	return d, dir
}

func TestSanitize(t *testing.T) {
	tests := map[string]string{
		"M31":            "M31",
		"NGC 7000 Ha":    "NGC_7000_Ha",
		"../../etc/pass": "_.._etc_pass",
		"  ":             "frame",
		"..":             "frame",
		"flat-1.fits":    "flat-1.fits",
	}
	for in, want := range tests {
		assert.Equal(t, want, sanitize(in), in)
	}
}

func TestStore(t *testing.T) {
	index := &mockIndex{}
	index.On("AddFrame", mock.Anything).Return(nil)
	d, dir := newTestDisk(t, index)

	meta := map[string]string{"EXPTIME": "10", "FILTER": "Red"}
	path, err := d.Store(context.Background(), "M31 light", testImage(), meta)
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))
	assert.True(t, strings.HasPrefix(filepath.Base(path), "M31_light-"))
	assert.Equal(t, ".bin", filepath.Ext(path))

	samples, err := ReadFrame(path)
	require.NoError(t, err)
	assert.Equal(t, testImage().Data, samples)

	sc, err := ReadSidecar(path)
	require.NoError(t, err)
	assert.Equal(t, "M31 light", sc.Name)
	assert.Equal(t, 3, sc.Width)
	assert.Equal(t, 2, sc.Height)
	assert.Equal(t, 1, sc.Planes)
	assert.Equal(t, int(alpaca.ElementInt32), sc.ElementType)
	assert.Equal(t, meta, sc.Metadata)

	index.AssertNumberOfCalls(t, "AddFrame", 1)
	rec := index.Calls[0].Arguments.Get(0).(store.FrameRecord)
	assert.Equal(t, sc.ID, rec.ID)
	assert.Equal(t, path, rec.Path)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestStoreRejectsMalformedFrame(t *testing.T) {
	d, _ := newTestDisk(t, nil)
	img := testImage()
	img.Data = img.Data[:4]

	_, err := d.Store(context.Background(), "bad", img, nil)
	assert.Error(t, err)
	_, err = d.Store(context.Background(), "nil", nil, nil)
	assert.Error(t, err)
}

func TestStoreCancelled(t *testing.T) {
	d, dir := newTestDisk(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Store(ctx, "late", testImage(), nil)
	assert.ErrorIs(t, err, context.Canceled)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
