// Package framestore keeps downloaded frames on disk: the samples as raw
// little-endian int32 in a .bin file, the metadata in a CBOR sidecar.
package framestore

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"observatory/alpaca"
	"observatory/pkg/store"
)

const (
	dataExt    = ".bin"
	sidecarExt = ".cbor"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	if encMode, err = encOpts.EncMode(); err != nil {
		panic(fmt.Sprintf("failed to create frame CBOR encoder mode: %v", err))
	}
	decOpts := cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}
	if decMode, err = decOpts.DecMode(); err != nil {
		panic(fmt.Sprintf("failed to create frame CBOR decoder mode: %v", err))
	}
}

// Sidecar describes the frame stored next to it.
type Sidecar struct {
	ID          uuid.UUID         `cbor:"id"`
	Name        string            `cbor:"name"`
	Time        time.Time         `cbor:"time"`
	ElementType int               `cbor:"elementType"`
	Width       int               `cbor:"width"`
	Height      int               `cbor:"height"`
	Planes      int               `cbor:"planes"`
	Metadata    map[string]string `cbor:"metadata"`
}

// Index records stored frames.
type Index interface {
	AddFrame(r store.FrameRecord) error
}

var _ Index = (*store.Store)(nil)

type Disk struct {
	dir    string
	index  Index
	logger log.FieldLogger
}

// New stores frames under dir, creating it if needed. index may be nil.
func New(dir string, index Index, logger log.FieldLogger) (*Disk, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create frame directory: %w", err)
	}
	return &Disk{
		dir:    dir,
		index:  index,
		logger: logger.WithField("component", "framestore"),
	}, nil
}

// Store writes img and its metadata and returns the path of the data file.
func (d *Disk) Store(ctx context.Context, name string, img *alpaca.Image, metadata map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if img == nil || len(img.Data) != img.Width*img.Height*max(img.Planes, 1) {
		return "", errors.New("malformed frame")
	}

	id := uuid.New()
	base := filepath.Join(d.dir, fmt.Sprintf("%s-%s", sanitize(name), id.String()[:8]))
	path := base + dataExt

	if err := writeAtomic(path, func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		if err := binary.Write(bw, binary.LittleEndian, img.Data); err != nil {
			return err
		}
		return bw.Flush()
	}); err != nil {
		return "", fmt.Errorf("cannot write frame: %w", err)
	}

	sc := Sidecar{
		ID:          id,
		Name:        name,
		Time:        time.Now().UTC(),
		ElementType: int(img.ElementType),
		Width:       img.Width,
		Height:      img.Height,
		Planes:      max(img.Planes, 1),
		Metadata:    metadata,
	}
	if err := writeAtomic(base+sidecarExt, func(w io.Writer) error {
		return encMode.NewEncoder(w).Encode(sc)
	}); err != nil {
		return "", fmt.Errorf("cannot write frame metadata: %w", err)
	}

	if d.index != nil {
		rec := store.FrameRecord{ID: id, Name: name, Path: path, Time: sc.Time, Width: img.Width, Height: img.Height}
		if err := d.index.AddFrame(rec); err != nil {
			return "", fmt.Errorf("cannot index frame: %w", err)
		}
	}
	d.logger.Infof("Stored frame %s (%dx%d) at %s", name, img.Width, img.Height, path)
	return path, nil
}

// ReadSidecar reads the metadata stored with the frame at path.
func ReadSidecar(path string) (Sidecar, error) {
	var sc Sidecar
	data, err := os.ReadFile(strings.TrimSuffix(path, dataExt) + sidecarExt)
	if err != nil {
		return sc, err
	}
	err = decMode.Unmarshal(data, &sc)
	return sc, err
}

// ReadFrame reads the samples stored at path.
func ReadFrame(path string) ([]int32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%s: truncated frame", path)
	}
	samples := make([]int32, len(data)/4)
	for i := range samples {
		samples[i] = int32(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return samples, nil
}

// writeAtomic writes through a temporary file renamed into place.
func writeAtomic(path string, write func(io.Writer) error) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".frame-*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	if err := write(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

// sanitize turns a frame name into a safe file name.
func sanitize(name string) string {
	s := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, strings.TrimSpace(name))
	s = strings.Trim(s, ".")
	if s == "" {
		return "frame"
	}
	return s
}
