package alpaca

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	ImageBytesMediaType = "application/imagebytes"

	imageBytesVersion    = 1
	imageBytesHeaderSize = 44
)

// ImageElementType is the numeric type code used by the ImageBytes format.
type ImageElementType int32

const (
	ElementUnknown ImageElementType = 0
	ElementInt16   ImageElementType = 1
	ElementInt32   ImageElementType = 2
	ElementDouble  ImageElementType = 3
	ElementSingle  ImageElementType = 4
	ElementUInt64  ImageElementType = 5
	ElementByte    ImageElementType = 6
	ElementInt64   ImageElementType = 7
	ElementUInt16  ImageElementType = 8
	ElementUInt32  ImageElementType = 9
)

// Image is a frame downloaded from a camera. Samples are stored with the
// last dimension changing fastest, matching the wire order.
type Image struct {
	ElementType ImageElementType
	Rank        int
	Width       int // dim1
	Height      int // dim2
	Planes      int // dim3, 1 for monochrome frames
	Data        []int32
}

// At returns the sample at (x, y) of the given plane.
func (img *Image) At(x, y, plane int) int32 {
	planes := max(img.Planes, 1)
	return img.Data[(x*img.Height+y)*planes+plane]
}

type imageBytesHeader struct {
	MetadataVersion         int32
	ErrorNumber             int32
	ClientTransactionID     uint32
	ServerTransactionID     uint32
	DataStart               int32
	ImageElementType        int32
	TransmissionElementType int32
	Rank                    int32
	Dimension1              int32
	Dimension2              int32
	Dimension3              int32
}

// DecodeImageBytes parses an ImageBytes payload.
func DecodeImageBytes(data []byte) (*Image, error) {
	if len(data) < imageBytesHeaderSize {
		return nil, fmt.Errorf("imagebytes: short header (%d bytes)", len(data))
	}

	var h imageBytesHeader
	if err := binary.Read(bytes.NewReader(data[:imageBytesHeaderSize]), binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("imagebytes: %w", err)
	}
	if h.MetadataVersion != imageBytesVersion {
		return nil, fmt.Errorf("imagebytes: unsupported metadata version %d", h.MetadataVersion)
	}
	if h.DataStart < imageBytesHeaderSize || int(h.DataStart) > len(data) {
		return nil, fmt.Errorf("imagebytes: invalid data start %d", h.DataStart)
	}

	payload := data[h.DataStart:]
	if h.ErrorNumber != 0 {
		return nil, &ProtocolError{Op: "GET imagearray", Code: ErrorCode(h.ErrorNumber), Message: string(payload)}
	}
	if h.Rank != 2 && h.Rank != 3 {
		return nil, fmt.Errorf("imagebytes: unsupported rank %d", h.Rank)
	}

	img := &Image{
		ElementType: ImageElementType(h.ImageElementType),
		Rank:        int(h.Rank),
		Width:       int(h.Dimension1),
		Height:      int(h.Dimension2),
		Planes:      1,
	}
	if h.Rank == 3 {
		img.Planes = int(h.Dimension3)
	}

	n := img.Width * img.Height * img.Planes
	samples, err := decodeSamples(payload, ImageElementType(h.TransmissionElementType), n)
	if err != nil {
		return nil, err
	}
	img.Data = samples
	return img, nil
}

func decodeSamples(payload []byte, t ImageElementType, n int) ([]int32, error) {
	var size int
	switch t {
	case ElementByte:
		size = 1
	case ElementInt16, ElementUInt16:
		size = 2
	case ElementInt32:
		size = 4
	default:
		return nil, fmt.Errorf("imagebytes: unsupported transmission type %d", t)
	}
	if len(payload) < n*size {
		return nil, fmt.Errorf("imagebytes: expected %d bytes of data, got %d", n*size, len(payload))
	}

	out := make([]int32, n)
	for i := range out {
		switch t {
		case ElementByte:
			out[i] = int32(payload[i])
		case ElementInt16:
			out[i] = int32(int16(binary.LittleEndian.Uint16(payload[i*2:])))
		case ElementUInt16:
			out[i] = int32(binary.LittleEndian.Uint16(payload[i*2:]))
		case ElementInt32:
			out[i] = int32(binary.LittleEndian.Uint32(payload[i*4:]))
		}
	}
	return out, nil
}

// EncodeImageBytes serializes img as an ImageBytes payload. Samples are
// transmitted as UInt16 when they all fit, Int32 otherwise.
func EncodeImageBytes(img *Image, clientTx, serverTx uint32) []byte {
	transmission := ElementUInt16
	for _, v := range img.Data {
		if v < 0 || v > math.MaxUint16 {
			transmission = ElementInt32
			break
		}
	}

	h := imageBytesHeader{
		MetadataVersion:         imageBytesVersion,
		ClientTransactionID:     clientTx,
		ServerTransactionID:     serverTx,
		DataStart:               imageBytesHeaderSize,
		ImageElementType:        int32(ElementInt32),
		TransmissionElementType: int32(transmission),
		Rank:                    int32(img.Rank),
		Dimension1:              int32(img.Width),
		Dimension2:              int32(img.Height),
	}
	if img.Rank == 3 {
		h.Dimension3 = int32(img.Planes)
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, h)
	for _, v := range img.Data {
		if transmission == ElementUInt16 {
			binary.Write(&buf, binary.LittleEndian, uint16(v))
		} else {
			binary.Write(&buf, binary.LittleEndian, v)
		}
	}
	return buf.Bytes()
}

// EncodeImageBytesError serializes an error response in ImageBytes form.
func EncodeImageBytesError(code ErrorCode, message string, clientTx, serverTx uint32) []byte {
	h := imageBytesHeader{
		MetadataVersion:     imageBytesVersion,
		ErrorNumber:         int32(code),
		ClientTransactionID: clientTx,
		ServerTransactionID: serverTx,
		DataStart:           imageBytesHeaderSize,
	}
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, h)
	buf.WriteString(message)
	return buf.Bytes()
}

type imageArrayResponse struct {
	response
	Type int `json:"Type"`
	Rank int `json:"Rank"`
}

// decodeImageArray parses the JSON fallback of the imagearray endpoint.
func decodeImageArray(body []byte, op string) (*Image, error) {
	var r imageArrayResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, &UnavailableError{Op: op, Err: fmt.Errorf("invalid response: %w", err)}
	}
	if r.ErrorNumber != 0 {
		return nil, &ProtocolError{Op: op, Code: r.ErrorNumber, Message: r.ErrorMessage}
	}

	img := &Image{ElementType: ImageElementType(r.Type), Rank: r.Rank, Planes: 1}
	switch r.Rank {
	case 2:
		var v [][]int32
		if err := json.Unmarshal(r.Value, &v); err != nil {
			return nil, &UnavailableError{Op: op, Err: err}
		}
		img.Width = len(v)
		if img.Width > 0 {
			img.Height = len(v[0])
		}
		img.Data = make([]int32, 0, img.Width*img.Height)
		for _, col := range v {
			img.Data = append(img.Data, col...)
		}
	case 3:
		var v [][][]int32
		if err := json.Unmarshal(r.Value, &v); err != nil {
			return nil, &UnavailableError{Op: op, Err: err}
		}
		img.Width = len(v)
		if img.Width > 0 {
			img.Height = len(v[0])
			if img.Height > 0 {
				img.Planes = len(v[0][0])
			}
		}
		img.Data = make([]int32, 0, img.Width*img.Height*img.Planes)
		for _, col := range v {
			for _, px := range col {
				img.Data = append(img.Data, px...)
			}
		}
	default:
		return nil, &ProtocolError{Op: op, Code: ErrorInvalidValue, Message: fmt.Sprintf("unsupported rank %d", r.Rank)}
	}
	return img, nil
}

// ImageArray downloads the last image of a camera, preferring the
// ImageBytes encoding and falling back to JSON.
func (c *Client) ImageArray(ctx context.Context, dt DeviceType, number int) (*Image, error) {
	op := fmt.Sprintf("GET %s/%d/imagearray", dt, number)
	id, tx := c.nextTransaction()

	q := url.Values{}
	q.Set("clientid", strconv.FormatUint(uint64(id), 10))
	q.Set("clienttransactionid", strconv.FormatUint(uint64(tx), 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.deviceURL(dt, number, "imagearray")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, &UnavailableError{Op: op, Err: err}
	}
	req.Header.Set("Accept", ImageBytesMediaType+", application/json")

	c.logger.Debugf("%s (client %d, tx %d)", op, id, tx)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &UnavailableError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UnavailableError{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UnavailableError{Op: op, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, ImageBytesMediaType):
		img, err := DecodeImageBytes(body)
		var perr *ProtocolError
		if errors.As(err, &perr) {
			perr.Op = op
		}
		return img, err
	case strings.HasPrefix(contentType, "application/json"):
		return decodeImageArray(body, op)
	default:
		return nil, &UnavailableError{Op: op, Err: fmt.Errorf("unsupported content type %q", contentType)}
	}
}
