// Documentation: https://ascom-standards.org/api/?urls.primaryName=ASCOM+Alpaca+Management+API

package simulator

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"observatory/alpaca"
)

// Call is one device request received by the server.
type Call struct {
	Method              string
	Type                alpaca.DeviceType
	Number              int
	Action              string
	ClientID            uint32
	ClientTransactionID uint32
	Params              url.Values
}

// Server is an in-process Alpaca bridge serving simulated devices.
type Server struct {
	description alpaca.ServerDescription
	devices     []*Device
	logger      log.FieldLogger

	txCounter atomic.Uint32

	mu    sync.Mutex
	calls []Call
}

// NewServer creates a bridge serving the given devices.
func NewServer(description alpaca.ServerDescription, logger log.FieldLogger, devices ...*Device) *Server {
	return &Server{
		description: description,
		devices:     devices,
		logger:      logger,
	}
}

// AddDevice adds a device to the bridge.
func (s *Server) AddDevice(d *Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = append(s.devices, d)
}

// Handler returns the HTTP routes of the bridge.
func (s *Server) Handler() http.Handler {
	r := http.NewServeMux()

	r.HandleFunc("GET /management/apiversions", s.handleAPIVersions)
	r.HandleFunc("GET /management/v1/description", s.handleDescription)
	r.HandleFunc("GET /management/v1/configureddevices", s.handleConfiguredDevices)

	r.HandleFunc("GET /api/v1/{type}/{number}/{action}", s.handleDevice)
	r.HandleFunc("PUT /api/v1/{type}/{number}/{action}", s.handleDevice)

	return r
}

// Calls returns every device request received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallCount counts the requests for one action. An empty method matches
// both GET and PUT.
func (s *Server) CallCount(method string, dt alpaca.DeviceType, number int, action string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, c := range s.calls {
		if (method == "" || c.Method == method) && c.Type == dt && c.Number == number && c.Action == action {
			n++
		}
	}
	return n
}

// DeviceCalls counts every request made to one device.
func (s *Server) DeviceCalls(dt alpaca.DeviceType, number int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, c := range s.calls {
		if c.Type == dt && c.Number == number {
			n++
		}
	}
	return n
}

// ResetCalls forgets the recorded requests.
func (s *Server) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

func (s *Server) device(dt alpaca.DeviceType, number int) *Device {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.devices {
		if d.info.Type == dt && d.info.Number == number {
			return d
		}
	}
	return nil
}

func (s *Server) handleAPIVersions(w http.ResponseWriter, r *http.Request) {
	s.writeValue(w, parseUint(r.URL.Query(), "ClientTransactionID"), []int{1})
}

func (s *Server) handleDescription(w http.ResponseWriter, r *http.Request) {
	s.writeValue(w, parseUint(r.URL.Query(), "ClientTransactionID"), s.description)
}

func (s *Server) handleConfiguredDevices(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	deviceInfo := make([]alpaca.DeviceInfo, 0, len(s.devices))
	for _, device := range s.devices {
		deviceInfo = append(deviceInfo, device.DeviceInfo())
	}
	s.mu.Unlock()

	s.writeValue(w, parseUint(r.URL.Query(), "ClientTransactionID"), deviceInfo)
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	params := requestParams(r)

	dt := alpaca.DeviceType(strings.ToLower(r.PathValue("type")))
	number, err := strconv.Atoi(r.PathValue("number"))
	if err != nil || number < 0 {
		http.Error(w, "invalid device number", http.StatusBadRequest)
		return
	}
	action := strings.ToLower(r.PathValue("action"))

	call := Call{
		Method:              r.Method,
		Type:                dt,
		Number:              number,
		Action:              action,
		ClientID:            parseUint(params, "ClientID"),
		ClientTransactionID: parseUint(params, "ClientTransactionID"),
		Params:              params,
	}
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()

	dev := s.device(dt, number)
	if dev == nil {
		http.Error(w, fmt.Sprintf("device %s/%d not found", dt, number), http.StatusBadRequest)
		return
	}

	s.logger.Debugf("%s %s/%d/%s", r.Method, dt, number, action)

	if r.Method == http.MethodGet && action == "imagearray" {
		s.handleImageArray(w, r, dev, call.ClientTransactionID)
		return
	}

	var value any
	if r.Method == http.MethodGet {
		value, err = dev.read(action)
	} else {
		err = dev.write(action, params)
	}
	if err != nil {
		code, message := errorResponse(err)
		s.writeError(w, call.ClientTransactionID, code, message)
		return
	}
	s.writeValue(w, call.ClientTransactionID, value)
}

func (s *Server) handleImageArray(w http.ResponseWriter, r *http.Request, dev *Device, clientTx uint32) {
	img, err := dev.lastImage()
	imageBytes := strings.Contains(r.Header.Get("Accept"), alpaca.ImageBytesMediaType)

	if err != nil {
		code, message := errorResponse(err)
		if imageBytes {
			w.Header().Set("Content-Type", alpaca.ImageBytesMediaType)
			w.Write(alpaca.EncodeImageBytesError(code, message, clientTx, s.txCounter.Add(1)))
			return
		}
		s.writeError(w, clientTx, code, message)
		return
	}

	if imageBytes {
		w.Header().Set("Content-Type", alpaca.ImageBytesMediaType)
		w.Write(alpaca.EncodeImageBytes(img, clientTx, s.txCounter.Add(1)))
		return
	}

	// JSON fallback: nested arrays indexed [x][y].
	columns := make([][]int32, img.Width)
	for x := range columns {
		columns[x] = img.Data[x*img.Height : (x+1)*img.Height]
	}
	response := struct {
		baseResponse
		Type int `json:"Type"`
		Rank int `json:"Rank"`
	}{
		baseResponse: baseResponse{
			ClientTransactionID: clientTx,
			ServerTransactionID: s.txCounter.Add(1),
			Value:               columns,
		},
		Type: int(alpaca.ElementInt32),
		Rank: 2,
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, response)
}

func errorResponse(err error) (alpaca.ErrorCode, string) {
	var perr *alpaca.ProtocolError
	if errors.As(err, &perr) {
		msg := perr.Message
		if msg == "" {
			msg = perr.Code.String()
		}
		return perr.Code, msg
	}
	return alpaca.ErrorDriverBase, err.Error()
}
