package simulator

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"observatory/alpaca"
)

type baseResponse struct {
	ClientTransactionID uint32           `json:"ClientTransactionID"`
	ServerTransactionID uint32           `json:"ServerTransactionID"`
	ErrorNumber         alpaca.ErrorCode `json:"ErrorNumber"`
	ErrorMessage        string           `json:"ErrorMessage"`
	Value               any              `json:"Value,omitempty"`
}

// parseBodyParams reads the request body as URL-encoded data.
func parseBodyParams(r *http.Request) (url.Values, error) {
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	// Reset the body so it can be read again later.
	r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	return url.ParseQuery(string(bodyBytes))
}

// requestParams returns the request parameters, from the body for PUT and
// from the query string otherwise.
func requestParams(r *http.Request) url.Values {
	if r.Method == http.MethodPut {
		params, _ := parseBodyParams(r)
		return params
	}
	return r.URL.Query()
}

// lookup finds a parameter ignoring the case of its name.
func lookup(params url.Values, name string) (string, bool) {
	for param, value := range params {
		if strings.EqualFold(param, name) && len(value) > 0 {
			return value[0], true
		}
	}
	return "", false
}

func parseUint(params url.Values, name string) uint32 {
	v, ok := lookup(params, name)
	if !ok {
		return 0
	}
	id, _ := strconv.ParseUint(v, 10, 32)
	return uint32(id)
}

func (s *Server) writeValue(w http.ResponseWriter, clientTx uint32, value any) {
	response := baseResponse{
		ServerTransactionID: s.txCounter.Add(1),
		ClientTransactionID: clientTx,
		Value:               value,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Server) writeError(w http.ResponseWriter, clientTx uint32, code alpaca.ErrorCode, message string) {
	response := baseResponse{
		ServerTransactionID: s.txCounter.Add(1),
		ClientTransactionID: clientTx,
		ErrorNumber:         code,
		ErrorMessage:        message,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func writeJSON(w http.ResponseWriter, v any) {
	json.NewEncoder(w).Encode(v)
}
