// Package rpctest provides an in-process JSON-RPC endpoint for tests.
package rpctest

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
)

// Error is a JSON-RPC error object
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Handler answers one JSON-RPC call. Returning a non-nil *Error sends an error response.
type Handler func(method string, params []json.RawMessage) (any, *Error)

type request struct {
	JsonRpc string            `json:"jsonrpc"`
	Id      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type response struct {
	JsonRpc string          `json:"jsonrpc"`
	Id      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Server records the methods it was called with
type Server struct {
	*httptest.Server

	mu    sync.Mutex
	calls []string
	// StatusCode, when set, is returned instead of a JSON-RPC answer
	StatusCode int
}

func NewServer(handler Handler) *Server {
	s := &Server{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		s.mu.Lock()
		status := s.StatusCode
		s.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(http.StatusText(status)))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		trimmed := bytes.TrimSpace(body)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			var batch []request
			if err := json.Unmarshal(trimmed, &batch); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			out := make([]response, 0, len(batch))
			for _, req := range batch {
				out = append(out, s.answer(handler, req))
			}
			_ = json.NewEncoder(w).Encode(out)
			return
		}

		var req request
		if err := json.Unmarshal(trimmed, &req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(s.answer(handler, req))
	}))
	return s
}

func (s *Server) answer(handler Handler, req request) response {
	s.mu.Lock()
	s.calls = append(s.calls, req.Method)
	s.mu.Unlock()

	result, rpcErr := handler(req.Method, req.Params)
	resp := response{JsonRpc: "2.0", Id: req.Id}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else if result == nil {
		resp.Result = json.RawMessage("null")
	} else {
		resp.Result = result
	}
	return resp
}

// SetStatus makes every following request fail with the given HTTP status (0 restores)
func (s *Server) SetStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StatusCode = code
}

// Calls returns how many times method was called
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == method {
			n++
		}
	}
	return n
}
