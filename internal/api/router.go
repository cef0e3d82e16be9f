// Copyright 2025 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// Router binds Handler methods to mux routes through a wrapper that owns
// panic recovery, status tracking and error rendering.
type Router struct {
	*Handler
	*mux.Router
}

type Route struct {
	*Handler
	*mux.Route
	endpoint string
}

// RequestHandler carries one request through a Handler method.
type RequestHandler struct {
	*Handler
	responseWriter http.ResponseWriter
	endpoint       string
	statusCode     int
	statusCodeSent bool
}

func (r Router) Path(tpl string) *Route {
	return &Route{
		Handler:  r.Handler,
		Route:    r.Router.Path(tpl),
		endpoint: tpl[strings.LastIndex(tpl, "/")+1:],
	}
}

func (r *Route) Methods(methods ...string) *Route {
	r.Route = r.Route.Methods(methods...)
	return r
}

func (r *Route) HandlerFunc(f func(*RequestHandler, *http.Request)) *Route {
	r.Route.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		h := &RequestHandler{
			Handler:        r.Handler,
			responseWriter: w,
			endpoint:       r.endpoint,
		}
		defer func() {
			if p := recover(); p != nil {
				h.replyServerError(req, fmt.Errorf("panic: %v", p))
				log.Printf("[error] %s %s panic stack:\n%s", req.Method, req.URL.Path, debug.Stack())
			}
		}()
		f(h, req)
	})
	return r
}

func (h *RequestHandler) Header() http.Header { return h.responseWriter.Header() }

func (h *RequestHandler) Write(b []byte) (int, error) {
	if !h.statusCodeSent {
		h.WriteHeader(http.StatusOK)
	}
	return h.responseWriter.Write(b)
}

func (h *RequestHandler) WriteHeader(statusCode int) {
	h.statusCode = statusCode
	h.statusCodeSent = true
	h.responseWriter.WriteHeader(statusCode)
}

// Flush forwards to the underlying writer so series stream out as they are
// produced instead of buffering the whole response.
func (h *RequestHandler) Flush() {
	if f, ok := h.responseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// replyBadRequest renders a client validation failure.
func (h *RequestHandler) replyBadRequest(err error) {
	h.replyJSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
}

// replyServerError renders a 500 with an opaque correlation code, logging
// the real error under the same code. A canceled client gets nothing, the
// connection is already gone.
func (h *RequestHandler) replyServerError(req *http.Request, err error) {
	if errors.Is(err, context.Canceled) && req.Context().Err() != nil {
		log.Printf("[debug] %s %s canceled by client", req.Method, req.URL.Path)
		return
	}
	code := uuid.New().String()
	log.Printf("[error] %s %s user=%q code=%s: %v", req.Method, req.URL.Path, req.Header.Get("X-Forwarded-User"), code, err)
	if h.statusCodeSent {
		return // response already underway, nothing sane to send
	}
	h.replyJSON(http.StatusInternalServerError, errorResponse{Error: "internal error, reference code " + code})
}

func (h *RequestHandler) replyJSON(status int, body any) {
	h.Header().Set("Content-Type", "application/json")
	h.WriteHeader(status)
	if err := json.NewEncoder(h).Encode(body); err != nil {
		log.Printf("[debug] failed to write response body: %v", err)
	}
}

// logSlow is a debugging aid for slow endpoints.
func (h *RequestHandler) logSlow(started time.Time, threshold time.Duration) {
	if d := time.Since(started); threshold > 0 && d > threshold {
		log.Printf("[warning] %s took %v", h.endpoint, d)
	}
}
