// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/bureau-foundation/dispatch/lib/mode"
	"github.com/bureau-foundation/dispatch/lib/schema"
	"github.com/bureau-foundation/dispatch/lib/service"
)

// httpHandler serves the HTTP ingress. It mirrors the execute, status,
// and mode socket actions for platform adapters that speak JSON.
func (r *Router) httpHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/execute", r.serveExecute)
	mux.HandleFunc("GET /v1/status", r.serveStatus)
	mux.HandleFunc("GET /v1/mode/{community}", r.serveModeState)
	mux.HandleFunc("POST /v1/mode/{community}/music", r.serveModeAction(func(ctx context.Context, communityID string, _ modeBody) (mode.Result, error) {
		return r.modes.Music(ctx, communityID)
	}))
	mux.HandleFunc("POST /v1/mode/{community}/radio", r.serveModeAction(func(ctx context.Context, communityID string, body modeBody) (mode.Result, error) {
		return r.modes.Radio(ctx, communityID, body.Station)
	}))
	mux.HandleFunc("POST /v1/mode/{community}/stop", r.serveModeAction(func(ctx context.Context, communityID string, _ modeBody) (mode.Result, error) {
		return r.modes.Stop(ctx, communityID)
	}))
	mux.HandleFunc("POST /v1/mode/{community}/resume", r.serveModeAction(func(ctx context.Context, communityID string, _ modeBody) (mode.Result, error) {
		return r.modes.Resume(ctx, communityID)
	}))
	return mux
}

// executeStatus maps a result to the HTTP status of its response. The
// body is the full result either way.
func executeStatus(result schema.ExecutionResult) int {
	switch result.ErrorKind {
	case schema.ErrorKindNone:
		return http.StatusOK
	case schema.ErrorKindUnknownCommand:
		return http.StatusNotFound
	case schema.ErrorKindRateLimited:
		return http.StatusTooManyRequests
	case schema.ErrorKindDependencyUnavailable:
		return http.StatusServiceUnavailable
	case schema.ErrorKindTimeout:
		return http.StatusGatewayTimeout
	case schema.ErrorKindTransientFailure:
		return http.StatusBadGateway
	case schema.ErrorKindPermanentFailure:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) serveExecute(writer http.ResponseWriter, request *http.Request) {
	var execution schema.ExecutionRequest
	if err := service.ReadJSON(request, &execution); err != nil {
		service.WriteError(writer, http.StatusBadRequest, err.Error())
		return
	}
	if execution.IPAddress == "" {
		if host, _, err := net.SplitHostPort(request.RemoteAddr); err == nil {
			execution.IPAddress = host
		}
	}
	result := r.execute(request.Context(), execution)
	service.WriteJSON(writer, executeStatus(result), result)
}

func (r *Router) serveStatus(writer http.ResponseWriter, request *http.Request) {
	service.WriteJSON(writer, http.StatusOK, r.status())
}

// modeError writes err with the status matching its cause.
func modeError(writer http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errModeDisabled):
		service.WriteError(writer, http.StatusNotImplemented, err.Error())
	case errors.Is(err, mode.ErrBackend):
		service.WriteError(writer, http.StatusBadGateway, err.Error())
	default:
		service.WriteError(writer, http.StatusInternalServerError, err.Error())
	}
}

func (r *Router) serveModeState(writer http.ResponseWriter, request *http.Request) {
	if r.modes == nil {
		modeError(writer, errModeDisabled)
		return
	}
	state, err := r.modes.State(request.Context(), request.PathValue("community"))
	if err != nil {
		modeError(writer, err)
		return
	}
	service.WriteJSON(writer, http.StatusOK, state)
}

// modeBody is the optional JSON body of a mode action.
type modeBody struct {
	Station string `json:"station"`
}

// readModeBody accepts an empty body.
func readModeBody(request *http.Request) (modeBody, error) {
	var body modeBody
	if request.ContentLength == 0 {
		return body, nil
	}
	if err := service.ReadJSON(request, &body); err != nil && !errors.Is(err, io.EOF) {
		return body, err
	}
	return body, nil
}

func (r *Router) serveModeAction(operation func(ctx context.Context, communityID string, body modeBody) (mode.Result, error)) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		body, err := readModeBody(request)
		if err != nil {
			service.WriteError(writer, http.StatusBadRequest, err.Error())
			return
		}
		communityID := request.PathValue("community")
		result, err := r.runMode(func() (mode.Result, error) {
			return operation(request.Context(), communityID, body)
		})
		if err != nil {
			modeError(writer, err)
			return
		}
		service.WriteJSON(writer, http.StatusOK, result)
	}
}
