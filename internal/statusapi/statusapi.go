// Package statusapi exposes the client's state and connect/disconnect
// controls over a local HTTP API, with a websocket push of every change.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"netual/internal/engine"
)

// Controller is the client surface driven by the API.
type Controller interface {
	Start(ctx context.Context, server string) error
	Stop()
	Status() engine.Status
	Subscribe() (<-chan engine.Status, func())
}

type connectRequest struct {
	Server string `json:"server"`
}

type errorResponse struct {
	Error string `json:"error"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Local control surface only.
		return true
	},
}

type api struct {
	ctx    context.Context
	ctrl   Controller
	logger logrus.FieldLogger
}

// NewHandler builds the router. ctx bounds every connection run started
// through POST /connect.
func NewHandler(ctx context.Context, ctrl Controller, logger logrus.FieldLogger) http.Handler {
	a := &api{ctx: ctx, ctrl: ctrl, logger: logger}
	router := mux.NewRouter()
	router.HandleFunc("/status", a.status).Methods(http.MethodGet)
	router.HandleFunc("/status/ws", a.watch).Methods(http.MethodGet)
	router.HandleFunc("/connect", a.connect).Methods(http.MethodPost)
	router.HandleFunc("/disconnect", a.disconnect).Methods(http.MethodPost)
	return router
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.ctrl.Status())
}

func (a *api) connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid body: " + err.Error()})
		return
	}
	if err := a.ctrl.Start(a.ctx, req.Server); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, engine.ErrBusy) {
			code = http.StatusConflict
		}
		writeJSON(w, code, errorResponse{Error: err.Error()})
		return
	}
	a.logger.Infof("connect requested server=%q", req.Server)
	writeJSON(w, http.StatusAccepted, a.ctrl.Status())
}

func (a *api) disconnect(w http.ResponseWriter, r *http.Request) {
	a.logger.Infof("disconnect requested")
	a.ctrl.Stop()
	writeJSON(w, http.StatusOK, a.ctrl.Status())
}

func (a *api) watch(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Errorf("websockets upgrade error: %v", err)
		return
	}
	defer conn.Close()

	updates, unsubscribe := a.ctrl.Subscribe()
	defer unsubscribe()

	// The client never sends anything we use; reading detects its close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-a.ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(st); err != nil {
				a.logger.Debugf("status push: %v", err)
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe serves handler on addr until ctx ends.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, logger logrus.FieldLogger) error {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Infof("status api listening on %s", addr)
		errc <- httpSrv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		return nil
	}
}
