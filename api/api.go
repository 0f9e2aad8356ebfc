package api

import (
	"context"
	"net/http"

	"github.com/zlnvch/cosketch/api/rest"
	"github.com/zlnvch/cosketch/api/ws"
	"github.com/zlnvch/cosketch/service"
)

type CosketchAPI struct {
	restHandler *rest.Handler
	wsHandler   *ws.Handler
	shutdownCtx context.Context
}

// NewCosketchAPI wires the REST and websocket surfaces to svc and starts the
// websocket hub. The hub stops with shutdownCtx.
func NewCosketchAPI(svc *service.Service, devMode bool, shutdownCtx context.Context) *CosketchAPI {
	wsHub := ws.NewHub(svc.Cache)
	go wsHub.Run(shutdownCtx)

	return &CosketchAPI{
		restHandler: rest.NewHandler(svc, devMode),
		wsHandler:   ws.NewHandler(svc, wsHub),
		shutdownCtx: shutdownCtx,
	}
}

func (cosketchAPI *CosketchAPI) RegisterRoutes(mux *http.ServeMux, requiredOrigin string) {
	// Health check endpoint (no auth required)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	cosketchAPI.restHandler.RegisterRoutes(mux)

	wsUpgrader := cosketchAPI.wsHandler.NewWsUpgrader(requiredOrigin)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		cosketchAPI.wsHandler.ServeWS(wsUpgrader, w, r, cosketchAPI.shutdownCtx)
	})
}
