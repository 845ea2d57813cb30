// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package webserver is the gateway's HTTP surface: JSON endpoints for quote
// execution, liquidity operations, fee quotes and transaction history, plus
// a websocket feed of submission status changes.
package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"crossdex.org/crossdex/chain"
	"crossdex.org/crossdex/gw"
	"crossdex.org/crossdex/quote"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const httpTimeoutSeconds = 300 // confirmation can legitimately take minutes

// Config is the webserver's dependencies and settings.
type Config struct {
	Addr     string
	Registry *chain.Registry
	Quotes   quote.Engine
	Indent   bool
	Logger   gw.Logger
}

// WebServer routes the gateway's HTTP and websocket traffic.
type WebServer struct {
	log      gw.Logger
	registry *chain.Registry
	quotes   quote.Engine
	srv      *http.Server
	addr     string
	indent   bool

	wsMtx     sync.Mutex
	wsClients map[int32]*wsClient
	nextWSID  int32
}

// New constructs the WebServer and its router.
func New(cfg *Config) *WebServer {
	mux := chi.NewRouter()
	s := &WebServer{
		log:      cfg.Logger,
		registry: cfg.Registry,
		quotes:   cfg.Quotes,
		addr:     cfg.Addr,
		indent:   cfg.Indent,
		srv: &http.Server{
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: httpTimeoutSeconds * time.Second,
		},
		wsClients: make(map[int32]*wsClient),
	}

	mux.Use(middleware.Recoverer)
	mux.Use(middleware.RealIP)
	mux.Get("/ws", s.handleWS)
	mux.Route("/api", func(r chi.Router) {
		r.With(middleware.AllowContentType("application/json")).Group(func(r chi.Router) {
			r.Post("/execute-quote", s.apiExecuteQuote)
			r.Post("/add-liquidity", s.apiAddLiquidity)
			r.Post("/collect-fees", s.apiCollectFees)
		})
		r.Get("/fees/{network}", s.apiFees)
		r.Get("/tx/{network}/{txid}", s.apiTx)
		r.Get("/txs/{network}", s.apiTxs)
		r.Get("/balance/{network}/{asset}/{address}", s.apiBalance)
		r.Get("/networks", s.apiNetworks)
	})
	return s
}

// Run starts the web server, shutting it down when the context is canceled.
func (s *WebServer) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("can't listen on %s: %w", s.addr, err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		if err := s.srv.Shutdown(context.Background()); err != nil {
			s.log.Errorf("problem shutting down http server: %v", err)
		}
	}()

	s.log.Infof("web server listening on http://%s", s.addr)
	err = s.srv.Serve(listener)
	if !errors.Is(err, http.ErrServerClosed) {
		s.log.Warnf("unexpected (http.Server).Serve error: %v", err)
	}

	// Shutdown does not deal with hijacked websocket connections.
	s.wsMtx.Lock()
	for _, cl := range s.wsClients {
		cl.disconnect()
	}
	s.wsMtx.Unlock()

	wg.Wait()
	s.log.Infof("web server off")
	return nil
}

// readPost unmarshals the request body into the provided interface.
func (s *WebServer) readPost(w http.ResponseWriter, r *http.Request, thing interface{}) bool {
	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		s.log.Debugf("error reading request body: %v", err)
		http.Error(w, "error reading JSON message", http.StatusBadRequest)
		return false
	}
	if err = json.Unmarshal(body, thing); err != nil {
		s.log.Debugf("failed to unmarshal JSON request: %v", err)
		http.Error(w, "failed to unmarshal JSON request", http.StatusBadRequest)
		return false
	}
	return true
}

// writeJSON marshals the provided interface and writes the bytes to the
// ResponseWriter. The response code is assumed to be StatusOK.
func (s *WebServer) writeJSON(w http.ResponseWriter, thing interface{}) {
	s.writeJSONWithStatus(w, thing, http.StatusOK)
}

// writeJSONWithStatus marshals the provided interface and writes the bytes
// to the ResponseWriter with the specified response code.
func (s *WebServer) writeJSONWithStatus(w http.ResponseWriter, thing interface{}, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	encoder := json.NewEncoder(w)
	if s.indent {
		encoder.SetIndent("", "    ")
	}
	if err := encoder.Encode(thing); err != nil {
		s.log.Infof("JSON encode error: %v", err)
	}
}
