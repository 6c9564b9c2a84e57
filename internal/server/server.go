package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"gitlab.ozon.dev/qwestard/chaindelivery/internal/apperr"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/config"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/middleware"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/service"
	"gitlab.ozon.dev/qwestard/chaindelivery/internal/wallet"
)

var mutating = []string{http.MethodPost}

// Server exposes one session over HTTP. Exactly one of customer and agent is set.
type Server struct {
	customer *service.CustomerSession
	agent    *service.AgentSession
	wallet   wallet.Service
	logger   *zap.Logger
	user     string
	password string
	addr     string
}

func NewCustomerServer(s *service.CustomerSession, w wallet.Service, cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{customer: s, wallet: w, logger: logger, user: cfg.Username, password: cfg.Password, addr: cfg.Addr()}
}

func NewAgentServer(s *service.AgentSession, w wallet.Service, cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{agent: s, wallet: w, logger: logger, user: cfg.Username, password: cfg.Password, addr: cfg.Addr()}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	s.handleWith(mux, "POST /wallet/connect", s.handleConnect)
	s.handleWith(mux, "GET /wallet", s.handleWallet)

	if s.customer != nil {
		s.handleWith(mux, "POST /orders", s.handleSubmit)
		s.handleWith(mux, "POST /orders/confirm", s.handleConfirmOrder)
		s.handleWith(mux, "POST /orders/cancel", s.handleCancel)
		s.handleWith(mux, "POST /orders/pay", s.handlePay)
		s.handleWith(mux, "GET /session", s.handleCustomerSession)
		return
	}
	s.handleWith(mux, "POST /agents/register", s.handleRegister)
	s.handleWith(mux, "GET /jobs", s.handleJobs)
	s.handleWith(mux, "POST /jobs/{id}/claim", s.handleClaim)
	s.handleWith(mux, "POST /jobs/release", s.handleRelease)
	s.handleWith(mux, "GET /payments", s.handlePayments)
	s.handleWith(mux, "GET /session", s.handleAgentSession)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleWith(mux *http.ServeMux, pattern string, handlerFunc http.HandlerFunc) {
	finalHandler := middleware.LogMiddleware(s.logger, mutating...)(
		middleware.BasicAuthMiddleware(s.user, s.password, mutating...)(
			handlerFunc,
		),
	)
	mux.Handle(pattern, finalHandler)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var (
		addr string
		err  error
	)
	if s.customer != nil {
		addr, err = s.customer.ConnectWallet(r.Context())
	} else {
		addr, err = s.agent.ConnectWallet(r.Context())
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": addr, "currency": s.wallet.Currency()})
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.wallet.Address()
	if !ok {
		s.writeError(w, apperr.Connectivity("wallet not connected"))
		return
	}
	balance, err := s.wallet.Balance(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":  addr,
		"currency": s.wallet.Currency(),
		"balance":  balance,
	})
}

type submitRequest struct {
	Prompt   string `json:"prompt"`
	Location string `json:"location"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad JSON", http.StatusBadRequest)
		return
	}
	order, err := s.customer.Submit(r.Context(), req.Prompt, req.Location)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type confirmRequest struct {
	Pickup string `json:"pickup"`
}

func (s *Server) handleConfirmOrder(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad JSON", http.StatusBadRequest)
			return
		}
	}
	job, err := s.customer.ConfirmOrder(r.Context(), req.Pickup)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, _ *http.Request) {
	if err := s.customer.Cancel(); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	n, err := s.customer.Pay(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleCustomerSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.customer.Snapshot())
}

type registerRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad JSON", http.StatusBadRequest)
		return
	}
	ref, err := s.agent.RegisterAgent(r.Context(), req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"txRef": ref})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	filter, err := service.ParseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if r.URL.Query().Get("refresh") == "true" {
		if err := s.agent.Refresh(r.Context()); err != nil {
			s.writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, s.agent.Available(filter))
}

type claimRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad JSON", http.StatusBadRequest)
		return
	}
	c, err := s.agent.Claim(r.Context(), r.PathValue("id"), req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleRelease(w http.ResponseWriter, _ *http.Request) {
	if err := s.agent.Release(); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePayments(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.Payments())
}

func (s *Server) handleAgentSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.Snapshot())
}

// StatusOf maps a session error to an HTTP status.
func StatusOf(err error) int {
	switch {
	case apperr.IsValidation(err):
		return http.StatusBadRequest
	case apperr.IsConnectivity(err):
		return http.StatusUnauthorized
	case apperr.IsStaleRead(err):
		return http.StatusNotFound
	}
	switch apperr.KindOf(err) {
	case apperr.KindInsufficientFunds:
		return http.StatusPaymentRequired
	case apperr.KindCancelled:
		return http.StatusConflict
	case apperr.KindGeneric:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := StatusOf(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}
