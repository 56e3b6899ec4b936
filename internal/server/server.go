package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/kira210402/DepositNFT/internal/amount"
	"github.com/kira210402/DepositNFT/internal/chain"
	"github.com/kira210402/DepositNFT/internal/hmacauth"
	"github.com/kira210402/DepositNFT/internal/idempotency"
	"github.com/kira210402/DepositNFT/internal/metrics"
	"github.com/kira210402/DepositNFT/internal/notify"
	"github.com/kira210402/DepositNFT/internal/session"
	"github.com/kira210402/DepositNFT/internal/txflow"
)

const (
	// DefaultMintAmount is what POST /mint mints when no amount is given.
	DefaultMintAmount = 10000
	DefaultHost       = "127.0.0.1"

	maxFlowBody = 4 << 10
)

// Session is the wallet session as the API drives it.
type Session interface {
	Snapshot() session.Snapshot
	Connect(ctx context.Context) error
	Reset()
	DismissNetworkError()
}

// Flows runs the transaction flows.
type Flows interface {
	Mint(ctx context.Context, amount *big.Int) (txflow.Result, error)
	Deposit(ctx context.Context, amount *big.Int) (txflow.Result, error)
}

type Config struct {
	Host              string
	HTTPPort          int
	IdempotencyWindow time.Duration
	// AuthSecret signs POST requests; empty leaves them unauthenticated.
	AuthSecret  string
	AuthMaxSkew time.Duration
}

type Option func(*Server)

// WithRPCHealth reports chain connectivity on the health endpoint.
func WithRPCHealth(fn func(context.Context) error) Option {
	return func(s *Server) { s.rpcHealthFn = fn }
}

type Server struct {
	cfg         Config
	session     Session
	flows       Flows
	store       idempotency.Store
	notes       *notify.Log
	metrics     *metrics.Registry
	log         *zap.Logger
	auth        *hmacauth.Verifier
	httpServer  *http.Server
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

func NewServer(cfg Config, sess Session, flows Flows, store idempotency.Store, notes *notify.Log, reg *metrics.Registry, log *zap.Logger, opts ...Option) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if store == nil {
		store = idempotency.NewMemoryStore()
	}
	if notes == nil {
		notes = notify.NewLog(0)
	}

	auth := &hmacauth.Verifier{
		Secret:  cfg.AuthSecret,
		MaxSkew: cfg.AuthMaxSkew,
		MaxBody: maxFlowBody,
		Log:     log.Named("auth"),
	}

	s := &Server{
		cfg:     cfg,
		session: sess,
		flows:   flows,
		store:   store,
		notes:   notes,
		metrics: reg,
		log:     log,
		auth:    auth,
	}
	for _, opt := range opts {
		opt(s)
	}

	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/session", s.handleSession)
	mux.Handle("POST /api/v1/session/connect", s.signed(s.handleConnect))
	mux.Handle("POST /api/v1/session/reset", s.signed(s.handleReset))
	mux.Handle("POST /api/v1/network-error/dismiss", s.signed(s.handleDismiss))
	mux.Handle("POST /api/v1/mint", s.signed(s.handleMint))
	mux.Handle("POST /api/v1/deposits", s.signed(s.handleDeposit))
	mux.HandleFunc("GET /api/v1/notifications", s.handleNotifications)
	mux.Handle("GET /api/v1/metrics", reg.Handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	host := cfg.Host
	if host == "" {
		host = DefaultHost
	}
	if !s.auth.Enabled() {
		log.Warn("API auth secret not set, mutating routes are unauthenticated", zap.String("host", host))
	}

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(cfg.HTTPPort)),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) signed(h http.HandlerFunc) http.Handler {
	return s.auth.Middleware(h)
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	s.log.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type tokenJSON struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

type receiptTokenJSON struct {
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
}

type sessionResponse struct {
	Status          session.Status    `json:"status"`
	Address         string            `json:"address,omitempty"`
	ChainID         string            `json:"chainId,omitempty"`
	Token           *tokenJSON        `json:"token,omitempty"`
	ReceiptToken    *receiptTokenJSON `json:"receiptToken,omitempty"`
	Balance         string            `json:"balance,omitempty"`
	BalanceDisplay  string            `json:"balanceDisplay,omitempty"`
	NextTokenID     string            `json:"nextTokenId,omitempty"`
	NetworkError    string            `json:"networkError,omitempty"`
	Error           string            `json:"error,omitempty"`
	ConnectRejected bool              `json:"connectRejected,omitempty"`
}

func newSessionResponse(snap session.Snapshot) sessionResponse {
	resp := sessionResponse{
		Status:          snap.Status,
		NetworkError:    snap.NetworkError,
		Error:           snap.Error,
		ConnectRejected: snap.ConnectRejected,
	}
	if snap.Address != nil {
		resp.Address = snap.Address.Hex()
	}
	if snap.ChainID != nil {
		resp.ChainID = snap.ChainID.String()
	}
	if snap.ReceiptToken != nil {
		resp.ReceiptToken = &receiptTokenJSON{Name: snap.ReceiptToken.Name, Symbol: snap.ReceiptToken.Symbol}
	}
	if snap.NextTokenID != nil {
		resp.NextTokenID = snap.NextTokenID.String()
	}
	if snap.Balance != nil {
		resp.Balance = snap.Balance.String()
	}
	if snap.Token != nil {
		resp.Token = &tokenJSON{Name: snap.Token.Name, Symbol: snap.Token.Symbol, Decimals: snap.Token.Decimals}
		resp.BalanceDisplay = amount.Format(snap.Balance, snap.Token.Decimals)
	}
	return resp
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newSessionResponse(s.session.Snapshot()))
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	err := s.session.Connect(r.Context())
	snap := newSessionResponse(s.session.Snapshot())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, snap)
	case errors.Is(err, chain.ErrProviderUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, snap)
	case errors.Is(err, session.ErrSuperseded):
		writeJSON(w, http.StatusConflict, snap)
	default:
		s.log.Warn("connect failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, snap)
	}
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	s.session.Reset()
	writeJSON(w, http.StatusOK, newSessionResponse(s.session.Snapshot()))
}

func (s *Server) handleDismiss(w http.ResponseWriter, _ *http.Request) {
	s.session.DismissNetworkError()
	writeJSON(w, http.StatusOK, newSessionResponse(s.session.Snapshot()))
}

func (s *Server) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Notifications []notify.Notification `json:"notifications"`
	}{Notifications: s.notes.Entries()})
}

type amountRequest struct {
	Amount string `json:"amount"`
}

type flowResponse struct {
	Result txflow.Result `json:"result"`
	Error  string        `json:"error,omitempty"`
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	s.handleFlow(w, r, txflow.KindMint, s.flows.Mint)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleFlow(w, r, txflow.KindDeposit, s.flows.Deposit)
}

type flowFunc func(ctx context.Context, amount *big.Int) (txflow.Result, error)

// marshalResponse is replaced in tests.
var marshalResponse = json.Marshal

func (s *Server) handleFlow(w http.ResponseWriter, r *http.Request, kind txflow.Kind, run flowFunc) {
	ctx := r.Context()

	var payload amountRequest
	if r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxFlowBody)
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "invalid json payload", http.StatusBadRequest)
			return
		}
	}
	if payload.Amount == "" && kind == txflow.KindMint {
		payload.Amount = strconv.Itoa(DefaultMintAmount)
	}
	value, err := amount.Parse(payload.Amount)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	key := s.replayKey(r, kind)
	if key != "" {
		if existing, err := s.store.Get(ctx, key); err != nil {
			s.log.Warn("replay lookup failed", zap.String("key", key), zap.Error(err))
		} else if existing != nil {
			s.metrics.IncReplay(existing.Kind)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotent-Replay", "true")
			w.WriteHeader(existing.StatusCode)
			_, _ = w.Write(existing.Body)
			return
		}
	}

	res, err := run(ctx, value)
	status := flowStatus(res, err)
	resp := flowResponse{Result: res}
	if err != nil {
		resp.Error = err.Error()
		s.log.Warn("transaction flow failed", zap.String("flow", string(kind)), zap.Error(err))
	}
	body, err := marshalResponse(resp)
	if err != nil {
		s.log.Error("encode flow response", zap.String("flow", string(kind)), zap.Error(err))
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}

	// Only flows that reached the wallet are replayed; a request refused up
	// front may succeed when retried.
	if key != "" && len(res.Records) > 0 {
		now := time.Now()
		record := idempotency.Record{
			Kind:       string(kind),
			StatusCode: status,
			Body:       body,
			CreatedAt:  now,
			ExpiresAt:  now.Add(s.cfg.IdempotencyWindow),
		}
		if err := s.store.Save(ctx, key, record); err != nil {
			s.log.Warn("replay save failed", zap.String("key", key), zap.Error(err))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *Server) replayKey(r *http.Request, kind txflow.Kind) string {
	clientKey := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	if clientKey == "" {
		return ""
	}
	var account common.Address
	if snap := s.session.Snapshot(); snap.Address != nil {
		account = *snap.Address
	}
	return idempotency.Key(string(kind), account, clientKey)
}

func flowStatus(res txflow.Result, err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, txflow.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, txflow.ErrFlowInProgress), errors.Is(err, session.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, txflow.ErrTransactionReverted):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case res.Status == txflow.StatusFailed && len(res.Records) > 0:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{Connected: true}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status   string         `json:"status"`
		Session  session.Status `json:"session"`
		RPC      interface{}    `json:"rpc"`
		Database interface{}    `json:"database"`
	}{
		Status:   status,
		Session:  s.session.Snapshot().Status,
		RPC:      rpcInfo,
		Database: dbInfo,
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = fmt.Sprintf("%d", time.Now().UnixNano())
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}
