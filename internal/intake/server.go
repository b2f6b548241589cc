package intake

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tathienbao/bracketbot/internal/metrics"
	"github.com/tathienbao/bracketbot/internal/types"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Signature"

// Executor runs a trade signal to completion.
type Executor interface {
	Execute(ctx context.Context, sig types.TradeSignal) (*types.Outcome, error)
}

// Config holds webhook server configuration.
type Config struct {
	Addr         string
	Path         string
	Secret       string // empty disables signature checks
	MaxBodyBytes int64
	ReadTimeout  time.Duration
}

// DefaultConfig returns default intake configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8080",
		Path:         "/webhook",
		MaxBodyBytes: 64 << 10,
		ReadTimeout:  10 * time.Second,
	}
}

// Server accepts signals and dispatches each one to the executor in its
// own goroutine. Responses do not wait for the trade.
type Server struct {
	cfg        Config
	exec       Executor
	recorder   *metrics.Recorder
	logger     *slog.Logger
	httpServer *http.Server

	// pipelines outlive their requests
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a webhook server.
func NewServer(cfg Config, exec Executor, recorder *metrics.Recorder, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.NewRecorder()
	}
	def := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		exec:     exec,
		recorder: recorder,
		logger:   logger.With("component", "intake"),
		ctx:      ctx,
		cancel:   cancel,
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger)
	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	router.POST(cfg.Path, s.handleWebhook)

	s.httpServer = &http.Server{
		Addr:        cfg.Addr,
		Handler:     router,
		ReadTimeout: cfg.ReadTimeout,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	s.logger.Info("starting webhook server",
		"addr", ln.Addr().String(),
		"path", s.cfg.Path,
		"signed", s.cfg.Secret != "",
	)

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("webhook server error", "err", err)
		}
	}()
	return nil
}

// Shutdown stops accepting signals and waits for dispatched pipelines.
// When ctx expires first, running pipelines are cancelled; their brackets
// stay on the exchange.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down webhook server")
	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return err
	case <-ctx.Done():
		s.logger.Warn("pipelines still running at shutdown, cancelling")
		s.cancel()
		<-done
		return errors.Join(err, ctx.Err())
	}
}

// Wait blocks until all dispatched pipelines have returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) requestLogger(c *gin.Context) {
	start := time.Now()
	c.Next()

	status := c.Writer.Status()
	if c.FullPath() == s.cfg.Path {
		s.recorder.RecordWebhook(status)
	}
	s.logger.Debug("request",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", status,
		"ip", c.ClientIP(),
		"cost", time.Since(start),
	)
}

func (s *Server) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		reject(c, http.StatusBadRequest, "failed to read body")
		return
	}

	if s.cfg.Secret != "" && !verifySignature(s.cfg.Secret, body, c.GetHeader(SignatureHeader)) {
		s.logger.Warn("webhook signature rejected", "ip", c.ClientIP())
		reject(c, http.StatusUnauthorized, "invalid signature")
		return
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		reject(c, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := p.Validate(); err != nil {
		reject(c, http.StatusBadRequest, err.Error())
		return
	}
	sig, err := p.Signal(uuid.New().String())
	if err != nil {
		reject(c, http.StatusBadRequest, err.Error())
		return
	}
	sig.ReceivedAt = time.Now()

	s.logger.Info("signal received",
		"signal_id", sig.ID,
		"action", p.Action,
		"pair", sig.Symbol,
		"indicator", sig.Source.Indicator,
	)
	s.dispatch(sig)

	c.JSON(http.StatusOK, gin.H{"status": "accepted", "signal_id": sig.ID})
}

func (s *Server) dispatch(sig types.TradeSignal) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		outcome, err := s.exec.Execute(s.ctx, sig)
		switch {
		case err != nil && types.IsExpectedAbort(err):
			s.logger.Info("signal not traded", "signal_id", sig.ID, "reason", err)
		case err != nil:
			s.logger.Error("signal failed", "signal_id", sig.ID, "err", err)
		case outcome != nil:
			s.logger.Info("signal completed",
				"signal_id", sig.ID,
				"exit_leg", outcome.ExitLeg,
				"pnl_pct", outcome.PnLPercent.StringFixed(2),
			)
		}
	}()
}

func reject(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"status": "rejected", "error": msg})
}

func verifySignature(secret string, body []byte, header string) bool {
	if header == "" {
		return false
	}
	provided, err := hex.DecodeString(header)
	if err != nil {
		return false
	}
	return hmac.Equal(provided, bodyMAC(secret, body))
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	return hex.EncodeToString(bodyMAC(secret, body))
}

func bodyMAC(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}
