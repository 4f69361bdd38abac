package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwebrtc/go-sip-phone/pkg/account"
	"github.com/cloudwebrtc/go-sip-phone/pkg/phone"
	"github.com/cloudwebrtc/go-sip-phone/pkg/settings"
	"github.com/cloudwebrtc/go-sip-phone/pkg/utils"
	"github.com/ghettovoice/gosip/log"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Softphone is the part of *phone.Phone the HTTP surface drives.
type Softphone interface {
	State() phone.State
	History() []phone.CallRecord
	Connect(cfg account.Config)
	Disconnect()
	MakeCall(number string) error
	Answer() error
	Hangup()
	TestConnection(ctx context.Context, cfg *account.Config) bool
}

type Server struct {
	phone   Softphone
	store   settings.Store
	metrics *Metrics
	log     log.Logger
}

func NewServer(p Softphone, store settings.Store, metrics *Metrics, logger log.Logger) *Server {
	if logger == nil {
		logger = utils.NewLogrusLogger(utils.DefaultLogLevel, "API", nil)
	}
	return &Server{
		phone:   p,
		store:   store,
		metrics: metrics,
		log:     logger,
	}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(s.log))

	r.GET("/status", s.status)
	r.GET("/history", s.history)
	r.POST("/connect", s.connect)
	r.POST("/disconnect", s.disconnect)
	r.POST("/calls", s.makeCall)
	r.POST("/calls/answer", s.answer)
	r.POST("/calls/hangup", s.hangup)
	r.POST("/test", s.test)
	r.GET("/settings", s.getSettings)
	r.PUT("/settings", s.putSettings)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))
	}
	return r
}

// ListenAndServe runs the router until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Infof("http listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.phone.State())
}

func (s *Server) history(c *gin.Context) {
	c.JSON(http.StatusOK, s.phone.History())
}

// bindConfig decodes an optional account config body. ok is false when the
// body is empty.
func bindConfig(c *gin.Context) (cfg account.Config, ok bool, err error) {
	if c.Request.Body == nil {
		return cfg, false, nil
	}
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return cfg, false, err
	}
	if strings.TrimSpace(string(raw)) == "" {
		return cfg, false, nil
	}
	cfg = account.DefaultConfig()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, false, err
	}
	return cfg, true, nil
}

// withStoredPassword puts the saved password back when a client echoes a
// redacted config.
func (s *Server) withStoredPassword(ctx context.Context, cfg account.Config) (account.Config, error) {
	if cfg.Password != account.RedactedPassword {
		return cfg, nil
	}
	stored, err := s.store.Load(ctx)
	if errors.Is(err, settings.ErrNotFound) {
		cfg.Password = ""
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	cfg.Password = stored.Password
	return cfg, nil
}

func (s *Server) connect(c *gin.Context) {
	cfg, ok, err := bindConfig(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid config"})
		return
	}
	if !ok {
		if cfg, err = s.store.Load(c.Request.Context()); err != nil {
			if errors.Is(err, settings.ErrNotFound) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "no stored config"})
				return
			}
			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "load config failed"})
			return
		}
	}
	if err := cfg.Validate(); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if ok {
		if cfg, err = s.withStoredPassword(c.Request.Context(), cfg); err != nil {
			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "load config failed"})
			return
		}
		if err := s.store.Save(c.Request.Context(), cfg); err != nil {
			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "save config failed"})
			return
		}
	}
	s.log.Infof("connect %+v", cfg.Redacted())
	s.phone.Connect(cfg)
	c.JSON(http.StatusAccepted, s.phone.State())
}

func (s *Server) disconnect(c *gin.Context) {
	s.phone.Disconnect()
	c.JSON(http.StatusOK, s.phone.State())
}

type callRequest struct {
	Number string `json:"number"`
}

func (s *Server) makeCall(c *gin.Context) {
	var req callRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	switch err := s.phone.MakeCall(req.Number); {
	case err == nil:
		c.JSON(http.StatusAccepted, s.phone.State())
	case errors.Is(err, phone.ErrEmptyNumber):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, phone.ErrNotConnected), errors.Is(err, phone.ErrCallInProgress):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	}
}

func (s *Server) answer(c *gin.Context) {
	switch err := s.phone.Answer(); {
	case err == nil:
		c.JSON(http.StatusOK, s.phone.State())
	case errors.Is(err, phone.ErrNoIncomingCall):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	}
}

func (s *Server) hangup(c *gin.Context) {
	s.phone.Hangup()
	c.JSON(http.StatusOK, s.phone.State())
}

func (s *Server) test(c *gin.Context) {
	cfg, ok, err := bindConfig(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid config"})
		return
	}
	var arg *account.Config
	if ok {
		if cfg, err = s.withStoredPassword(c.Request.Context(), cfg); err != nil {
			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "load config failed"})
			return
		}
		arg = &cfg
	}
	c.JSON(http.StatusOK, gin.H{"ok": s.phone.TestConnection(c.Request.Context(), arg)})
}

func (s *Server) getSettings(c *gin.Context) {
	cfg, err := s.store.Load(c.Request.Context())
	if errors.Is(err, settings.ErrNotFound) {
		c.JSON(http.StatusOK, account.DefaultConfig())
		return
	}
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "load config failed"})
		return
	}
	c.JSON(http.StatusOK, cfg.Redacted())
}

func (s *Server) putSettings(c *gin.Context) {
	cfg, ok, err := bindConfig(c)
	if err != nil || !ok {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid config"})
		return
	}
	if cfg, err = s.withStoredPassword(c.Request.Context(), cfg); err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "load config failed"})
		return
	}
	if err := s.store.Save(c.Request.Context(), cfg); err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "save config failed"})
		return
	}
	c.JSON(http.StatusOK, cfg.Redacted())
}
