// Package server is the negotiation server: it mints ephemeral realtime
// credentials for signed-in learners and records their usage.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bt-bridge/lingua-realtime/auth"
	"github.com/bt-bridge/lingua-realtime/metrics"
	"github.com/bt-bridge/lingua-realtime/scenario"
	"github.com/bt-bridge/lingua-realtime/shared"
	"github.com/bt-bridge/lingua-realtime/usage"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	tokenCookie    = "lingua_token"
	sessionKey     = "auth_session"
	upstreamFailed = "OpenAI request failed"
)

type UsagePublisher interface {
	Publish(ctx context.Context, e usage.Event) error
}

type Options struct {
	Minter    SecretMinter
	Auth      auth.Provider
	Catalog   *scenario.Catalog
	Recorder  *usage.Recorder
	Publisher UsagePublisher
	Metrics   *metrics.Metrics
	// Mode is gin's mode: debug, release or test.
	Mode string
	// SecureCookies marks the session cookie Secure.
	SecureCookies bool
}

type Server struct {
	logger    shared.LoggerAdapter
	minter    SecretMinter
	auth      auth.Provider
	catalog   *scenario.Catalog
	recorder  *usage.Recorder
	publisher UsagePublisher
	metrics   *metrics.Metrics
	mode      string
	secure    bool
	now       func() time.Time
}

func New(logger shared.LoggerAdapter, opts Options) (*Server, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if opts.Minter == nil {
		return nil, errors.New("no secret minter provided")
	}
	if opts.Auth == nil {
		return nil, errors.New("no auth provider provided")
	}
	if opts.Catalog == nil {
		opts.Catalog = scenario.Default()
	}
	if opts.Recorder == nil {
		opts.Recorder = usage.NewRecorder()
	}
	if opts.Mode == "" {
		opts.Mode = gin.ReleaseMode
	}
	return &Server{
		logger:    logger.With(zap.String("component", "server")),
		minter:    opts.Minter,
		auth:      opts.Auth,
		catalog:   opts.Catalog,
		recorder:  opts.Recorder,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		mode:      opts.Mode,
		secure:    opts.SecureCookies,
		now:       time.Now,
	}, nil
}

func (s *Server) Router() *gin.Engine {
	gin.SetMode(s.mode)
	r := gin.New()
	if s.mode == gin.DebugMode {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))
	}

	a := r.Group("/auth")
	a.POST("/signup", s.handleSignUp)
	a.POST("/login", s.handleLogin)
	a.POST("/logout", s.handleLogout)
	a.GET("/session", s.requireSession(), s.handleSession)

	api := r.Group("/api", s.requireSession())
	api.GET("/session", s.handleNegotiate)
	api.GET("/scenarios", s.handleScenarios)
	api.POST("/usage", s.handleUsage)
	api.GET("/stats", s.handleStats)

	s.logger.Info("router setup", zap.String("mode", s.mode))
	return r
}

func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	tok, _ := c.Cookie(tokenCookie)
	return tok
}

// requireSession resolves the caller's session or answers 401.
func (s *Server) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := s.auth.GetSession(c.Request.Context(), bearerToken(c))
		if err != nil {
			if !errors.Is(err, shared.ErrUnauthorized) {
				s.logger.Error("resolving session", err)
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(sessionKey, sess)
		c.Next()
	}
}

func currentSession(c *gin.Context) *auth.Session {
	v, _ := c.Get(sessionKey)
	sess, _ := v.(*auth.Session)
	return sess
}

// handleNegotiate mints a credential for the requested scenario and level
// and relays the upstream body as is.
func (s *Server) handleNegotiate(c *gin.Context) {
	sc := s.catalog.Resolve(c.Query("id"))
	level := scenario.ParseLevel(c.Query("level"))

	body, err := s.minter.Mint(c.Request.Context(), s.catalog.Instructions(sc, level))
	if err != nil {
		status := http.StatusBadGateway
		var upstream *UpstreamError
		if errors.As(err, &upstream) {
			status = upstream.Status
		}
		s.logger.Error("minting client secret", err, zap.Int("scenario", sc.ID), zap.Int("level", level))
		c.JSON(status, gin.H{"error": upstreamFailed, "status": status})
		return
	}
	s.logger.Info("credential issued",
		zap.String("user_id", currentSession(c).User.ID),
		zap.Int("scenario", sc.ID),
		zap.Int("level", level),
	)
	c.Data(http.StatusOK, "application/json", body)
}

func (s *Server) handleScenarios(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"default":   s.catalog.DefaultScenario().ID,
		"scenarios": s.catalog.All(),
	})
}

type credentialsRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func authStatus(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrUserExists):
		return http.StatusConflict
	case errors.Is(err, auth.ErrInvalidEmail), errors.Is(err, auth.ErrWeakPassword):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleSignUp(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid credentials"})
		return
	}
	u, err := s.auth.SignUp(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		status := authStatus(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("signing up", err)
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, u)
}

func (s *Server) handleLogin(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid credentials"})
		return
	}
	sess, err := s.auth.SignInWithPassword(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		status := authStatus(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("signing in", err)
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	maxAge := int(sess.ExpiresAt.Sub(s.now()).Seconds())
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(tokenCookie, sess.AccessToken, maxAge, "/", "", s.secure, true)
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleLogout(c *gin.Context) {
	if tok := bearerToken(c); tok != "" {
		if err := s.auth.SignOut(c.Request.Context(), tok); err != nil {
			s.logger.Error("signing out", err)
		}
	}
	c.SetCookie(tokenCookie, "", -1, "/", "", s.secure, true)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSession(c *gin.Context) {
	c.JSON(http.StatusOK, currentSession(c))
}

func (s *Server) handleUsage(c *gin.Context) {
	var ev usage.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid usage event"})
		return
	}
	ev.UserID = currentSession(c).User.ID
	if ev.StartedAt.IsZero() {
		ev.StartedAt = s.now().Add(-time.Duration(ev.DurationSeconds * float64(time.Second)))
	}
	ev.ScenarioID = s.catalog.Lookup(ev.ScenarioID).ID
	ev.Level = scenario.ClampLevel(ev.Level)
	if err := s.recorder.Add(ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.metrics.UsageReported()
	if s.publisher != nil {
		if err := s.publisher.Publish(c.Request.Context(), ev); err != nil {
			s.logger.Warn("usage event not published", zap.Error(err))
		}
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handleStats(c *gin.Context) {
	days, _ := strconv.Atoi(c.Query("days"))
	sess := currentSession(c)
	stats := s.recorder.Stats(sess.User.ID, days, s.now())
	sessions, minutes := usage.Totals(stats)
	c.JSON(http.StatusOK, gin.H{
		"email":          sess.User.Email,
		"days":           stats,
		"total_sessions": sessions,
		"total_minutes":  minutes,
	})
}
