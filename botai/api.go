package botai

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	pprofPrefix            = "/debug"
	apiPrefix              = "/api"
	apiPathKeepalive       = "/"
	apiHealthCheck         = "/healthz"
	apiPathChannels        = "/channels"
	apiPathHistory         = "/history/:key"
	apiDiscordInteractions = "/discord/interactions"

	keepaliveMessage = "Hey there! I'm Online!"
)

const (
	xRequestIDHeader    = "X-Request-ID"
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
)

var (
	structValidator = validator.New()
)

// API is the admin HTTP server. Besides the keepalive and health
// endpoints, it exposes the active channel registry and conversation
// histories to holders of the admin token.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger

	handlers *APIHandlers
}

// newAPI sets up the gin engine, middleware and routes
func newAPI(b *Bot, config *APIConfig) (*API, error) {
	logger, _ := newComponentLogger(defaultLogWriter, logNameAPI, config.LogLevel)

	r := gin.New()
	api := &API{
		config:   config,
		engine:   r,
		logger:   logger,
		handlers: &APIHandlers{b: b},
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.Enabled() {
		tlsCfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false
	}

	if b.config.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		cors.New(corsConfig),
	)

	if b.config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	h := api.handlers
	r.GET(apiPathKeepalive, h.keepalive)
	r.GET(apiHealthCheck, h.healthCheck)

	protected := r.Group(apiPrefix)
	protected.Use(tokenAuthMiddleware(b))
	protected.GET(apiPathChannels, h.getChannels)
	protected.POST(apiPathChannels, h.toggleChannel)
	protected.GET(apiPathHistory, h.getHistory)
	protected.DELETE(apiPathHistory, h.clearHistory)

	return api, nil
}

// Serve listens on the configured address, with TLS if a cert is
// configured
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		} else {
			a.logger.WarnContext(ctx, "starting api without TLS")
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "serving api", "addr", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// APIHandlers implements the API routes
type APIHandlers struct {
	b *Bot
}

func (*APIHandlers) keepalive(c *gin.Context) {
	c.String(http.StatusOK, keepaliveMessage)
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	ActiveChannels          int    `json:"active_channels"`
	Conversations           int    `json:"conversations"`
	AllowDM                 bool   `json:"allow_dm"`
	Uptime                  string `json:"uptime"`
	Version                 string `json:"version"`
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{
		DiscordGatewayConnected: h.b.discord.connected.Load(),
		Conversations:           len(h.b.conversations.Keys()),
		AllowDM:                 h.b.allowDM.Load(),
		Version:                 Version,
	}
	if h.b.registry != nil {
		resp.ActiveChannels = len(h.b.registry.Snapshot())
	}
	if !h.b.startedAt.IsZero() {
		resp.Uptime = time.Since(h.b.startedAt).Round(time.Second).String()
	}
	c.JSON(http.StatusOK, resp)
}

type channelsResponse struct {
	Channels map[string]string `json:"channels"`
}

func (h *APIHandlers) getChannels(c *gin.Context) {
	if h.b.registry == nil {
		ginReplyError(c, http.StatusServiceUnavailable, "registry not loaded")
		return
	}
	c.JSON(http.StatusOK, channelsResponse{Channels: h.b.registry.Snapshot()})
}

type toggleChannelPayload struct {
	ChannelID string `json:"channel_id" binding:"required,numeric"`
	Persona   string `json:"persona"`
}

type toggleChannelResponse struct {
	ChannelID string       `json:"channel_id"`
	Persona   string       `json:"persona,omitempty"`
	Result    ToggleResult `json:"result"`
}

// toggleChannel toggles a channel in the active channel registry, the
// same way /toggleactive does
func (h *APIHandlers) toggleChannel(c *gin.Context) {
	logger := ginContextLogger(c)
	if h.b.registry == nil {
		ginReplyError(c, http.StatusServiceUnavailable, "registry not loaded")
		return
	}

	var payload toggleChannelPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		logger.WarnContext(c, "invalid payload", tint.Err(err))
		ginReplyError(c, http.StatusBadRequest, err.Error())
		return
	}
	if payload.Persona == "" {
		payload.Persona = h.b.config.Chat.DefaultPersona
	}

	result, err := h.b.registry.Toggle(c.Request.Context(), payload.ChannelID, payload.Persona)
	switch {
	case errors.Is(err, ErrUnknownPersona):
		ginReplyError(c, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		logger.ErrorContext(c, "error toggling channel", tint.Err(err))
		ginReplyError(c, http.StatusInternalServerError, "error toggling channel")
		return
	}

	resp := toggleChannelResponse{ChannelID: payload.ChannelID, Result: result}
	if result == ToggleActivated {
		resp.Persona = payload.Persona
	}
	c.JSON(http.StatusOK, resp)
}

type historyResponse struct {
	Key   string `json:"key"`
	Turns []Turn `json:"turns"`
}

func (h *APIHandlers) getHistory(c *gin.Context) {
	key := c.Param("key")
	turns, ok := h.b.conversations.Snapshot(key)
	if !ok {
		ginReplyError(c, http.StatusNotFound, ErrNoHistory.Error())
		return
	}
	c.JSON(http.StatusOK, historyResponse{Key: key, Turns: turns})
}

func (h *APIHandlers) clearHistory(c *gin.Context) {
	key := c.Param("key")
	if err := h.b.conversations.Clear(key); err != nil {
		if errors.Is(err, ErrNoHistory) {
			ginReplyError(c, http.StatusNotFound, err.Error())
			return
		}
		ginReplyError(c, http.StatusInternalServerError, err.Error())
		return
	}
	ginContextLogger(c).InfoContext(c, "cleared history", "key", key)
	ginReplyMessage(c, "history cleared")
}

// httpReply represents a standard HTTP response message.
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// tokenAuthMiddleware requires a bearer token matching the admin
// token hash stored by `init`. If no token was ever set, every
// request is refused.
func tokenAuthMiddleware(b *Bot) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)

		header := c.GetHeader(authorizationHeader)
		token, found := strings.CutPrefix(header, bearerPrefix)
		if !found || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		if b.db == nil {
			logger.WarnContext(c, "database not ready")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		tokenHash, err := adminTokenHash(c.Request.Context(), b.db)
		if err != nil {
			logger.ErrorContext(c, "error getting admin token", tint.Err(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		if tokenHash == "" {
			logger.WarnContext(c, "admin token not set, run `init` first")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		ok, err := VerifyPassword(tokenHash, token)
		if err != nil || !ok {
			logger.WarnContext(c, "invalid admin token", tint.Err(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a random UUID to each request, and
// returns it in the X-Request-ID header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := v.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	return setGinContextLogger(c, slog.Default())
}

func setGinContextLogger(c *gin.Context, logger *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := logger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request when it finishes, with its
// duration and response status
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := setGinContextLogger(c, logger)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// ginReplyMessage sends a JSON response with a message, with HTTP
// status code 200
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func ginReplyError(c *gin.Context, status int, err string) {
	c.AbortWithStatusJSON(status, httpError{Error: err})
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
}
