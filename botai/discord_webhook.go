package botai

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// webhookResponseTimeout is how long Discord waits for the initial
// response to an interaction
var webhookResponseTimeout = 3 * time.Second

const webhookMaxBodyBytes = 1 << 20

// DiscordWebhookServer receives interactions as HTTP POST requests,
// instead of through the gateway.
type DiscordWebhookServer struct {
	config     DiscordWebhookServerConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
}

func (d *DiscordWebhookServer) Serve(ctx context.Context) error {
	if d.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, d.config.ListenNetwork, d.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", d.config.Listen, err)
		}
		d.listener = ln
	}
	if d.httpServer.TLSConfig == nil {
		d.logger.Warn("starting server without TLS")
		return d.httpServer.Serve(d.listener)
	}
	return d.httpServer.ServeTLS(d.listener, "", "")
}

// newWebhookServer creates and returns a new [DiscordWebhookServer], and/or
// any errors that occurred during creation.
func newWebhookServer(
	b *Bot,
	config DiscordWebhookServerConfig,
) (*DiscordWebhookServer, error) {
	logger, _ := newComponentLogger(defaultLogWriter, logNameWebhook, config.LogLevel)

	r := gin.New()
	server := &DiscordWebhookServer{config: config, engine: r, logger: logger}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	if config.SSL.Enabled() {
		tlsCfg, e := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if e != nil {
			return nil, fmt.Errorf("error loading webhook SSL certs: %w", e)
		}
		httpServer.TLSConfig = tlsCfg
	}
	server.httpServer = httpServer

	if !b.config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		discordRequestAuthenticationMiddleware(b.discord.publicKey),
	)

	r.POST(
		apiDiscordInteractions,
		func(c *gin.Context) {
			if b.webhookInteractionHandler == nil {
				c.AbortWithStatusJSON(
					http.StatusServiceUnavailable,
					httpError{Error: "not ready"},
				)
				return
			}
			b.webhookInteractionHandler(c)
		},
	)
	return server, nil
}

// WebhookHandler is a handler for Discord interactions received via webhook.
// The initial response is returned as the HTTP response body, as long
// as the request is still waiting for it. Everything else goes through
// the REST API like a [GatewayHandler].
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll  // can't split link
type WebhookHandler struct {
	InteractionHandler

	mu          sync.Mutex
	responseCh  chan *discordgo.InteractionResponse
	sent        bool
	requestDone bool
}

func newWebhookHandler(handler InteractionHandler) *WebhookHandler {
	return &WebhookHandler{
		InteractionHandler: handler,
		responseCh:         make(chan *discordgo.InteractionResponse, 1),
	}
}

func (*WebhookHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodWebhook
}

func (w *WebhookHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	w.mu.Lock()
	if !w.sent && !w.requestDone {
		w.sent = true
		w.responseCh <- response
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()
	return w.InteractionHandler.Respond(ctx, response)
}

// finish stops Respond from using the HTTP response, returning the
// response if one was sent
func (w *WebhookHandler) finish() *discordgo.InteractionResponse {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.requestDone = true
	select {
	case response := <-w.responseCh:
		return response
	default:
		return nil
	}
}

// webhookReceiveHandler returns a [gin.Handler] for handling Discord webhook
// interactions. Interactions are handled on the bot's run context,
// tracked by runtimeWG, so they may outlive the request.
func webhookReceiveHandler(
	ctx context.Context,
	b *Bot,
	runtimeWG *sync.WaitGroup,
) func(c *gin.Context) {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)

		defer func() {
			_ = c.Request.Body.Close()
		}()
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, webhookMaxBodyBytes))
		if err != nil {
			logger.ErrorContext(c, "error getting raw data", tint.Err(err))
			c.JSON(http.StatusInternalServerError, httpError{Error: "error getting raw data"})
			return
		}

		var interaction discordgo.InteractionCreate
		if e := json.Unmarshal(body, &interaction); e != nil {
			logger.ErrorContext(c, "error unmarshalling body", tint.Err(e))
			c.JSON(http.StatusBadRequest, httpError{Error: "error unmarshalling body"})
			return
		}

		handler := newWebhookHandler(b.gatewayInteractionHandler(&interaction))
		done := make(chan struct{})
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			defer close(done)
			b.handleInteraction(ctx, handler)
		}()

		timer := time.NewTimer(webhookResponseTimeout)
		defer timer.Stop()

		var response *discordgo.InteractionResponse
		select {
		case response = <-handler.responseCh:
		case <-done:
		case <-timer.C:
		case <-c.Request.Context().Done():
		}
		if response == nil {
			response = handler.finish()
		} else {
			handler.finish()
		}

		if response == nil {
			logger.WarnContext(c, "no response to interaction")
			c.JSON(http.StatusInternalServerError, httpError{Error: "no response"})
			return
		}
		c.JSON(http.StatusOK, response)
	}
}

// discordRequestAuthenticationMiddleware is a middleware for verifying Discord
// webhook requests.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll // can't split link
func discordRequestAuthenticationMiddleware(publicKey ed25519.PublicKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(publicKey) != ed25519.PublicKeySize ||
			!discordgo.VerifyInteraction(c.Request, publicKey) {
			ginContextLogger(c).WarnContext(c, "invalid signature")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "invalid signature"})
			return
		}
		c.Next()
	}
}
