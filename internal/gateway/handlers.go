package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paygate/internal/paywall"
	"github.com/mbd888/paygate/internal/pricing"
	"github.com/mbd888/paygate/internal/reconciliation"
	"github.com/mbd888/paygate/internal/respond"
	"github.com/mbd888/paygate/internal/upstream"
)

// Public route names, used as the "route" label everywhere.
const (
	RouteChat   = "chat"
	RouteImage  = "image"
	RouteModels = "models"
)

const (
	upstreamChatPath   = "/v1/chat/completions"
	upstreamImagePath  = "/v1/images/generations"
	upstreamModelsPath = "/v1/models"
)

var (
	chatInputSchema = json.RawMessage(`{
		"type": "object",
		"required": ["messages"],
		"properties": {
			"model": {"type": "string"},
			"messages": {"type": "array", "minItems": 1},
			"max_tokens": {"type": "number"}
		}
	}`)
	chatOutputSchema = json.RawMessage(`{
		"type": "object",
		"properties": {
			"choices": {"type": "array"},
			"usage": {"type": "object"}
		}
	}`)
	imageInputSchema = json.RawMessage(`{
		"type": "object",
		"required": ["prompt"],
		"properties": {
			"prompt": {"type": "string", "minLength": 1},
			"size": {"type": "string"}
		}
	}`)
	imageOutputSchema = json.RawMessage(`{
		"type": "object",
		"properties": {
			"data": {"type": "array"},
			"choices": {"type": "array"}
		}
	}`)
)

// Handler exposes the gateway over HTTP.
type Handler struct {
	gw      *Gateway
	paywall *paywall.Paywall
}

// NewHandler creates a handler serving gw behind pw.
func NewHandler(gw *Gateway, pw *paywall.Paywall) *Handler {
	return &Handler{gw: gw, paywall: pw}
}

// Routes describes the gated routes, in registration order.
func (h *Handler) Routes() []paywall.Route {
	return []paywall.Route{h.chatRoute(), h.imageRoute(), h.modelsRoute()}
}

// RegisterRoutes sets up the public API.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/v1/chat/completions", h.paywall.Gate(h.chatRoute()), h.Chat)
	r.POST("/generate-image", h.paywall.Gate(h.imageRoute()), h.GenerateImage)
	r.GET("/v1/models", h.paywall.Gate(h.modelsRoute()), h.Models)
	r.POST("/quote", h.Quote)
	r.GET("/quote", h.Quote)
}

func (h *Handler) chatRoute() paywall.Route {
	return paywall.Route{
		Name:          RouteChat,
		Description:   "OpenAI-compatible chat completion, priced per max_tokens",
		MimeType:      "application/json",
		Pricer:        h.gw.chat.EstimateBody,
		InputSchema:   chatInputSchema,
		OutputSchema:  chatOutputSchema,
		ValidateInput: true,
		Discoverable:  true,
	}
}

func (h *Handler) imageRoute() paywall.Route {
	return paywall.Route{
		Name:          RouteImage,
		Description:   "Generate one image from a text prompt, priced per size",
		MimeType:      "application/json",
		Pricer:        h.gw.priceImage,
		InputSchema:   imageInputSchema,
		OutputSchema:  imageOutputSchema,
		ValidateInput: true,
		Discoverable:  true,
	}
}

func (h *Handler) modelsRoute() paywall.Route {
	return paywall.Route{
		Name:        RouteModels,
		Description: "List upstream models",
		Free:        true,
	}
}

// Chat proxies a chat completion.
func (h *Handler) Chat(c *gin.Context) {
	h.gw.serve(c, endpoint{
		route:   RouteChat,
		method:  http.MethodPost,
		path:    upstreamChatPath,
		measure: measureTokens,
	})
}

// GenerateImage turns {prompt, size} into an image generation call.
func (h *Handler) GenerateImage(c *gin.Context) {
	h.gw.serve(c, endpoint{
		route:   RouteImage,
		method:  http.MethodPost,
		path:    upstreamImagePath,
		build:   h.gw.buildImageRequest,
		measure: measureImage,
	})
}

// Models lists upstream models.
func (h *Handler) Models(c *gin.Context) {
	h.gw.serve(c, endpoint{
		route:   RouteModels,
		method:  http.MethodGet,
		path:    upstreamModelsPath,
		measure: func([]byte) measurement { return measurement{skip: reconciliation.SkipFreeRoute} },
	})
}

// Quote prices an image size without charging.
func (h *Handler) Quote(c *gin.Context) {
	var req struct {
		Size string `json:"size"`
	}
	req.Size = c.Query("size")
	if c.Request.Method == http.MethodPost && c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, newError(ErrBadRequest, CodeInvalidRequest, "request body must be a JSON object", err))
			return
		}
	}
	respond.JSON(c, http.StatusOK, h.gw.images.Quote(strings.TrimSpace(req.Size)))
}

type imageRequest struct {
	Prompt string `json:"prompt"`
	Size   string `json:"size"`
}

type upstreamImageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Size   string `json:"size"`
	N      int    `json:"n"`
}

func (g *Gateway) priceImage(body []byte) pricing.Quote {
	var req imageRequest
	_ = json.Unmarshal(body, &req)
	return g.images.Estimate(strings.TrimSpace(req.Size))
}

func (g *Gateway) buildImageRequest(body []byte) ([]byte, error) {
	var req imageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, errors.New("request body must be a JSON object")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("prompt is required")
	}
	_, size := g.images.Cents(strings.TrimSpace(req.Size))
	return json.Marshal(upstreamImageRequest{
		Model:  g.imageModel,
		Prompt: req.Prompt,
		Size:   size,
		N:      1,
	})
}

// measureTokens reconciles chat on reported total tokens.
func measureTokens(body []byte) measurement {
	u, ok := upstream.ParseUsage(body)
	if !ok {
		return measurement{skip: reconciliation.SkipNoUsage}
	}
	return measurement{units: u.TotalTokens, usage: u}
}

// measureImage counts one unit when an image came back and none otherwise,
// so an empty answer is refunded in full. A body that is not JSON says
// nothing about delivery and is left unreconciled.
func measureImage(body []byte) measurement {
	if !json.Valid(body) {
		return measurement{skip: reconciliation.SkipUnreadable}
	}
	u, _ := upstream.ParseUsage(body)
	m := measurement{usage: u}
	if _, ok := upstream.ExtractImage(body); ok {
		m.units = 1
	}
	return m
}
