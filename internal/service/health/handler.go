package health

import (
	"encoding/json"
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// probeRoutes lists every probe path once. Both handler flavors register
// from this table so the API port and the pile gateway port expose the
// same probe surface.
var probeRoutes = []struct {
	path  string
	ready bool
}{
	{"/health", false},
	{"/healthz", false},
	{"/live", false},
	{"/livez", false},
	{"/ready", true},
	{"/readyz", true},
}

// FiberHandler serves the probes on the API app.
type FiberHandler struct {
	service *Service
}

func NewFiberHandler(service *Service) *FiberHandler {
	return &FiberHandler{service: service}
}

// RegisterRoutes mounts every probe path on the Fiber app.
func (h *FiberHandler) RegisterRoutes(app *fiber.App) {
	for _, route := range probeRoutes {
		if route.ready {
			app.Get(route.path, h.Ready)
		} else {
			app.Get(route.path, h.Health)
		}
	}
}

// Health handles the liveness probe.
func (h *FiberHandler) Health(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(h.service.Health(c.Context()))
}

// Ready handles the readiness probe. Not ready answers 503 so load
// balancers drain the instance while the body still names the failing
// checks.
func (h *FiberHandler) Ready(c *fiber.Ctx) error {
	response := h.service.Ready(c.Context())

	status := fiber.StatusOK
	if !response.Ready {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(response)
}

// HTTPHandler serves the same probes on a plain net/http mux. The pile
// gateway listens on its own port, so orchestrators can probe it
// independently of the API.
type HTTPHandler struct {
	service *Service
}

func NewHTTPHandler(service *Service) *HTTPHandler {
	return &HTTPHandler{service: service}
}

// RegisterRoutes mounts every probe path on the mux.
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	for _, route := range probeRoutes {
		if route.ready {
			mux.HandleFunc(route.path, h.Ready)
		} else {
			mux.HandleFunc(route.path, h.Health)
		}
	}
}

func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Health(r.Context()))
}

func (h *HTTPHandler) Ready(w http.ResponseWriter, r *http.Request) {
	response := h.service.Ready(r.Context())

	status := http.StatusOK
	if !response.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
