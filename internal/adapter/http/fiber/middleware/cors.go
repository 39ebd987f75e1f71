package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	fibercors "github.com/gofiber/fiber/v2/middleware/cors"

	"github.com/evgrid/stationd/pkg/config"
)

// corsDefaults covers local dashboards and curl without any cors section
// in the config file. Every field can be overridden individually.
var corsDefaults = config.CORSConfig{
	AllowedOrigins: []string{"*"},
	AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
	AllowedHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"},
	ExposeHeaders:  []string{"Content-Length", "Content-Range"},
	MaxAge:         86400,
}

// NewCORS builds the CORS middleware from application config, falling
// back to corsDefaults field by field.
func NewCORS(cfg config.CORSConfig) fiber.Handler {
	age := cfg.MaxAge
	if age <= 0 {
		age = corsDefaults.MaxAge
	}

	return fibercors.New(fibercors.Config{
		AllowOrigins:     headerList(cfg.AllowedOrigins, corsDefaults.AllowedOrigins),
		AllowMethods:     headerList(cfg.AllowedMethods, corsDefaults.AllowedMethods),
		AllowHeaders:     headerList(cfg.AllowedHeaders, corsDefaults.AllowedHeaders),
		ExposeHeaders:    headerList(cfg.ExposeHeaders, corsDefaults.ExposeHeaders),
		AllowCredentials: cfg.Credentials,
		MaxAge:           age,
	})
}

// headerList joins values into the comma form fiber expects, using the
// fallback when the config leaves the list empty.
func headerList(values, fallback []string) string {
	if len(values) == 0 {
		values = fallback
	}
	return strings.Join(values, ",")
}
