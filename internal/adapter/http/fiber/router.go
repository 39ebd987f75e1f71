// Package fiber assembles the HTTP API: the user request operations,
// the public station view, charging history and the admin surface.
package fiber

import (
	"github.com/gofiber/fiber/v2"
	fiberws "github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/evgrid/stationd/internal/adapter/http/fiber/handlers"
	ws "github.com/evgrid/stationd/internal/adapter/websocket"
	"github.com/evgrid/stationd/internal/service/records"
	"github.com/evgrid/stationd/internal/service/station"
	"github.com/evgrid/stationd/internal/service/tariff"
)

// Deps carries the services the routes are built on.
type Deps struct {
	Station *station.Engine
	Tariff  *tariff.Calculator
	Records *records.Service
	Hub     *ws.Hub
	Log     *zap.Logger
}

// RegisterRoutes mounts the user API under /api/v1, the admin API under
// /api/v1/admin and the monitor stream under /ws/monitor.
func RegisterRoutes(app *fiber.App, deps Deps) {
	requestHandler := handlers.NewRequestHandler(deps.Station, deps.Log)
	stationHandler := handlers.NewStationHandler(deps.Station, deps.Tariff, deps.Log)
	recordHandler := handlers.NewRecordHandler(deps.Records, deps.Log)
	adminHandler := handlers.NewAdminHandler(deps.Station, deps.Records, deps.Log)

	api := app.Group("/api/v1")

	// Charging requests
	api.Post("/requests", requestHandler.Submit)
	api.Get("/requests/status", requestHandler.Status)
	api.Patch("/requests/target", requestHandler.ModifyTarget)
	api.Patch("/requests/mode", requestHandler.ModifyMode)
	api.Delete("/requests/:request_id", requestHandler.Cancel)
	api.Post("/charging/stop", requestHandler.StopCharging)

	// Public station view
	api.Get("/station/overview", stationHandler.Overview)
	api.Get("/tariff", stationHandler.Tariff)
	api.Post("/tariff/estimate", stationHandler.Estimate)

	// History. The literal routes must come before the :bill_id match.
	api.Get("/records", recordHandler.ListBills)
	api.Get("/records/requests", recordHandler.UserRequests)
	api.Get("/records/sessions", recordHandler.UserSessions)
	api.Get("/records/:bill_id", recordHandler.GetBill)

	// Admin surface
	admin := api.Group("/admin")
	admin.Get("/piles", adminHandler.Piles)
	admin.Get("/piles/:pile_id", adminHandler.PileDetail)
	admin.Post("/piles/:pile_id/fault", adminHandler.Fault)
	admin.Post("/piles/:pile_id/recover", adminHandler.Recover)
	admin.Post("/piles/:pile_id/stop", adminHandler.StopPile)
	admin.Post("/piles/:pile_id/start", adminHandler.StartPile)
	admin.Get("/queue", adminHandler.Queue)
	admin.Get("/dispatch-policy", adminHandler.GetPolicy)
	admin.Put("/dispatch-policy", adminHandler.SetPolicy)
	admin.Get("/statistics", adminHandler.Statistics)
	admin.Get("/reports", adminHandler.Reports)
	admin.Get("/reports/export", adminHandler.ExportBills)

	// Monitor stream
	app.Use("/ws", func(c *fiber.Ctx) error {
		if fiberws.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/monitor", fiberws.New(func(c *fiberws.Conn) {
		deps.Hub.AddClient(c)
	}))
}
