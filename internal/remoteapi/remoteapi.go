// Package remoteapi is the off-box REST administration plane for a sample
// accessory: health and state, factory reset, identify, characteristic
// reads and pairings management, for a fleet operator who isn't a paired
// HAP controller. It has no start or stop endpoint.
// Grounded on EdgxCloud-EdgeFlow/internal/api/handlers.go (Handler struct
// wrapping a service, SetupRoutes grouping an /api/v1 fiber.Router, JSON
// responses via fiber.Map). github.com/gofiber/fiber/v2,
// github.com/google/uuid for the per-request correlation ID (grounded on
// EdgxCloud-EdgeFlow's uuid.New().String() message-ID convention) tagging
// every request's response header and log lines.
//
// This surface bypasses HAP's own session/admin-pairing authorization
// (pkg/pairingadmin) by design: it is not reachable by a HomeKit
// controller, only by whoever can reach ListenAddr, and is meant for a
// local operator or a reverse-proxied management network -- callers
// wanting the controller-facing semantics should use the accessory's IP
// /pairings characteristic instead. It exposes no raw characteristic
// write endpoint for the same reason: every mutating HAP operation (aside
// from pairings) requires a session.Session this plane does not have.
package remoteapi

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/jwoglom/haprt/pkg/db"
	"github.com/jwoglom/haprt/pkg/hapserver"
	"github.com/jwoglom/haprt/pkg/ipjson"
)

const correlationIDLocalsKey = "correlationId"

// correlationID returns the per-request ID assigned by SetupRoutes's
// tagging middleware, tying a request's log lines together.
func correlationID(c *fiber.Ctx) string {
	id, _ := c.Locals(correlationIDLocalsKey).(string)
	return id
}

// correlationMiddleware assigns a fresh correlation ID to every request,
// exposed on c.Locals for handlers and on the X-Correlation-Id response
// header for the caller.
func correlationMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := uuid.New().String()
		c.Locals(correlationIDLocalsKey, id)
		c.Set("X-Correlation-Id", id)
		return c.Next()
	}
}

// Handler holds the hapserver.Server this administration plane fronts.
type Handler struct {
	srv *hapserver.Server
}

// NewHandler constructs a Handler over srv.
func NewHandler(srv *hapserver.Server) *Handler {
	return &Handler{srv: srv}
}

// SetupRoutes registers every /api/v1 route on app.
func (h *Handler) SetupRoutes(app *fiber.App) {
	api := app.Group("/api/v1")
	api.Use(correlationMiddleware())

	api.Get("/health", h.health)
	api.Get("/state", h.state)

	pairingRoutes := api.Group("/pairings")
	pairingRoutes.Get("/", h.listPairings)
	pairingRoutes.Delete("/:controllerId", h.removePairing)

	accRoutes := api.Group("/accessories/:aid/characteristics/:iid")
	accRoutes.Get("/", h.readCharacteristic)

	api.Post("/identify/:aid", h.identify)
	api.Post("/factory-reset", h.factoryReset)
}

func (h *Handler) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "ok",
		"service": "haprt",
		"state":   h.srv.State().String(),
	})
}

func (h *Handler) state(c *fiber.Ctx) error {
	value, epoch := h.srv.GSN().Value()
	return c.JSON(fiber.Map{
		"state":     h.srv.State().String(),
		"gsn":       value,
		"gsnEpoch":  epoch,
		"pairings":  h.srv.Pairings().Count(),
		"adminOnly": h.srv.Pairings().AdminCount(),
	})
}

func (h *Handler) listPairings(c *fiber.Ctx) error {
	records := h.srv.Pairings().List()
	out := make([]fiber.Map, 0, len(records))
	for _, rec := range records {
		out = append(out, fiber.Map{
			"controllerId": rec.ControllerID,
			"admin":        rec.Admin,
		})
	}
	return c.JSON(fiber.Map{"pairings": out})
}

func (h *Handler) removePairing(c *fiber.Ctx) error {
	controllerID := c.Params("controllerId")
	if controllerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "controllerId is required"})
	}
	wasLastAdmin, err := h.srv.Pairings().Remove(controllerID)
	if err != nil {
		log.Warnf("remoteapi: [%s] remove pairing %s failed: %v", correlationID(c), controllerID, err)
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	}
	log.Infof("remoteapi: [%s] pairing %s removed (wasLastAdmin=%v)", correlationID(c), controllerID, wasLastAdmin)
	return c.JSON(fiber.Map{"success": true, "wasLastAdmin": wasLastAdmin})
}

func (h *Handler) readCharacteristic(c *fiber.Ctx) error {
	aid, err := c.ParamsInt("aid")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid aid"})
	}
	iid, err := c.ParamsInt("iid")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid iid"})
	}
	value, status := h.srv.AccessEngine().ReadValue(uint64(aid), uint64(iid))
	if status != db.StatusOK {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": fmt.Sprintf("status %s", status)})
	}
	return c.JSON(fiber.Map{"value": ipjson.EncodeValue(value)})
}

func (h *Handler) identify(c *fiber.Ctx) error {
	aid, err := c.ParamsInt("aid")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid aid"})
	}
	if err := h.srv.AccessEngine().Identify(uint64(aid)); err != nil {
		log.Warnf("remoteapi: [%s] identify accessory %d failed: %v", correlationID(c), aid, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	log.Infof("remoteapi: [%s] identify accessory %d triggered", correlationID(c), aid)
	return c.JSON(fiber.Map{"success": true})
}

func (h *Handler) factoryReset(c *fiber.Ctx) error {
	if err := h.srv.FactoryReset(); err != nil {
		log.Warnf("remoteapi: [%s] factory reset from %s failed: %v", correlationID(c), c.IP(), err)
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}
	log.Warnf("remoteapi: [%s] factory reset requested from %s", correlationID(c), c.IP())
	return c.JSON(fiber.Map{"success": true})
}
