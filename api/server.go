package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/rs/zerolog"

	"github.com/CristiGvl/thermalctl/internal/platform"
	"github.com/CristiGvl/thermalctl/internal/power"
	"github.com/CristiGvl/thermalctl/internal/temps"
	"github.com/CristiGvl/thermalctl/internal/thermal"
	"github.com/CristiGvl/thermalctl/internal/throttling"
)

// Thermal is the control loop surface the server exposes
type Thermal interface {
	Temperatures(filterType string) []thermal.Temperature
	Thresholds(filterType string) []thermal.Threshold
	CoolingDevices(filterType string) ([]thermal.CoolingDevice, error)
	SensorStatus() []thermal.SensorStatus
	ThrottlingStatus() map[string]throttling.Status
	PowerStatus() []power.Status
	EmulTemp(name string, temp float64) error
	EmulSeverity(name string, sev int) error
	EmulClear(name string) error
	SetThrottlingDisabled(disabled bool)
	ThrottlingDisabled() bool
}

// Server represents the API server
type Server struct {
	app         *fiber.App
	log         zerolog.Logger
	thermal     Thermal
	tempsReader temps.Reader
	started     time.Time
}

// NewServer creates a new API server
func NewServer(log zerolog.Logger, th Thermal, tempsReader temps.Reader) *Server {
	app := fiber.New(fiber.Config{
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		IdleTimeout:           120 * time.Second,
		ServerHeader:          "thermalctl",
		AppName:               "thermalctl v1.0",
		DisableStartupMessage: true,
	})

	// Middleware
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "*",
		MaxAge:       86400,
	}))

	server := &Server{
		app:         app,
		log:         log.With().Str("component", "api").Logger(),
		thermal:     th,
		tempsReader: tempsReader,
		started:     time.Now(),
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	api := s.app.Group("/api")

	api.Get("/health", s.healthCheck)

	// Thermal state
	api.Get("/temperatures", s.getTemperatures)
	api.Get("/thresholds", s.getThresholds)
	api.Get("/cdevs", s.getCoolingDevices)
	api.Get("/status/sensors", s.getSensorStatus)
	api.Get("/status/throttling", s.getThrottlingStatus)
	api.Get("/status/power", s.getPowerStatus)

	// Emulation and all-clear control
	api.Post("/emul/:sensor/temp", s.emulTemp)
	api.Post("/emul/:sensor/severity", s.emulSeverity)
	api.Delete("/emul/:sensor", s.emulClear)
	api.Post("/throttling", s.setThrottling)

	// Host sensors outside the thermal config
	api.Get("/host/temps", s.getHostTemps)
}

// App exposes the fiber app for tests
func (s *Server) App() *fiber.App {
	return s.app
}

// Start starts the API server
func (s *Server) Start(address string) error {
	s.log.Info().Str("address", address).Msg("admin server listening")
	return s.app.Listen(address)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// Health check endpoint
func (s *Server) healthCheck(c *fiber.Ctx) error {
	resp := fiber.Map{
		"status":              "ok",
		"platform":            platform.GetOS(),
		"throttling_disabled": s.thermal.ThrottlingDisabled(),
		"uptime_seconds":      int64(time.Since(s.started).Seconds()),
		"timestamp":           time.Now().Unix(),
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()
	if h, err := platform.HostInfo(ctx); err == nil {
		resp["host"] = h
	}
	return c.JSON(resp)
}
