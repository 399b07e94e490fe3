// Package inspect serves a small HTTP API for looking at the render graph
// while the engine runs: its shape, the last frame and the loaders.
package inspect

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/spaghettifunk/crude/engine/asyncloader"
	"github.com/spaghettifunk/crude/engine/core"
	"github.com/spaghettifunk/crude/engine/rendergraph"
)

// GraphSource is satisfied by *rendergraph.Executor.
type GraphSource interface {
	Graph() *rendergraph.Graph
	LastReport() *rendergraph.FrameReport
}

// LoaderSource is satisfied by *asyncloader.Manager.
type LoaderSource interface {
	Snapshot() []asyncloader.Stats
}

type Config struct {
	Addr string
}

type Server struct {
	cfg     Config
	app     *fiber.App
	graph   GraphSource
	loaders LoaderSource
	done    chan error
}

func New(cfg Config, graph GraphSource, loaders LoaderSource) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:7070"
	}
	s := &Server{
		cfg:     cfg,
		app:     fiber.New(fiber.Config{AppName: "crude inspector"}),
		graph:   graph,
		loaders: loaders,
	}
	s.routes()
	return s
}

// App exposes the router, mainly for app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) routes() {
	s.app.Get("/graph", s.getGraph)
	s.app.Get("/graph/nodes/:name", s.getNode)
	s.app.Post("/graph/nodes/:name/enable", s.toggle(true))
	s.app.Post("/graph/nodes/:name/disable", s.toggle(false))
	s.app.Get("/frame", s.getFrame)
	s.app.Get("/loaders", s.getLoaders)
}

func (s *Server) getGraph(c fiber.Ctx) error {
	return c.JSON(describeGraph(s.graph.Graph()))
}

func (s *Server) getNode(c fiber.Ctx) error {
	g := s.graph.Graph()
	n, ok := g.NodeByName(c.Params("name"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "pass not found"})
	}
	return c.JSON(describeNode(g, n))
}

func (s *Server) toggle(enabled bool) fiber.Handler {
	return func(c fiber.Ctx) error {
		name := c.Params("name")
		err := s.graph.Graph().SetEnabled(name, enabled)
		if errors.Is(err, core.ErrConfiguration) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
		}
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		core.LogInfo("inspector: pass %q enabled=%t", name, enabled)
		return c.JSON(fiber.Map{"name": name, "enabled": enabled})
	}
}

func (s *Server) getFrame(c fiber.Ctx) error {
	report := s.graph.LastReport()
	if report == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no frame submitted yet"})
	}
	return c.JSON(report)
}

func (s *Server) getLoaders(c fiber.Ctx) error {
	if s.loaders == nil {
		return c.JSON([]asyncloader.Stats{})
	}
	return c.JSON(s.loaders.Snapshot())
}

// Start listens in the background. Listen errors are logged and returned
// from Shutdown.
func (s *Server) Start() {
	s.done = make(chan error, 1)
	go func() {
		err := s.app.Listen(s.cfg.Addr, fiber.ListenConfig{DisableStartupMessage: true})
		if err != nil {
			core.LogError("inspector on %s: %v", s.cfg.Addr, err)
		}
		s.done <- err
	}()
	core.LogInfo("inspector listening on %s", s.cfg.Addr)
}

func (s *Server) Shutdown(timeout time.Duration) error {
	if s.done == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return err
	}
	select {
	case err := <-s.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
