package http

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recallguard/internal/audit"
	"github.com/fyrsmithlabs/recallguard/internal/engine"
	"github.com/fyrsmithlabs/recallguard/internal/experience"
	"github.com/fyrsmithlabs/recallguard/internal/logging"
	"github.com/fyrsmithlabs/recallguard/internal/monitor"
	"github.com/fyrsmithlabs/recallguard/internal/retrieval"
	"github.com/fyrsmithlabs/recallguard/internal/store"
)

// opContext tags the request context with the operation and, when the route
// carries one, the experience id.
func opContext(c echo.Context, op string) context.Context {
	ctx := logging.WithOperation(c.Request().Context(), op)
	if id := c.Param("id"); id != "" {
		ctx = logging.WithExperienceID(ctx, id)
	}
	return ctx
}

func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return badRequest("invalid request body")
	}
	return nil
}

func (s *Server) handleHealth(c echo.Context) error {
	st, err := s.engine.Status(c.Request().Context())
	if err != nil {
		s.logger.Warn(c.Request().Context(), "health check failed", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Error: err.Error()})
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Engine: st})
}

func (s *Server) handleIngest(c echo.Context) error {
	var req IngestRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if len(req.Experiences) == 0 {
		return badRequest("experiences must not be empty")
	}

	ctx := opContext(c, "ingest")
	results, err := s.engine.Ingest(ctx, req.Experiences, req.IngestOptions)
	if err != nil {
		return s.fail(c, err)
	}
	resp := newIngestResponse(results)
	s.logger.Debug(ctx, "ingested", zap.Int("stored", resp.Stored), zap.Int("failed", resp.Failed))
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSeed(c echo.Context) error {
	var req SeedRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	opts := experience.DefaultSeedOptions()
	if req.BenignSource != "" {
		src, err := experience.ParseSource(string(req.BenignSource))
		if err != nil {
			return s.fail(c, err)
		}
		opts.BenignSource = src
	}
	if req.PoisonedSource != "" {
		src, err := experience.ParseSource(string(req.PoisonedSource))
		if err != nil {
			return s.fail(c, err)
		}
		opts.PoisonedSource = src
	}

	results, err := s.engine.Seed(opContext(c, "seed"), &req.Seeds, opts, engine.IngestOptions{Embed: req.Embed})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, newIngestResponse(results))
}

func (s *Server) handleQuery(c echo.Context) error {
	var q retrieval.Query
	if err := bind(c, &q); err != nil {
		return err
	}
	resp, err := s.engine.Query(opContext(c, "query"), q)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGet(c echo.Context) error {
	exp, err := s.engine.Get(opContext(c, "get"), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, exp)
}

func (s *Server) handleList(c echo.Context) error {
	var f store.Filter
	if raw := c.QueryParam("source"); raw != "" {
		src, err := experience.ParseSource(raw)
		if err != nil {
			return s.fail(c, err)
		}
		f.Source = src
	}
	exps, err := s.engine.List(opContext(c, "list"), f)
	if err != nil {
		return s.fail(c, err)
	}
	if exps == nil {
		exps = []*experience.Experience{}
	}
	return c.JSON(http.StatusOK, exps)
}

func (s *Server) handleAuditTrail(c echo.Context) error {
	trail, err := s.engine.AuditTrail(opContext(c, "audit_trail"), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	if trail == nil {
		trail = []store.AuditEntry{}
	}
	return c.JSON(http.StatusOK, trail)
}

func (s *Server) handleFlag(c echo.Context) error {
	var req FlagRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := opContext(c, "flag")
	exp, err := s.engine.Flag(ctx, c.Param("id"), req.Reason)
	if err != nil {
		return s.fail(c, err)
	}
	s.logger.Info(ctx, "experience quarantined", zap.String("reason", req.Reason))
	return c.JSON(http.StatusOK, exp)
}

func (s *Server) handleReview(c echo.Context) error {
	var req ReviewRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := opContext(c, "review")
	exp, err := s.engine.Review(ctx, c.Param("id"), req.Reviewer)
	if err != nil {
		return s.fail(c, err)
	}
	s.logger.Info(ctx, "experience reviewed", zap.String("reviewer", req.Reviewer))
	return c.JSON(http.StatusOK, exp)
}

func (s *Server) handleRecompute(c echo.Context) error {
	exp, err := s.engine.Recompute(opContext(c, "recompute"), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, exp)
}

func (s *Server) handlePurge(c echo.Context) error {
	ctx := opContext(c, "purge")
	reason := c.QueryParam("reason")
	if err := s.engine.Purge(ctx, c.Param("id"), reason); err != nil {
		return s.fail(c, err)
	}
	s.logger.Info(ctx, "experience purged", zap.String("reason", reason))
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleScan(c echo.Context) error {
	var req ScanRequest
	if c.Request().ContentLength != 0 {
		if err := bind(c, &req); err != nil {
			return err
		}
	}
	matches, err := s.engine.Scan(opContext(c, "scan"), req.Patterns, req.Record)
	if err != nil {
		return s.fail(c, err)
	}
	if matches == nil {
		matches = []audit.Match{}
	}
	return c.JSON(http.StatusOK, ScanResponse{Matches: matches, Count: len(matches)})
}

func (s *Server) handleRebuild(c echo.Context) error {
	v, err := s.engine.Rebuild(opContext(c, "rebuild"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, VersionResponse{Version: v})
}

func (s *Server) handleFlush(c echo.Context) error {
	v, err := s.engine.Flush(opContext(c, "flush"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, VersionResponse{Version: v})
}

func (s *Server) handleSummary(c echo.Context) error {
	sum, err := s.engine.Summary(opContext(c, "summary"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, sum)
}

func (s *Server) handlePoisonRate(c echo.Context) error {
	w, err := parseWindow(c)
	if err != nil {
		return err
	}
	r, err := s.engine.PoisonRate(opContext(c, "poison_rate"), w)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, PoisonRateResponse{
		From:       c.QueryParam("from"),
		To:         c.QueryParam("to"),
		PoisonRate: r,
	})
}

// handleEvents streams retrieval events as JSON lines.
func (s *Server) handleEvents(c echo.Context) error {
	w, err := parseWindow(c)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/x-ndjson")
	c.Response().WriteHeader(http.StatusOK)

	ctx := opContext(c, "events")
	n, err := s.engine.Export(ctx, c.Response(), w)
	if err != nil {
		// Headers are already sent; the truncated stream is the signal.
		s.logger.Error(ctx, "event export interrupted", zap.Int("written", n), zap.Error(err))
		return nil
	}
	return nil
}

// parseWindow reads the optional RFC 3339 from/to query parameters.
func parseWindow(c echo.Context) (monitor.Window, error) {
	var w monitor.Window
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &w.From}, {"to", &w.To}} {
		raw := c.QueryParam(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return w, badRequest("%s must be RFC 3339: %v", p.name, err)
		}
		*p.dst = t
	}
	if !w.From.IsZero() && !w.To.IsZero() && !w.From.Before(w.To) {
		return w, badRequest("from must be before to")
	}
	return w, nil
}
