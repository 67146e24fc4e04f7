// Package httpapi exposes health, metrics and attempt status over HTTP.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"MailPress/internal/domain"
	"MailPress/internal/ports"
)

// AttemptView is the JSON shape of a publish attempt.
type AttemptView struct {
	ID            string               `json:"id"`
	ArticleID     string               `json:"articleId"`
	Sequence      int                  `json:"sequence"`
	Stage         string               `json:"stage"`
	Outcome       string               `json:"outcome,omitempty"`
	FailedStage   string               `json:"failedStage,omitempty"`
	LastError     string               `json:"lastError,omitempty"`
	CMSIdentifier string               `json:"cmsIdentifier,omitempty"`
	UploadedMedia []string             `json:"uploadedMedia"`
	StageTimes    map[string]time.Time `json:"stageTimes"`
	CreatedAt     time.Time            `json:"createdAt"`
	UpdatedAt     time.Time            `json:"updatedAt"`
}

// Server is the status endpoint of a running pipeline.
type Server struct {
	echo     *echo.Echo
	attempts ports.AttemptStore
	addr     string
	logger   *slog.Logger
}

// NewServer registers routes on a fresh echo instance.
func NewServer(addr string, attempts ports.AttemptStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, attempts: attempts, addr: addr, logger: logger}
	e.GET("/healthz", s.health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/articles/:id/attempts/latest", s.latestAttempt)
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start blocks until the server stops. A graceful shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.addr)
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) latestAttempt(c echo.Context) error {
	attempt, err := s.attempts.LatestAttempt(c.Request().Context(), c.Param("id"))
	if errors.Is(err, domain.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "no publish attempt for article")
	}
	if err != nil {
		s.logger.Error("load latest attempt", "article_id", c.Param("id"), "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	return c.JSON(http.StatusOK, viewOf(attempt))
}

func viewOf(a domain.PublishAttempt) AttemptView {
	v := AttemptView{
		ID:            a.ID,
		ArticleID:     a.ArticleID,
		Sequence:      a.Sequence,
		Stage:         string(a.Stage),
		Outcome:       string(a.Outcome),
		FailedStage:   string(a.FailedStage),
		LastError:     a.LastError,
		CMSIdentifier: a.CMSIdentifier,
		UploadedMedia: append([]string{}, a.UploadedMedia...),
		StageTimes:    make(map[string]time.Time, len(a.StageTimes)),
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
	for stage, at := range a.StageTimes {
		v.StageTimes[string(stage)] = at
	}
	return v
}
