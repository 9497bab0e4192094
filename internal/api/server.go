// Package api exposes the HTTP surface: mailbox push intake, the approvals
// inbox, and ticket audit retrieval.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/deskflow/internal/coordinator"
	"github.com/deskflow/internal/mailbox"
	"github.com/deskflow/pkg/models"
)

// ApprovalStore is the approval surface the API serves.
type ApprovalStore interface {
	ListPending(ctx context.Context) ([]models.PendingApproval, error)
	Resolve(ctx context.Context, conversationID string, decision models.DecisionType) (*models.PendingApproval, error)
}

// TicketReader retrieves archived tickets.
type TicketReader interface {
	Get(ctx context.Context, conversationID string) (*models.TicketState, error)
}

// Intake drives messages and resumes through the coordinator.
type Intake interface {
	Process(ctx context.Context, msg mailbox.Message) (*coordinator.Result, error)
	Resume(ctx context.Context, conversationID string) (*coordinator.Result, error)
}

// PushQueue dispatches a push notification for asynchronous handling.
type PushQueue interface {
	EnqueueSync(ctx context.Context) error
}

// Deps wires the server to its collaborators.
type Deps struct {
	Approvals ApprovalStore
	Tickets   TicketReader
	Intake    Intake
	Push      PushQueue
}

// Server is the API server.
type Server struct {
	echo *echo.Echo
	port int
	deps Deps
}

// NewServer creates the API server and registers all routes.
func NewServer(port int, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{echo: e, port: port, deps: deps}
	s.setupRoutes()
	return s
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) setupRoutes() {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})

	s.echo.POST("/mailbox/push", s.handlePush)

	v1 := s.echo.Group("/api/v1")
	v1.GET("/approvals", s.listApprovals)
	v1.POST("/approvals/:conversation_id", s.resolveApproval)
	v1.POST("/tickets", s.createTicket)
	v1.GET("/tickets/:id", s.getTicket)
}

// Start begins serving and blocks until an interrupt, then shuts down
// gracefully.
func (s *Server) Start() error {
	go func() {
		if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("api server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(ctx)
}

// handlePush accepts a pub/sub-style push envelope, validates it, and hands
// the cursor sync off to the queue. The notification itself carries no
// message content.
func (s *Server) handlePush(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	notification, err := mailbox.DecodePush(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	log.Info().
		Str("email_address", notification.EmailAddress).
		Str("history_id", notification.HistoryID.String()).
		Msg("mailbox push received")

	if err := s.deps.Push.EnqueueSync(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to enqueue sync")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listApprovals(c echo.Context) error {
	pending, err := s.deps.Approvals.ListPending(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list approvals")
	}
	if pending == nil {
		pending = []models.PendingApproval{}
	}
	return c.JSON(http.StatusOK, map[string]any{"approvals": pending})
}

type decisionRequest struct {
	Type string `json:"type"`
}

type decisionResponse struct {
	ConversationID string              `json:"conversation_id"`
	Decision       models.DecisionType `json:"decision"`
	Status         models.ClaimStatus  `json:"status,omitempty"`
	Suspended      bool                `json:"suspended"`
}

// resolveApproval records the human decision and immediately resumes the
// suspended conversation.
func (s *Server) resolveApproval(c echo.Context) error {
	conversationID := c.Param("conversation_id")
	var req decisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	decision := models.ParseDecision(req.Type)

	ctx := c.Request().Context()
	if _, err := s.deps.Approvals.Resolve(ctx, conversationID, decision); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "no pending approval for conversation")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to record decision")
	}

	result, err := s.deps.Intake.Resume(ctx, conversationID)
	if err != nil {
		log.Error().Err(err).Str("conversation_id", conversationID).Msg("resume after decision failed")
		// The decision is recorded; the monitor loop will retry the resume.
		return c.JSON(http.StatusAccepted, decisionResponse{
			ConversationID: conversationID,
			Decision:       decision,
		})
	}
	return c.JSON(http.StatusOK, decisionResponse{
		ConversationID: conversationID,
		Decision:       decision,
		Status:         result.Status,
		Suspended:      result.Suspended,
	})
}

type ticketRequest struct {
	Sender  string `json:"sender"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// createTicket is the manual intake path: it wraps the payload in a synthetic
// message and runs the normal delivery pipeline.
func (s *Server) createTicket(c echo.Context) error {
	var req ticketRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Body == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "body is required")
	}

	msg := mailbox.Message{
		ID:         "manual-" + uuid.NewString(),
		ThreadID:   "ticket-" + uuid.NewString(),
		Sender:     req.Sender,
		Subject:    req.Subject,
		Body:       req.Body,
		ReceivedAt: time.Now().UTC(),
	}
	result, err := s.deps.Intake.Process(c.Request().Context(), msg)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to process ticket")
	}
	return c.JSON(http.StatusCreated, result)
}

func (s *Server) getTicket(c echo.Context) error {
	state, err := s.deps.Tickets.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "ticket not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load ticket")
	}
	return c.JSON(http.StatusOK, state)
}
