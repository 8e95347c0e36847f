package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/tripmill/tripmill/internal/common/triperrors"
	"github.com/tripmill/tripmill/internal/dispatcher"
	"github.com/tripmill/tripmill/internal/gateway"
	"github.com/tripmill/tripmill/internal/ledger"
	"github.com/tripmill/tripmill/internal/stats"
)

type Handlers struct {
	dispatcher *dispatcher.Dispatcher
	gateway    *gateway.Gateway
	stats      *stats.Stats
	upgrader   websocket.Upgrader
}

func NewHandlers(d *dispatcher.Dispatcher, g *gateway.Gateway, s *stats.Stats) *Handlers {
	return &Handlers{
		dispatcher: d,
		gateway:    g,
		stats:      s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (h *Handlers) Register(e *echo.Echo) {
	e.POST("/ingest", h.Ingest)
	e.GET("/jobs/:job_id/status", h.JobStatus)
	e.GET("/ws/jobs/:job_id", h.StreamJob)
	e.GET("/trips/weekly_average", h.WeeklyAverage)
	e.GET("/health", h.Health)
}

type submitResponse struct {
	JobId    string `json:"job_id"`
	Filename string `json:"filename"`
	Message  string `json:"message"`
}

type statusResponse struct {
	JobId         string `json:"job_id"`
	Filename      string `json:"filename"`
	Status        string `json:"status"`
	InsertedSoFar int64  `json:"inserted_so_far"`
	TotalExpected *int64 `json:"total_expected,omitempty"`
	LastMessage   string `json:"last_message,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Ingest accepts a multipart CSV upload and dispatches it for asynchronous
// loading. The response carries the job id to poll or stream.
func (h *Handlers) Ingest(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "multipart field 'file' is required"})
	}
	f, err := fileHeader.Open()
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "could not read uploaded file"})
	}
	defer f.Close()

	jobId, err := h.dispatcher.Submit(c.Request().Context(), f, fileHeader.Filename)
	if err != nil {
		log.WithError(err).Error("Submission failed")
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusAccepted, submitResponse{
		JobId:    jobId,
		Filename: fileHeader.Filename,
		Message:  "file accepted for ingestion",
	})
}

func (h *Handlers) JobStatus(c echo.Context) error {
	record, err := h.gateway.GetStatus(c.Request().Context(), c.Param("job_id"))
	if err != nil {
		return statusError(c, err)
	}
	return c.JSON(http.StatusOK, toStatusResponse(record))
}

// StreamJob upgrades the connection to a websocket and pushes status
// snapshots until the job reaches a terminal state or the client goes away.
func (h *Handlers) StreamJob(c echo.Context) error {
	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	stream, err := h.gateway.Stream(ctx, c.Param("job_id"))
	if err != nil {
		return statusError(c, err)
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	// Read pump: clients never send anything meaningful, but reading is the
	// only way to notice a closed connection promptly.
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for record := range stream {
		if err := ws.WriteJSON(toStatusResponse(&record)); err != nil {
			return nil
		}
	}
	closeMessage := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = ws.WriteMessage(websocket.CloseMessage, closeMessage)
	return nil
}

func (h *Handlers) WeeklyAverage(c echo.Context) error {
	filter := stats.Filter{Region: c.QueryParam("region")}
	if bbox := c.QueryParam("bbox"); bbox != "" {
		box, err := stats.ParseBBox(bbox)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		}
		filter.BBox = box
	}
	rows, err := h.stats.WeeklyAverage(c.Request().Context(), filter)
	if err != nil {
		log.WithError(err).Error("Weekly average query failed")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "query failed"})
	}
	return c.JSON(http.StatusOK, map[string][]stats.WeeklyAverageRow{"weekly_average": rows})
}

func (h *Handlers) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func toStatusResponse(record *ledger.JobRecord) statusResponse {
	return statusResponse{
		JobId:         record.JobId,
		Filename:      record.Filename,
		Status:        string(record.Status),
		InsertedSoFar: record.InsertedSoFar,
		TotalExpected: record.TotalExpected,
		LastMessage:   record.LastMessage,
	}
}

func statusError(c echo.Context, err error) error {
	var notFound *triperrors.ErrJobNotFound
	if errors.As(err, &notFound) {
		return c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
	}
	log.WithError(err).Error("Status lookup failed")
	return c.JSON(http.StatusInternalServerError, errorResponse{Error: "status lookup failed"})
}
