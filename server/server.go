// Package server exposes a trained motion model and the training status over HTTP
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zeu5/motion-model/metrics"
	"github.com/zeu5/motion-model/model"
	"github.com/zeu5/motion-model/replay"
	"golang.org/x/net/websocket"
	"gorgonia.org/tensor"
)

// PredictRequest holds a batch of raw (unnormalised) inputs, one row per query
type PredictRequest struct {
	State  [][]float64   `json:"state"`
	Map    [][][]float64 `json:"map"`
	Action [][]float64   `json:"action"`
}

type PredictResponse struct {
	NextState [][]float64 `json:"next_state"`
}

type StatusResponse struct {
	Training bool             `json:"training"`
	Records  int              `json:"records"`
	Uptime   string           `json:"uptime"`
	Latest   *metrics.Metrics `json:"latest,omitempty"`
}

// Server serves /predict when a model is set and /status when a status is set
type Server struct {
	Addr   string
	server *http.Server
	// records a /ws/status client may fall behind before it misses some
	streamBuffer int
	quit         chan struct{}
	quitOnce     *sync.Once

	// the compiled graphs are not safe for concurrent runs
	lock   *sync.Mutex
	model  *model.Model
	norm   *replay.Normalizer
	status *metrics.Status
}

func New(addr string, m *model.Model, norm *replay.Normalizer, status *metrics.Status) *Server {
	s := &Server{
		Addr:         addr,
		streamBuffer: 64,
		quit:         make(chan struct{}),
		quitOnce:     new(sync.Once),
		lock:         new(sync.Mutex),
		model:        m,
		norm:         norm,
		status:       status,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", healthHandler)
	r.GET("/status", s.handleStatus)
	r.GET("/ws/status", gin.WrapH(websocket.Handler(s.handleStatusStream)))
	r.POST("/predict", s.handlePredict)
	s.server = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}

func (s *Server) statusResponse() StatusResponse {
	if s.status == nil {
		return StatusResponse{}
	}
	resp := StatusResponse{
		Training: true,
		Records:  s.status.Records(),
		Uptime:   s.status.Uptime().Round(time.Second).String(),
	}
	if latest, ok := s.status.Latest(); ok {
		resp.Latest = &latest
	}
	return resp
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.statusResponse())
}

// handleStatusStream sends the current status and then pushes one message per new record,
// until the client goes away, training ends or the server shuts down
func (s *Server) handleStatusStream(ws *websocket.Conn) {
	defer ws.Close()
	if s.status == nil {
		websocket.JSON.Send(ws, s.statusResponse())
		return
	}

	updates, cancel := s.status.Subscribe(s.streamBuffer)
	defer cancel()
	resp := s.statusResponse()
	if err := websocket.JSON.Send(ws, resp); err != nil {
		return
	}
	sent := resp.Records
	for {
		select {
		case <-s.quit:
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			// already part of the first message
			if u.Records <= sent {
				continue
			}
			latest := u.Metrics
			resp := StatusResponse{
				Training: true,
				Records:  u.Records,
				Uptime:   s.status.Uptime().Round(time.Second).String(),
				Latest:   &latest,
			}
			if err := websocket.JSON.Send(ws, resp); err != nil {
				return
			}
			sent = u.Records
		}
	}
}

func (s *Server) handlePredict(c *gin.Context) {
	if s.model == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no model loaded"})
		return
	}
	req := PredictRequest{}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to unmarshal request"})
		return
	}
	out, err := s.Predict(req)
	if err != nil {
		if errors.Is(err, replay.ErrShapeMismatch) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}

// Predict validates and normalises the request, runs the model and de-normalises the result
func (s *Server) Predict(req PredictRequest) (*PredictResponse, error) {
	d := s.model.Config().Dims
	n := len(req.State)
	if n == 0 || len(req.Map) != n || len(req.Action) != n {
		return nil, fmt.Errorf("%w: %d states, %d maps, %d actions", replay.ErrShapeMismatch, n, len(req.Map), len(req.Action))
	}
	states, err := flatten(req.State, d.State, "state")
	if err != nil {
		return nil, err
	}
	actions, err := flatten(req.Action, d.Action, "action")
	if err != nil {
		return nil, err
	}
	maps := make([]float64, 0, n*d.MapH*d.MapW)
	for i, m := range req.Map {
		rows, err := flatten(m, d.MapW, fmt.Sprintf("map[%d]", i))
		if err != nil {
			return nil, err
		}
		if len(m) != d.MapH {
			return nil, fmt.Errorf("%w: map[%d] has %d rows, expected %d", replay.ErrShapeMismatch, i, len(m), d.MapH)
		}
		maps = append(maps, rows...)
	}
	if s.norm != nil {
		s.norm.NormalizeInputs(states, actions)
	}

	s.lock.Lock()
	pred, err := s.model.Predict(
		tensor.New(tensor.WithShape(n, d.State), tensor.WithBacking(states)),
		tensor.New(tensor.WithShape(n, 1, d.MapH, d.MapW), tensor.WithBacking(maps)),
		tensor.New(tensor.WithShape(n, d.Action), tensor.WithBacking(actions)),
	)
	s.lock.Unlock()
	if err != nil {
		return nil, err
	}

	out := pred.Data().([]float64)
	if s.norm != nil {
		s.norm.DenormalizeOutputs(out)
	}
	resp := &PredictResponse{NextState: make([][]float64, n)}
	for i := 0; i < n; i++ {
		resp.NextState[i] = out[i*d.Out : (i+1)*d.Out]
	}
	return resp, nil
}

func flatten(rows [][]float64, width int, name string) ([]float64, error) {
	out := make([]float64, 0, len(rows)*width)
	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("%w: %s row %d has %d values, expected %d", replay.ErrShapeMismatch, name, i, len(row), width)
		}
		out = append(out, row...)
	}
	return out, nil
}

// Start listens in the background until ctx is cancelled
func (s *Server) Start(ctx context.Context) {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server: %s", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.quitOnce.Do(func() { close(s.quit) })
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()
}
