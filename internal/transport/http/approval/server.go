// Package approval exposes the operator surface over HTTP: pending
// proposals, approve/reject, emergency stop and per-asset blocks.
package approval

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"quantor/internal/executor"
	"quantor/internal/journal"
	"quantor/internal/logger"
)

// Server 提供人工审批与急停的 HTTP API。
type Server struct {
	addr   string
	coord  *executor.Coordinator
	traces *journal.TraceStore
	router *gin.Engine
	srv    *http.Server
}

func NewServer(addr string, coord *executor.Coordinator, traces *journal.TraceStore) (*Server, error) {
	if coord == nil {
		return nil, errors.New("coordinator 不能为空")
	}
	if addr == "" {
		addr = ":9980"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{addr: addr, coord: coord, traces: traces, router: router}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	api := s.router.Group("/api")
	api.GET("/proposals", s.handlePending)
	api.POST("/proposals/:id/approve", s.handleApprove)
	api.POST("/proposals/:id/reject", s.handleReject)
	api.GET("/blocked", s.handleBlocked)
	api.DELETE("/blocked/:symbol", s.handleUnblock)
	api.POST("/emergency-stop", s.handleEmergencyStop)
	api.DELETE("/emergency-stop", s.handleResume)
	api.GET("/traces", s.handleTraces)
	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "stopped": s.coord.Stopped()})
	})
}

// Start 启动监听，阻塞直到服务退出。
func (s *Server) Start() error {
	s.srv = &http.Server{Addr: s.addr, Handler: s.router}
	logger.Infof("approval server listening on %s", s.addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅关停。
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

type ticketView struct {
	ProposalID  string    `json:"proposal_id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Tier        string    `json:"tier"`
	Score       float64   `json:"score"`
	MarginUSD   float64   `json:"margin_usd"`
	NotionalUSD float64   `json:"notional_usd"`
	Leverage    int       `json:"leverage"`
	StopPrice   float64   `json:"stop_price"`
	TargetPrice float64   `json:"target_price"`
	State       string    `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
}

func viewOf(t *executor.Ticket) ticketView {
	p := t.Proposal
	return ticketView{
		ProposalID:  p.ID,
		Symbol:      p.Symbol,
		Side:        p.Side,
		Tier:        p.Tier,
		Score:       p.Score,
		MarginUSD:   p.MarginUSD,
		NotionalUSD: p.NotionalUSD,
		Leverage:    p.Leverage,
		StopPrice:   p.StopPrice,
		TargetPrice: p.TargetPrice,
		State:       string(t.State()),
		CreatedAt:   p.CreatedAt,
	}
}

func (s *Server) handlePending(c *gin.Context) {
	pending := s.coord.Pending()
	out := make([]ticketView, 0, len(pending))
	for _, t := range pending {
		out = append(out, viewOf(t))
	}
	c.JSON(http.StatusOK, gin.H{"proposals": out})
}

func (s *Server) handleApprove(c *gin.Context) {
	id := c.Param("id")
	ticket, err := s.coord.Approve(c.Request.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, executor.ErrUnknownProposal) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposal": viewOf(ticket)})
}

func (s *Server) handleReject(c *gin.Context) {
	id := c.Param("id")
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		body.Reason = "operator rejection"
	}
	if err := s.coord.Reject(id, body.Reason); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, executor.ErrUnknownProposal) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rejected": id})
}

func (s *Server) handleBlocked(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"blocked": s.coord.Blocked()})
}

func (s *Server) handleUnblock(c *gin.Context) {
	symbol := c.Param("symbol")
	s.coord.Unblock(symbol)
	c.JSON(http.StatusOK, gin.H{"unblocked": symbol})
}

func (s *Server) handleEmergencyStop(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		body.Reason = "operator request"
	}
	s.coord.EmergencyStop(body.Reason)
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

func (s *Server) handleResume(c *gin.Context) {
	s.coord.Resume()
	c.JSON(http.StatusOK, gin.H{"stopped": false})
}

// handleTraces 返回最近的模型调用记录，?evaluator= 与 ?symbol= 可选过滤。
func (s *Server) handleTraces(c *gin.Context) {
	if s.traces == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "trace store disabled"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	recs, err := s.traces.List(c.Request.Context(), journal.TraceQuery{
		Evaluator: c.Query("evaluator"),
		Symbol:    c.Query("symbol"),
		Limit:     limit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"traces": recs})
}
