package health

import (
	"context"
	"expvar"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/derivbot/gotrade/internal/domain"
	"github.com/derivbot/gotrade/internal/engine"
	"github.com/derivbot/gotrade/pkg/logger"
)

// Executor 交易意图执行入口
type Executor interface {
	Execute(ctx context.Context, intent domain.TradeIntent) (*domain.Contract, error)
}

// Server 健康/状态 HTTP 服务,同时暴露交易意图提交入口
type Server struct {
	agg      *Aggregator
	exec     Executor
	accounts domain.AccountProvider
	srv      *http.Server
}

// NewServer 创建服务,exec/accounts 可为 nil(只读模式)
func NewServer(addr string, agg *Aggregator, exec Executor, accounts domain.AccountProvider) *Server {
	s := &Server{agg: agg, exec: exec, accounts: accounts}
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Router 组装路由
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealthz)
	r.GET("/status", s.handleStatus)
	r.POST("/intents", s.handleIntent)

	r.GET("/debug/vars", gin.WrapH(expvar.Handler()))
	debug := r.Group("/debug/pprof")
	debug.GET("/", gin.WrapF(pprof.Index))
	debug.GET("/profile", gin.WrapF(pprof.Profile))
	debug.GET("/heap", gin.WrapH(pprof.Handler("heap")))
	debug.GET("/goroutine", gin.WrapH(pprof.Handler("goroutine")))

	return r
}

// Start 启动监听,非阻塞
func (s *Server) Start() {
	go func() {
		logger.Infof("[health] listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("[health] server: %v", err)
		}
	}()
}

// Shutdown 优雅停机
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(c *gin.Context) {
	if s.agg.Healthy() {
		c.String(http.StatusOK, "ok")
		return
	}
	c.String(http.StatusServiceUnavailable, "degraded")
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.agg.Snapshot())
}

type intentRequest struct {
	AccountID     string  `json:"account_id"`
	Symbol        string  `json:"symbol" binding:"required"`
	Side          string  `json:"side" binding:"required"`
	Stake         float64 `json:"stake" binding:"required,gt=0"`
	Duration      int     `json:"duration"`
	ExpectedPrice float64 `json:"expected_price"`
}

// handleIntent 提交一笔交易意图。风控拒绝返回 409,
// 场馆/网络类失败返回 502,其余按分类映射。
func (s *Server) handleIntent(c *gin.Context) {
	if s.exec == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "trading disabled"})
		return
	}

	var req intentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	accountID := req.AccountID
	if accountID == "" && s.accounts != nil {
		acct, err := s.accounts.ActiveAccount()
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		accountID = acct.AccountID
	}

	contract, err := s.exec.Execute(c.Request.Context(), domain.TradeIntent{
		AccountID:     accountID,
		Symbol:        req.Symbol,
		Side:          domain.Side(req.Side),
		ProposedStake: req.Stake,
		Duration:      req.Duration,
		ExpectedPrice: req.ExpectedPrice,
	})
	if err != nil {
		if re, ok := engine.AsRiskError(err); ok {
			c.JSON(http.StatusConflict, gin.H{
				"error":  "risk_rejected",
				"status": re.Verdict.Status.String(),
				"reason": re.Verdict.Reason,
			})
			return
		}
		if ee, ok := engine.AsError(err); ok {
			status := http.StatusBadGateway
			switch ee.Code {
			case engine.CodeThrottle:
				status = http.StatusTooManyRequests
			case engine.CodeSlippageExceeded, engine.CodeProposalReject, engine.CodeBuyReject:
				status = http.StatusUnprocessableEntity
			case engine.CodeTimeout:
				status = http.StatusGatewayTimeout
			}
			c.JSON(status, gin.H{"error": string(ee.Code), "detail": ee.Err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"contract_id": contract.ContractID,
		"stake":       contract.Stake,
		"ask_price":   contract.AskPrice,
		"payout":      contract.Payout,
	})
}
