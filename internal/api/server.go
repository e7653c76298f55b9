// Package api は取り込みパイプラインを HTTP で公開する薄いアダプタです。
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/ru88s/matomeln-sub000/internal/config"
	"github.com/ru88s/matomeln-sub000/internal/core"
	"github.com/ru88s/matomeln-sub000/internal/export"
	"github.com/ru88s/matomeln-sub000/internal/metrics"
	"github.com/ru88s/matomeln-sub000/internal/model"
	"github.com/ru88s/matomeln-sub000/internal/network"
)

const shutdownTimeout = 10 * time.Second

// Service は API が使う取り込み処理です。*core.Pipeline が満たします。
type Service interface {
	Ingest(ctx context.Context, input string) (*core.Result, error)
	Classify(input string) model.SourceKind
	Locate(input string) (model.Locator, error)
}

// Server は HTTP API サーバーです。
type Server struct {
	service  Service
	settings config.APISettings
	metrics  *metrics.Metrics
	stats    *core.SessionStats
	engine   *gin.Engine
	now      func() time.Time
}

// NewServer はルーティング済みの Server を作ります。m と stats は nil でも構いません。
func NewServer(svc Service, settings config.APISettings, m *metrics.Metrics, stats *core.SessionStats) *Server {
	switch settings.Mode {
	case gin.ReleaseMode, gin.TestMode, gin.DebugMode:
		gin.SetMode(settings.Mode)
	case "":
		gin.SetMode(gin.ReleaseMode)
	}
	if settings.ListenAddress == "" {
		settings.ListenAddress = config.DefaultListenAddress
	}
	if stats == nil {
		stats = core.NewSessionStats(time.Now())
	}

	s := &Server{
		service:  svc,
		settings: settings,
		metrics:  m,
		stats:    stats,
		now:      time.Now,
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	if settings.EnableMetrics && m != nil {
		router.Use(m.Middleware())
		router.GET("/metrics", gin.WrapH(m.Handler()))
	}
	router.GET("/healthz", s.handleHealth)

	apiGroup := router.Group("/api")
	apiGroup.GET("/thread", s.handleThread)
	apiGroup.GET("/classify", s.handleClassify)
	apiGroup.GET("/status", s.handleStatus)

	s.engine = router
	return s
}

// Handler は http.Handler としての Server です。
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run は設定のアドレスで待ち受けます。ctx が終わるとシャットダウンして nil を返します。
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.settings.ListenAddress)
	if err != nil {
		return fmt.Errorf("APIサーバーの待ち受けに失敗しました (address=%s): %w", s.settings.ListenAddress, err)
	}
	return s.Serve(ctx, listener)
}

// Serve は listener で待ち受けます。
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// 候補URLを順に試すため、1件の取り込みに数十秒かかることがある
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("address", listener.Addr().String()).Msg("APIサーバーを起動します")
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("APIサーバーが異常終了しました: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("APIサーバーのシャットダウンを開始します...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("APIサーバーのシャットダウンに失敗しました: %w", err)
	}
	<-errCh
	log.Info().Msg("APIサーバーがシャットダウンしました")
	return nil
}

type notice struct {
	Kind    core.ErrorKind `json:"kind"`
	Message string         `json:"message"`
}

type threadResponse struct {
	*core.Result
	Notices []notice `json:"notices,omitempty"`
}

type errorBody struct {
	Kind     core.ErrorKind    `json:"kind"`
	Message  string            `json:"message"`
	Action   core.Action       `json:"action"`
	Detail   string            `json:"detail,omitempty"`
	Attempts []network.Attempt `json:"attempts,omitempty"`
}

// StatusFor は、取り込みの失敗分類に対応する HTTP ステータスです。
func StatusFor(kind core.ErrorKind) int {
	switch kind {
	case core.KindInvalidInput:
		return http.StatusBadRequest
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindParseFailure:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusServiceUnavailable
	}
}

func (s *Server) handleThread(c *gin.Context) {
	input := strings.TrimSpace(c.Query("url"))
	if input == "" {
		writeError(c, &core.IngestError{Kind: core.KindInvalidInput, Err: errors.New("url パラメータが指定されていません")})
		return
	}
	format := export.FormatJSON
	if name := c.Query("format"); name != "" {
		formats, err := export.ParseFormats([]string{name})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": errorBody{Kind: core.KindInvalidInput, Message: err.Error(), Action: core.ActionAbort}})
			return
		}
		format = formats[0]
	}

	res, err := s.service.Ingest(c.Request.Context(), input)
	s.stats.RecordIngest(res, err)
	if err != nil {
		writeError(c, err)
		return
	}

	if format == export.FormatYAML {
		doc := &export.Document{
			Thread:        res.Thread,
			Posts:         res.Posts,
			Locator:       res.Locator,
			Encoding:      res.Encoding,
			LowConfidence: res.LowConfidence,
			Layout:        res.Layout,
			SavedAt:       s.now(),
		}
		data, err := export.Marshal(doc, export.FormatYAML)
		if err != nil {
			log.Error().Err(err).Str("thread_id", res.Thread.ID).Msg("YAML への変換に失敗しました")
			c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"message": "YAML への変換に失敗しました"}})
			return
		}
		c.Data(http.StatusOK, "application/yaml; charset=utf-8", data)
		return
	}

	resp := threadResponse{Result: res}
	for _, k := range res.Notices() {
		resp.Notices = append(resp.Notices, notice{Kind: k, Message: k.Message()})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleClassify(c *gin.Context) {
	input := strings.TrimSpace(c.Query("input"))
	kind := s.service.Classify(input)
	body := gin.H{"input": input, "source": kind, "supported": kind != model.SourceUnknown}
	if loc, err := s.service.Locate(input); err == nil {
		body["locator"] = loc
		body["thread_id"] = loc.ThreadID()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleStatus(c *gin.Context) {
	snap := s.stats.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"stats":   &snap,
		"summary": s.stats.FormatSessionInfo(s.now()),
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func writeError(c *gin.Context, err error) {
	kind := core.KindOf(err)
	body := errorBody{Kind: kind, Message: kind.Message(), Action: kind.Action()}
	var ie *core.IngestError
	if errors.As(err, &ie) {
		body.Attempts = ie.Attempts
		if ie.Err != nil {
			body.Detail = ie.Err.Error()
		}
	} else {
		body.Detail = err.Error()
	}
	c.JSON(StatusFor(kind), gin.H{"error": body})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		event := log.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			event = log.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("リクエストを処理しました")
	}
}
