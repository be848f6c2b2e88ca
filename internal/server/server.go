// Package server 提供 HTTP 前端：上传单个文档，同步返回纠正稿与报告。
package server

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"dockoreksi/internal/diag"
	"dockoreksi/internal/pipeline"
	"dockoreksi/internal/usage"
	"dockoreksi/pkg/contract"
)

// Deps 是处理请求所需的组件。
type Deps struct {
	Engine    pipeline.Engine
	Extractor contract.Extractor
	// Usage 为空时不登记。
	Usage usage.Store
	// Modes 供 GET /v1/modes 列出；Resolve 负责按名称（含别名）查找。
	Modes       []contract.Mode
	Resolve     func(name string) (contract.Mode, error)
	DefaultMode contract.Mode
}

// Options 请求级限制与单文档处理参数。
type Options struct {
	// MaxUploadBytes: 文档字节上限；<=0 不限制。
	MaxUploadBytes int64
	// RequestTimeout: 单请求处理时限；<=0 不限制。
	RequestTimeout time.Duration
	Process        pipeline.Options
}

// Server 持有 gin 引擎与依赖。
type Server struct {
	deps   Deps
	opts   Options
	logger *diag.Logger
	engine *gin.Engine
}

// 表单中除文件外的额外余量。
const formOverhead = 1 << 20

// New 构建 Server 并注册路由。
func New(deps Deps, opts Options, logger *diag.Logger) (*Server, error) {
	if deps.Extractor == nil || deps.Resolve == nil {
		return nil, errors.New("server: missing extractor or mode resolver")
	}
	if deps.DefaultMode.Name == "" {
		return nil, errors.New("server: empty default mode")
	}
	if _, err := pipeline.ParsePolicy(string(opts.Process.Policy)); err != nil {
		return nil, err
	}
	s := &Server{deps: deps, opts: opts, logger: logger}
	r := gin.New()
	r.Use(gin.Recovery(), s.requestID(), s.accessLog())
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(diag.MetricsHandler()))
	v1 := r.Group("/v1")
	v1.GET("/modes", s.listModes)
	v1.POST("/corrections", s.correct)
	s.engine = r
	return s, nil
}

// Handler 返回 http.Handler，便于 httptest 与自定义 http.Server。
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe 启动监听，ctx 结束后优雅关闭。
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

const requestIDHeader = "X-Request-Id"

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		s.logger.FinishWithKV("server", "request completed", c.GetString("request_id"), start, map[string]string{
			"method": c.Request.Method,
			"path":   c.FullPath(),
			"status": strconv.Itoa(status),
		})
		result := "success"
		if status >= http.StatusBadRequest {
			result = "error"
		}
		diag.IncOp("server", "request", result)
		diag.ObserveDuration("server", "request", time.Since(start).Milliseconds())
	}
}

type modeView struct {
	Name   string   `json:"name"`
	Labels []string `json:"labels"`
}

func (s *Server) listModes(c *gin.Context) {
	out := make([]modeView, 0, len(s.deps.Modes))
	for _, m := range s.deps.Modes {
		out = append(out, modeView{Name: m.Name, Labels: m.Labels})
	}
	c.JSON(http.StatusOK, gin.H{"default": s.deps.DefaultMode.Name, "modes": out})
}

// CorrectionResponse 是 POST /v1/corrections 的成功响应。
type CorrectionResponse struct {
	ID               string                `json:"id"`
	Document         string                `json:"document"`
	Mode             string                `json:"mode"`
	Classification   string                `json:"classification"`
	CorrectedText    string                `json:"corrected_text"`
	Report           string                `json:"report"`
	Identical        bool                  `json:"identical"`
	Changes          []contract.WordChange `json:"changes"`
	DegradedSegments []int                 `json:"degraded_segments"`
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": msg})
}

func (s *Server) correct(c *gin.Context) {
	reqID := c.GetString("request_id")
	if s.opts.MaxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxUploadBytes+formOverhead)
	}
	fh, err := c.FormFile("document")
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			abort(c, http.StatusRequestEntityTooLarge, "too_large", err.Error())
			return
		}
		abort(c, http.StatusBadRequest, "missing_document", "multipart field \"document\" is required")
		return
	}

	mode := s.deps.DefaultMode
	if name := strings.TrimSpace(c.PostForm("mode")); name != "" {
		if mode, err = s.deps.Resolve(name); err != nil {
			abort(c, http.StatusBadRequest, "unknown_mode", err.Error())
			return
		}
	}

	f, err := fh.Open()
	if err != nil {
		abort(c, http.StatusBadRequest, "unreadable_document", err.Error())
		return
	}
	data, err := pipeline.ReadLimited(f, s.opts.MaxUploadBytes)
	_ = f.Close()
	if err != nil {
		if errors.Is(err, pipeline.ErrInputTooLarge) {
			abort(c, http.StatusRequestEntityTooLarge, "too_large", err.Error())
			return
		}
		abort(c, http.StatusBadRequest, "unreadable_document", err.Error())
		return
	}

	ctx := c.Request.Context()
	if s.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}

	name := path.Base(strings.ReplaceAll(fh.Filename, "\\", "/"))
	text, err := s.deps.Extractor.Extract(ctx, name, data)
	if err != nil {
		s.logger.ErrorWith("extractor", string(diag.Classify(err)), "extract failed", nil, reqID, "")
		diag.IncOp("extractor", "error", "error")
		abort(c, http.StatusUnprocessableEntity, "extraction_failed", err.Error())
		return
	}

	doc := contract.Document{ID: contract.FileID(name), Text: text, Mode: mode}
	out, err := pipeline.Process(ctx, s.deps.Engine, doc, s.opts.Process, s.logger)
	if err != nil {
		code := diag.Classify(err)
		s.logger.ErrorWithKV("server", string(code), "correction failed", nil, reqID, "", map[string]string{"document": name})
		if errors.Is(err, context.DeadlineExceeded) {
			abort(c, http.StatusGatewayTimeout, "timeout", err.Error())
			return
		}
		abort(c, http.StatusBadGateway, "correction_failed", err.Error())
		return
	}

	if s.deps.Usage != nil {
		if uid := strings.TrimSpace(c.PostForm("user_id")); uid != "" {
			v := usage.Visit{UserID: uid, FirstName: c.PostForm("first_name"), Username: c.PostForm("username"), Mode: mode.Name}
			if _, uerr := s.deps.Usage.Track(ctx, v); uerr != nil {
				s.logger.WarnWithKV("usage", string(diag.Classify(uerr)), "usage tracking failed", reqID, "", map[string]string{"user_id": uid})
			}
		}
	}

	changes := out.Report.Changes
	if changes == nil {
		changes = []contract.WordChange{}
	}
	degraded := out.Degraded
	if degraded == nil {
		degraded = []int{}
	}
	c.JSON(http.StatusOK, CorrectionResponse{
		ID:               reqID,
		Document:         name,
		Mode:             mode.Name,
		Classification:   out.Classification,
		CorrectedText:    out.Final,
		Report:           out.Report.Text,
		Identical:        out.Report.Identical,
		Changes:          changes,
		DegradedSegments: degraded,
	})
}
