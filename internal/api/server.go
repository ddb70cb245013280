package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/M3-K0/marketplace-monitor/internal/api/middleware"
	"github.com/M3-K0/marketplace-monitor/internal/api/scheduler"
	"github.com/M3-K0/marketplace-monitor/internal/backup"
	"github.com/M3-K0/marketplace-monitor/internal/config"
	"github.com/M3-K0/marketplace-monitor/internal/filter"
	"github.com/M3-K0/marketplace-monitor/internal/model"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/queue"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/redisqueue"
	"github.com/M3-K0/marketplace-monitor/internal/store"
)

// Server 封装 HTTP API 的依赖与路由。
//
// 它只负责请求校验与响应编码：搜索运行交给 RunSubmitter，
// 设置变更、测试通知与已读/隐藏交给 MonitorService，其余数据读写直接走 store.Store。
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    store.Store
	monitor  MonitorService
	runner   RunSubmitter
	uploader SnapshotUploader
	router   *gin.Engine
	now      func() time.Time
}

// RunSubmitter 接受立即运行请求。
type RunSubmitter interface {
	Submit(ctx context.Context, searchID string) error
}

// MonitorService 是 API 需要的运行服务能力子集。
type MonitorService interface {
	ApplySettings(settings model.Settings)
	SendTestNotification(ctx context.Context) error
	ForgetSearch(searchID string)
	MarkSeen(ctx context.Context, searchID, id string) (model.Listing, error)
	Hide(ctx context.Context, searchID, id string) (model.Listing, error)
}

// SnapshotUploader 上传导出快照，未配置备份时为 nil。
type SnapshotUploader interface {
	Upload(ctx context.Context, snap *backup.Snapshot) (string, error)
}

// NewServer 初始化 API 服务器。
//
// 参数:
//
//	cfg: 配置对象
//	logger: 日志记录器
//	st: 存储
//	svc: 运行服务
//	runner: 立即运行入口（通常是 *scheduler.Scheduler）
//	uploader: 快照上传器，可为 nil
//
// 返回值:
//
//	*Server: 初始化完成的服务器实例
func NewServer(cfg *config.Config, logger *slog.Logger, st store.Store, svc MonitorService, runner RunSubmitter, uploader SnapshotUploader) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		monitor:  svc,
		runner:   runner,
		uploader: uploader,
		router:   r,
		now:      time.Now,
	}
	s.registerRoutes()
	return s
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// Run 启动 HTTP 服务器，ctx 取消后优雅关闭。
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.App.HTTPAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", slog.String("addr", s.cfg.App.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down api server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	// Prometheus metrics 端点
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)

	api := s.router.Group("/api")
	if s.cfg.Security.RequireAuth {
		api.Use(middleware.AuthMiddleware(s.cfg.Security.JWTSecret))
		api.Use(middleware.WriteGuard())
	}

	api.GET("/searches", s.handleListSearches)
	api.POST("/searches", s.handleCreateSearch)
	api.GET("/searches/:id", s.handleGetSearch)
	api.PUT("/searches/:id", s.handleUpdateSearch)
	api.PATCH("/searches/:id/enabled", s.handleToggleSearch)
	api.DELETE("/searches/:id", s.handleDeleteSearch)
	api.POST("/searches/:id/run", s.handleRunSearch)

	api.GET("/listings", s.handleListListings)
	api.POST("/listings/:searchId/:id/seen", s.handleMarkSeen)
	api.POST("/listings/:searchId/:id/hide", s.handleHide)
	api.GET("/categories", s.handleCategories)

	api.GET("/settings", s.handleGetSettings)
	api.PUT("/settings", s.handleUpdateSettings)

	api.GET("/stats", s.handleStats)
	api.GET("/alerts", s.handleListAlerts)
	api.POST("/notifications/test", s.handleTestNotification)

	api.GET("/export", s.handleExport)
	api.POST("/import", s.handleImport)
	api.POST("/backup", s.handleBackup)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// searchRequest 创建/更新搜索的请求参数。
type searchRequest struct {
	Keywords   string           `json:"keywords"`
	MinPrice   *float64         `json:"minPrice"`
	MaxPrice   *float64         `json:"maxPrice"`
	DateListed model.DateListed `json:"dateListed"`
	Location   string           `json:"location"`
	Radius     int              `json:"radius"`
	Enabled    *bool            `json:"enabled"`
}

func (r searchRequest) apply(s model.Search) model.Search {
	s.Keywords = r.Keywords
	s.MinPrice = r.MinPrice
	s.MaxPrice = r.MaxPrice
	s.DateListed = r.DateListed
	s.Location = r.Location
	s.Radius = r.Radius
	if r.Enabled != nil {
		s.Enabled = *r.Enabled
	}
	return s.Normalize()
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleListSearches(c *gin.Context) {
	searches, err := s.store.ListSearches(c.Request.Context())
	if err != nil {
		s.internalError(c, "list searches failed", err)
		return
	}
	if searches == nil {
		searches = []model.Search{}
	}
	c.JSON(http.StatusOK, gin.H{"searches": searches})
}

func (s *Server) handleCreateSearch(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	search := req.apply(model.Search{
		ID:        uuid.NewString(),
		Enabled:   true,
		CreatedAt: s.now(),
	})
	if err := search.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.CreateSearch(c.Request.Context(), search); err != nil {
		s.internalError(c, "create search failed", err)
		return
	}
	s.logger.Info("search created",
		slog.String("search_id", search.ID),
		slog.String("keywords", search.Keywords))
	c.JSON(http.StatusCreated, search)
}

func (s *Server) handleGetSearch(c *gin.Context) {
	search, ok := s.loadSearch(c, c.Param("id"))
	if !ok {
		return
	}
	count, err := store.CountListings(c.Request.Context(), s.store, search.ID)
	if err != nil {
		s.internalError(c, "count listings failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"search": search, "listingCount": count})
}

func (s *Server) handleUpdateSearch(c *gin.Context) {
	existing, ok := s.loadSearch(c, c.Param("id"))
	if !ok {
		return
	}
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	updated := req.apply(existing)
	if err := updated.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.UpdateSearch(c.Request.Context(), updated); err != nil {
		s.internalError(c, "update search failed", err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) handleToggleSearch(c *gin.Context) {
	existing, ok := s.loadSearch(c, c.Param("id"))
	if !ok {
		return
	}
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	existing.Enabled = req.Enabled
	if err := s.store.UpdateSearch(c.Request.Context(), existing); err != nil {
		s.internalError(c, "toggle search failed", err)
		return
	}
	c.JSON(http.StatusOK, existing)
}

// handleDeleteSearch 删除搜索，商品由存储层级联删除。
func (s *Server) handleDeleteSearch(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.DeleteSearch(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "search not found"})
			return
		}
		s.internalError(c, "delete search failed", err)
		return
	}
	if s.monitor != nil {
		s.monitor.ForgetSearch(id)
	}
	s.logger.Info("search deleted", slog.String("search_id", id))
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// handleRunSearch 请求立即运行。请求被接受后异步执行，返回 202。
func (s *Server) handleRunSearch(c *gin.Context) {
	search, ok := s.loadSearch(c, c.Param("id"))
	if !ok {
		return
	}
	if s.runner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler not available"})
		return
	}
	err := s.runner.Submit(c.Request.Context(), search.ID)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "queued", "searchId": search.ID})
	case errors.Is(err, queue.ErrBusy), errors.Is(err, redisqueue.ErrTaskExists), errors.Is(err, scheduler.ErrThrottled):
		c.JSON(http.StatusConflict, gin.H{"status": "skipped", "error": err.Error()})
	case errors.Is(err, queue.ErrFull), errors.Is(err, queue.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "search not found"})
	default:
		s.internalError(c, "submit run failed", err)
	}
}

// listingResponse 在商品上附加派生字段。
type listingResponse struct {
	model.Listing
	Category  filter.Category `json:"category"`
	PriceDrop bool            `json:"isPriceDrop"`
}

// handleListListings 查询商品。
//
// 支持的查询参数：searchId、sinceHours、minPrice、maxPrice、
// category（可重复或逗号分隔）、status（new / price-drop / seen / all）、limit。
// 未指定 status 时使用 new + price-drop。
func (s *Server) handleListListings(c *gin.Context) {
	spec, err := parseFilterSpec(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	var listings []model.Listing
	switch {
	case c.Query("searchId") != "":
		if _, ok := s.loadSearch(c, c.Query("searchId")); !ok {
			return
		}
		listings, err = s.store.ListingsBySearch(ctx, c.Query("searchId"))
	case c.Query("sinceHours") != "":
		hours := parseQueryInt(c, "sinceHours", 24)
		if hours <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "sinceHours must be positive"})
			return
		}
		listings, err = s.store.RecentListings(ctx, s.now().Add(-time.Duration(hours)*time.Hour))
	default:
		listings, err = s.store.AllListings(ctx)
	}
	if err != nil {
		s.internalError(c, "list listings failed", err)
		return
	}

	filtered := filter.ApplyFilters(listings, spec)
	store.SortRecent(filtered)
	total := len(filtered)
	if limit := parseQueryInt(c, "limit", 0); limit > 0 && limit < len(filtered) {
		filtered = filtered[:limit]
	}

	out := make([]listingResponse, 0, len(filtered))
	for _, l := range filtered {
		out = append(out, listingResponse{
			Listing:   l,
			Category:  filter.DetectCategory(l),
			PriceDrop: filter.IsPriceDrop(l),
		})
	}
	c.JSON(http.StatusOK, gin.H{"listings": out, "total": total})
}

func (s *Server) handleMarkSeen(c *gin.Context) {
	l, err := s.monitor.MarkSeen(c.Request.Context(), c.Param("searchId"), c.Param("id"))
	s.respondListing(c, l, err)
}

func (s *Server) handleHide(c *gin.Context) {
	l, err := s.monitor.Hide(c.Request.Context(), c.Param("searchId"), c.Param("id"))
	s.respondListing(c, l, err)
}

func (s *Server) respondListing(c *gin.Context, l model.Listing, err error) {
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "listing not found"})
			return
		}
		s.internalError(c, "update listing failed", err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (s *Server) handleCategories(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"categories": filter.Categories()})
}

func (s *Server) handleGetSettings(c *gin.Context) {
	settings, err := s.store.GetSettings(c.Request.Context())
	if err != nil {
		s.internalError(c, "get settings failed", err)
		return
	}
	c.JSON(http.StatusOK, settings.WithDefaults())
}

// handleUpdateSettings 在当前设置上合并请求体，校验后保存并同步到通知策略。
func (s *Server) handleUpdateSettings(c *gin.Context) {
	ctx := c.Request.Context()
	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		s.internalError(c, "get settings failed", err)
		return
	}
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	settings = settings.WithDefaults()
	if err := settings.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.SaveSettings(ctx, settings); err != nil {
		s.internalError(c, "save settings failed", err)
		return
	}
	if s.monitor != nil {
		s.monitor.ApplySettings(settings)
	}
	c.JSON(http.StatusOK, settings)
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := store.Stats(c.Request.Context(), s.store, s.now())
	if err != nil {
		s.internalError(c, "compute stats failed", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleListAlerts(c *gin.Context) {
	limit := parseQueryInt(c, "limit", 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	alerts, err := s.store.RecentAlerts(c.Request.Context(), limit)
	if err != nil {
		s.internalError(c, "list alerts failed", err)
		return
	}
	if alerts == nil {
		alerts = []model.AlertRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

func (s *Server) handleTestNotification(c *gin.Context) {
	if s.monitor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "notifier not available"})
		return
	}
	if err := s.monitor.SendTestNotification(c.Request.Context()); err != nil {
		s.logger.Warn("test notification failed", slog.String("error", err.Error()))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

func (s *Server) handleExport(c *gin.Context) {
	snap, err := backup.Export(c.Request.Context(), s.store, s.now())
	if err != nil {
		s.internalError(c, "export failed", err)
		return
	}
	filename := fmt.Sprintf("marketplace-monitor-%s.json", s.now().Format("20060102-150405"))
	c.Header("Content-Disposition", "attachment; filename="+filename)
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleImport(c *gin.Context) {
	var snap backup.Snapshot
	if err := c.ShouldBindJSON(&snap); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid snapshot"})
		return
	}
	res, err := backup.Import(c.Request.Context(), s.store, &snap)
	if err != nil {
		if errors.Is(err, backup.ErrUnsupportedVersion) || errors.Is(err, backup.ErrInvalidSnapshot) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.internalError(c, "import failed", err)
		return
	}
	if res.Settings && s.monitor != nil && snap.Settings != nil {
		s.monitor.ApplySettings(snap.Settings.WithDefaults())
	}
	s.logger.Info("snapshot imported",
		slog.Int("searches", res.Searches),
		slog.Int("listings", res.Listings))
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleBackup(c *gin.Context) {
	if s.uploader == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backup not configured"})
		return
	}
	ctx := c.Request.Context()
	snap, err := backup.Export(ctx, s.store, s.now())
	if err != nil {
		s.internalError(c, "export failed", err)
		return
	}
	key, err := s.uploader.Upload(ctx, snap)
	if err != nil {
		s.logger.Error("backup upload failed", slog.String("error", err.Error()))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "uploaded", "key": key})
}

func (s *Server) loadSearch(c *gin.Context, id string) (model.Search, bool) {
	search, err := s.store.GetSearch(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "search not found"})
			return model.Search{}, false
		}
		s.internalError(c, "load search failed", err)
		return model.Search{}, false
	}
	return search, true
}

func (s *Server) internalError(c *gin.Context, msg string, err error) {
	s.logger.Error(msg, slog.String("path", c.Request.URL.Path), slog.String("error", err.Error()))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// parseFilterSpec 从查询参数构造过滤条件。
func parseFilterSpec(c *gin.Context) (filter.Spec, error) {
	var spec filter.Spec
	if v := c.Query("minPrice"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return spec, fmt.Errorf("invalid minPrice %q", v)
		}
		spec.MinPrice = &f
	}
	if v := c.Query("maxPrice"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return spec, fmt.Errorf("invalid maxPrice %q", v)
		}
		spec.MaxPrice = &f
	}
	if spec.MinPrice != nil && spec.MaxPrice != nil && *spec.MinPrice > *spec.MaxPrice {
		return spec, fmt.Errorf("minPrice exceeds maxPrice")
	}

	for _, v := range splitQuery(c, "category") {
		cat, ok := filter.ParseCategory(v)
		if !ok {
			return spec, fmt.Errorf("unknown category %q", v)
		}
		spec.Categories = append(spec.Categories, cat)
	}

	statuses := splitQuery(c, "status")
	if len(statuses) == 0 {
		spec.Statuses = append([]filter.Status(nil), filter.DefaultStatuses...)
		return spec, nil
	}
	for _, v := range statuses {
		if strings.EqualFold(v, "all") {
			spec.Statuses = nil
			return spec, nil
		}
		st, ok := filter.ParseStatus(v)
		if !ok {
			return spec, fmt.Errorf("unknown status %q", v)
		}
		spec.Statuses = append(spec.Statuses, st)
	}
	return spec, nil
}

// splitQuery 合并重复参数与逗号分隔写法。
func splitQuery(c *gin.Context, key string) []string {
	var out []string
	for _, raw := range c.QueryArray(key) {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// parseQueryInt 从查询参数中解析整数。
//
// 参数:
//
//	c: Gin 上下文
//	key: 参数名
//	def: 默认值
//
// 返回值:
//
//	int: 解析后的整数或默认值
func parseQueryInt(c *gin.Context, key string, def int) int {
	val := c.Query(key)
	if val == "" {
		return def
	}
	iv, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return iv
}
