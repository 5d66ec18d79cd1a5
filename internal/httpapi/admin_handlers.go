package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/unklstewy/securelinks/internal/engines/links"
	"github.com/unklstewy/securelinks/internal/engines/permissions"
	"github.com/unklstewy/securelinks/internal/engines/tracking"
	"github.com/unklstewy/securelinks/internal/models"
	"github.com/unklstewy/securelinks/internal/store"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type adminAPI struct {
	s      *Server
	logger *zap.Logger
}

func newAdminAPI(s *Server) *adminAPI {
	return &adminAPI{s: s, logger: s.logger.With(zap.String("handler", "admin"))}
}

func (a *adminAPI) register(g *gin.RouterGroup) {
	g.POST("/auth/login", a.login)

	protected := g.Group("", a.s.deps.Auth.Middleware())

	protected.GET("/rules", a.listRules)
	protected.POST("/rules", a.createRule)
	protected.POST("/rules/check", a.checkRule)
	protected.GET("/rules/:id", a.getRule)
	protected.PUT("/rules/:id", a.updateRule)
	protected.DELETE("/rules/:id", a.deleteRule)

	protected.GET("/links", a.listLinks)
	protected.POST("/links", a.generateLink)
	protected.POST("/links/bulk", a.bulkGenerate)
	protected.GET("/links/:id", a.getLink)
	protected.POST("/links/:id/regenerate", a.regenerateLink)
	protected.POST("/links/:id/activate", a.setLinkActive(true))
	protected.POST("/links/:id/deactivate", a.setLinkActive(false))
	protected.DELETE("/links/:id", a.deleteLink)

	protected.GET("/suggestions", a.listSuggestions)
	protected.POST("/suggestions/apply", a.applySuggestion)
	protected.POST("/suggestions/apply-all", a.applyAllSuggestions)

	protected.GET("/tracking", a.trackingData)
	protected.GET("/tracking/stats", a.trackingStats)
	protected.GET("/tracking/chart", a.trackingChart)
	protected.GET("/tracking/export", a.trackingExport)
	protected.POST("/tracking/cleanup", a.trackingCleanup)

	protected.GET("/keys", a.getKey)
	protected.POST("/keys/rotate", a.rotateKey)
}

func (a *adminAPI) login(c *gin.Context) {
	var req models.AuthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	token, expiresAt, err := a.s.deps.Auth.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, errorBody("invalid credentials"))
			return
		}
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.AuthResponse{Token: token, ExpiresAt: expiresAt})
}

// Rules

func (a *adminAPI) listRules(c *gin.Context) {
	filter := store.RuleFilter{
		SubjectType: models.SubjectType(c.Query("subject_type")),
		RuleType:    models.RuleType(c.Query("rule_type")),
		Search:      c.Query("search"),
	}
	active, err := queryBool(c, "active")
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	filter.Active = active

	rules, err := a.s.deps.Permissions.ListRules(c.Request.Context(), filter)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules, "total": len(rules)})
}

func (a *adminAPI) createRule(c *gin.Context) {
	var rule models.PermissionRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	rule.ID = 0
	if err := a.s.deps.Permissions.CreateRule(c.Request.Context(), &rule); err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (a *adminAPI) getRule(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	rule, err := a.s.deps.Permissions.GetRule(c.Request.Context(), id)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (a *adminAPI) updateRule(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var rule models.PermissionRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	rule.ID = id
	if err := a.s.deps.Permissions.UpdateRule(c.Request.Context(), &rule); err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (a *adminAPI) deleteRule(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := a.s.deps.Permissions.DeleteRule(c.Request.Context(), id); err != nil {
		a.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *adminAPI) checkRule(c *gin.Context) {
	var req models.PermissionCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	if req.Action == "" {
		req.Action = models.ActionDownload
	}
	decision, err := a.s.deps.Permissions.CheckPermissions(c.Request.Context(),
		req.ClientIP, permissions.NormalizeDomain(req.Domain), req.Action)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.PermissionCheckResponse{
		Authorized:  decision.Authorized,
		Reason:      decision.Reason,
		MatchedRule: decision.MatchedRule,
	})
}

// Links

func (a *adminAPI) listLinks(c *gin.Context) {
	var filter store.LinkFilter
	var err error
	if filter.MediaID, err = queryInt(c, "media_id"); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	if filter.FormatID, err = queryInt(c, "format_id"); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	if filter.Active, err = queryBool(c, "active"); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	filter.Limit, filter.Offset = pageParams(c)

	rows, total, err := a.s.deps.Links.List(c.Request.Context(), filter)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"links": rows, "total": total, "limit": filter.Limit, "offset": filter.Offset})
}

func (a *adminAPI) generateLink(c *gin.Context) {
	var req models.GenerateLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	gen, err := a.s.deps.Links.GenerateLink(c.Request.Context(), req.MediaID, req.FormatID, req.ExpiresAt)
	if err != nil {
		a.fail(c, err)
		return
	}
	status := http.StatusCreated
	if gen.Reused {
		status = http.StatusOK
	}
	c.JSON(status, gen.Response())
}

func (a *adminAPI) bulkGenerate(c *gin.Context) {
	var req models.BulkGenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	if len(req.MediaIDs) == 0 || len(req.FormatIDs) == 0 {
		c.JSON(http.StatusBadRequest, errorBody("media_ids and format_ids are required"))
		return
	}

	pairs := make([]links.MediaFormat, 0, len(req.MediaIDs)*len(req.FormatIDs))
	for _, m := range req.MediaIDs {
		for _, f := range req.FormatIDs {
			pairs = append(pairs, links.MediaFormat{MediaID: m, FormatID: f})
		}
	}

	generated, err := a.s.deps.Links.BulkGenerate(c.Request.Context(), pairs, req.ExpiresAt)
	if err != nil {
		a.fail(c, err)
		return
	}
	out := make([]*models.LinkResponse, len(generated))
	for i, g := range generated {
		out[i] = g.Response()
	}
	c.JSON(http.StatusOK, gin.H{"links": out, "total": len(out)})
}

func (a *adminAPI) getLink(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	link, err := a.s.deps.Links.Get(c.Request.Context(), id)
	if err != nil {
		a.fail(c, err)
		return
	}
	gen, err := a.s.deps.Links.SignedURLFor(c.Request.Context(), link)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gen.Response())
}

func (a *adminAPI) regenerateLink(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req struct {
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorBody("invalid request body"))
			return
		}
	}

	link, err := a.s.deps.Links.Get(c.Request.Context(), id)
	if err != nil {
		a.fail(c, err)
		return
	}
	gen, err := a.s.deps.Links.Regenerate(c.Request.Context(), link.MediaID, link.FormatID, req.ExpiresAt)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gen.Response())
}

func (a *adminAPI) setLinkActive(active bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		if err := a.s.deps.Links.SetActive(c.Request.Context(), id, active); err != nil {
			a.fail(c, err)
			return
		}
		link, err := a.s.deps.Links.Get(c.Request.Context(), id)
		if err != nil {
			a.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, link)
	}
}

func (a *adminAPI) deleteLink(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := a.s.deps.Links.Delete(c.Request.Context(), id); err != nil {
		a.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Suggestions

func (a *adminAPI) listSuggestions(c *gin.Context) {
	suggestions, err := a.s.deps.Permissions.AnalyzeViolationsForSuggestions(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"suggestions": suggestions, "total": len(suggestions)})
}

func (a *adminAPI) applySuggestion(c *gin.Context) {
	var s models.Suggestion
	if err := c.ShouldBindJSON(&s); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	rule, err := a.s.deps.Permissions.ApplySuggestion(c.Request.Context(), s)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (a *adminAPI) applyAllSuggestions(c *gin.Context) {
	rules, err := a.s.deps.Permissions.ApplyAllSuggestions(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules, "created": len(rules)})
}

// Tracking

func (a *adminAPI) trackingData(c *gin.Context) {
	filter, err := eventFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	page, _ := strconv.Atoi(c.Query("page"))
	perPage, _ := strconv.Atoi(c.Query("per_page"))

	result, err := a.s.deps.Tracking.GetTrackingData(c.Request.Context(), filter, page, perPage)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (a *adminAPI) trackingStats(c *gin.Context) {
	stats, err := a.s.deps.Tracking.GetGlobalStatistics(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (a *adminAPI) trackingChart(c *gin.Context) {
	metric := c.DefaultQuery("metric", tracking.MetricActions)
	period := models.Period(c.DefaultQuery("period", string(models.PeriodDay)))

	chart, err := a.s.deps.Tracking.GetChartData(c.Request.Context(), metric, period)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, chart)
}

func (a *adminAPI) trackingExport(c *gin.Context) {
	format := c.DefaultQuery("format", tracking.FormatCSV)
	from, err := queryTime(c, "from")
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	to, err := queryTime(c, "to")
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	var contentType string
	switch format {
	case tracking.FormatCSV:
		contentType = "text/csv; charset=utf-8"
	case tracking.FormatJSON:
		contentType = "application/json"
	default:
		c.JSON(http.StatusBadRequest, errorBody("format must be csv or json"))
		return
	}

	filename := fmt.Sprintf("access-events-%s.%s", time.Now().UTC().Format("20060102-150405"), format)
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Status(http.StatusOK)

	if err := a.s.deps.Tracking.Export(c.Request.Context(), from, to, format, c.Writer); err != nil {
		// headers are already sent
		a.logger.Error("Event export failed", zap.Error(err))
		_ = c.Error(err)
	}
}

func (a *adminAPI) trackingCleanup(c *gin.Context) {
	var req models.CleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	deleted, err := a.s.deps.Tracking.CleanupOldTracking(c.Request.Context(), req.RetentionDays)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.CleanupResponse{Deleted: deleted})
}

// Keys

type keyResponse struct {
	ID        string    `json:"id"`
	PublicKey string    `json:"public_key"`
	CreatedAt time.Time `json:"created_at"`
}

func (a *adminAPI) getKey(c *gin.Context) {
	if a.s.deps.Keys == nil {
		c.JSON(http.StatusNotFound, errorBody("not found"))
		return
	}
	kp, err := a.s.deps.Keys.Get(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	a.writeKey(c, http.StatusOK, kp.ID, kp.CreatedAt, kp.PublicKeyPEM)
}

func (a *adminAPI) rotateKey(c *gin.Context) {
	if a.s.deps.Keys == nil {
		c.JSON(http.StatusNotFound, errorBody("not found"))
		return
	}
	kp, err := a.s.deps.Keys.Rotate(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	a.logger.Warn("Signing key rotated; previously issued links no longer verify",
		zap.String("key_pair_id", kp.ID),
		zap.String("admin", c.GetString("admin")))
	a.writeKey(c, http.StatusOK, kp.ID, kp.CreatedAt, kp.PublicKeyPEM)
}

func (a *adminAPI) writeKey(c *gin.Context, status int, id string, createdAt time.Time, encode func() (string, error)) {
	pub, err := encode()
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(status, keyResponse{ID: id, PublicKey: pub, CreatedAt: createdAt})
}

// fail maps engine errors onto status codes. Unknown errors become a
// generic 500 and are logged.
func (a *adminAPI) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, errorBody("not found"))
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, errorBody("conflict"))
	case errors.Is(err, permissions.ErrInvalidRule),
		errors.Is(err, models.ErrInvalidAction),
		errors.Is(err, links.ErrInvalidExpiry),
		errors.Is(err, tracking.ErrInvalidQuery),
		errors.Is(err, tracking.ErrInvalidRetention):
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	default:
		a.logger.Error("Admin request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("internal error"))
	}
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, errorBody("invalid id"))
		return 0, false
	}
	return id, true
}

func pageParams(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.Query("limit"))
	offset, _ = strconv.Atoi(c.Query("offset"))
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func queryBool(c *gin.Context, name string) (*bool, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be a boolean", name)
	}
	return &v, nil
}

func queryInt(c *gin.Context, name string) (*int64, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%s must be an integer", name)
	}
	return &v, nil
}

// queryTime accepts RFC 3339 timestamps or plain dates.
func queryTime(c *gin.Context, name string) (time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%s must be RFC 3339 or YYYY-MM-DD", name)
}

func eventFilter(c *gin.Context) (store.EventFilter, error) {
	var filter store.EventFilter
	var err error

	if filter.LinkID, err = queryInt(c, "link_id"); err != nil {
		return filter, err
	}
	if filter.Authorized, err = queryBool(c, "authorized"); err != nil {
		return filter, err
	}
	if raw := c.Query("action"); raw != "" {
		action, err := models.ParseActionKind(raw)
		if err != nil {
			return filter, err
		}
		filter.Action = action
	}
	if filter.From, err = queryTime(c, "from"); err != nil {
		return filter, err
	}
	if filter.To, err = queryTime(c, "to"); err != nil {
		return filter, err
	}
	filter.Search = c.Query("search")
	return filter, nil
}
