package httpapi

import (
	"context"
	"errors"
	"io"
	"math"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/unklstewy/securelinks/internal/assets"
	"github.com/unklstewy/securelinks/internal/engines/links"
	"github.com/unklstewy/securelinks/internal/engines/permissions"
	"github.com/unklstewy/securelinks/internal/engines/tracking"
	"github.com/unklstewy/securelinks/internal/models"
	"go.uber.org/zap"
)

const streamChunkSize = 32 << 10

// Signed URL query parameters.
const (
	paramSignature = "Signature"
	paramExpires   = "Expires"
	paramKeyPairID = "Key-Pair-Id"
	paramAction    = "action"
)

type mediaHandler struct {
	s      *Server
	logger *zap.Logger
}

func newMediaHandler(s *Server) *mediaHandler {
	return &mediaHandler{s: s, logger: s.logger.With(zap.String("handler", "media"))}
}

// serve runs one media request through rate limiting, link verification,
// permission evaluation and streaming. Every path records exactly one event.
func (h *mediaHandler) serve(c *gin.Context) {
	ctx := c.Request.Context()
	rec := h.record(c)

	if !h.allow(c, &rec) {
		return
	}

	link, err := h.s.deps.Links.VerifyLink(ctx,
		c.Param("hash"),
		c.Query(paramSignature),
		c.Query(paramExpires),
		c.Query(paramKeyPairID))
	if err == nil && !pathMatches(c, link) {
		err = &links.VerificationError{Link: link, Err: links.ErrInvalidSignature}
	}
	if err != nil {
		h.rejectLink(c, rec, err)
		return
	}
	rec.LinkID = &link.ID

	decision, err := h.s.deps.Permissions.CheckPermissions(ctx, rec.ClientIP, rec.Domain, rec.Action)
	if err != nil {
		h.logger.Error("Permission check failed", zap.Int64("link_id", link.ID), zap.Error(err))
		h.deny(c, rec, models.ViolationInternalError, http.StatusInternalServerError, "internal error")
		return
	}
	if !decision.Authorized {
		h.deny(c, rec, models.ViolationPermissionDenied, http.StatusForbidden, "access denied")
		return
	}

	asset, err := h.s.deps.Assets.Open(ctx, link.MediaID, link.FormatID)
	if err != nil {
		if errors.Is(err, assets.ErrAssetNotFound) {
			h.logger.Error("Asset missing for valid link",
				zap.Int64("link_id", link.ID),
				zap.Int64("media_id", link.MediaID),
				zap.Int64("format_id", link.FormatID))
			h.deny(c, rec, models.ViolationAssetNotFound, http.StatusNotFound, "not found")
			return
		}
		h.logger.Error("Failed to open asset", zap.Int64("link_id", link.ID), zap.Error(err))
		h.deny(c, rec, models.ViolationInternalError, http.StatusInternalServerError, "internal error")
		return
	}
	defer asset.Reader.Close()

	rec.Authorized = true
	h.s.deps.Tracking.TrackUsage(ctx, rec)

	h.stream(c, rec.Action, asset)
}

func (h *mediaHandler) record(c *gin.Context) tracking.Record {
	action, err := models.ParseActionKind(c.Query(paramAction))
	if err != nil {
		action = models.ActionDownload
	}

	referrer := c.GetHeader("Referer")
	domainSource := referrer
	if domainSource == "" {
		domainSource = c.GetHeader("Origin")
	}

	return tracking.Record{
		Action:    action,
		ClientIP:  c.ClientIP(),
		Domain:    permissions.NormalizeDomain(domainSource),
		UserAgent: c.Request.UserAgent(),
		Referrer:  referrer,
		Geo:       h.s.proxies.FromTrustedHeaders(c.RemoteIP(), c.Request.Header),
	}
}

func (h *mediaHandler) allow(c *gin.Context, rec *tracking.Record) bool {
	limiter := h.s.deps.Limiter
	if limiter == nil || h.s.cfg.RateLimitRequests <= 0 {
		return true
	}

	decision, err := limiter.Allow(c.Request.Context(), "ip:"+rec.ClientIP, h.s.cfg.RateLimitRequests, h.s.cfg.RateLimitWindow)
	if err != nil {
		h.logger.Warn("Rate limiter unavailable, allowing request", zap.Error(err))
		return true
	}
	if decision.Allowed {
		return true
	}

	retry := int(math.Ceil(time.Until(decision.ResetAt).Seconds()))
	if retry < 1 {
		retry = 1
	}
	c.Header("Retry-After", strconv.Itoa(retry))
	h.deny(c, *rec, models.ViolationRateLimited, http.StatusTooManyRequests, "too many requests")
	return false
}

func (h *mediaHandler) rejectLink(c *gin.Context, rec tracking.Record, err error) {
	var verr *links.VerificationError
	if errors.As(err, &verr) && verr.Link != nil {
		id := verr.Link.ID
		rec.LinkID = &id
	}

	violation := links.Classify(err)
	switch violation {
	case models.ViolationLinkNotFound:
		h.deny(c, rec, violation, http.StatusNotFound, "not found")
	case models.ViolationInternalError:
		h.logger.Error("Link verification failed", zap.Error(err))
		h.deny(c, rec, violation, http.StatusInternalServerError, "internal error")
	default:
		h.deny(c, rec, violation, http.StatusForbidden, "access denied")
	}
}

func (h *mediaHandler) deny(c *gin.Context, rec tracking.Record, violation models.Violation, status int, msg string) {
	rec.Authorized = false
	rec.Violation = violation
	h.s.deps.Tracking.TrackUsage(c.Request.Context(), rec)

	c.Header("Cache-Control", "no-store")
	c.AbortWithStatusJSON(status, errorBody(msg))
}

func (h *mediaHandler) stream(c *gin.Context, action models.ActionKind, asset *assets.Asset) {
	disposition := "attachment"
	if action == models.ActionView {
		disposition = "inline"
	}

	header := c.Writer.Header()
	header.Set("Content-Type", asset.ContentType)
	header.Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": asset.Name}))
	header.Set("Cache-Control", "private, no-store")
	header.Set("X-Content-Type-Options", "nosniff")
	if asset.Size > 0 {
		header.Set("Content-Length", strconv.FormatInt(asset.Size, 10))
	}
	c.Status(http.StatusOK)

	n, err := io.CopyBuffer(c.Writer, asset.Reader, make([]byte, streamChunkSize))
	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warn("Asset stream interrupted",
			zap.String("name", asset.Name),
			zap.Int64("written", n),
			zap.Error(err))
	}
}

// pathMatches reports whether the media and format segments of a long-form
// URL name the verified link. Short links have no such segments.
func pathMatches(c *gin.Context, link *models.SecureLink) bool {
	mediaParam, formatParam := c.Param("media"), c.Param("format")
	if mediaParam == "" && formatParam == "" {
		return true
	}
	mediaID, err := strconv.ParseInt(mediaParam, 10, 64)
	if err != nil || mediaID != link.MediaID {
		return false
	}
	formatID, err := strconv.ParseInt(formatParam, 10, 64)
	return err == nil && formatID == link.FormatID
}
