package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"referral-service/internal/lifecycle"
	"referral-service/internal/logger"
	"referral-service/internal/matchmaking"
	"referral-service/internal/models"
	"referral-service/internal/scheduler"
)

// MatchService is the lifecycle surface used by the HTTP layer.
type MatchService interface {
	Accept(ctx context.Context, matchID, uid string) (lifecycle.Outcome, error)
	Decline(ctx context.Context, matchID, uid string) (lifecycle.Outcome, error)
	ProposeTime(ctx context.Context, req lifecycle.ProposeTimeRequest) (lifecycle.Outcome, error)
	AcceptTime(ctx context.Context, req lifecycle.AcceptTimeRequest) (lifecycle.Outcome, error)
	Respond(ctx context.Context, userID, partnerID string, accept bool) (lifecycle.Outcome, error)
	GetMatch(ctx context.Context, matchID string) (models.Match, error)
	ListMatches(ctx context.Context, uid string) ([]models.Match, error)
}

type Matchmaker interface {
	FindDirectMatch(ctx context.Context, userID string) (matchmaking.DirectResult, error)
	FindMarketplaceMatch(ctx context.Context, req matchmaking.MarketplaceRequest) (matchmaking.MatchCreationResult, error)
}

type SweepRunner interface {
	RunOnce(ctx context.Context) (scheduler.Report, error)
}

// MatchHandler serves match origination and lifecycle endpoints.
type MatchHandler struct {
	matches    MatchService
	matchmaker Matchmaker
	sweeps     SweepRunner
	logger     *zap.Logger
}

// NewMatchHandler builds a MatchHandler. sweeps may be nil when the
// process does not run the scheduler.
func NewMatchHandler(matches MatchService, matchmaker Matchmaker, sweeps SweepRunner, log *zap.Logger) *MatchHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &MatchHandler{matches: matches, matchmaker: matchmaker, sweeps: sweeps, logger: log}
}

// Register mounts the match routes.
func (h *MatchHandler) Register(r gin.IRouter) {
	r.POST("/matches/direct", h.FindDirect)
	r.POST("/matches/marketplace", h.FindMarketplace)
	r.POST("/matches/accept", h.Accept)
	r.POST("/matches/decline", h.Decline)
	r.POST("/matches/propose-time", h.ProposeTime)
	r.POST("/matches/accept-time", h.AcceptTime)
	r.GET("/matches", h.ListMatches)
	r.GET("/matches/:match_id", h.GetMatch)
	r.POST("/internal/sweep", h.RunSweep)
}

// FindDirect searches an insider for the talent in the body.
func (h *MatchHandler) FindDirect(c *gin.Context) {
	var req struct {
		UserID string `json:"userId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	res, err := h.matchmaker.FindDirectMatch(c.Request.Context(), req.UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if !res.Found {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "no compatible insider found yet"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"message":        "match found",
		"matchId":        res.MatchID,
		"chatId":         res.ChatID,
		"insiderUid":     res.InsiderUID,
		"insiderCompany": res.InsiderCompany,
		"position":       res.Position,
		"created":        res.Created,
	})
}

// FindMarketplace creates a match from a marketplace offer request.
func (h *MatchHandler) FindMarketplace(c *gin.Context) {
	var req struct {
		CurrentUserID  string                 `json:"currentUserId" binding:"required"`
		OfferCreatorID string                 `json:"offerCreatorId" binding:"required"`
		Role           string                 `json:"role" binding:"required"`
		OfferData      *matchmaking.OfferData `json:"offerData" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	res, err := h.matchmaker.FindMarketplaceMatch(c.Request.Context(), matchmaking.MarketplaceRequest{
		CurrentUserID:  req.CurrentUserID,
		OfferCreatorID: req.OfferCreatorID,
		Role:           models.Role(strings.ToUpper(strings.TrimSpace(req.Role))),
		Offer:          *req.OfferData,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "marketplace match created",
		"matchId": res.MatchID,
		"chatId":  res.ChatID,
		"created": res.Created,
	})
}

// Accept records the caller's acceptance. The legacy body shape
// {userId, partnerId, action} resolves the match between the two users and
// also carries declines.
func (h *MatchHandler) Accept(c *gin.Context) {
	var req struct {
		MatchID   string `json:"matchId"`
		UserUID   string `json:"userUid"`
		UserID    string `json:"userId"`
		PartnerID string `json:"partnerId"`
		Action    string `json:"action"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	switch {
	case req.MatchID != "" && req.UserUID != "":
		out, err := h.matches.Accept(ctx, req.MatchID, req.UserUID)
		h.respondOutcome(c, out, err, "match accepted")
	case req.UserID != "" && req.PartnerID != "":
		action := strings.ToLower(strings.TrimSpace(req.Action))
		if action == "" {
			action = "accept"
		}
		if action != "accept" && action != "decline" {
			badRequest(c, "action must be accept or decline")
			return
		}
		out, err := h.matches.Respond(ctx, req.UserID, req.PartnerID, action == "accept")
		message := "match accepted"
		if action == "decline" {
			message = "match declined"
		}
		h.respondOutcome(c, out, err, message)
	default:
		badRequest(c, "matchId and userUid are required")
	}
}

// Decline cancels the match for both sides.
func (h *MatchHandler) Decline(c *gin.Context) {
	var req struct {
		MatchID string `json:"matchId" binding:"required"`
		UserUID string `json:"userUid" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	out, err := h.matches.Decline(c.Request.Context(), req.MatchID, req.UserUID)
	h.respondOutcome(c, out, err, "match declined")
}

// ProposeTime posts a talent's call slot proposal.
func (h *MatchHandler) ProposeTime(c *gin.Context) {
	var req struct {
		MatchID    string `json:"matchId" binding:"required"`
		ChatID     string `json:"chatId"`
		TalentUID  string `json:"talentUid" binding:"required"`
		InsiderUID string `json:"insiderUid"`
		Date       string `json:"date" binding:"required"`
		Time       string `json:"time" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	out, err := h.matches.ProposeTime(c.Request.Context(), lifecycle.ProposeTimeRequest{
		MatchID:    req.MatchID,
		ChatID:     req.ChatID,
		TalentUID:  req.TalentUID,
		InsiderUID: req.InsiderUID,
		Date:       req.Date,
		Time:       req.Time,
	})
	h.respondOutcome(c, out, err, "time proposed")
}

// AcceptTime confirms the match on the proposed slot.
func (h *MatchHandler) AcceptTime(c *gin.Context) {
	var req struct {
		MatchID string `json:"matchId" binding:"required"`
		ChatID  string `json:"chatId"`
		UserUID string `json:"userUid" binding:"required"`
		Date    string `json:"date" binding:"required"`
		Time    string `json:"time" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	out, err := h.matches.AcceptTime(c.Request.Context(), lifecycle.AcceptTimeRequest{
		MatchID: req.MatchID,
		ChatID:  req.ChatID,
		UID:     req.UserUID,
		Date:    req.Date,
		Time:    req.Time,
	})
	h.respondOutcome(c, out, err, "time accepted")
}

// ListMatches returns every match the user takes part in.
func (h *MatchHandler) ListMatches(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("userId"))
	if userID == "" {
		badRequest(c, "userId is required")
		return
	}

	matches, err := h.matches.ListMatches(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if matches == nil {
		matches = []models.Match{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "ok", "matches": matches})
}

// GetMatch returns one match, expiring it first when its window closed.
func (h *MatchHandler) GetMatch(c *gin.Context) {
	match, err := h.matches.GetMatch(c.Request.Context(), c.Param("match_id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if match.Status == models.MatchStatusExpired {
		c.JSON(http.StatusOK, gin.H{"success": false, "expired": true, "message": "match expired", "match": match})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "ok", "match": match})
}

// RunSweep triggers one scheduler cycle out of band.
func (h *MatchHandler) RunSweep(c *gin.Context) {
	if h.sweeps == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "message": "scheduler not configured"})
		return
	}

	report, err := h.sweeps.RunOnce(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	message := "sweep completed"
	if report.Skipped {
		message = "sweep already running"
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": message,
		"created": report.Sweep.Created,
		"failed":  report.Sweep.Failed,
		"expired": report.Expired,
		"skipped": report.Skipped,
		"results": report.Sweep.Results,
	})
}

func (h *MatchHandler) respondOutcome(c *gin.Context, out lifecycle.Outcome, err error, message string) {
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	body := gin.H{
		"success":   !out.Expired,
		"message":   message,
		"matchId":   out.MatchID,
		"newStatus": out.Status,
	}
	if out.ChatID != "" {
		body["chatId"] = out.ChatID
	}
	if out.Expired {
		body["expired"] = true
		body["message"] = "match expired"
	}
	if out.Waiting {
		body["waitingForOtherSide"] = true
	}

	h.logger.Debug("match outcome",
		append(logger.MatchFields(out.MatchID, out.ChatID, ""), zap.String("status", string(out.Status)))...)
	c.JSON(http.StatusOK, body)
}
