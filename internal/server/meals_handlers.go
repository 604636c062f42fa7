package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/mealgate/internal/cutoff"
	"github.com/MarcoPoloResearchLab/mealgate/internal/meals"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type mealRequestPayload struct {
	Date     string `json:"date"`
	Period   string `json:"period"`
	Quantity int    `json:"quantity"`
	Details  string `json:"details"`
}

type mealPayload struct {
	MemberID  string    `json:"member_id"`
	Date      string    `json:"date"`
	Period    string    `json:"period"`
	Quantity  int       `json:"quantity"`
	UpdatedAt time.Time `json:"updated_at"`
}

type detailsPayload struct {
	MemberID  string    `json:"member_id"`
	Date      string    `json:"date"`
	Details   string    `json:"details"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newMealPayload(entry meals.Entry) mealPayload {
	return mealPayload{
		MemberID:  entry.MemberID,
		Date:      entry.MealDate,
		Period:    entry.Period,
		Quantity:  entry.Quantity,
		UpdatedAt: entry.UpdatedAt,
	}
}

func (h *httpHandler) handleMealAdd(c *gin.Context) {
	memberID, date, period, payload, ok := h.bindMealSlot(c)
	if !ok {
		return
	}
	quantity := payload.Quantity
	if quantity == 0 {
		quantity = 1
	}
	entry, err := h.meals.Add(c.Request.Context(), memberID, date, period, quantity)
	if err != nil {
		h.writeMealError(c, period, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"meal": newMealPayload(entry)})
}

func (h *httpHandler) handleMealRemove(c *gin.Context) {
	memberID, date, period, _, ok := h.bindMealSlot(c)
	if !ok {
		return
	}
	if err := h.meals.Remove(c.Request.Context(), memberID, date, period); err != nil {
		h.writeMealError(c, period, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

func (h *httpHandler) handleMealQuantity(c *gin.Context) {
	memberID, date, period, payload, ok := h.bindMealSlot(c)
	if !ok {
		return
	}
	entry, err := h.meals.UpdateQuantity(c.Request.Context(), memberID, date, period, payload.Quantity)
	if err != nil {
		h.writeMealError(c, period, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"meal": newMealPayload(entry)})
}

func (h *httpHandler) handleMealDetails(c *gin.Context) {
	memberID, ok := currentMember(c)
	if !ok {
		return
	}
	var payload mealRequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	date, err := cutoff.ParseDate(payload.Date)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	details, err := h.meals.UpdateDetails(c.Request.Context(), memberID, date, payload.Details)
	if err != nil {
		h.writeMealError(c, "", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"details": detailsPayload{
		MemberID:  details.MemberID,
		Date:      details.MealDate,
		Details:   details.Body,
		UpdatedAt: details.UpdatedAt,
	}})
}

func (h *httpHandler) handleMealList(c *gin.Context) {
	if _, ok := currentMember(c); !ok {
		return
	}
	date, err := cutoff.ParseDate(c.Query("date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	entries, err := h.meals.List(c.Request.Context(), date)
	if err != nil {
		h.writeMealError(c, "", err)
		return
	}
	details, err := h.meals.ListDetails(c.Request.Context(), date)
	if err != nil {
		h.writeMealError(c, "", err)
		return
	}

	mealsResponse := make([]mealPayload, 0, len(entries))
	for _, entry := range entries {
		mealsResponse = append(mealsResponse, newMealPayload(entry))
	}
	detailsResponse := make([]detailsPayload, 0, len(details))
	for _, item := range details {
		detailsResponse = append(detailsResponse, detailsPayload{
			MemberID:  item.MemberID,
			Date:      item.MealDate,
			Details:   item.Body,
			UpdatedAt: item.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"meals": mealsResponse, "details": detailsResponse})
}

func (h *httpHandler) bindMealSlot(c *gin.Context) (string, cutoff.Date, cutoff.Period, mealRequestPayload, bool) {
	memberID, ok := currentMember(c)
	if !ok {
		return "", cutoff.Date{}, "", mealRequestPayload{}, false
	}
	var payload mealRequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return "", cutoff.Date{}, "", mealRequestPayload{}, false
	}
	date, err := cutoff.ParseDate(payload.Date)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return "", cutoff.Date{}, "", mealRequestPayload{}, false
	}
	period, err := cutoff.ParsePeriod(payload.Period)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return "", cutoff.Date{}, "", mealRequestPayload{}, false
	}
	return memberID, date, period, payload, true
}

func (h *httpHandler) writeMealError(c *gin.Context, period cutoff.Period, err error) {
	code := ""
	var serviceErr *meals.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	switch {
	case errors.Is(err, meals.ErrCutoffPassed):
		policy := h.enforcer.Policy()
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "cutoff_passed",
			"message": cutoff.RejectionReason(period, policy.CutoffLabel(period)),
			"code":    code,
		})
	case errors.Is(err, meals.ErrMealNotFound):
		c.JSON(http.StatusConflict, gin.H{"error": "meal_not_found", "code": code})
	case errors.Is(err, meals.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "code": code})
	default:
		h.logger.Error("meal request failed", zap.String("code", code), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "meal_request_failed", "code": code})
	}
}
