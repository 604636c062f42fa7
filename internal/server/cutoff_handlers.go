package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/mealgate/internal/cutoff"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type validateRequestPayload struct {
	Action     string `json:"action"`
	ActorID    string `json:"actor_id"`
	TargetDate string `json:"target_date"`
	Period     string `json:"period"`
}

type validateResponsePayload struct {
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	CutoffPassed bool   `json:"cutoff_passed,omitempty"`
}

func (h *httpHandler) handleCutoffValidate(c *gin.Context) {
	memberID, ok := currentMember(c)
	if !ok {
		return
	}

	var payload validateRequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	request, err := parseValidateRequest(payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if request.ActorID != memberID {
		h.logger.Warn("cutoff validation for another member",
			zap.String("member_id", memberID),
			zap.String("actor_id", request.ActorID))
		c.JSON(http.StatusForbidden, gin.H{"error": "actor_mismatch"})
		return
	}

	result, err := h.enforcer.Validate(c.Request.Context(), request)
	if err != nil {
		if errors.Is(err, cutoff.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
		h.logger.Error("cutoff validation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "validation_failed"})
		return
	}

	c.JSON(http.StatusOK, validateResponsePayload{
		Success:      result.OK,
		Error:        result.Reason,
		CutoffPassed: result.CutoffPassed,
	})
}

func parseValidateRequest(payload validateRequestPayload) (cutoff.ValidationRequest, error) {
	action, err := cutoff.ParseAction(payload.Action)
	if err != nil {
		return cutoff.ValidationRequest{}, err
	}
	date, err := cutoff.ParseDate(payload.TargetDate)
	if err != nil {
		return cutoff.ValidationRequest{}, err
	}
	period, err := cutoff.ParsePeriod(payload.Period)
	if err != nil {
		return cutoff.ValidationRequest{}, err
	}
	return cutoff.ValidationRequest{
		Action:     action,
		ActorID:    payload.ActorID,
		TargetDate: date,
		Period:     period,
	}, nil
}
