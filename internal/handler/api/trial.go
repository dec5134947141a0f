package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/nidohq/nido-billing/internal/domain"
	"github.com/nidohq/nido-billing/internal/service"
)

type startTrialRequest struct {
	Jurisdiction string `json:"jurisdiction" validate:"required,len=2"`
}

type recordTrialUsageRequest struct {
	Feature string `json:"feature" validate:"required"`
}

type trialResponse struct {
	StartedAt       time.Time `json:"started_at"`
	EndsAt          time.Time `json:"ends_at"`
	Outcome         string    `json:"outcome"`
	DaysRemaining   int       `json:"days_remaining"`
	EngagedFeatures []string  `json:"engaged_features"`
}

func toTrialResponse(status *service.TrialStatus) trialResponse {
	features := make([]string, 0, len(status.Trial.EngagedFeatures))
	for _, f := range status.Trial.EngagedFeatures {
		features = append(features, string(f))
	}
	return trialResponse{
		StartedAt:       status.Trial.StartedAt,
		EndsAt:          status.Trial.EndsAt,
		Outcome:         string(status.Trial.Outcome),
		DaysRemaining:   status.DaysRemaining,
		EngagedFeatures: features,
	}
}

// StartTrial handles POST /accounts/:account_id/trial.
func (h *Handler) StartTrial(c echo.Context) error {
	accountID, err := h.accountID(c)
	if err != nil {
		return h.writeError(c, err)
	}
	var req startTrialRequest
	if err := h.bind(c, &req); err != nil {
		return h.writeError(c, err)
	}

	status, err := h.trials.StartTrial(c.Request().Context(), service.StartTrialParams{
		AccountID:    accountID,
		Jurisdiction: req.Jurisdiction,
	})
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, toTrialResponse(status))
}

// GetTrialStatus handles GET /accounts/:account_id/trial.
func (h *Handler) GetTrialStatus(c echo.Context) error {
	accountID, err := h.accountID(c)
	if err != nil {
		return h.writeError(c, err)
	}
	status, err := h.trials.GetTrialStatus(c.Request().Context(), accountID)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, toTrialResponse(status))
}

// RecordTrialUsage handles POST /accounts/:account_id/trial/usage.
func (h *Handler) RecordTrialUsage(c echo.Context) error {
	accountID, err := h.accountID(c)
	if err != nil {
		return h.writeError(c, err)
	}
	var req recordTrialUsageRequest
	if err := h.bind(c, &req); err != nil {
		return h.writeError(c, err)
	}

	err = h.trials.RecordTrialUsage(c.Request().Context(), accountID, domain.Feature(req.Feature))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
