// Package client talks to the mealgate server and wires the clock engine, cutoff policy
// and action queue into a single submission flow.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/mealgate/internal/cutoff"
	"github.com/MarcoPoloResearchLab/mealgate/internal/failures"
	"go.uber.org/zap"
)

const defaultRequestTimeout = 10 * time.Second

var errMissingBaseURL = errors.New("client: server url is required")

// APIConfig configures an API client.
type APIConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// API is a typed client for the server's HTTP surface. Every error it returns is a
// *failures.Error so callers can classify it.
type API struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewAPI constructs an API client.
func NewAPI(cfg APIConfig) (*API, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: parse server url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{baseURL: baseURL, token: cfg.Token, httpClient: httpClient, logger: logger}, nil
}

// CutoffSettings mirrors the server's cutoff configuration.
type CutoffSettings struct {
	MorningHour  int    `json:"morning_hour"`
	NightHour    int    `json:"night_hour"`
	Timezone     string `json:"timezone"`
	MorningLabel string `json:"morning_label"`
	NightLabel   string `json:"night_label"`
}

// Policy builds a cutoff.Policy from the settings.
func (s CutoffSettings) Policy() (cutoff.Policy, error) {
	location, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return cutoff.Policy{}, fmt.Errorf("client: load timezone %q: %w", s.Timezone, err)
	}
	return cutoff.NewPolicy(cutoff.Config{MorningHour: s.MorningHour, NightHour: s.NightHour, Location: location})
}

// ValidationOutcome is the server's decision on a cutoff-bound change.
type ValidationOutcome struct {
	OK           bool
	Reason       string
	CutoffPassed bool
}

// Meal is a registered meal as reported by the server.
type Meal struct {
	MemberID  string    `json:"member_id"`
	Date      string    `json:"date"`
	Period    string    `json:"period"`
	Quantity  int       `json:"quantity"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is a chat or violation entry.
type Message struct {
	ID          string    `json:"id"`
	MemberID    string    `json:"member_id"`
	Body        string    `json:"body"`
	IsViolation bool      `json:"is_violation"`
	PostedAt    time.Time `json:"posted_at"`
}

type timeResponse struct {
	ServerTime   time.Time `json:"server_time"`
	ServerTimeMs int64     `json:"server_time_ms"`
}

type validateRequest struct {
	Action     string `json:"action"`
	ActorID    string `json:"actor_id"`
	TargetDate string `json:"target_date"`
	Period     string `json:"period"`
}

type validateResponse struct {
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	CutoffPassed bool   `json:"cutoff_passed,omitempty"`
}

type mealRequest struct {
	Date     string `json:"date"`
	Period   string `json:"period,omitempty"`
	Quantity int    `json:"quantity,omitempty"`
	Details  string `json:"details,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ServerTime fetches authoritative time. It implements clocksync.TimeSource.
func (a *API) ServerTime(ctx context.Context) (time.Time, error) {
	var response timeResponse
	if err := a.do(ctx, "api.server_time", http.MethodGet, "/time", nil, &response); err != nil {
		return time.Time{}, err
	}
	if response.ServerTimeMs > 0 {
		return time.UnixMilli(response.ServerTimeMs).UTC(), nil
	}
	return response.ServerTime, nil
}

// Health reports whether the server answers. It implements connectivity.HealthChecker.
func (a *API) Health(ctx context.Context) error {
	return a.do(ctx, "api.health", http.MethodGet, "/healthz", nil, nil)
}

// CutoffSettings fetches the server's cutoff configuration.
func (a *API) CutoffSettings(ctx context.Context) (CutoffSettings, error) {
	var settings CutoffSettings
	err := a.do(ctx, "api.cutoff_settings", http.MethodGet, "/cutoff/config", nil, &settings)
	return settings, err
}

// ValidateCutoff asks the server to re-check a change. A rejection is an outcome, not an
// error; transport failures are returned as errors and never look like a rejection.
func (a *API) ValidateCutoff(ctx context.Context, action cutoff.Action, actorID string, date cutoff.Date, period cutoff.Period) (ValidationOutcome, error) {
	request := validateRequest{
		Action:     string(action),
		ActorID:    actorID,
		TargetDate: date.String(),
		Period:     string(period),
	}
	var response validateResponse
	if err := a.do(ctx, "api.validate_cutoff", http.MethodPost, "/cutoff/validate", request, &response); err != nil {
		return ValidationOutcome{}, err
	}
	return ValidationOutcome{OK: response.Success, Reason: response.Error, CutoffPassed: response.CutoffPassed}, nil
}

// AddMeal registers a meal for the authenticated member.
func (a *API) AddMeal(ctx context.Context, date cutoff.Date, period cutoff.Period, quantity int) error {
	request := mealRequest{Date: date.String(), Period: string(period), Quantity: quantity}
	return a.do(ctx, "api.add_meal", http.MethodPost, "/meals/add", request, nil)
}

// RemoveMeal cancels a meal for the authenticated member.
func (a *API) RemoveMeal(ctx context.Context, date cutoff.Date, period cutoff.Period) error {
	request := mealRequest{Date: date.String(), Period: string(period)}
	return a.do(ctx, "api.remove_meal", http.MethodPost, "/meals/remove", request, nil)
}

// UpdateQuantity changes the portions of an existing meal.
func (a *API) UpdateQuantity(ctx context.Context, date cutoff.Date, period cutoff.Period, quantity int) error {
	request := mealRequest{Date: date.String(), Period: string(period), Quantity: quantity}
	return a.do(ctx, "api.update_quantity", http.MethodPost, "/meals/quantity", request, nil)
}

// UpdateDetails replaces the member's notes for a date.
func (a *API) UpdateDetails(ctx context.Context, date cutoff.Date, details string) error {
	request := mealRequest{Date: date.String(), Details: details}
	return a.do(ctx, "api.update_details", http.MethodPost, "/meals/details", request, nil)
}

// ListMeals returns the meals registered on date.
func (a *API) ListMeals(ctx context.Context, date cutoff.Date) ([]Meal, error) {
	var response struct {
		Meals []Meal `json:"meals"`
	}
	path := "/meals?date=" + url.QueryEscape(date.String())
	if err := a.do(ctx, "api.list_meals", http.MethodGet, path, nil, &response); err != nil {
		return nil, err
	}
	return response.Meals, nil
}

// PostMessage appends a chat message.
func (a *API) PostMessage(ctx context.Context, body string) (Message, error) {
	var response struct {
		Message Message `json:"message"`
	}
	request := map[string]string{"body": body}
	if err := a.do(ctx, "api.post_message", http.MethodPost, "/messages", request, &response); err != nil {
		return Message{}, err
	}
	return response.Message, nil
}

// ListMessages returns the most recent messages, oldest first.
func (a *API) ListMessages(ctx context.Context, limit int) ([]Message, error) {
	var response struct {
		Messages []Message `json:"messages"`
	}
	path := fmt.Sprintf("/messages?limit=%d", limit)
	if err := a.do(ctx, "api.list_messages", http.MethodGet, path, nil, &response); err != nil {
		return nil, err
	}
	return response.Messages, nil
}

func (a *API) do(ctx context.Context, op, method, path string, requestBody, responseBody any) error {
	var body io.Reader = http.NoBody
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return failures.New(op, failures.CategoryValidation, "", "encode request", err)
		}
		body = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, a.baseURL.String()+path, body)
	if err != nil {
		return failures.New(op, failures.CategoryValidation, "", "build request", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		request.Header.Set("Authorization", "Bearer "+a.token)
	}

	response, err := a.httpClient.Do(request)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		a.logger.Debug("request failed", zap.String("operation", op), zap.Error(err))
		return failures.Unreachable(op, err)
	}
	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode >= http.StatusBadRequest {
		return classifyResponse(op, response)
	}
	if responseBody == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(responseBody); err != nil {
		return failures.TransientNetwork(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func classifyResponse(op string, response *http.Response) error {
	var payload errorResponse
	raw, _ := io.ReadAll(io.LimitReader(response.Body, 64*1024))
	_ = json.Unmarshal(raw, &payload)
	message := payload.Message
	if message == "" {
		message = payload.Error
	}
	if message == "" {
		message = http.StatusText(response.StatusCode)
	}
	statusErr := fmt.Errorf("status %d", response.StatusCode)

	switch {
	case payload.Error == failures.CodeCutoffPassed:
		return failures.CutoffViolation(op, message)
	case response.StatusCode == http.StatusUnauthorized:
		return failures.New(op, failures.CategoryAuthentication, payload.Error, message, statusErr)
	case response.StatusCode == http.StatusForbidden:
		return failures.New(op, failures.CategoryPermissionDenied, payload.Error, message, statusErr)
	case response.StatusCode == http.StatusConflict:
		return failures.New(op, failures.CategoryConflict, payload.Error, message, statusErr)
	case response.StatusCode == http.StatusRequestTimeout, response.StatusCode == http.StatusTooManyRequests:
		return failures.New(op, failures.CategoryTransientNetwork, payload.Error, message, statusErr)
	case response.StatusCode >= http.StatusInternalServerError:
		return failures.New(op, failures.CategoryTransientNetwork, payload.Error, message, statusErr)
	default:
		return failures.New(op, failures.CategoryValidation, payload.Error, message, statusErr)
	}
}
