// Package model wraps the collaborator forecasting model service behind a
// small typed contract: train on the combined ride history, predict daily
// rides/price/duration from a regressor vector.
package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/hwco/farecast/internal/domain"
)

// RegressorLen is the contract vector length: 20 categorical one-hots plus
// 4 numerics (riders, drivers, duration, baseline unit price).
const RegressorLen = 24

// Prediction is the model output for one day.
type Prediction struct {
	Rides           float64 `json:"rides"`
	UnitPrice       float64 `json:"unit_price"`
	DurationMinutes float64 `json:"duration"`
}

// TrainResult reports a retraining round.
type TrainResult struct {
	Success bool               `json:"success"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// TrainingSet is the combined input for retraining.
type TrainingSet struct {
	HistoricalRides []domain.HistoricalRide `json:"historical_rides"`
	CompetitorRides []domain.CompetitorRide `json:"competitor_rides"`
}

// Service is the collaborator contract the pipeline depends on.
type Service interface {
	Train(ctx context.Context, set TrainingSet) (*TrainResult, error)
	Predict(ctx context.Context, dayIndex int, regressors []float64) (*Prediction, error)
}

// Client talks to the model service over HTTP with a circuit breaker and a
// predict-call rate limiter in front of it.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewClient builds a client for the model service at baseURL. A zero
// requestsPerSecond disables rate limiting.
func NewClient(baseURL string, timeout time.Duration, requestsPerSecond float64) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var limiter *rate.Limiter
	if requestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), int(requestsPerSecond))
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "model-service",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Model service breaker state change")
		},
	})
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
		limiter: limiter,
	}
}

// Train posts the combined dataset to the model service.
func (c *Client) Train(ctx context.Context, set TrainingSet) (*TrainResult, error) {
	var result TrainResult
	if err := c.post(ctx, "/train", set, &result); err != nil {
		return nil, fmt.Errorf("model train: %w", err)
	}
	log.Info().Bool("success", result.Success).Int("rides", len(set.HistoricalRides)).
		Msg("Model retraining completed")
	return &result, nil
}

type predictRequest struct {
	DayIndex   int       `json:"day_index"`
	Regressors []float64 `json:"regressors"`
}

// Predict asks for one day's prediction. The regressor vector must have
// exactly RegressorLen entries; anything else is a contract violation.
func (c *Client) Predict(ctx context.Context, dayIndex int, regressors []float64) (*Prediction, error) {
	if len(regressors) != RegressorLen {
		return nil, fmt.Errorf("model predict: regressor vector has %d entries, want %d",
			len(regressors), RegressorLen)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	var pred Prediction
	if err := c.post(ctx, "/predict", predictRequest{DayIndex: dayIndex, Regressors: regressors}, &pred); err != nil {
		return nil, fmt.Errorf("model predict: %w", err)
	}
	return &pred, nil
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	_, err = c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, string(b))
		}
		return nil, json.NewDecoder(resp.Body).Decode(out)
	})
	return err
}
