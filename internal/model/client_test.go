package model

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Predict(t *testing.T) {
	var got predictRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/predict", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(Prediction{Rides: 4.2, UnitPrice: 2.9, DurationMinutes: 24})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, 0)
	regs := make([]float64, RegressorLen)
	pred, err := c.Predict(context.Background(), 7, regs)
	require.NoError(t, err)

	assert.Equal(t, 7, got.DayIndex)
	assert.Len(t, got.Regressors, RegressorLen)
	assert.InDelta(t, 4.2, pred.Rides, 1e-9)
	assert.InDelta(t, 2.9, pred.UnitPrice, 1e-9)
}

func TestClient_PredictRejectsBadVector(t *testing.T) {
	c := NewClient("http://unused", time.Second, 0)
	_, err := c.Predict(context.Background(), 1, make([]float64, 7))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "regressor vector")
}

func TestClient_Train(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/train", r.URL.Path)
		json.NewEncoder(w).Encode(TrainResult{Success: true, Metrics: map[string]float64{"mae": 0.4}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, 0)
	res, err := c.Train(context.Background(), TrainingSet{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.InDelta(t, 0.4, res.Metrics["mae"], 1e-9)
}

func TestClient_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, 0)
	regs := make([]float64, RegressorLen)
	for i := 0; i < 5; i++ {
		_, err := c.Predict(context.Background(), i, regs)
		require.Error(t, err)
	}

	// Breaker is open now; the request never reaches the server.
	_, err := c.Predict(context.Background(), 99, regs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker is open")
}
