package training

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PlottingService handles communication with the sidecar plotting application
type PlottingService struct {
	baseURL    string
	httpClient *http.Client
	config     PlottingServiceConfig
	enabled    bool
}

// PlottingServiceConfig contains configuration for the plotting service
type PlottingServiceConfig struct {
	BaseURL       string        `json:"base_url" yaml:"base_url"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
	RetryAttempts int           `json:"retry_attempts" yaml:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay" yaml:"retry_delay"`
}

// PlottingResponse represents the response from the plotting service
type PlottingResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	PlotURL   string `json:"plot_url,omitempty"`
	ViewURL   string `json:"view_url,omitempty"`
	PlotID    string `json:"plot_id,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// DefaultPlottingServiceConfig returns default configuration for the plotting service
func DefaultPlottingServiceConfig() PlottingServiceConfig {
	return PlottingServiceConfig{
		BaseURL:       "http://localhost:8080",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    1 * time.Second,
	}
}

// NewPlottingService creates a new plotting service client. It starts
// disabled.
func NewPlottingService(config PlottingServiceConfig) *PlottingService {
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 1
	}
	return &PlottingService{
		baseURL: config.BaseURL,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		config: config,
	}
}

// Enable enables the plotting service
func (ps *PlottingService) Enable() {
	ps.enabled = true
}

// Disable disables the plotting service
func (ps *PlottingService) Disable() {
	ps.enabled = false
}

// IsEnabled returns whether the plotting service is enabled
func (ps *PlottingService) IsEnabled() bool {
	return ps.enabled
}

func disabledResponse() *PlottingResponse {
	return &PlottingResponse{Success: false, Message: "Plotting service is disabled"}
}

// SendPlotData sends plot data to the sidecar plotting service
func (ps *PlottingService) SendPlotData(ctx context.Context, plotData PlotData) (*PlottingResponse, error) {
	if !ps.enabled {
		return disabledResponse(), nil
	}

	jsonData, err := json.Marshal(plotData)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal plot data")
	}

	url := fmt.Sprintf("%s/api/plot", ps.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create HTTP request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "go-midline-training")

	resp, err := ps.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send HTTP request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response body")
	}

	var plotResponse PlottingResponse
	if err := json.Unmarshal(respBody, &plotResponse); err != nil {
		return nil, errors.Wrap(err, "failed to parse response JSON")
	}

	if resp.StatusCode != http.StatusOK {
		return &plotResponse, errors.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, plotResponse.Message)
	}
	return &plotResponse, nil
}

// SendPlotDataWithRetry sends plot data, retrying failed attempts after
// RetryDelay
func (ps *PlottingService) SendPlotDataWithRetry(ctx context.Context, plotData PlotData) (*PlottingResponse, error) {
	if !ps.enabled {
		return disabledResponse(), nil
	}

	var lastErr error
	for attempt := 0; attempt < ps.config.RetryAttempts; attempt++ {
		resp, err := ps.SendPlotData(ctx, plotData)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if attempt < ps.config.RetryAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(ps.config.RetryDelay):
			}
		}
	}
	return nil, errors.Wrapf(lastErr, "failed to send plot data after %d attempts", ps.config.RetryAttempts)
}

// CheckHealth checks if the plotting service is available
func (ps *PlottingService) CheckHealth(ctx context.Context) error {
	if !ps.enabled {
		return errors.New("plotting service is disabled")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/health", ps.baseURL), nil)
	if err != nil {
		return errors.Wrap(err, "failed to create health check request")
	}
	resp, err := ps.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send health check request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}

// GenerateAndSendAllPlots sends every non-empty plot of collector. Failures
// are logged and reported per plot type.
func (ps *PlottingService) GenerateAndSendAllPlots(ctx context.Context, collector *VisualizationCollector) map[PlotType]*PlottingResponse {
	results := make(map[PlotType]*PlottingResponse)
	if !ps.enabled {
		return results
	}

	for _, plotType := range []PlotType{TrainingCurves, LossComponents, LearningRateSchedule} {
		plotData, err := collector.Generate(plotType)
		if err != nil || len(plotData.Series) == 0 {
			continue
		}
		resp, err := ps.SendPlotDataWithRetry(ctx, plotData)
		if err != nil {
			klog.Warningf("Unable to send %s plot: %v", plotType, err)
			resp = &PlottingResponse{Success: false, Message: err.Error()}
		}
		results[plotType] = resp
	}
	return results
}
