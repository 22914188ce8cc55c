package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/rjboer/GoFFT/internal/dsp"
	"github.com/rjboer/GoFFT/internal/engine"
	"github.com/rjboer/GoFFT/internal/logging"
)

// ActionResponse acknowledges start, stop and settings requests.
type ActionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// DataResponse is the peak summary payload.
type DataResponse struct {
	Timestamp  float64    `json:"timestamp"`
	PeakData   []dsp.Peak `json:"peak_data"`
	MaxVoltage float64    `json:"max_voltage"`
	TotalPower float64    `json:"total_power"`
	IsRunning  bool       `json:"is_running"`
}

// RawResponse is the plotting payload.
type RawResponse struct {
	Timestamp     float64   `json:"timestamp"`
	FrequencyData []float64 `json:"frequency_data"`
	MagnitudeData []float64 `json:"magnitude_data"`
	TimeData      []float64 `json:"time_data"`
	IsRunning     bool      `json:"is_running"`
}

// ProcessStats reports resource usage of the server process.
type ProcessStats struct {
	Goroutines int     `json:"goroutines"`
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
}

// StatusResponse is the health payload.
type StatusResponse struct {
	Status          string          `json:"status"`
	AnalysisRunning bool            `json:"analysis_running"`
	Uptime          float64         `json:"uptime"`
	Version         string          `json:"version"`
	LastError       string          `json:"last_error,omitempty"`
	Iterations      uint64          `json:"iterations"`
	VirtualTime     float64         `json:"virtual_time"`
	Settings        engine.Settings `json:"settings"`
	Backend         string          `json:"transform_backend"`
	Process         ProcessStats    `json:"process"`
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func dataResponse(sum engine.Summary) DataResponse {
	peaks := sum.Peaks
	if peaks == nil {
		peaks = []dsp.Peak{}
	}
	return DataResponse{
		Timestamp:  unixSeconds(sum.Timestamp),
		PeakData:   peaks,
		MaxVoltage: sum.MaxAmplitude,
		TotalPower: sum.TotalPower,
		IsRunning:  sum.Running,
	}
}

func nonNil(v []float64) []float64 {
	if v == nil {
		return []float64{}
	}
	return v
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response", logging.Field{Key: "error", Value: err})
	}
}

func (s *Server) handleStart(w http.ResponseWriter, _ *http.Request) {
	ok := s.analyzer.Start()
	s.writeJSON(w, http.StatusOK, ActionResponse{Success: ok, Message: "Analysis started"})
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	ok := s.analyzer.Stop()
	s.writeJSON(w, http.StatusOK, ActionResponse{Success: ok, Message: "Analysis stopped"})
}

func (s *Server) handleData(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, dataResponse(s.analyzer.Summary()))
}

func (s *Server) handleRaw(w http.ResponseWriter, _ *http.Request) {
	raw := s.analyzer.Raw()
	s.writeJSON(w, http.StatusOK, RawResponse{
		Timestamp:     unixSeconds(raw.Timestamp),
		FrequencyData: nonNil(raw.Frequencies),
		MagnitudeData: nonNil(raw.Magnitudes),
		TimeData:      nonNil(raw.TimeSeries),
		IsRunning:     raw.Running,
	})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var patch map[string]any
	if err := dec.Decode(&patch); err != nil || patch == nil {
		msg := "settings payload must be a JSON object"
		if err != nil {
			msg = fmt.Sprintf("invalid settings payload: %v", err)
		}
		s.writeJSON(w, http.StatusBadRequest, ActionResponse{Success: false, Message: msg})
		return
	}

	if err := s.analyzer.UpdateSettings(patch); err != nil {
		var cfgErr *engine.ConfigurationError
		if errors.As(err, &cfgErr) {
			s.writeJSON(w, http.StatusBadRequest, ActionResponse{Success: false, Message: err.Error()})
			return
		}
		s.logger.Error("settings update failed", logging.Field{Key: "error", Value: err})
		s.writeJSON(w, http.StatusInternalServerError, ActionResponse{Success: false, Message: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, ActionResponse{Success: true, Message: "Settings updated"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.analyzer.Status()
	resp := StatusResponse{
		Status:          "running",
		AnalysisRunning: st.Running,
		Uptime:          time.Since(s.started).Seconds(),
		Version:         Version,
		Iterations:      st.Iterations,
		VirtualTime:     st.VirtualTime,
		Settings:        st.Settings,
		Backend:         st.Backend.String(),
		Process:         s.processStats(),
	}
	if st.LastError != nil {
		resp.LastError = st.LastError.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) processStats() ProcessStats {
	stats := ProcessStats{Goroutines: runtime.NumGoroutine()}
	if s.proc == nil {
		return stats
	}
	if mem, err := s.proc.MemoryInfo(); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	if cpu, err := s.proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	return stats
}

func writeEvent(w http.ResponseWriter, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return nil
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := s.analyzer.Subscribe()
	defer cancel()

	// current state for immediate display
	if err := writeEvent(w, dataResponse(s.analyzer.Summary())); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case sum, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, dataResponse(sum)); err != nil {
				s.logger.Debug("live client gone", logging.Field{Key: "error", Value: err})
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		}
	}
}
