// Package api exposes the survey engine over HTTP: sampler control
// (start/pause/resume/abort), interactive calibration, and read access to
// stored planes and charts. Handlers are thin; all sequencing rules live in
// the sampler and calibration packages.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/banshee-data/flume.report/internal/calibration"
	"github.com/banshee-data/flume.report/internal/profiles"
	"github.com/banshee-data/flume.report/internal/sampler"
	"github.com/banshee-data/flume.report/internal/store"
)

type Server struct {
	sampler *sampler.Sampler
	motor   sampler.Motor
	calib   *calibration.Manager
	db      *store.DB
}

func NewServer(s *sampler.Sampler, motor sampler.Motor, calib *calibration.Manager, db *store.DB) *Server {
	return &Server{
		sampler: s,
		motor:   motor,
		calib:   calib,
		db:      db,
	}
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/checkpoint", s.checkpointHandler)
	mux.HandleFunc("/start", s.startHandler)
	mux.HandleFunc("/pause", s.pauseHandler)
	mux.HandleFunc("/resume", s.resumeHandler)
	mux.HandleFunc("/abort", s.abortHandler)
	mux.HandleFunc("/home", s.homeHandler)
	mux.HandleFunc("/calibration", s.calibrationHandler)
	mux.HandleFunc("/calibration/start", s.calibrationStartHandler)
	mux.HandleFunc("/calibration/finish", s.calibrationFinishHandler)
	mux.HandleFunc("/calibration/origin", s.originHandler)
	mux.HandleFunc("/calibration/boundary", s.boundaryHandler)
	mux.HandleFunc("/calibration/grid", s.gridHandler)
	mux.HandleFunc("/positions", s.positionsHandler)
	mux.HandleFunc("/planes", s.planesHandler)
	mux.HandleFunc("/measurements", s.measurementsHandler)
	mux.HandleFunc("/plane-chart", s.planeChartHandler)
	mux.HandleFunc("/profile", s.profileHandler)
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, fmt.Sprintf("Failed to encode response: %v", err), http.StatusInternalServerError)
	}
}

// controlStatus maps sampler control errors onto HTTP status codes: a
// sequencing violation is the caller's fault, everything else is ours.
func controlStatus(err error) int {
	if errors.Is(err, sampler.ErrBadState) || errors.Is(err, sampler.ErrEmptySequence) ||
		errors.Is(err, calibration.ErrOutOfSequence) || errors.Is(err, calibration.ErrInvalidSpacing) ||
		errors.Is(err, calibration.ErrInvalidZone) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.sampler.Status())
}

func (s *Server) checkpointHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.sampler.Checkpoint())
}

func (s *Server) startHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	zPlane, err := strconv.ParseFloat(r.FormValue("z"), 64)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid z value: %v", err), http.StatusBadRequest)
		return
	}

	positions, err := s.calib.Positions()
	if err != nil {
		http.Error(w, fmt.Sprintf("No measurement grid: %v", err), http.StatusConflict)
		return
	}

	if err := s.sampler.Start(positions, zPlane); err != nil {
		http.Error(w, fmt.Sprintf("Failed to start acquisition: %v", err), controlStatus(err))
		return
	}
	writeJSON(w, s.sampler.Status())
}

func (s *Server) pauseHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.sampler.Pause(); err != nil {
		http.Error(w, fmt.Sprintf("Failed to pause: %v", err), controlStatus(err))
		return
	}
	writeJSON(w, s.sampler.Status())
}

func (s *Server) resumeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.sampler.Resume(); err != nil {
		http.Error(w, fmt.Sprintf("Failed to resume: %v", err), controlStatus(err))
		return
	}
	writeJSON(w, s.sampler.Status())
}

func (s *Server) abortHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.sampler.Abort()
	writeJSON(w, s.sampler.Status())
}

func (s *Server) homeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	home, err := s.calib.HomePosition()
	if err != nil {
		http.Error(w, fmt.Sprintf("No home position: %v", err), http.StatusConflict)
		return
	}
	if err := s.sampler.ReturnHome(home); err != nil {
		http.Error(w, fmt.Sprintf("Failed to return home: %v", err), controlStatus(err))
		return
	}
	writeJSON(w, home)
}

func (s *Server) calibrationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.calib.Snapshot())
}

func (s *Server) calibrationStartHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.sampler.StartCalibration(); err != nil {
		http.Error(w, fmt.Sprintf("Failed to start calibration: %v", err), controlStatus(err))
		return
	}
	writeJSON(w, s.sampler.Status())
}

func (s *Server) calibrationFinishHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.sampler.FinishCalibration(); err != nil {
		http.Error(w, fmt.Sprintf("Failed to finish calibration: %v", err), controlStatus(err))
		return
	}
	writeJSON(w, s.sampler.Status())
}

// capturePoint resolves a reference point from explicit x/y form values, or
// from the stage's current position when both are omitted (the jog-then-
// capture workflow).
func (s *Server) capturePoint(r *http.Request) (x, y int, err error) {
	xv, yv := r.FormValue("x"), r.FormValue("y")
	if xv == "" && yv == "" {
		return s.motor.CurrentPosition()
	}
	x, err = strconv.Atoi(xv)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid x value %q", xv)
	}
	y, err = strconv.Atoi(yv)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid y value %q", yv)
	}
	return x, y, nil
}

func (s *Server) originHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	x, y, err := s.capturePoint(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to capture origin: %v", err), http.StatusBadRequest)
		return
	}
	s.calib.SetOrigin(x, y)
	writeJSON(w, s.calib.Snapshot())
}

func (s *Server) boundaryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	x, y, err := s.capturePoint(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to capture boundary: %v", err), http.StatusBadRequest)
		return
	}
	if err := s.calib.SetBoundary(x, y); err != nil {
		http.Error(w, fmt.Sprintf("Failed to set boundary: %v", err), controlStatus(err))
		return
	}
	writeJSON(w, s.calib.Snapshot())
}

// gridRequest is the JSON body of POST /calibration/grid.
type gridRequest struct {
	XSpacing int                   `json:"x_spacing"`
	YSpacing int                   `json:"y_spacing"`
	Zones    []calibration.ROIZone `json:"roi_zones,omitempty"`
}

func (s *Server) gridHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req gridRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid grid request: %v", err), http.StatusBadRequest)
		return
	}

	grid, err := s.calib.GenerateGrid(req.XSpacing, req.YSpacing, req.Zones)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to generate grid: %v", err), controlStatus(err))
		return
	}
	writeJSON(w, grid)
}

func (s *Server) positionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	positions, err := s.calib.Positions()
	if err != nil {
		http.Error(w, fmt.Sprintf("No measurement grid: %v", err), http.StatusConflict)
		return
	}
	writeJSON(w, positions)
}

func (s *Server) planesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	planes, err := s.db.Planes()
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to retrieve planes: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, planes)
}

// resolvePlane finds the plane named by the plane_id query parameter, or the
// most recently started plane when the parameter is absent.
func (s *Server) resolvePlane(r *http.Request) (*store.Plane, error) {
	if id := r.FormValue("plane_id"); id != "" {
		return s.db.Plane(id)
	}
	return s.db.LatestPlane()
}

func (s *Server) measurementsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	plane, err := s.resolvePlane(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to resolve plane: %v", err), http.StatusInternalServerError)
		return
	}
	if plane == nil {
		http.Error(w, "No planes recorded", http.StatusNotFound)
		return
	}
	ms, err := s.db.Measurements(plane.ID)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to retrieve measurements: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, ms)
}

func (s *Server) planeChartHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	plane, ms, ok := s.chartData(w, r)
	if !ok {
		return
	}

	metric := profiles.Metric(r.FormValue("metric"))
	if metric == "" {
		metric = profiles.MetricVelocity
	}
	if err := profiles.RenderPlane(w, *plane, ms, metric); err != nil {
		http.Error(w, fmt.Sprintf("Failed to render chart: %v", err), http.StatusBadRequest)
	}
}

func (s *Server) profileHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	plane, ms, ok := s.chartData(w, r)
	if !ok {
		return
	}
	if err := profiles.RenderProfile(w, *plane, ms); err != nil {
		http.Error(w, fmt.Sprintf("Failed to render profile: %v", err), http.StatusBadRequest)
	}
}

func (s *Server) chartData(w http.ResponseWriter, r *http.Request) (*store.Plane, []store.Measurement, bool) {
	plane, err := s.resolvePlane(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to resolve plane: %v", err), http.StatusInternalServerError)
		return nil, nil, false
	}
	if plane == nil {
		http.Error(w, "No planes recorded", http.StatusNotFound)
		return nil, nil, false
	}
	ms, err := s.db.Measurements(plane.ID)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to retrieve measurements: %v", err), http.StatusInternalServerError)
		return nil, nil, false
	}
	return plane, ms, true
}
