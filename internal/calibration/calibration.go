// Package calibration converts two user-captured stage reference points into
// an ordered measurement grid for the survey engine.
//
// Coordinate system:
//   - X: bank-to-bank (0 = left bank)
//   - Y: water depth (0 = bottom, positive upward)
//   - Z: upstream, user-specified per plane (not managed here)
//
// All stored coordinates are native motor steps; engineering-unit (feet)
// annotations are derived through the fixed linear scale in internal/units.
package calibration

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/banshee-data/flume.report/internal/monitoring"
	"github.com/banshee-data/flume.report/internal/units"
)

var (
	// ErrOutOfSequence is returned when calibration operations are invoked
	// in the wrong order, e.g. a boundary before an origin.
	ErrOutOfSequence = errors.New("calibration out of sequence")

	// ErrInvalidSpacing is returned when a grid is requested with a
	// non-positive spacing.
	ErrInvalidSpacing = errors.New("invalid grid spacing")

	// ErrInvalidZone is returned for ROI zones with a density multiplier
	// below 1 or inverted bounds.
	ErrInvalidZone = errors.New("invalid roi zone")
)

// Point is a single captured reference point in motor steps.
type Point struct {
	XSteps int    `json:"x_steps"`
	YSteps int    `json:"y_steps"`
	Label  string `json:"label,omitempty"`
}

// ROIZone marks a rectangular sub-area of the grid to be sampled at higher
// spatial density. Bounds are in motor steps relative to the grid origin.
type ROIZone struct {
	XMin              int     `json:"x_min"`
	XMax              int     `json:"x_max"`
	YMin              int     `json:"y_min"`
	YMax              int     `json:"y_max"`
	DensityMultiplier float64 `json:"density_multiplier"`
}

func (z ROIZone) contains(x, y int) bool {
	return x >= z.XMin && x <= z.XMax && y >= z.YMin && y <= z.YMax
}

// Grid is the immutable definition of a generated measurement grid.
type Grid struct {
	OriginX  int       `json:"origin_x"`
	OriginY  int       `json:"origin_y"`
	MaxX     int       `json:"max_x"`
	MaxY     int       `json:"max_y"`
	XSpacing int       `json:"x_spacing"` // steps
	YSpacing int       `json:"y_spacing"` // steps
	Zones    []ROIZone `json:"roi_zones,omitempty"`
}

// Position is one target of the measurement sequence. Produced once by grid
// generation and read-only thereafter.
type Position struct {
	XSteps            int     `json:"x_steps"`
	YSteps            int     `json:"y_steps"`
	XFeet             float64 `json:"x_feet"`
	YFeet             float64 `json:"y_feet"`
	InROI             bool    `json:"in_roi"`
	DensityMultiplier float64 `json:"roi_density_multiplier"`
	Label             string  `json:"label,omitempty"`
}

// Manager holds the interactive calibration state and generates grids. The
// generated grid and position list are immutable; re-running calibration
// replaces them wholesale.
type Manager struct {
	origin       *Point
	boundary     *Point
	grid         *Grid
	home         *Point
	dupTolerance float64 // steps
}

// NewManager creates a calibration manager. duplicateToleranceFt is the
// engineering-unit distance under which two generated positions are
// considered the same point.
func NewManager(duplicateToleranceFt float64) *Manager {
	return &Manager{
		dupTolerance: math.Abs(float64(units.FeetToSteps(duplicateToleranceFt))),
	}
}

// SetOrigin captures the bottom-left (water bottom, left bank) reference.
func (m *Manager) SetOrigin(xSteps, ySteps int) {
	m.origin = &Point{XSteps: xSteps, YSteps: ySteps, Label: "origin"}
	m.grid = nil
	monitoring.Logf("calibration: origin set to X=%d, Y=%d steps", xSteps, ySteps)
}

// SetBoundary captures the top-right (water surface, right bank) reference.
// The origin must be captured first and the boundary must be strictly
// greater on both axes.
func (m *Manager) SetBoundary(xSteps, ySteps int) error {
	if m.origin == nil {
		return fmt.Errorf("%w: boundary set before origin", ErrOutOfSequence)
	}
	if xSteps <= m.origin.XSteps || ySteps <= m.origin.YSteps {
		return fmt.Errorf("%w: boundary (%d,%d) must exceed origin (%d,%d) on both axes",
			ErrOutOfSequence, xSteps, ySteps, m.origin.XSteps, m.origin.YSteps)
	}
	m.boundary = &Point{XSteps: xSteps, YSteps: ySteps, Label: "boundary"}
	m.grid = nil
	monitoring.Logf("calibration: boundary set to X=%d, Y=%d steps", xSteps, ySteps)
	return nil
}

// Origin returns the captured origin, if any.
func (m *Manager) Origin() (Point, bool) {
	if m.origin == nil {
		return Point{}, false
	}
	return *m.origin, true
}

// Boundary returns the captured boundary, if any.
func (m *Manager) Boundary() (Point, bool) {
	if m.boundary == nil {
		return Point{}, false
	}
	return *m.boundary, true
}

// GenerateGrid builds the grid definition from the captured reference points
// at the given spacing in motor steps. Zones may be nil.
func (m *Manager) GenerateGrid(xSpacing, ySpacing int, zones []ROIZone) (*Grid, error) {
	if m.origin == nil || m.boundary == nil {
		return nil, fmt.Errorf("%w: origin and boundary must be set before generating a grid", ErrOutOfSequence)
	}
	if xSpacing <= 0 || ySpacing <= 0 {
		return nil, fmt.Errorf("%w: (%d,%d)", ErrInvalidSpacing, xSpacing, ySpacing)
	}
	for i, z := range zones {
		if z.DensityMultiplier < 1.0 {
			return nil, fmt.Errorf("%w: zone %d multiplier %v < 1", ErrInvalidZone, i, z.DensityMultiplier)
		}
		if z.XMax < z.XMin || z.YMax < z.YMin {
			return nil, fmt.Errorf("%w: zone %d has inverted bounds", ErrInvalidZone, i)
		}
	}

	m.grid = &Grid{
		OriginX:  m.origin.XSteps,
		OriginY:  m.origin.YSteps,
		MaxX:     m.boundary.XSteps,
		MaxY:     m.boundary.YSteps,
		XSpacing: xSpacing,
		YSpacing: ySpacing,
		Zones:    append([]ROIZone(nil), zones...),
	}
	monitoring.Logf("calibration: grid generated X [%d,%d] Y [%d,%d] spacing (%d,%d) zones=%d",
		m.grid.OriginX, m.grid.MaxX, m.grid.OriginY, m.grid.MaxY, xSpacing, ySpacing, len(zones))
	return m.grid, nil
}

// Grid returns the current grid definition, if one has been generated.
func (m *Manager) Grid() (*Grid, bool) {
	if m.grid == nil {
		return nil, false
	}
	g := *m.grid
	return &g, true
}

// Positions enumerates the measurement sequence for the current grid:
// row-major coverage of [origin, boundary] inclusive, with extra sub-spaced
// positions inside each ROI zone. Positions closer together than the
// duplicate tolerance collapse to the first-generated one.
func (m *Manager) Positions() ([]Position, error) {
	if m.grid == nil {
		return nil, fmt.Errorf("%w: grid not yet generated", ErrOutOfSequence)
	}
	g := m.grid

	var out []Position
	add := func(x, y int, label string) {
		for _, p := range out {
			dx := float64(p.XSteps - x)
			dy := float64(p.YSteps - y)
			if math.Hypot(dx, dy) <= m.dupTolerance {
				return
			}
		}
		inROI := false
		multiplier := 1.0
		for _, z := range g.Zones {
			if z.contains(x-g.OriginX, y-g.OriginY) {
				inROI = true
				if z.DensityMultiplier > multiplier {
					multiplier = z.DensityMultiplier
				}
			}
		}
		out = append(out, Position{
			XSteps:            x,
			YSteps:            y,
			XFeet:             units.StepsToFeet(x - g.OriginX),
			YFeet:             units.StepsToFeet(y - g.OriginY),
			InROI:             inROI,
			DensityMultiplier: multiplier,
			Label:             label,
		})
	}

	// Base grid, inclusive of both extents.
	for y := g.OriginY; y <= g.MaxY; y += g.YSpacing {
		for x := g.OriginX; x <= g.MaxX; x += g.XSpacing {
			add(x, y, "grid")
		}
	}

	// ROI densification: sub-spaced positions within each zone's bounds.
	for _, z := range g.Zones {
		if z.DensityMultiplier <= 1.0 {
			continue
		}
		xStep := float64(g.XSpacing) / z.DensityMultiplier
		yStep := float64(g.YSpacing) / z.DensityMultiplier
		xLo, xHi := g.OriginX+z.XMin, min(g.OriginX+z.XMax, g.MaxX)
		yLo, yHi := g.OriginY+z.YMin, min(g.OriginY+z.YMax, g.MaxY)
		for yf := float64(yLo); yf <= float64(yHi); yf += yStep {
			for xf := float64(xLo); xf <= float64(xHi); xf += xStep {
				add(int(math.Round(xf)), int(math.Round(yf)), "roi")
			}
		}
	}

	// Row-major traversal order: all X at the lowest Y first.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].YSteps != out[j].YSteps {
			return out[i].YSteps < out[j].YSteps
		}
		return out[i].XSteps < out[j].XSteps
	})

	monitoring.Logf("calibration: generated %d measurement positions", len(out))
	return out, nil
}

// SetHomePosition sets the safe return position. Pass ok=false coordinates
// via DefaultHome instead when the grid-derived default is wanted.
func (m *Manager) SetHomePosition(xSteps, ySteps int) {
	m.home = &Point{XSteps: xSteps, YSteps: ySteps, Label: "home"}
	monitoring.Logf("calibration: home position set to X=%d, Y=%d steps", xSteps, ySteps)
}

// DefaultHome derives the home position from the grid: center X at the water
// surface (max Y), the safe parking spot between runs.
func (m *Manager) DefaultHome() (Point, error) {
	if m.grid == nil {
		return Point{}, fmt.Errorf("%w: cannot derive home position without a grid", ErrOutOfSequence)
	}
	return Point{
		XSteps: (m.grid.OriginX + m.grid.MaxX) / 2,
		YSteps: m.grid.MaxY,
		Label:  "home",
	}, nil
}

// HomePosition returns the explicit home position if set, otherwise the
// grid-derived default.
func (m *Manager) HomePosition() (Point, error) {
	if m.home != nil {
		return *m.home, nil
	}
	return m.DefaultHome()
}

// Snapshot is the flat persisted form of the calibration state, consumed by
// the external config collaborator. The manager itself does no file I/O.
type Snapshot struct {
	Origin   *Point `json:"origin,omitempty"`
	Boundary *Point `json:"boundary,omitempty"`
	Grid     *Grid  `json:"grid,omitempty"`
	Home     *Point `json:"home_position,omitempty"`
}

// Snapshot exports the current calibration state.
func (m *Manager) Snapshot() Snapshot {
	s := Snapshot{}
	if m.origin != nil {
		p := *m.origin
		s.Origin = &p
	}
	if m.boundary != nil {
		p := *m.boundary
		s.Boundary = &p
	}
	if m.grid != nil {
		g := *m.grid
		s.Grid = &g
	}
	if m.home != nil {
		p := *m.home
		s.Home = &p
	}
	return s
}

// Restore replays a snapshot through the normal capture path so the same
// sequencing rules apply.
func (m *Manager) Restore(s Snapshot) error {
	if s.Origin != nil {
		m.SetOrigin(s.Origin.XSteps, s.Origin.YSteps)
	}
	if s.Boundary != nil {
		if err := m.SetBoundary(s.Boundary.XSteps, s.Boundary.YSteps); err != nil {
			return err
		}
	}
	if s.Grid != nil {
		if _, err := m.GenerateGrid(s.Grid.XSpacing, s.Grid.YSpacing, s.Grid.Zones); err != nil {
			return err
		}
	}
	if s.Home != nil {
		m.SetHomePosition(s.Home.XSteps, s.Home.YSteps)
	}
	return nil
}
