// Package motor drives the Velmex VXC stepping-motor controller that
// positions the instrument carriage. The VXC speaks an ASCII command
// protocol at 9600 8N1 with CR line endings: motion programs are queued
// (speed, acceleration, absolute index per axis) and executed with R, status
// is polled with V, and per-axis positions are read back with X and Y.
package motor

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/flume.report/internal/monitoring"
	"github.com/banshee-data/flume.report/internal/serialio"
)

// Config carries the motion parameters programmed into each move.
type Config struct {
	// SpeedStepsPerSec is the index speed for both axes (1-6000).
	SpeedStepsPerSec int

	// Acceleration is the VXC acceleration setting (0-127).
	Acceleration int

	// ReadTimeout bounds each command/response exchange.
	ReadTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SpeedStepsPerSec <= 0 {
		c.SpeedStepsPerSec = 2000
	}
	if c.Acceleration <= 0 {
		c.Acceleration = 2
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = time.Second
	}
	return c
}

// VXC is a two-axis Velmex VXC controller session. All exchanges are
// serialized on an internal mutex; the acquisition worker is the only caller
// during a sequence, but status handlers may poll position concurrently.
type VXC struct {
	mu   sync.Mutex
	port serialio.Porter
	cfg  Config
}

// Open connects to a VXC on the given serial path and brings it online.
func Open(path string, opts serialio.PortOptions, cfg Config) (*VXC, error) {
	port, err := serialio.Open(path, opts)
	if err != nil {
		return nil, err
	}
	v, err := New(port, cfg)
	if err != nil {
		port.Close()
		return nil, err
	}
	return v, nil
}

// New wraps an already-open port. It puts the controller in online mode with
// echo off and verifies it responds to a status query.
func New(port serialio.Porter, cfg Config) (*VXC, error) {
	cfg = cfg.withDefaults()
	if tp, ok := port.(serialio.TimeoutPorter); ok {
		// Per-read timeout well under the exchange budget, so a quiet
		// line marks end of response rather than stalling the session.
		if err := tp.SetReadTimeout(100 * time.Millisecond); err != nil {
			return nil, fmt.Errorf("set read timeout: %w", err)
		}
	}
	v := &VXC{port: port, cfg: cfg}

	if err := v.send("F"); err != nil { // online, echo off
		return nil, fmt.Errorf("vxc online: %w", err)
	}
	status, err := v.transact("V")
	if err != nil || status == "" {
		return nil, fmt.Errorf("vxc not responding to status query: %v", err)
	}
	monitoring.Logf("motor: vxc online, status %q", status)
	return v, nil
}

// MoveTo queues and runs an absolute index program for both axes. The call
// returns as soon as the program is running; completion is observed via
// MotionComplete.
func (v *VXC) MoveTo(xSteps, ySteps int) error {
	program := fmt.Sprintf("C,S1M%d,A1M%d,S2M%d,A2M%d,IA1M%d,IA2M%d,R",
		v.cfg.SpeedStepsPerSec, v.cfg.Acceleration,
		v.cfg.SpeedStepsPerSec, v.cfg.Acceleration,
		xSteps, ySteps)
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.writeCommand(program)
}

// CurrentPosition reads back both axis positions in steps.
func (v *VXC) CurrentPosition() (xSteps, ySteps int, err error) {
	x, err := v.queryPosition("X")
	if err != nil {
		return 0, 0, err
	}
	y, err := v.queryPosition("Y")
	if err != nil {
		return 0, 0, err
	}
	return x, y, nil
}

func (v *VXC) queryPosition(axis string) (int, error) {
	resp, err := v.transact(axis)
	if err != nil {
		return 0, fmt.Errorf("query %s: %w", axis, err)
	}
	pos, err := parsePosition(resp)
	if err != nil {
		return 0, fmt.Errorf("query %s: %w", axis, err)
	}
	return pos, nil
}

// MotionComplete polls the controller status: R means the program finished,
// B means motion is still running. Jog mode or a fault is an error.
func (v *VXC) MotionComplete() (bool, error) {
	resp, err := v.transact("V")
	if err != nil {
		return false, err
	}
	switch strings.ToUpper(strings.TrimSpace(resp)) {
	case "R":
		return true, nil
	case "B":
		return false, nil
	default:
		return false, fmt.Errorf("unexpected vxc status %q", resp)
	}
}

// Stop decelerates both motors to a smooth stop in place.
func (v *VXC) Stop() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.writeCommand("D")
}

// Zero nulls both axis counters at the current physical position. Used when
// the operator establishes the grid origin.
func (v *VXC) Zero() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.writeCommand("N")
}

// Close kills any running motion, returns the controller to jog mode, and
// closes the port.
func (v *VXC) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.writeCommand("K"); err != nil {
		monitoring.Logf("motor: kill on close: %v", err)
	}
	if err := v.writeCommand("Q"); err != nil {
		monitoring.Logf("motor: offline on close: %v", err)
	}
	return v.port.Close()
}

func (v *VXC) send(command string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.writeCommand(command)
}

func (v *VXC) writeCommand(command string) error {
	payload := []byte(command + "\r")
	n, err := v.port.Write(payload)
	if err != nil {
		return err
	}
	if n != len(payload) {
		return fmt.Errorf("short write: %d of %d bytes", n, len(payload))
	}
	return nil
}

// transact sends a command and reads one response, terminated by CR or by
// the line going quiet after at least one byte.
func (v *VXC) transact(command string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.writeCommand(command); err != nil {
		return "", err
	}

	var buf []byte
	one := make([]byte, 1)
	deadline := time.Now().Add(v.cfg.ReadTimeout)
	for time.Now().Before(deadline) {
		n, err := v.port.Read(one)
		if err != nil {
			return "", err
		}
		if n == 0 {
			if len(buf) > 0 {
				break
			}
			time.Sleep(5 * time.Millisecond)
			continue
		}
		b := one[0]
		if b == '\r' || b == '\n' {
			if len(buf) > 0 {
				break
			}
			continue
		}
		buf = append(buf, b)
		if len(buf) > 100 {
			break
		}
	}
	if len(buf) == 0 {
		return "", fmt.Errorf("no response to %q within %v", command, v.cfg.ReadTimeout)
	}
	return strings.TrimSpace(string(buf)), nil
}

// parsePosition extracts the signed step count from a position response,
// tolerating prompt characters and an explicit plus sign, e.g. "X+0004600".
func parsePosition(resp string) (int, error) {
	s := strings.TrimSpace(resp)
	start := strings.IndexFunc(s, func(r rune) bool {
		return r == '-' || (r >= '0' && r <= '9')
	})
	if start < 0 {
		return 0, fmt.Errorf("no position in response %q", resp)
	}
	end := start + 1
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	pos, err := strconv.Atoi(s[start:end])
	if err != nil {
		return 0, fmt.Errorf("bad position response %q: %w", resp, err)
	}
	return pos, nil
}
