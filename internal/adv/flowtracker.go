// Package adv drives the SonTek FlowTracker2 acoustic Doppler velocimeter.
// The probe streams ASCII sample lines at 10 Hz once started:
//
//	U,V,W,SNR,CORR,DEPTH,AMP,TEMP
//	0.123,0.045,-0.012,45.2,95.5,0.52,1200,18.5
//
// Velocities are m/s, SNR in dB, correlation in percent, depth in meters.
package adv

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/flume.report/internal/monitoring"
	"github.com/banshee-data/flume.report/internal/sampler"
	"github.com/banshee-data/flume.report/internal/serialio"
)

const expectedFields = 8

// Config carries the probe's stream commands, overridable for bench units
// with different firmware.
type Config struct {
	StartCommand string
	StopCommand  string

	// ReadTimeout is how long one ReadSample waits for a full line before
	// reporting a stream timeout.
	ReadTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.StartCommand == "" {
		c.StartCommand = "START"
	}
	if c.StopCommand == "" {
		c.StopCommand = "STOP"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 2 * time.Second
	}
	return c
}

// FlowTracker is a probe session. ReadSample returns (nil, nil) on a quiet
// stream or an unparseable line, so transient noise never aborts a burst;
// transport errors are returned as-is for the caller's retry policy.
type FlowTracker struct {
	mu        sync.Mutex
	port      serialio.Porter
	reader    *bufio.Reader
	cfg       Config
	streaming bool
}

// Open connects to a FlowTracker on the given serial path.
func Open(path string, opts serialio.PortOptions, cfg Config) (*FlowTracker, error) {
	port, err := serialio.Open(path, opts)
	if err != nil {
		return nil, err
	}
	return New(port, cfg)
}

// New wraps an already-open port.
func New(port serialio.Porter, cfg Config) (*FlowTracker, error) {
	cfg = cfg.withDefaults()
	if tp, ok := port.(serialio.TimeoutPorter); ok {
		if err := tp.SetReadTimeout(100 * time.Millisecond); err != nil {
			return nil, fmt.Errorf("set read timeout: %w", err)
		}
	}
	return &FlowTracker{
		port:   port,
		reader: bufio.NewReader(port),
		cfg:    cfg,
	}, nil
}

// StartStream puts the probe in continuous output mode.
func (f *FlowTracker) StartStream() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.streaming {
		return nil
	}
	if err := f.writeCommand(f.cfg.StartCommand); err != nil {
		return fmt.Errorf("start stream: %w", err)
	}
	f.streaming = true
	monitoring.Logf("adv: streaming started")
	return nil
}

// StopStream halts continuous output.
func (f *FlowTracker) StopStream() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.streaming {
		return nil
	}
	if err := f.writeCommand(f.cfg.StopCommand); err != nil {
		return fmt.Errorf("stop stream: %w", err)
	}
	f.streaming = false
	monitoring.Logf("adv: streaming stopped")
	return nil
}

// ReadSample reads one sample line from the stream. A quiet line or a
// malformed sample yields (nil, nil); the burst treats both as a stream
// timeout and keeps reading.
func (f *FlowTracker) ReadSample() (*sampler.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.streaming {
		return nil, fmt.Errorf("adv: not streaming")
	}

	line, err := f.readLine()
	if err != nil {
		return nil, err
	}
	if line == "" {
		return nil, nil
	}

	sample, perr := ParseSampleLine(line)
	if perr != nil {
		monitoring.Logf("adv: dropping malformed sample %q: %v", line, perr)
		return nil, nil
	}
	return sample, nil
}

// Close stops the stream and closes the port.
func (f *FlowTracker) Close() error {
	if err := f.StopStream(); err != nil {
		monitoring.Logf("adv: stop on close: %v", err)
	}
	return f.port.Close()
}

func (f *FlowTracker) writeCommand(command string) error {
	payload := []byte(command + "\r")
	n, err := f.port.Write(payload)
	if err != nil {
		return err
	}
	if n != len(payload) {
		return fmt.Errorf("short write: %d of %d bytes", n, len(payload))
	}
	return nil
}

// readLine accumulates one CR/LF-terminated line within the read timeout.
// An expired timeout with nothing buffered returns an empty line; any
// transport error goes to the caller.
func (f *FlowTracker) readLine() (string, error) {
	var buf bytes.Buffer
	deadline := time.Now().Add(f.cfg.ReadTimeout)
	for time.Now().Before(deadline) {
		b, err := f.reader.ReadByte()
		if err != nil {
			// The port's read timeout surfaces as zero-byte reads, which
			// bufio reports as no progress. Anything else, EOF included,
			// means the transport is gone.
			if !errors.Is(err, io.ErrNoProgress) {
				return "", fmt.Errorf("read stream: %w", err)
			}
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if b == '\r' || b == '\n' {
			if buf.Len() == 0 {
				continue // leading terminator from the previous line
			}
			return buf.String(), nil
		}
		buf.WriteByte(b)
	}
	return strings.TrimSpace(buf.String()), nil
}

// ParseSampleLine parses one ASCII sample line into a Sample. The Valid flag
// is left unset; quality gating happens upstream against the configured
// thresholds.
func ParseSampleLine(line string) (*sampler.Sample, error) {
	parts := strings.Split(line, ",")
	fields := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			fields = append(fields, p)
		}
	}
	if len(fields) < expectedFields {
		return nil, fmt.Errorf("incomplete sample: %d of %d fields", len(fields), expectedFields)
	}

	vals := make([]float64, expectedFields)
	for i := 0; i < expectedFields; i++ {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
		vals[i] = v
	}

	return &sampler.Sample{
		U:           vals[0],
		V:           vals[1],
		W:           vals[2],
		SNR:         vals[3],
		Correlation: vals[4],
		Depth:       vals[5],
		Amplitude:   vals[6],
		Temperature: vals[7],
	}, nil
}
