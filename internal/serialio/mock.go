package serialio

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// ErrPortClosed is returned by ScriptedPort operations after Close.
var ErrPortClosed = errors.New("serial port closed")

// ScriptedPort implements Porter with configurable behaviour for testing:
// reads come from a pre-loaded buffer, writes are captured, and errors can be
// injected per call.
type ScriptedPort struct {
	mu sync.Mutex

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer

	// ReadError is returned by the next Read call if set, then cleared.
	ReadError error

	// WriteError is returned by the next Write call if set, then cleared.
	WriteError error

	closed      bool
	readTimeout time.Duration
}

// NewScriptedPort creates an empty ScriptedPort.
func NewScriptedPort() *ScriptedPort {
	return &ScriptedPort{}
}

// Read drains the scripted read buffer. An empty buffer reads as a timeout:
// zero bytes and no error, matching the real port's behaviour with a read
// timeout set.
func (p *ScriptedPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, ErrPortClosed
	}
	if p.ReadError != nil {
		err := p.ReadError
		p.ReadError = nil
		return 0, err
	}
	if p.readBuf.Len() == 0 {
		return 0, nil
	}
	return p.readBuf.Read(b)
}

// Write captures data written to the port.
func (p *ScriptedPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, ErrPortClosed
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		return 0, err
	}
	return p.writeBuf.Write(b)
}

// Close marks the port closed.
func (p *ScriptedPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// SetReadTimeout implements TimeoutPorter.
func (p *ScriptedPort) SetReadTimeout(timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readTimeout = timeout
	return nil
}

// Script queues data for subsequent Read calls.
func (p *ScriptedPort) Script(data string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readBuf.WriteString(data)
}

// Written returns everything written to the port so far.
func (p *ScriptedPort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeBuf.String()
}

// ResetWritten clears the captured writes.
func (p *ScriptedPort) ResetWritten() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeBuf.Reset()
}
