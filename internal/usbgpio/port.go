package usbgpio

import (
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
)

// Port is one duplex byte channel to an adapter. Implementations: the native
// serial port and the in-memory loopback used by --simulate and the tests.
type Port interface {
	io.ReadWriteCloser

	// Flush discards any buffered data.
	Flush() error
}

// portReadTimeout bounds every Read so the pump can notice shutdown.
const portReadTimeout = 100 * time.Millisecond

type nativePort struct {
	port *serial.Port
}

// OpenNative opens the physical serial device.
func OpenNative(path string, baud int) (Port, error) {
	p, err := serial.OpenPort(&serial.Config{
		Name:        path,
		Baud:        baud,
		ReadTimeout: portReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	return &nativePort{port: p}, nil
}

func (p *nativePort) Read(b []byte) (int, error)  { return p.port.Read(b) }
func (p *nativePort) Write(b []byte) (int, error) { return p.port.Write(b) }
func (p *nativePort) Close() error                { return p.port.Close() }
func (p *nativePort) Flush() error                { return p.port.Flush() }
