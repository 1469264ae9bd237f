package bridge

import (
	"io"
	"time"

	serial "github.com/daedaluz/goserial"

	"github.com/dreadl0ck/pppbridge/internal/bridgeerr"
)

// readTimeout bounds each blocking Read so the bridge's read goroutine can
// notice a shutdown signal promptly instead of blocking forever on an idle
// line (§6 "Serial endpoint").
const readTimeout = 250 * time.Millisecond

// openSerial opens device in raw 8-N-1 mode at baud, enabling hardware
// flow control where the driver supports it (§6 "Default 115200 8-N-1
// with hardware flow control where available"). Grounded directly on
// other_examples' Daedaluz-goserial port_linux.go: Open+Options for the
// fd, MakeRaw to strip canonical/echo processing, GetAttr/SetAttr to graft
// on the requested speed and CRTSCTS.
func openSerial(device string, baud int) (io.ReadWriteCloser, error) {
	port, err := serial.Open(device, serial.NewOptions().SetReadTimeout(readTimeout))
	if err != nil {
		return nil, bridgeerr.New(bridgeerr.Transport, "open serial device "+device, err)
	}
	if err := port.MakeRaw(); err != nil {
		port.Close()
		return nil, bridgeerr.New(bridgeerr.Transport, "set raw mode", err)
	}

	attrs, err := port.GetAttr()
	if err != nil {
		port.Close()
		return nil, bridgeerr.New(bridgeerr.Transport, "read termios attrs", err)
	}
	attrs.SetSpeed(baudToCFlag(baud))
	attrs.Cflag |= serial.CREAD | serial.CLOCAL | serial.CRTSCTS
	attrs.Cflag &^= serial.CSIZE | serial.PARENB | serial.CSTOPB
	attrs.Cflag |= serial.CS8
	if err := port.SetAttr(serial.TCSANOW, attrs); err != nil {
		port.Close()
		return nil, bridgeerr.New(bridgeerr.Transport, "apply termios attrs", err)
	}

	return port, nil
}

// baudToCFlag maps a plain integer baud rate to the termios speed
// constant, falling back to 115200 (§6 default) for anything unlisted.
func baudToCFlag(baud int) serial.CFlag {
	switch baud {
	case 9600:
		return serial.B9600
	case 19200:
		return serial.B19200
	case 38400:
		return serial.B38400
	case 57600:
		return serial.B57600
	case 115200:
		return serial.B115200
	case 230400:
		return serial.B230400
	case 460800:
		return serial.B460800
	case 921600:
		return serial.B921600
	default:
		return serial.B115200
	}
}
