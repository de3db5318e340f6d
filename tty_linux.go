//go:build linux

package uart

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// TTY provides low-latency, cancellable access to a Linux serial device.
// It is safe for concurrent use by one reader and one writer.
type TTY struct {
	fd        int
	file      *os.File
	name      string
	mode      Mode
	done      chan struct{}
	closeOnce sync.Once
	pipeR     int // self-pipe read fd
	pipeW     int // self-pipe write fd

	readMu sync.Mutex // held for the duration of Read
	wakeMu sync.Mutex // guards pipeW against Close
}

var (
	_ Port         = (*TTY)(nil)
	_ ReadCanceler = (*TTY)(nil)
)

// OpenTTY opens a serial device in raw mode using the given Mode.
func OpenTTY(name string, mode Mode) (*TTY, error) {
	baud, err := baudToUnix(mode.BaudRate)
	if err != nil {
		return nil, err
	}

	fd, err := syscall.Open(name, syscall.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK, 0666)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, classifyErrno(err))
	}

	// Exclusive access, like the reader/writer locks of a browser port.
	if err := unix.IoctlSetInt(fd, unix.TIOCEXCL, 0); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("lock %s: %w", name, classifyErrno(err))
	}

	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("get termios: %w", err)
	}

	// Raw mode, 8N1, no flow control
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CRTSCTS
	termios.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL

	termios.Cflag &^= unix.CBAUD
	termios.Cflag |= baud
	termios.Ispeed = baud
	termios.Ospeed = baud

	// VMIN=1, VTIME=0: a read returns as soon as one byte is there
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("set termios: %w", err)
	}

	// Turn back into blocking mode now that config is done
	if err := syscall.SetNonblock(fd, false); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("set blocking: %w", err)
	}

	pipeFds := make([]int, 2)
	if err := unix.Pipe2(pipeFds, unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("pipe: %w", err)
	}

	return &TTY{
		fd:    fd,
		file:  os.NewFile(uintptr(fd), name),
		name:  name,
		mode:  mode,
		done:  make(chan struct{}),
		pipeR: pipeFds[0],
		pipeW: pipeFds[1],
	}, nil
}

// Name returns the device path.
func (t *TTY) Name() string { return t.name }

// Mode returns the mode the device was opened with.
func (t *TTY) Mode() Mode { return t.mode }

// Read waits for the next chunk of input. It returns io.EOF once CancelRead
// has been called and os.ErrClosed after Close.
func (t *TTY) Read(p []byte) (int, error) {
	t.readMu.Lock()
	defer t.readMu.Unlock()

	for {
		select {
		case <-t.done:
			return 0, os.ErrClosed
		default:
		}
		pfd := []unix.PollFd{
			{Fd: int32(t.fd), Events: unix.POLLIN},
			{Fd: int32(t.pipeR), Events: unix.POLLIN},
		}
		_, err := unix.Poll(pfd, -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		select {
		case <-t.done:
			return 0, os.ErrClosed
		default:
		}
		if err != nil {
			return 0, err
		}
		if pfd[1].Revents&unix.POLLIN != 0 {
			t.drainPipe()
			return 0, io.EOF
		}
		if pfd[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			n, err := t.file.Read(p)
			if n == 0 && (err == nil || errors.Is(err, io.EOF)) {
				// VMIN=1 never yields an empty read unless the line hung up
				return 0, fmt.Errorf("read %s: device hung up", t.name)
			}
			return n, err
		}
	}
}

// Write writes p to the device.
func (t *TTY) Write(p []byte) (int, error) {
	return t.file.Write(p)
}

// Drain waits until all output written to the device has been transmitted.
func (t *TTY) Drain() error {
	select {
	case <-t.done:
		return os.ErrClosed
	default:
	}
	// tcdrain(3)
	return unix.IoctlSetInt(t.fd, unix.TCSBRK, 1)
}

// CancelRead wakes a pending Read, which then returns io.EOF. If no Read is
// pending the next one returns io.EOF immediately.
func (t *TTY) CancelRead() error {
	t.wakeMu.Lock()
	defer t.wakeMu.Unlock()
	select {
	case <-t.done:
		return nil
	default:
	}
	_, err := unix.Write(t.pipeW, []byte{1})
	if errors.Is(err, unix.EAGAIN) {
		// pipe already full, a wakeup is pending
		return nil
	}
	return err
}

// Close closes the device and unblocks any pending Read. It returns once
// that Read has returned, so no descriptor is used after it is closed.
// Safe to call multiple times; subsequent calls are no-ops.
func (t *TTY) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.wakeMu.Lock()
		defer t.wakeMu.Unlock()

		close(t.done)
		// Wake up poll using self-pipe
		unix.Write(t.pipeW, []byte{1})

		t.readMu.Lock()
		defer t.readMu.Unlock()
		err = t.file.Close()
		unix.Close(t.pipeR)
		unix.Close(t.pipeW)
	})
	return err
}

func (t *TTY) drainPipe() {
	var b [64]byte
	for {
		n, err := unix.Read(t.pipeR, b[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func openTTY(name string, mode Mode) (Port, error) {
	t, err := OpenTTY(name, mode)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func classifyErrno(err error) error {
	switch {
	case errors.Is(err, syscall.ENOENT), errors.Is(err, syscall.ENXIO):
		return fmt.Errorf("%w: %v", ErrPortNotFound, err)
	case errors.Is(err, syscall.EBUSY):
		return fmt.Errorf("%w: %v", ErrPortBusy, err)
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return fmt.Errorf("%w: %v", ErrPermission, err)
	default:
		return err
	}
}

func baudToUnix(baud int) (uint32, error) {
	switch baud {
	case 1200:
		return unix.B1200, nil
	case 2400:
		return unix.B2400, nil
	case 4800:
		return unix.B4800, nil
	case 9600:
		return unix.B9600, nil
	case 19200:
		return unix.B19200, nil
	case 38400:
		return unix.B38400, nil
	case 57600:
		return unix.B57600, nil
	case 115200:
		return unix.B115200, nil
	case 230400:
		return unix.B230400, nil
	case 460800:
		return unix.B460800, nil
	case 921600:
		return unix.B921600, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidBaudRate, baud)
	}
}
