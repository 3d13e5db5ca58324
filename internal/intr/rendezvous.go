package intr

// rendezvous.go has the filesystem side of interrupt delivery: the engine's PID file, the
// parameter drop file, and the model-side notification helper.

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Well-known names under the runtime directory. The drop file and socket are named for the
// driver's process identifier, which makes them single-reader, single-writer.
const (
	pidFileName = "miovisor.pid"
	dropPrefix  = "miovisor-intr."
)

// NotifySignal wakes the driver for the file-based interrupt path.
const NotifySignal = unix.SIGUSR1

// PIDFilePath returns the engine's PID rendezvous file path.
func PIDFilePath(dir string) string {
	return filepath.Join(dir, pidFileName)
}

// DropFilePath returns the parameter drop file path for a driver process.
func DropFilePath(dir string, pid int) string {
	return filepath.Join(dir, fmt.Sprintf("%s%d", dropPrefix, pid))
}

// SocketPath returns the driver's interrupt socket path.
func SocketPath(dir string, pid int) string {
	return filepath.Join(dir, fmt.Sprintf("%s%d.sock", dropPrefix, pid))
}

// WritePIDFile publishes the calling process's identifier so models can find it.
func WritePIDFile(dir string) error {
	return os.WriteFile(PIDFilePath(dir), []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// RemovePIDFile withdraws the rendezvous file.
func RemovePIDFile(dir string) error {
	err := os.Remove(PIDFilePath(dir))
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// ReadPIDFile returns the driver process identifier published in dir. Models use it to
// address notifications.
func ReadPIDFile(dir string) (int, error) {
	b, err := os.ReadFile(PIDFilePath(dir))
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("intr: bad pid file: %w", err)
	}

	return pid, nil
}

// Notify delivers an interrupt to a driver process: the parameters land in the drop file,
// then the notification signal wakes the driver's dispatcher.
func Notify(dir string, pid int, device, irq uint32) error {
	record := fmt.Sprintf("%d,%d\n", device, irq)

	if err := os.WriteFile(DropFilePath(dir, pid), []byte(record), 0o644); err != nil {
		return err
	}

	if err := unix.Kill(pid, NotifySignal); err != nil {
		return fmt.Errorf("intr: signal pid %d: %w", pid, err)
	}

	return nil
}

// parseRecord parses a "device,interrupt" parameter record.
func parseRecord(s string) (device, irq uint32, err error) {
	d, i, ok := strings.Cut(strings.TrimSpace(s), ",")
	if !ok {
		return 0, 0, fmt.Errorf("intr: bad parameter record %q", s)
	}

	dev, err := strconv.ParseUint(strings.TrimSpace(d), 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("intr: bad device in %q: %w", s, err)
	}

	id, err := strconv.ParseUint(strings.TrimSpace(i), 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("intr: bad interrupt in %q: %w", s, err)
	}

	return uint32(dev), uint32(id), nil
}
