package supervisor

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"vergecore/internal/shared/logger"
)

// logLineBuffer bounds the channel between the pipe reader and the file
// writer so a stalled disk never blocks the engine's stdout.
const logLineBuffer = 256

// childProcess is an engine instance owned by this process.
type childProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// spawnChild launches the engine binary with `-d <app-dir> -f <runtime>` and
// drains its combined output into a timestamped sidecar log.
func spawnChild(binPath, homeDir, runtimePath, logDir string) (*childProcess, error) {
	cmd := exec.Command(binPath, "-d", homeDir, "-f", runtimePath)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = cmd.Stdout

	logPath := filepath.Join(logDir, fmt.Sprintf("sidecar_%s.log", time.Now().Format("20060102_150405")))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open sidecar log: %w", err)
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, err
	}

	lines := make(chan string, logLineBuffer)
	done := make(chan struct{})

	// Producer: scan the pipe until the child exits.
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	// Writer: append to the sidecar log, then reap the child.
	go func() {
		defer close(done)
		defer logFile.Close()
		for line := range lines {
			fmt.Fprintln(logFile, line)
		}
		if err := cmd.Wait(); err != nil {
			logger.Debug().Err(err).Msg("engine child exited")
		}
	}()

	return &childProcess{cmd: cmd, done: done}, nil
}

func (c *childProcess) PID() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Kill terminates the owned child and waits briefly for the log drain to
// finish.
func (c *childProcess) Kill() error {
	if c.cmd.Process == nil {
		return nil
	}
	err := c.cmd.Process.Kill()
	select {
	case <-c.done:
	case <-time.After(3 * time.Second):
		logger.Warn().Int("pid", c.PID()).Msg("timed out waiting for engine child to exit")
	}
	return err
}
