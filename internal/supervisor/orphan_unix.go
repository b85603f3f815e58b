//go:build !windows

package supervisor

import (
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// listEnginePIDs enumerates processes whose image name matches exactly.
func listEnginePIDs(name string) ([]int, error) {
	out, err := exec.Command("pgrep", "-x", name).Output()
	if err != nil {
		// pgrep exits 1 when nothing matched.
		if ee, ok := err.(*exec.ExitError); ok && ee.ExitCode() == 1 {
			return nil, nil
		}
		return nil, err
	}
	var pids []int
	for _, line := range strings.Fields(string(out)) {
		if pid, err := strconv.Atoi(line); err == nil {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

func killEnginePID(pid int) error {
	return unix.Kill(pid, unix.SIGKILL)
}

func enginePIDAlive(pid int) bool {
	// Signal 0 performs the permission and existence checks only.
	return unix.Kill(pid, 0) == nil
}

func removeStaleIPC(path string) {
	removeStaleIPCFile(path)
}
