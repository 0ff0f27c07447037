package browser

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
)

// processesMatching scans a procfs-style tree for processes whose command
// line mentions needle.
func processesMatching(procRoot, needle string) []int {
	if needle == "" {
		return nil
	}
	entries, err := os.ReadDir(procRoot)
	if err != nil {
		return nil
	}
	want := []byte(needle)
	self := os.Getpid()
	var pids []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid == self {
			continue
		}
		cmdline, err := os.ReadFile(filepath.Join(procRoot, e.Name(), "cmdline"))
		if err != nil {
			continue
		}
		if bytes.Contains(cmdline, want) {
			pids = append(pids, pid)
		}
	}
	return pids
}
