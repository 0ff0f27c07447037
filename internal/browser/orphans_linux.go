//go:build linux

package browser

import (
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// killOrphans SIGKILLs Chrome helpers that outlived the allocator.
func killOrphans(profileDir string, logger *zap.Logger) int {
	killed := 0
	for _, pid := range processesMatching("/proc", profileDir) {
		if err := unix.Kill(pid, unix.SIGKILL); err != nil {
			if err != unix.ESRCH {
				logger.Debug("kill orphan", zap.Int("pid", pid), zap.Error(err))
			}
			continue
		}
		killed++
	}
	return killed
}
