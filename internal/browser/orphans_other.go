//go:build !linux

package browser

import "go.uber.org/zap"

func killOrphans(string, *zap.Logger) int { return 0 }
