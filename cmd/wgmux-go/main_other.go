//go:build !darwin

package main

import (
	"context"

	"github.com/database64128/wgmux-go/service"
	"go.uber.org/zap"
)

// initHook is a no-op. Sockets carry the configured fwmark instead of relying on host routes.
func initHook(ctx context.Context, cfg *service.Config, logger *zap.Logger) (stop func()) {
	return func() {}
}
