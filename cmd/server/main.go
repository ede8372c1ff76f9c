package main

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/executor"
	"github.com/isdmx/execbox/logger"
	"github.com/isdmx/execbox/mcpserver"
	"github.com/isdmx/execbox/session"
	"github.com/isdmx/execbox/taskstate"
)

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Task metadata store
			taskstate.New,

			// Session manager
			func(log *zap.Logger, cfg *config.Config) *session.Manager {
				return session.NewManager(log, cfg)
			},

			// Execute-code operation
			executor.New,

			// MCP Server
			mcpserver.New,
		),

		// Start the appropriate transport based on config and tear the
		// session down on shutdown
		fx.Invoke(
			func(lc fx.Lifecycle, cfg *config.Config, srv *mcpserver.MCPServer, mgr *session.Manager) {
				lc.Append(fx.Hook{
					OnStart: func(_ context.Context) error {
						switch cfg.Server.Transport {
						case "stdio":
							go func() {
								if err := srv.ServeStdio(); err != nil {
									panic(err)
								}
							}()
						case "http":
							go func() {
								if err := srv.ServeHTTP(); err != nil {
									panic(err)
								}
							}()
						default:
							return fmt.Errorf("unsupported transport: %s", cfg.Server.Transport)
						}
						return nil
					},
					OnStop: func(ctx context.Context) error {
						mgr.Reset(ctx)
						return nil
					},
				})
			},
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}
