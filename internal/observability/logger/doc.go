// Package logger provides a singleton Zap logger with context-based scoping.
//
// Initialization (once, in main):
//
//	logger.Init(logger.Config{Env: cfg.App.Env, Level: os.Getenv("LOG_LEVEL")})
//	defer logger.Sync()
//
// In handlers and services:
//
//	log := logger.From(ctx)
//	log.Info("command forwarded", logger.TokenID(id), logger.EntityID(eid))
//
// "dev" environments log to a colored console, "prod" logs JSON.
package logger
