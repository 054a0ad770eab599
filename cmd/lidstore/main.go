package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/aegistudio/shaft"
	"github.com/aegistudio/shaft/serpent"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logLevel = "info"
	nodeID   uint16
)

var rootCmd = &cobra.Command{
	Use:  "lidstore",
	Long: "Local id allocator of chunk storage nodes",
}

// loggerModule injects the console logger.
var loggerModule = shaft.Stack(func(
	next func(*zap.Logger, *zap.SugaredLogger) error,
) error {
	level, err := zapcore.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	consoleLevel := zap.NewAtomicLevelAt(level)
	consoleConfig := zap.NewDevelopmentEncoderConfig()
	consoleConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleErrors := zapcore.Lock(os.Stderr)
	consoleEncoder := zapcore.NewConsoleEncoder(consoleConfig)
	loggerCore := zapcore.NewCore(
		consoleEncoder, consoleErrors, consoleLevel)
	logger := zap.New(loggerCore)
	sugaredLogger := logger.Sugar()
	defer func() { _ = logger.Sync() }()
	return next(logger, sugaredLogger)
})

func init() {
	rootCmd.PersistentFlags().StringVar(
		&logLevel, "log-level", logLevel,
		"setup the log level of the logger")
	rootCmd.PersistentFlags().Uint16Var(
		&nodeID, "node", nodeID,
		"id of the node, overriding the workload")
}

func main() {
	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt)
	defer cancel()
	if err := serpent.ExecuteContext(ctx, rootCmd); err != nil {
		os.Exit(1)
	}
}
