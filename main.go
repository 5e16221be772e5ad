// Package main provides the entry point for the kiro-load proxy server.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kiro-load/internal/app"
	"kiro-load/internal/container"
	"kiro-load/internal/types"
	"kiro-load/internal/utils"
	"kiro-load/internal/version"

	"github.com/sirupsen/logrus"
)

func main() {
	if len(os.Args) > 1 {
		runCommand()
		return
	}
	runServer()
}

// runCommand dispatches to the appropriate command handler.
func runCommand() {
	switch os.Args[1] {
	case "version", "-v", "--version":
		fmt.Println("kiro-load " + version.Version)
	case "help", "-h", "--help":
		printHelp()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		fmt.Println("Run 'kiro-load help' for usage.")
		os.Exit(1)
	}
}

// printHelp displays the general help information.
func printHelp() {
	fmt.Println("kiro-load - Anthropic-compatible proxy over the Kiro upstream with account pooling.")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  kiro-load            Start the proxy server")
	fmt.Println("  kiro-load version    Print the version")
	fmt.Println("  kiro-load help       Display this help message")
	fmt.Println()
	fmt.Println("Configuration is read from the environment (optionally via .env).")
}

// runServer builds the container and runs the application until a signal
// arrives.
func runServer() {
	diContainer, err := container.BuildContainer()
	if err != nil {
		logrus.Errorf("Failed to build container: %v", err)
		os.Exit(1)
	}

	if err := diContainer.Invoke(func(configManager types.ConfigManager) {
		utils.SetupLogger(configManager)
	}); err != nil {
		logrus.Errorf("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	defer utils.CloseLogger()

	if err := diContainer.Invoke(func(application *app.App, configManager types.ConfigManager) {
		if err := application.Start(); err != nil {
			logrus.Errorf("Failed to start application: %v", err)
			if errors.Is(err, app.ErrBindFailed) {
				os.Exit(2)
			}
			os.Exit(1)
		}

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		sig := <-quit
		logrus.Infof("Received signal: %v, initiating graceful shutdown...", sig)

		serverConfig := configManager.GetServerConfig()
		shutdownTimeout := time.Duration(serverConfig.GracefulShutdownTimeout) * time.Second
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		done := make(chan struct{})
		go func() {
			application.Stop(shutdownCtx)
			close(done)
		}()

		select {
		case <-done:
			logrus.Info("Graceful shutdown completed")
		case <-quit:
			logrus.Warn("Second interrupt signal received, forcing immediate exit")
			os.Exit(1)
		case <-shutdownCtx.Done():
			logrus.Warn("Shutdown timeout exceeded, forcing exit")
			os.Exit(1)
		}
	}); err != nil {
		logrus.Errorf("Failed to run application: %v", err)
		os.Exit(1)
	}
}
