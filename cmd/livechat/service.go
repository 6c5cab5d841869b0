package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

// BridgeService implements service.Interface for the bridge.
type BridgeService struct {
	dir    string
	app    *fx.App
	logger service.Logger
}

// NewBridgeService creates a bridge service for a configuration directory.
func NewBridgeService(dir string) *BridgeService {
	return &BridgeService{dir: dir}
}

// Start implements service.Interface.Start. It must not block.
func (s *BridgeService) Start(svc service.Service) error {
	if s.logger != nil {
		s.logger.Info("Starting livechat service")
	}

	app, err := newApp(s.dir)
	if err != nil {
		return err
	}
	s.app = app

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := app.Start(ctx); err != nil && s.logger != nil {
			s.logger.Errorf("Error starting service: %v", err)
		}
	}()
	return nil
}

// Stop implements service.Interface.Stop
func (s *BridgeService) Stop(svc service.Service) error {
	if s.logger != nil {
		s.logger.Info("Stopping livechat service")
	}
	if s.app == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.app.Stop(ctx); err != nil {
		if s.logger != nil {
			s.logger.Errorf("Error stopping service: %v", err)
		}
		return err
	}
	return nil
}

// ServiceConfig returns the service configuration. The service manager
// runs "livechat run <dir>" with the absolute configuration directory.
func ServiceConfig(dir string) (*service.Config, error) {
	if dir == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving config directory: %w", err)
	}
	return &service.Config{
		Name:             "livechat",
		DisplayName:      "Live Chat Bridge",
		Description:      "Bridges Discord channels and external chat applications",
		Arguments:        []string{"run", abs},
		WorkingDirectory: abs,
	}, nil
}

func newService(dir string) (service.Service, *BridgeService, error) {
	svcConfig, err := ServiceConfig(dir)
	if err != nil {
		return nil, nil, err
	}
	prg := NewBridgeService(svcConfig.WorkingDirectory)
	s, err := service.New(prg, svcConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("creating service: %w", err)
	}
	return s, prg, nil
}

// RunService runs the bridge under the service manager.
func RunService(dir string) error {
	s, prg, err := newService(dir)
	if err != nil {
		return err
	}

	logger, err := s.Logger(nil)
	if err != nil {
		return fmt.Errorf("creating service logger: %w", err)
	}
	prg.logger = logger

	if err := s.Run(); err != nil {
		logger.Error(err)
		return err
	}
	return nil
}

// StatusService prints the status of the installed service.
func StatusService(cmd *cobra.Command, dir string) error {
	s, _, err := newService(dir)
	if err != nil {
		return err
	}

	status, err := s.Status()
	if err != nil {
		return fmt.Errorf("getting service status: %w", err)
	}

	statusStr := "Unknown"
	switch status {
	case service.StatusRunning:
		statusStr = "Running"
	case service.StatusStopped:
		statusStr = "Stopped"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Service Status: %s\n", statusStr)
	return nil
}

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the bridge system service",
}

// controlCommand builds a subcommand running one service.Control action.
func controlCommand(action, short, done string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " [config-dir]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := newService(configDir(args))
			if err != nil {
				return err
			}
			if err := service.Control(s, action); err != nil {
				return fmt.Errorf("%s service: %w", action, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), done)
			return nil
		},
	}
}

func init() {
	install := controlCommand("install", "Install the bridge as a system service", "Service installed successfully!")
	install.PreRunE = func(cmd *cobra.Command, args []string) error {
		// Refuse to install a service that would fail on start.
		return validate(cmd.OutOrStdout(), configDir(args))
	}

	serviceCmd.AddCommand(
		install,
		controlCommand("uninstall", "Uninstall the system service", "Service uninstalled successfully!"),
		controlCommand("start", "Start the system service", "Service started successfully!"),
		controlCommand("stop", "Stop the system service", "Service stopped successfully!"),
		controlCommand("restart", "Restart the system service", "Service restarted successfully!"),
		&cobra.Command{
			Use:   "status [config-dir]",
			Short: "Show the system service status",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return StatusService(cmd, configDir(args))
			},
		},
	)
}
