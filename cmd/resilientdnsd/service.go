package main

import (
	"fmt"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
)

var svcCfg = &service.Config{
	Name:        "resilientdnsd",
	DisplayName: "ResilientDNS Resolver",
	Description: "Caching, stale-while-revalidate DNS resolver daemon.",
	Arguments:   []string{"start", "--as-service"},
}

// daemonService adapts StartServer to kardianos/service's Interface so the
// resolver can install, start, and stop itself as an OS service.
type daemonService struct {
	f *serverFlags

	stopErr chan error
}

func (s *daemonService) Start(svc service.Service) error {
	s.stopErr = make(chan error, 1)
	go func() {
		s.stopErr <- StartServer(s.f)
	}()
	return nil
}

func (s *daemonService) Stop(svc service.Service) error {
	return nil
}

// initService runs before every service subcommand. It leaves svcCfg
// unchanged, so an installed service runs "start --as-service" with no
// -c or -d flags.
func initService(cmd *cobra.Command, args []string) error {
	return nil
}

func svcControl(action string) error {
	svc, err := service.New(&daemonService{f: new(serverFlags)}, svcCfg)
	if err != nil {
		return fmt.Errorf("failed to init service: %w", err)
	}
	return service.Control(svc, action)
}

func newSvcInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install resilientdnsd as a system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svcControl("install")
		},
	}
}

func newSvcUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Uninstall the resilientdnsd system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svcControl("uninstall")
		},
	}
}

func newSvcStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the resilientdnsd system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svcControl("start")
		},
	}
}

func newSvcStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the resilientdnsd system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svcControl("stop")
		},
	}
}

func newSvcRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the resilientdnsd system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svcControl("restart")
		},
	}
}

func newSvcStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report the resilientdnsd system service status.",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := service.New(&daemonService{f: new(serverFlags)}, svcCfg)
			if err != nil {
				return fmt.Errorf("failed to init service: %w", err)
			}
			status, err := svc.Status()
			if err != nil {
				return err
			}
			switch status {
			case service.StatusRunning:
				fmt.Println("running")
			case service.StatusStopped:
				fmt.Println("stopped")
			default:
				fmt.Println("unknown")
			}
			return nil
		},
	}
}
