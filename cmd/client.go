package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/spooftcp/internal/config"
	"firestige.xyz/spooftcp/internal/daemon"
)

// ClientInterface 定义控制命令需要的客户端方法
type ClientInterface interface {
	Stop(ctx context.Context) error
	Reload(ctx context.Context) error
	Stats(ctx context.Context) ([]daemon.QueueStats, error)
	Close() error
}

var cli ClientInterface

// connectClient builds a daemon client from the config file unless one was
// injected with SetClient.
func connectClient(cmd *cobra.Command, args []string) error {
	if cli != nil {
		return nil
	}
	c, err := newDaemonClient(configFile, pidFile)
	if err != nil {
		return err
	}
	cli = c
	return nil
}

func newDaemonClient(path, pid string) (*daemon.Client, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if pid == "" {
		pid = cfg.Control.PIDFile
	}
	return daemon.NewClient(pid, cfg.Metrics.Listen), nil
}

func closeClient(cmd *cobra.Command, args []string) {
	if cli != nil {
		cli.Close()
	}
}

// SetClient 用于测试时注入 mock 客户端
func SetClient(c ClientInterface) {
	cli = c
}

// GetClient 用于测试时获取当前客户端
func GetClient() ClientInterface {
	return cli
}
