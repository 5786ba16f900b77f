// =============================================================================
// DataForge 主入口
// =============================================================================
// 批量结构化推理引擎入口点
//
// 使用方法:
//
//	dataforge run input.jsonl --prompt-template "..."   # 运行一次推理
//	dataforge run input.jsonl --resume                  # 恢复被中断的运行
//	dataforge cache clear                               # 清空缓存
//	dataforge version                                   # 显示版本信息
// =============================================================================
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/BaSui01/dataforge/config"
)

var (
	version   = "0.3.0"
	commit    = ""
	buildDate = ""
)

// newRootCmd creates the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dataforge",
		Short: "DataForge: concurrent, cached bulk inference over datasets",
		Long: "DataForge turns a dataset of prompts into a dataset of structured model\n" +
			"responses, with rate-limited dispatch, resumable checkpoints and\n" +
			"content-addressed caching so identical runs never call the model twice.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("config", "", "config file (yaml)")
	cmd.PersistentFlags().StringP("log", "l", "", "log level: debug, info, warn, error")
	cmd.PersistentFlags().String("working-dir", "", "cache and checkpoint directory")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newCacheCmd())
	return cmd
}

// newVersionCmd creates the version command.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dataforge %s (%s) %s\n", version, commit, buildDate)
		},
	}
}

// loadConfig resolves configuration for a command: defaults, then the yaml
// file, then environment, then the persistent flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.NewLoader().WithConfigPath(path).Load()
	if err != nil {
		return nil, err
	}
	if level, _ := cmd.Flags().GetString("log"); level != "" {
		cfg.Log.Level = level
	}
	if dir, _ := cmd.Flags().GetString("working-dir"); dir != "" {
		cfg.Run.WorkingDir = dir
	}
	return cfg, nil
}

func main() {
	root := newRootCmd()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
