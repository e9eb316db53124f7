package main

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"gopersist/app/persistence"
	"gopersist/config"
)

// rootOptions 全局参数
type rootOptions struct {
	ConfigPath string
	Verbose    bool

	// extra 测试注入的装配选项
	extra []persistence.Option
}

func newRootCommand(extra ...persistence.Option) *cobra.Command {
	opts := &rootOptions{extra: extra}

	cmd := &cobra.Command{
		Use:   "school",
		Short: "school - 工作单元持久化演示",
		Long: `以课程、学生、护照、科目与评价为例演示持久化上下文：
身份映射、写后刷新、Merge/Detach/Refresh 以及延迟关联。`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "school.yaml", "配置文件路径，不存在时使用默认配置")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "输出调试日志")

	cmd.AddCommand(newCourseCommand(opts))
	cmd.AddCommand(newScenarioCommand(opts))
	return cmd
}

func (o *rootOptions) open(ctx context.Context) (*persistence.Runtime, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	if o.Verbose {
		cfg.Logging.Level = "debug"
	}
	return persistence.Open(ctx, cfg, schoolMapping, o.extra...)
}

type runFunc func(ctx context.Context, rt *persistence.Runtime, out io.Writer, args []string) error

// withRuntime 为子命令打开运行时，结束后释放
func withRuntime(o *rootOptions, fn runFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		rt, err := o.open(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()
		return fn(ctx, rt, cmd.OutOrStdout(), args)
	}
}
