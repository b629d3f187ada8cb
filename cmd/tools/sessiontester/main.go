package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cogtoolslab/cab-experiments/backend/internal/client"
	"github.com/cogtoolslab/cab-experiments/backend/internal/config"
	"github.com/cogtoolslab/cab-experiments/backend/internal/logging"
	"github.com/cogtoolslab/cab-experiments/backend/internal/model/event"
)

type params struct {
	url         string
	study       event.StudyRef
	trials      int
	incremental int
	timeout     time.Duration
}

func main() {
	if err := newCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCmd() *cobra.Command {
	var p params

	cmd := &cobra.Command{
		Use:          "sessiontester",
		Short:        "Drive one participant session against a running gateway",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			envErr := godotenv.Load()
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("配置加载失败: %w", err)
			}
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if envErr != nil {
				logger.Debug("无法加载 .env，改用系统环境变量", zap.Error(envErr))
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), p.timeout)
			defer cancel()
			return runSession(ctx, p, logger, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&p.url, "url", fmt.Sprintf("ws://localhost:%d/socket", config.DefaultGamePort), "网关 WebSocket 地址")
	cmd.Flags().StringVar(&p.study.Project, "project", "", "项目名 (proj_name)")
	cmd.Flags().StringVar(&p.study.Experiment, "experiment", "", "实验名 (exp_name)")
	cmd.Flags().StringVar(&p.study.Iteration, "iteration", "", "迭代名 (iter_name)")
	cmd.Flags().IntVar(&p.trials, "trials", 0, "发送的完整试次数，默认等于收到的试次数")
	cmd.Flags().IntVar(&p.incremental, "incremental", 0, "每个试次发送的增量事件数")
	cmd.Flags().DurationVar(&p.timeout, "timeout", 45*time.Second, "整个会话的超时时间")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("experiment")
	return cmd
}

func runSession(ctx context.Context, p params, logger *zap.Logger, out io.Writer) error {
	adapter, err := client.Dial(ctx, client.DefaultOptions(p.url, p.study), logger.Named("client"))
	if err != nil {
		return err
	}

	sess, err := adapter.RequestTrials(ctx)
	if err != nil {
		_ = adapter.Close(ctx)
		return err
	}
	fmt.Fprintf(out, "session %s: %d trials from record %s\n", sess.ID, len(sess.Trials), sess.InputID)

	n := p.trials
	if n <= 0 {
		n = len(sess.Trials)
	}
	sess.Mark("trials_start")
	for i := 0; i < n; i++ {
		for j := 0; j < p.incremental; j++ {
			if err := adapter.EmitIncremental(sess, map[string]any{"trial_index": i, "update_index": j}); err != nil {
				return err
			}
		}
		body := map[string]any{
			"trial_index": i,
			"rt":          time.Since(sess.StartedAt).Milliseconds(),
			"source":      "sessiontester",
		}
		if i < len(sess.Trials) {
			body["stimulus"] = sess.Trials[i]
		}
		if err := adapter.EmitTrial(sess, body); err != nil {
			return err
		}
	}
	sess.End()

	closeErr := adapter.Close(ctx)
	fmt.Fprintf(out, "sent %d trials, %d incremental events, dropped %d\n", n, n*p.incremental, adapter.Dropped())
	return closeErr
}
