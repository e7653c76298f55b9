package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/ru88s/matomeln-sub000/internal/api"
	"github.com/ru88s/matomeln-sub000/internal/core"
	"github.com/ru88s/matomeln-sub000/internal/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "HTTP API サーバーを起動します",
	Long: `GET /api/thread?url=... でスレッドを取得する HTTP API を提供します。
--with-jobs を付けると、設定ファイルのジョブを一定間隔で実行し続けます。`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", "", "待ち受けアドレス (設定ファイルの api.listen_address を上書き)")
	serveCmd.Flags().Bool("with-jobs", false, "設定ファイルのジョブを定期的に実行する")
	serveCmd.Flags().Duration("job-interval", 15*time.Minute, "--with-jobs の実行間隔")
	serveCmd.Flags().Duration("status-interval", 10*time.Minute, "統計情報をログに出す間隔 (0 で無効)")

	viper.BindPFlag("serve.listen", serveCmd.Flags().Lookup("listen"))
	viper.BindPFlag("serve.with-jobs", serveCmd.Flags().Lookup("with-jobs"))
	viper.BindPFlag("serve.job-interval", serveCmd.Flags().Lookup("job-interval"))
	viper.BindPFlag("serve.status-interval", serveCmd.Flags().Lookup("status-interval"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if listen := viper.GetString("serve.listen"); listen != "" {
		cfg.API.ListenAddress = listen
	}

	var m *metrics.Metrics
	if cfg.API.EnableMetrics {
		m = metrics.New()
	}
	pipeline, err := core.NewPipelineFromConfig(cfg, m)
	if err != nil {
		return err
	}
	stats := core.NewSessionStats(time.Now())
	server := api.NewServer(pipeline, cfg.API, m, stats)

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		return server.Run(ctx)
	})

	if viper.GetBool("serve.with-jobs") {
		interval := viper.GetDuration("serve.job-interval")
		g.Go(func() error {
			return every(ctx, interval, true, func() {
				jobs := selectJobs(cfg, nil, "")
				if err := runJobs(ctx, cfg, jobs, pipeline, stats); err != nil && ctx.Err() == nil {
					log.Error().Err(err).Msg("定期実行のジョブでエラーが発生しました")
				}
			})
		})
	}

	if interval := viper.GetDuration("serve.status-interval"); interval > 0 {
		g.Go(func() error {
			return every(ctx, interval, false, func() {
				log.Info().Msg(stats.FormatSessionInfo(time.Now()))
			})
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("アプリケーションが正常にシャットダウンしました。")
	return nil
}

// every は ctx が終わるまで interval ごとに fn を呼びます。終了時は nil を返します。
func every(ctx context.Context, interval time.Duration, immediately bool, fn func()) error {
	if immediately {
		fn()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}
