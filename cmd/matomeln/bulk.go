package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ru88s/matomeln-sub000/internal/config"
	"github.com/ru88s/matomeln-sub000/internal/core"
)

var bulkCmd = &cobra.Command{
	Use:   "bulk [URL...]",
	Short: "設定ファイルのジョブ、または引数のURLをまとめて取得・保存します",
	Long: `設定ファイルの jobs を順に実行します。URLを引数に渡した場合は、
それらだけを既定の設定で取得します。

一時的なエラーは間隔を空けて再試行し、見つからないスレッドや解析できないスレッドは
スキップします。対応していないURLが含まれている場合は、何も取得せずに終了します。`,
	RunE: runBulk,
}

func init() {
	rootCmd.AddCommand(bulkCmd)

	bulkCmd.Flags().String("job", "", "実行するジョブ名 (省略時は有効な全ジョブ)")
	viper.BindPFlag("bulk.job", bulkCmd.Flags().Lookup("job"))
}

func runBulk(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	pipeline, err := core.NewPipelineFromConfig(cfg, nil)
	if err != nil {
		return err
	}

	jobs := selectJobs(cfg, args, viper.GetString("bulk.job"))
	if len(jobs) == 0 {
		log.Info().Msg("有効なジョブがありません。終了します。")
		return nil
	}

	stats := core.NewSessionStats(time.Now())
	if err := runJobs(cmd.Context(), cfg, jobs, pipeline, stats); err != nil {
		return err
	}
	log.Info().Msg(stats.FormatSessionInfo(time.Now()))
	return nil
}

func selectJobs(cfg *config.Config, args []string, name string) []config.Job {
	if len(args) > 0 {
		return []config.Job{cfg.AdHocJob("cli", args)}
	}
	var jobs []config.Job
	for _, job := range cfg.Jobs {
		if !job.IsEnabled() {
			continue
		}
		if name != "" && job.JobName != name {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs
}

// runJobs はジョブを直列に実行します。ひとつのジョブが中断しても残りは続けます。
func runJobs(ctx context.Context, cfg *config.Config, jobs []config.Job, ing core.Ingester, stats *core.SessionStats) error {
	var aborted int
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		archiver, err := core.NewArchiverForJob(job, cfg.HistoryFilePath)
		if err != nil {
			log.Error().Err(err).Str("job", job.JobName).Msg("ジョブの設定が不正です")
			aborted++
			continue
		}
		report, err := core.ExecuteJob(ctx, job, ing, archiver, stats)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Str("job", job.JobName).Msg("ジョブを中断しました")
			aborted++
			continue
		}
		log.Info().Str("job", job.JobName).Int("items", len(report.Items)).Msg("ジョブが完了しました")
	}
	if aborted > 0 {
		return fmt.Errorf("%d 件のジョブが中断されました", aborted)
	}
	return nil
}
