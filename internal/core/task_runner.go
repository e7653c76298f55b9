package core

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/ru88s/matomeln-sub000/internal/config"
	"github.com/ru88s/matomeln-sub000/internal/model"
)

// Ingester は一括取得が使う取り込み処理です。*Pipeline が満たします。
type Ingester interface {
	Ingest(ctx context.Context, input string) (*Result, error)
	Locate(input string) (model.Locator, error)
}

// Outcome は一括取得の1件ごとの結果です。
type Outcome string

const (
	OutcomeSaved          Outcome = "saved"
	OutcomeUnchanged      Outcome = "unchanged"
	OutcomeSkippedHistory Outcome = "skipped_history"
	OutcomeExcluded       Outcome = "excluded"
	// OutcomeSkipped は取得元に無い・解析できないなど、再試行しても変わらない失敗です。
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed は再試行を使い切った一時的な失敗と、保存の失敗です。
	OutcomeFailed Outcome = "failed"
)

// ItemReport は入力1件の処理結果です。
type ItemReport struct {
	Input         string    `json:"input"`
	ThreadID      string    `json:"thread_id"`
	Outcome       Outcome   `json:"outcome"`
	Kind          ErrorKind `json:"kind,omitempty"`
	Posts         int       `json:"posts"`
	Tries         int       `json:"tries"`
	LowConfidence bool      `json:"low_confidence,omitempty"`
	Incomplete    bool      `json:"incomplete,omitempty"`
	Dir           string    `json:"dir,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// JobReport は1ジョブ分の処理結果です。
type JobReport struct {
	JobName string       `json:"job_name"`
	Items   []ItemReport `json:"items"`
}

// Count は outcome の件数を返します。
func (r *JobReport) Count(outcome Outcome) int {
	n := 0
	for _, item := range r.Items {
		if item.Outcome == outcome {
			n++
		}
	}
	return n
}

// BulkPolicy は、一括取得で取り込みの失敗をどう扱うかの方針です。
// 一時的な失敗だけを間隔を広げながら再試行し、それ以外は ErrorKind.Action に従います。
type BulkPolicy struct {
	RetryCount int
	RetryWait  time.Duration
	// MaxRetryWait は再試行間隔の上限です。
	MaxRetryWait time.Duration
	// Interval は取得と取得の最小間隔です。再試行も含みます。
	Interval time.Duration
}

// PolicyForJob は、ジョブ設定から BulkPolicy を作ります。
func PolicyForJob(job config.Job) BulkPolicy {
	wait := time.Duration(job.RetryWaitMillis) * time.Millisecond
	return BulkPolicy{
		RetryCount:   job.RetryCount,
		RetryWait:    wait,
		MaxRetryWait: 8 * wait,
		Interval:     time.Duration(job.RequestIntervalMillis) * time.Millisecond,
	}
}

func (p BulkPolicy) retryPolicy() retrypolicy.RetryPolicy[*Result] {
	retries := p.RetryCount
	if retries < 0 {
		retries = 0
	}
	base := p.RetryWait
	if base <= 0 {
		base = time.Millisecond
	}
	maxWait := p.MaxRetryWait
	if maxWait < base {
		maxWait = base
	}
	return retrypolicy.NewBuilder[*Result]().
		HandleIf(func(_ *Result, err error) bool {
			return err != nil && KindOf(err).Action() == ActionRetry
		}).
		WithBackoff(base, maxWait).
		WithMaxRetries(retries).
		WithJitterFactor(0.1).
		ReturnLastFailure().
		Build()
}

// BulkRunner は入力を1件ずつ直列に取り込み、保存します。
type BulkRunner struct {
	ingester Ingester
	archiver *Archiver
	policy   BulkPolicy
	limiter  *rate.Limiter
	executor failsafe.Executor[*Result]
	stats    *SessionStats
}

// NewBulkRunner は BulkRunner を作ります。stats は nil でも構いません。
func NewBulkRunner(ing Ingester, archiver *Archiver, policy BulkPolicy, stats *SessionStats) *BulkRunner {
	limit := rate.Inf
	if policy.Interval > 0 {
		limit = rate.Every(policy.Interval)
	}
	return &BulkRunner{
		ingester: ing,
		archiver: archiver,
		policy:   policy,
		limiter:  rate.NewLimiter(limit, 1),
		executor: failsafe.With[*Result](policy.retryPolicy()),
		stats:    stats,
	}
}

// ExecuteJob は、解決済みのジョブ1件を実行します。
//
// 入力がひとつでもどの掲示板にも一致しなければ、何も取得せずに InvalidInput を返します。
// ctx がキャンセルされた場合は、そこまでの結果と ctx.Err() を返します。
func ExecuteJob(ctx context.Context, job config.Job, ing Ingester, archiver *Archiver, stats *SessionStats) (*JobReport, error) {
	return NewBulkRunner(ing, archiver, PolicyForJob(job), stats).Run(ctx, job)
}

// Run はジョブの入力を順に処理します。
func (b *BulkRunner) Run(ctx context.Context, job config.Job) (*JobReport, error) {
	report := &JobReport{JobName: job.JobName}
	logger := log.With().Str("job", job.JobName).Logger()

	inputs, err := jobInputs(job)
	if err != nil {
		return report, err
	}

	// 取得を始める前に全件の形式を確かめる
	locators := make([]model.Locator, len(inputs))
	var invalid []error
	for i, input := range inputs {
		loc, err := b.ingester.Locate(input)
		if err != nil {
			invalid = append(invalid, err)
			continue
		}
		locators[i] = loc
	}
	if len(invalid) > 0 {
		return report, fmt.Errorf("ジョブ '%s' に対応していない入力が %d 件あります。URLを確認してください: %w", job.JobName, len(invalid), errors.Join(invalid...))
	}

	history := map[string]string{}
	if b.archiver != nil && (job.EnableHistorySkip || job.EnableUpdateCheck) {
		history, err = b.archiver.History()
		if err != nil {
			return report, fmt.Errorf("完了履歴の読み込みに失敗しました (job=%s): %w", job.JobName, err)
		}
	}

	logger.Info().Int("inputs", len(inputs)).Msg("一括取得を開始します")
	for i, input := range inputs {
		if err := ctx.Err(); err != nil {
			logger.Warn().Msg("キャンセルされたため、残りの入力の処理を中止します")
			return report, err
		}

		threadID := locators[i].ThreadID()
		if _, saved := history[threadID]; saved {
			skip := job.EnableHistorySkip && !job.EnableUpdateCheck
			if job.EnableUpdateCheck && b.archiver.IsComplete(history, threadID) {
				skip = true
			}
			if skip {
				item := ItemReport{Input: input, ThreadID: threadID, Outcome: OutcomeSkippedHistory}
				logger.Debug().Str("thread_id", threadID).Msg("保存済みのためスキップします")
				b.record(report, item)
				continue
			}
		}

		item, err := b.processOne(ctx, job, input, threadID)
		if err != nil {
			return report, err
		}
		b.record(report, item)
	}

	logger.Info().
		Int("saved", report.Count(OutcomeSaved)).
		Int("unchanged", report.Count(OutcomeUnchanged)).
		Int("skipped", report.Count(OutcomeSkipped)+report.Count(OutcomeSkippedHistory)+report.Count(OutcomeExcluded)).
		Int("failed", report.Count(OutcomeFailed)).
		Msg("一括取得が完了しました")
	return report, nil
}

func (b *BulkRunner) record(report *JobReport, item ItemReport) {
	report.Items = append(report.Items, item)
	b.stats.RecordItem(item)
}

// processOne は入力1件を取り込みます。戻り値の error はジョブ全体を止める場合だけです。
func (b *BulkRunner) processOne(ctx context.Context, job config.Job, input, threadID string) (ItemReport, error) {
	item := ItemReport{Input: input, ThreadID: threadID}
	logger := log.With().Str("job", job.JobName).Str("thread_id", threadID).Logger()

	res, err := b.executor.WithContext(ctx).Get(func() (*Result, error) {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		item.Tries++
		if item.Tries > 1 {
			logger.Warn().Int("try", item.Tries).Msg("一時的なエラーのため再試行します")
		}
		return b.ingester.Ingest(ctx, input)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return item, ctxErr
		}
		kind := KindOf(err)
		item.Kind = kind
		item.Error = err.Error()
		switch kind.Action() {
		case ActionAbort:
			return item, err
		case ActionSkip:
			item.Outcome = OutcomeSkipped
			if kind == KindNotFound && b.archiver != nil {
				if _, err := b.archiver.MarkComplete(threadID); err != nil {
					logger.Warn().Err(err).Msg("完了扱いの記録に失敗しました")
				}
			}
			logger.Warn().Str("kind", string(kind)).Msg(kind.Message() + "。スキップします")
		default:
			item.Outcome = OutcomeFailed
			logger.Error().Err(err).Int("tries", item.Tries).Msg("再試行の上限に達しました。スキップします")
		}
		return item, nil
	}

	item.Posts = len(res.Posts)
	item.LowConfidence = res.LowConfidence
	item.Incomplete = res.Incomplete
	if res.LowConfidence {
		logger.Warn().Msg(KindEncodingUnresolved.Message())
	}

	if keyword, hit := containsAny(res.Thread.Title, job.ExcludeKeywords); hit {
		item.Outcome = OutcomeExcluded
		logger.Info().Str("keyword", keyword).Msg("除外キーワードを含むためスキップします")
		return item, nil
	}
	if job.MinimumPosts > 0 && len(res.Posts) < job.MinimumPosts {
		item.Outcome = OutcomeExcluded
		logger.Info().Int("posts", len(res.Posts)).Int("minimum", job.MinimumPosts).Msg("レス数が下限に満たないためスキップします")
		return item, nil
	}

	if b.archiver == nil {
		item.Outcome = OutcomeSaved
		return item, nil
	}
	saved, err := b.archiver.Save(res)
	if err != nil {
		item.Outcome = OutcomeFailed
		item.Error = err.Error()
		logger.Error().Err(err).Msg("保存に失敗しました")
		return item, nil
	}
	item.Dir = saved.Dir
	if saved.Updated {
		item.Outcome = OutcomeSaved
	} else {
		item.Outcome = OutcomeUnchanged
	}
	return item, nil
}

// jobInputs は inputs と input_file の行を順に並べます。空行と '#' で始まる行は無視します。
func jobInputs(job config.Job) ([]string, error) {
	var inputs []string
	seen := make(map[string]bool)
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || strings.HasPrefix(s, "#") || seen[s] {
			return
		}
		seen[s] = true
		inputs = append(inputs, s)
	}
	for _, in := range job.Inputs {
		add(in)
	}
	if job.InputFile == "" {
		return inputs, nil
	}

	file, err := os.Open(job.InputFile)
	if err != nil {
		return nil, fmt.Errorf("入力ファイルを開けませんでした (path=%s): %w", job.InputFile, err)
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		add(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("入力ファイルの読み込みに失敗しました (path=%s): %w", job.InputFile, err)
	}
	return inputs, nil
}

func containsAny(s string, substrings []string) (string, bool) {
	for _, sub := range substrings {
		if sub != "" && strings.Contains(s, sub) {
			return sub, true
		}
	}
	return "", false
}
