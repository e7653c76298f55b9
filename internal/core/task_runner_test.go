package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ru88s/matomeln-sub000/internal/config"
	"github.com/ru88s/matomeln-sub000/internal/model"
)

type ingestStep struct {
	posts int
	title string
	kind  ErrorKind
}

// fakeIngester は入力ごとに登録した結果を順に返します。
// 登録が尽きたら最後の結果を繰り返します。
type fakeIngester struct {
	locator *Pipeline
	mu      sync.Mutex
	steps   map[string][]ingestStep
	calls   map[string]int
}

func newFakeIngester() *fakeIngester {
	return &fakeIngester{
		locator: newTestPipeline(newFakeFetcher()),
		steps:   make(map[string][]ingestStep),
		calls:   make(map[string]int),
	}
}

func (f *fakeIngester) on(input string, steps ...ingestStep) *fakeIngester {
	f.steps[input] = steps
	return f
}

func (f *fakeIngester) Locate(input string) (model.Locator, error) {
	return f.locator.Locate(input)
}

func (f *fakeIngester) Ingest(ctx context.Context, input string) (*Result, error) {
	f.mu.Lock()
	n := f.calls[input]
	f.calls[input]++
	steps := f.steps[input]
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, &IngestError{Kind: KindTransient, Input: input, Err: err}
	}
	if len(steps) == 0 {
		return nil, &IngestError{Kind: KindNotFound, Input: input}
	}
	if n >= len(steps) {
		n = len(steps) - 1
	}
	step := steps[n]
	if step.kind != "" {
		return nil, &IngestError{Kind: step.kind, Input: input, Err: errors.New("fake")}
	}

	loc, err := f.Locate(input)
	if err != nil {
		return nil, err
	}
	res := sampleResult(step.posts)
	res.Locator = loc
	res.Thread.ID = loc.ThreadID()
	if step.title != "" {
		res.Thread.Title = step.title
	}
	for i := range res.Posts {
		res.Posts[i].ID = fmt.Sprintf("%s-%d", res.Thread.ID, i+1)
	}
	return res, nil
}

func (f *fakeIngester) callCount(input string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[input]
}

func threadURL(key int) string {
	return fmt.Sprintf("https://egg.5ch.net/test/read.cgi/news/%d/", key)
}

func testJob(inputs ...string) config.Job {
	return config.Job{
		JobName:         "test",
		Inputs:          inputs,
		RetryCount:      2,
		RetryWaitMillis: 1,
	}
}

func outcomes(r *JobReport) []Outcome {
	out := make([]Outcome, len(r.Items))
	for i, item := range r.Items {
		out[i] = item.Outcome
	}
	return out
}

func TestExecuteJob_Outcomes(t *testing.T) {
	// Arrange
	ing := newFakeIngester().
		on(threadURL(1700000001), ingestStep{posts: 3}).
		on(threadURL(1700000002), ingestStep{kind: KindTransient}, ingestStep{posts: 2}).
		on(threadURL(1700000003), ingestStep{kind: KindNotFound}).
		on(threadURL(1700000004), ingestStep{kind: KindParseFailure}).
		on(threadURL(1700000005), ingestStep{posts: 5, title: "【悲報】除外されるスレ"}).
		on(threadURL(1700000006), ingestStep{posts: 1})
	job := testJob(threadURL(1700000001), threadURL(1700000002), threadURL(1700000003),
		threadURL(1700000004), threadURL(1700000005), threadURL(1700000006))
	job.ExcludeKeywords = []string{"【悲報】"}
	job.MinimumPosts = 2
	a, _ := newTestArchiver(t)
	stats := NewSessionStats(fixedNow)

	// Act
	report, err := ExecuteJob(context.Background(), job, ing, a, stats)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, []Outcome{OutcomeSaved, OutcomeSaved, OutcomeSkipped, OutcomeSkipped, OutcomeExcluded, OutcomeExcluded}, outcomes(report))
	assert.Equal(t, 2, report.Items[1].Tries, "一時的な失敗は再試行される")
	assert.Equal(t, 1, ing.callCount(threadURL(1700000003)), "不存在は再試行しない")
	assert.Equal(t, 1, ing.callCount(threadURL(1700000004)), "解析失敗は再試行しない")
	assert.Equal(t, KindNotFound, report.Items[2].Kind)
	assert.Equal(t, KindParseFailure, report.Items[3].Kind)
	assert.NotEmpty(t, report.Items[0].Dir)

	snap := stats.Snapshot()
	assert.Equal(t, 2, snap.ThreadsSaved)
	assert.Equal(t, 5, snap.PostsSaved)
	assert.Equal(t, 4, snap.Skipped)
	assert.Equal(t, 0, snap.Failed)
}

func TestExecuteJob_TransientExhaustsRetries(t *testing.T) {
	ing := newFakeIngester().
		on(threadURL(1700000001), ingestStep{kind: KindTransient}).
		on(threadURL(1700000002), ingestStep{posts: 2})
	a, _ := newTestArchiver(t)

	report, err := ExecuteJob(context.Background(), testJob(threadURL(1700000001), threadURL(1700000002)), ing, a, nil)

	require.NoError(t, err)
	assert.Equal(t, []Outcome{OutcomeFailed, OutcomeSaved}, outcomes(report))
	assert.Equal(t, 3, report.Items[0].Tries, "1回 + 再試行2回")
	assert.Equal(t, KindTransient, report.Items[0].Kind)
	assert.Equal(t, 3, ing.callCount(threadURL(1700000001)))
}

func TestExecuteJob_InvalidInputAbortsBeforeFetching(t *testing.T) {
	ing := newFakeIngester().on(threadURL(1700000001), ingestStep{posts: 3})
	a, _ := newTestArchiver(t)

	report, err := ExecuteJob(context.Background(), testJob(threadURL(1700000001), "https://example.com/foo"), ing, a, nil)

	requireIngestError(t, err, KindInvalidInput)
	assert.Equal(t, ActionAbort, KindOf(err).Action())
	assert.Empty(t, report.Items)
	assert.Equal(t, 0, ing.callCount(threadURL(1700000001)))
}

func TestExecuteJob_HistorySkip(t *testing.T) {
	ing := newFakeIngester().on(threadURL(1700000001), ingestStep{posts: 3})
	a, _ := newTestArchiver(t)
	job := testJob(threadURL(1700000001))
	job.EnableHistorySkip = true

	_, err := ExecuteJob(context.Background(), job, ing, a, nil)
	require.NoError(t, err)
	report, err := ExecuteJob(context.Background(), job, ing, a, nil)

	require.NoError(t, err)
	assert.Equal(t, []Outcome{OutcomeSkippedHistory}, outcomes(report))
	assert.Equal(t, 1, ing.callCount(threadURL(1700000001)))
}

func TestExecuteJob_UpdateCheck(t *testing.T) {
	input := threadURL(1700000001)
	ing := newFakeIngester().on(input, ingestStep{posts: 3}, ingestStep{posts: 3}, ingestStep{posts: 5}, ingestStep{kind: KindNotFound})
	a, _ := newTestArchiver(t)
	job := testJob(input)
	job.EnableHistorySkip = true
	job.EnableUpdateCheck = true

	var got []Outcome
	for i := 0; i < 5; i++ {
		report, err := ExecuteJob(context.Background(), job, ing, a, nil)
		require.NoError(t, err)
		got = append(got, outcomes(report)...)
	}

	// 初回保存 → 変化なし → 増えたので保存 → 落ちた → 以後は完了扱いで取得しない
	assert.Equal(t, []Outcome{OutcomeSaved, OutcomeUnchanged, OutcomeSaved, OutcomeSkipped, OutcomeSkippedHistory}, got)
	assert.Equal(t, 4, ing.callCount(input))
}

func TestExecuteJob_Cancelled(t *testing.T) {
	ing := newFakeIngester().on(threadURL(1700000001), ingestStep{posts: 3})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := ExecuteJob(ctx, testJob(threadURL(1700000001)), ing, nil, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, report.Items)
}

func TestExecuteJob_RequestInterval(t *testing.T) {
	ing := newFakeIngester().
		on(threadURL(1700000001), ingestStep{posts: 1}).
		on(threadURL(1700000002), ingestStep{posts: 1}).
		on(threadURL(1700000003), ingestStep{posts: 1})
	job := testJob(threadURL(1700000001), threadURL(1700000002), threadURL(1700000003))
	job.RequestIntervalMillis = 30

	start := time.Now()
	report, err := ExecuteJob(context.Background(), job, ing, nil, nil)

	require.NoError(t, err)
	assert.Len(t, report.Items, 3)
	assert.GreaterOrEqual(t, time.Since(start), 55*time.Millisecond, "2回目以降は間隔を空ける")
}

func TestJobInputs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inputs.txt")
	content := "# コメント\n" + threadURL(1700000002) + "\n\n  " + threadURL(1700000001) + "  \n" + threadURL(1700000003) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	job := config.Job{Inputs: []string{threadURL(1700000001), " "}, InputFile: path}

	inputs, err := jobInputs(job)

	require.NoError(t, err)
	assert.Equal(t, []string{threadURL(1700000001), threadURL(1700000002), threadURL(1700000003)}, inputs)
}

func TestJobInputs_MissingFile(t *testing.T) {
	_, err := jobInputs(config.Job{InputFile: filepath.Join(t.TempDir(), "none.txt")})
	assert.Error(t, err)
}

func TestExecuteJob_WithPipelineRetriesTransientFetch(t *testing.T) {
	// 1回目は正規の取得先が 503、2回目で取得できる
	f := newFakeFetcher()
	f.sequence[testPrimaryURL] = []fakeResponse{
		{status: http.StatusServiceUnavailable},
		{status: http.StatusOK, body: []byte(testDAT)},
	}
	p := newTestPipeline(f)
	a, _ := newTestArchiver(t)

	report, err := ExecuteJob(context.Background(), testJob(testThreadURL), p, a, nil)

	require.NoError(t, err)
	require.Len(t, report.Items, 1)
	item := report.Items[0]
	assert.Equal(t, OutcomeSaved, item.Outcome)
	assert.Equal(t, 2, item.Tries)
	assert.Equal(t, 3, item.Posts)
	assert.Equal(t, "5ch-1700000000", item.ThreadID)
}

func TestContainsAny(t *testing.T) {
	kw, hit := containsAny("【速報】テスト", []string{"", "速報"})
	assert.True(t, hit)
	assert.Equal(t, "速報", kw)
	_, hit = containsAny("テスト", []string{""})
	assert.False(t, hit)
}
