package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ru88s/matomeln-sub000/internal/export"
	"github.com/ru88s/matomeln-sub000/internal/model"
)

func TestVerifyThreadDir_Valid(t *testing.T) {
	a, _ := newTestArchiver(t, func(c *ArchiverConfig) {
		c.Formats = []export.Format{export.FormatJSON, export.FormatYAML}
	})
	report, err := a.Save(sampleResult(4))
	require.NoError(t, err)

	problems, err := VerifyThreadDir(report.Dir)

	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestVerifyThreadDir_DetectsBrokenInvariants(t *testing.T) {
	dir := t.TempDir()
	res := sampleResult(3)
	doc := &export.Document{Thread: res.Thread, Posts: res.Posts, Locator: res.Locator}
	doc.Thread.PostCount = 5
	doc.Posts[2].SequenceNumber = 4
	_, err := export.WriteFiles(dir, doc, []export.Format{export.FormatJSON})
	require.NoError(t, err)

	problems, err := VerifyThreadDir(dir)

	require.NoError(t, err)
	assert.Len(t, problems, 3, "%v", problems) // post_count, sequence_number, スナップショット無し
}

func TestVerifyThreadDir_SnapshotMismatch(t *testing.T) {
	a, _ := newTestArchiver(t)
	report, err := a.Save(sampleResult(2))
	require.NoError(t, err)
	require.NoError(t, SaveThreadSnapshot(report.Dir, &ThreadSnapshot{ThreadID: "5ch-1", LastPostCount: 2}))

	problems, err := VerifyThreadDir(report.Dir)

	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "5ch-1")
}

func TestVerifyThreadDir_NoDocument(t *testing.T) {
	_, err := VerifyThreadDir(t.TempDir())
	assert.ErrorIs(t, err, export.ErrNoDocument)
}

func TestRunVerification(t *testing.T) {
	a, root := newTestArchiver(t)
	good, err := a.Save(sampleResult(2))
	require.NoError(t, err)

	other := sampleResult(3)
	other.Locator = model.NewTopicLocator("999")
	other.Thread.ID = other.Locator.ThreadID()
	other.Thread.Source = model.SourceGirlsChannel
	bad, err := a.Save(other) // レスIDがスレッドIDと合わない
	require.NoError(t, err)

	// 1回目は両方を検査する
	result, err := RunVerification(context.Background(), root, false, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalChecked)
	assert.Equal(t, 1, result.TotalInvalid)
	require.NotEmpty(t, result.Details)
	rel, _ := filepath.Rel(root, bad.Dir)
	assert.Contains(t, result.Details[0], rel)

	// 24時間以内は問題の無かった方だけ飛ばす
	result, err = RunVerification(context.Background(), root, false, fixedNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, result.TotalChecked)
	assert.Equal(t, 1, result.TotalSkipped)

	// force なら全件
	result, err = RunVerification(context.Background(), root, true, fixedNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalChecked)

	// 期限が過ぎれば再検証
	result, err = RunVerification(context.Background(), root, false, fixedNow.Add(25*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalChecked)

	_, err = os.Stat(filepath.Join(good.Dir, "thread.json"))
	assert.NoError(t, err)
}

func TestRunVerification_MissingRoot(t *testing.T) {
	_, err := RunVerification(context.Background(), filepath.Join(t.TempDir(), "none"), false, fixedNow)
	assert.Error(t, err)
}
