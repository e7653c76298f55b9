package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ru88s/matomeln-sub000/internal/jpenc"
	"github.com/ru88s/matomeln-sub000/internal/metrics"
	"github.com/ru88s/matomeln-sub000/internal/model"
)

func requireIngestError(t *testing.T, err error, kind ErrorKind) *IngestError {
	t.Helper()
	require.Error(t, err)
	var ie *IngestError
	require.True(t, errors.As(err, &ie), "IngestError ではありません: %T %v", err, err)
	assert.Equal(t, kind, ie.Kind, "エラー: %v", err)
	return ie
}

func TestIngest_DATFromPrimary(t *testing.T) {
	// Arrange
	f := newFakeFetcher().set(testPrimaryURL, http.StatusOK, testDAT)
	p := newTestPipeline(f)

	// Act
	res, err := p.Ingest(context.Background(), testThreadURL)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "5ch-1700000000", res.Thread.ID)
	assert.Equal(t, model.Source5ch, res.Thread.Source)
	assert.Equal(t, "テストスレッド", res.Thread.Title)
	assert.Equal(t, testPrimaryURL, res.Thread.URL)
	assert.Equal(t, 3, res.Thread.PostCount)
	assert.Equal(t, "dat", res.Layout)
	assert.Equal(t, 1, res.Pages)
	assert.False(t, res.LowConfidence)
	assert.Len(t, res.Attempts, 1)
	assert.Equal(t, []string{testPrimaryURL}, f.requestedURLs())

	require.Len(t, res.Posts, 3)
	for i, post := range res.Posts {
		assert.Equal(t, i+1, post.SequenceNumber)
	}
	assert.Equal(t, "テスト本文です\nよろしくお願いします", res.Posts[0].Body)
	assert.Equal(t, "sage", res.Posts[0].Email)
	assert.True(t, res.Posts[0].IsOriginalPoster)
	assert.False(t, res.Posts[1].IsOriginalPoster)
	assert.True(t, res.Posts[2].IsOriginalPoster)
	assert.Equal(t, ">>1 了解です", res.Posts[1].Body)
	assert.Equal(t, []int{1}, res.Posts[1].Anchors)
	assert.Equal(t, res.Posts[0].CreatedAt, res.Thread.CreatedAt)
	assert.Equal(t, res.Posts[2].CreatedAt, res.Thread.UpdatedAt)
}

func TestIngest_UserAgentPerCandidate(t *testing.T) {
	f := newFakeFetcher().set(testReaderURL, http.StatusOK, testArticleHTML)
	p := newTestPipeline(f)

	_, err := p.Ingest(context.Background(), testThreadURL)
	require.NoError(t, err)

	dat, ok := f.requestFor(testPrimaryURL)
	require.True(t, ok)
	assert.Equal(t, "Monazilla/1.00 (test)", dat.UserAgent)

	html, ok := f.requestFor(testReaderURL)
	require.True(t, ok)
	assert.Equal(t, testBrowserUA, html.UserAgent)
}

func TestIngest_ShiftJISDAT(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 8; i++ {
		buf.WriteString("名無しさん<><>24/01/15(月) 12:00:00.00 ID:Abc123<>きょうはとてもいいてんきですね。あしたもはれるといいのですが、よほうではあめがふるそうです。<>日本語のスレッド\n")
	}
	raw, err := jpenc.Encode(buf.String(), model.EncodingSJIS)
	require.NoError(t, err)
	f := newFakeFetcher().setBytes(testPrimaryURL, http.StatusOK, raw)

	res, err := newTestPipeline(f).Ingest(context.Background(), testThreadURL)

	require.NoError(t, err)
	assert.Equal(t, model.EncodingSJIS, res.Encoding)
	assert.Equal(t, "日本語のスレッド", res.Thread.Title)
	require.Len(t, res.Posts, 8)
	assert.Equal(t, "きょうはとてもいいてんきですね。あしたもはれるといいのですが、よほうではあめがふるそうです。", res.Posts[7].Body)
}

func TestIngest_FallsBackToMirror(t *testing.T) {
	f := newFakeFetcher().
		set(testPrimaryURL, http.StatusNotFound, "").
		set(testMirrorURL, http.StatusOK, testDAT)

	res, err := newTestPipeline(f).Ingest(context.Background(), testThreadURL)

	require.NoError(t, err)
	assert.Equal(t, testMirrorURL, res.Thread.URL)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, http.StatusNotFound, res.Attempts[0].StatusCode)
	assert.Equal(t, http.StatusOK, res.Attempts[1].StatusCode)
}

func TestIngest_UnparsableDocumentContinuesWithRemainingCandidates(t *testing.T) {
	// DAT の URL が 200 で過去ログ案内のページを返しても、残りの候補を試す
	f := newFakeFetcher().
		set(testPrimaryURL, http.StatusOK, testDroppedPage).
		set(testReaderURL, http.StatusOK, testArticleHTML)

	res, err := newTestPipeline(f).Ingest(context.Background(), testThreadURL)

	require.NoError(t, err)
	assert.Equal(t, "article", res.Layout)
	assert.Equal(t, "HTMLのスレッド", res.Thread.Title)
	assert.Equal(t, []string{testPrimaryURL, testMirrorURL, testArchiveURL, testReaderURL}, f.requestedURLs())
	require.Len(t, res.Posts, 2)
	assert.Equal(t, "Abc123", res.Posts[0].AuthorTag)
	assert.Equal(t, []int{1}, res.Posts[1].Anchors)
}

func TestIngest_AllNotFound(t *testing.T) {
	f := newFakeFetcher()

	_, err := newTestPipeline(f).Ingest(context.Background(), testThreadURL)

	ie := requireIngestError(t, err, KindNotFound)
	assert.Equal(t, ActionSkip, ie.Kind.Action())
	require.Len(t, ie.Attempts, 4)
	urls := make([]string, len(ie.Attempts))
	for i, a := range ie.Attempts {
		urls[i] = a.URL
		assert.Equal(t, http.StatusNotFound, a.StatusCode)
	}
	assert.Equal(t, []string{testPrimaryURL, testMirrorURL, testArchiveURL, testReaderURL}, urls)
}

func TestIngest_TransientWhenAnyAttemptIsTransient(t *testing.T) {
	tests := []struct {
		name string
		resp fakeResponse
	}{
		{"403", fakeResponse{status: http.StatusForbidden}},
		{"429", fakeResponse{status: http.StatusTooManyRequests}},
		{"503", fakeResponse{status: http.StatusServiceUnavailable}},
		{"通信エラー", fakeResponse{err: errors.New("connection reset by peer")}},
		{"パニック", fakeResponse{panic: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeFetcher().setResponse(testPrimaryURL, tt.resp)

			_, err := newTestPipeline(f).Ingest(context.Background(), testThreadURL)

			ie := requireIngestError(t, err, KindTransient)
			assert.Equal(t, ActionRetry, ie.Kind.Action())
			assert.Len(t, ie.Attempts, 4)
		})
	}
}

func TestIngest_TransientThenLaterSuccess(t *testing.T) {
	f := newFakeFetcher().
		set(testPrimaryURL, http.StatusForbidden, "").
		set(testArchiveURL, http.StatusOK, testDAT)

	res, err := newTestPipeline(f).Ingest(context.Background(), testThreadURL)

	require.NoError(t, err)
	assert.Equal(t, testArchiveURL, res.Thread.URL)
	assert.Len(t, res.Attempts, 3)
}

func TestIngest_ParseFailure(t *testing.T) {
	f := newFakeFetcher().
		set(testPrimaryURL, http.StatusOK, testDroppedPage).
		set(testReaderURL, http.StatusOK, testDroppedPage)

	_, err := newTestPipeline(f).Ingest(context.Background(), testThreadURL)

	ie := requireIngestError(t, err, KindParseFailure)
	assert.Equal(t, ActionSkip, ie.Kind.Action())
	assert.Len(t, ie.Attempts, 4)
}

func TestIngest_ParseFailureWithTransientAttemptIsTransient(t *testing.T) {
	f := newFakeFetcher().
		set(testPrimaryURL, http.StatusOK, testDroppedPage).
		set(testReaderURL, http.StatusBadGateway, "")

	_, err := newTestPipeline(f).Ingest(context.Background(), testThreadURL)

	requireIngestError(t, err, KindTransient)
}

func TestIngest_InvalidInput(t *testing.T) {
	inputs := []string{
		"",
		"not a url",
		"https://example.com/test/read.cgi/news/1700000000/",
		"https://egg.5ch.net/news/",
	}
	for _, input := range inputs {
		f := newFakeFetcher()

		_, err := newTestPipeline(f).Ingest(context.Background(), input)

		ie := requireIngestError(t, err, KindInvalidInput)
		assert.Equal(t, ActionAbort, ie.Kind.Action(), "入力: %q", input)
		assert.Empty(t, ie.Attempts)
		assert.Empty(t, f.requestedURLs(), "入力: %q", input)
	}
}

func TestIngest_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := newFakeFetcher().set(testPrimaryURL, http.StatusOK, testDAT)

	_, err := newTestPipeline(f).Ingest(ctx, testThreadURL)

	ie := requireIngestError(t, err, KindTransient)
	assert.ErrorIs(t, ie, context.Canceled)
}

func TestIngest_LowConfidence(t *testing.T) {
	raw := append([]byte("name<><>24/01/15 12:00:00<>"), bytes.Repeat([]byte{0xFF}, 60)...)
	raw = append(raw, []byte("<>title\n")...)
	f := newFakeFetcher().setBytes(testPrimaryURL, http.StatusOK, raw)

	res, err := newTestPipeline(f).Ingest(context.Background(), testThreadURL)

	require.NoError(t, err)
	assert.True(t, res.LowConfidence)
	assert.Equal(t, model.EncodingSJIS, res.Encoding)
	assert.Equal(t, []ErrorKind{KindEncodingUnresolved}, res.Notices())
	require.Len(t, res.Posts, 1)
}

func TestIngest_Idempotent(t *testing.T) {
	f := newFakeFetcher().set(testPrimaryURL, http.StatusOK, testDAT)
	p := newTestPipeline(f)

	first, err := p.Ingest(context.Background(), testThreadURL)
	require.NoError(t, err)
	second, err := p.Ingest(context.Background(), testThreadURL)
	require.NoError(t, err)

	assert.Equal(t, first.Thread, second.Thread)
	assert.Equal(t, first.Posts, second.Posts)
}

const shikutokuJSON = `{"talk":{"title":"しくとくのトーク"},"comments":[
{"number":1,"name":"匿名","name_id":"aaa","body":"はじめまして","created_at":"2024-01-15T12:00:00+09:00"},
{"number":2,"name":"匿名","name_id":"bbb","body":">>1 よろしくお願いします","created_at":"2024-01-15T12:05:00+09:00"}]}`

func TestIngest_ShikutokuAPI(t *testing.T) {
	f := newFakeFetcher().set("https://shikutoku.me/api/talks/4321", http.StatusOK, shikutokuJSON)

	res, err := newTestPipeline(f).Ingest(context.Background(), "4321")

	require.NoError(t, err)
	assert.Equal(t, "shikutoku-4321", res.Thread.ID)
	assert.Equal(t, "しくとくのトーク", res.Thread.Title)
	assert.Equal(t, "json", res.Layout)
	require.Len(t, res.Posts, 2)
	assert.Equal(t, []int{1}, res.Posts[1].Anchors)

	req, ok := f.requestFor("https://shikutoku.me/api/talks/4321")
	require.True(t, ok)
	assert.Equal(t, testBrowserUA, req.UserAgent)
	assert.Equal(t, "application/json", req.Headers["Accept"])
}

func TestIngest_ShikutokuUTF8WithMostlyASCIIHead(t *testing.T) {
	// 先頭 500 文字に日本語がほとんど無い UTF-8 の応答も、文字化け扱いせずに読む
	var buf bytes.Buffer
	buf.WriteString(`{"comments":[`)
	for i := 1; i <= 5; i++ {
		fmt.Fprintf(&buf, `{"number":%d,"name":"anonymous","name_id":"id%04d","body":"see https://example.com/images/photo_%04d.jpg","created_at":"2024-01-15T12:0%d:00+09:00"},`, i, i, i, i)
	}
	buf.WriteString(`{"number":6,"name":"匿名","body":"こんにちは、よろしくお願いします","created_at":"2024-01-15T12:06:00+09:00"}],`)
	buf.WriteString(`"talk":{"title":"画像スレッド"}}`)
	f := newFakeFetcher().setBytes("https://shikutoku.me/api/talks/4321", http.StatusOK, buf.Bytes())

	res, err := newTestPipeline(f).Ingest(context.Background(), "4321")

	require.NoError(t, err)
	assert.Equal(t, model.EncodingUTF8, res.Encoding)
	assert.False(t, res.LowConfidence)
	assert.Equal(t, "画像スレッド", res.Thread.Title)
	require.Len(t, res.Posts, 6)
	assert.Equal(t, "こんにちは、よろしくお願いします", res.Posts[5].Body)
	assert.Equal(t, "匿名", res.Posts[5].AuthorName)
	assert.Empty(t, res.Notices())
}

func TestIngest_ShikutokuReportsNotFound(t *testing.T) {
	f := newFakeFetcher().
		set("https://shikutoku.me/api/talks/4321", http.StatusOK, `{"error":"Talk not found"}`).
		set("https://shikutoku.me/talks/4321", http.StatusOK, testDroppedPage)

	_, err := newTestPipeline(f).Ingest(context.Background(), "https://shikutoku.me/talks/4321")

	requireIngestError(t, err, KindNotFound)
}

func girlsChannelPage(title string, items []string, next string) string {
	var buf bytes.Buffer
	buf.WriteString("<html><head><title>" + title + "</title></head><body><h1>" + title + "</h1><ul>")
	for _, item := range items {
		buf.WriteString(item)
	}
	buf.WriteString("</ul>")
	if next != "" {
		buf.WriteString(`<div class="pager"><a rel="next" href="` + next + `">次へ</a></div>`)
	}
	buf.WriteString("</body></html>")
	return buf.String()
}

func girlsChannelItem(n, body string) string {
	return `<li class="comment-item" id="comment` + n + `"><span class="res-no">` + n + `.</span>` +
		`<span class="name">匿名</span><span class="date">2024/01/15(月) 12:0` + n + `:00</span>` +
		`<div class="body">` + body + `</div></li>`
}

const (
	testTopicURL = "https://girlschannel.net/topics/12345/"
	testTopicP2  = "https://girlschannel.net/topics/12345/2/"
)

func TestIngest_GirlsChannelPagination(t *testing.T) {
	f := newFakeFetcher().
		set(testTopicURL, http.StatusOK, girlsChannelPage("ガルちゃんトピ", []string{
			girlsChannelItem("1", "トピ立てました"),
			girlsChannelItem("2", "わかります"),
		}, "/topics/12345/2/")).
		set(testTopicP2, http.StatusOK, girlsChannelPage("ガルちゃんトピ", []string{
			girlsChannelItem("2", "わかります"),
			girlsChannelItem("3", "&gt;&gt;1 ありがとう"),
		}, ""))

	res, err := newTestPipeline(f).Ingest(context.Background(), testTopicURL)

	require.NoError(t, err)
	assert.Equal(t, "girlschannel-12345", res.Thread.ID)
	assert.Equal(t, 2, res.Pages)
	assert.False(t, res.Incomplete)
	require.Len(t, res.Posts, 3)
	for i, post := range res.Posts {
		assert.Equal(t, i+1, post.SequenceNumber)
		assert.Equal(t, i+1, post.SourceNumber)
	}
	assert.Equal(t, ">>1 ありがとう", res.Posts[2].Body)
	assert.Equal(t, []string{testTopicURL, testTopicP2}, f.requestedURLs())
}

func TestIngest_GirlsChannelPageFailureKeepsFirstPage(t *testing.T) {
	f := newFakeFetcher().
		set(testTopicURL, http.StatusOK, girlsChannelPage("ガルちゃんトピ", []string{
			girlsChannelItem("1", "トピ立てました"),
		}, "/topics/12345/2/")).
		set(testTopicP2, http.StatusServiceUnavailable, "")

	res, err := newTestPipeline(f).Ingest(context.Background(), testTopicURL)

	require.NoError(t, err)
	assert.True(t, res.Incomplete)
	assert.Equal(t, 1, res.Pages)
	assert.Len(t, res.Posts, 1)
	assert.Len(t, res.Attempts, 2)
}

func TestIngest_MaxPages(t *testing.T) {
	f := newFakeFetcher().
		set(testTopicURL, http.StatusOK, girlsChannelPage("ガルちゃんトピ", []string{
			girlsChannelItem("1", "トピ立てました"),
		}, "/topics/12345/2/"))

	res, err := newTestPipeline(f, WithMaxPages(1)).Ingest(context.Background(), testTopicURL)

	require.NoError(t, err)
	assert.Equal(t, 1, res.Pages)
	assert.Equal(t, []string{testTopicURL}, f.requestedURLs())
}

func TestIngest_RecordsMetrics(t *testing.T) {
	m := metrics.New()
	f := newFakeFetcher().
		set(testPrimaryURL, http.StatusNotFound, "").
		set(testMirrorURL, http.StatusOK, testDAT)
	p := newTestPipeline(f, WithMetrics(m))

	_, err := p.Ingest(context.Background(), testThreadURL)
	require.NoError(t, err)
	_, err = p.Ingest(context.Background(), "https://example.com/")
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FetchAttempts.WithLabelValues("5ch", "404")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FetchAttempts.WithLabelValues("5ch", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IngestResults.WithLabelValues("5ch", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IngestResults.WithLabelValues("unknown", "invalid_input")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LayoutMatches.WithLabelValues("5ch", "dat")))
}

func TestPipeline_ClassifyAndLocate(t *testing.T) {
	p := newTestPipeline(newFakeFetcher())

	assert.Equal(t, model.Source5ch, p.Classify("  "+testThreadURL+"  "))
	assert.Equal(t, model.SourceUnknown, p.Classify("https://example.com/"))

	loc, err := p.Locate(testThreadURL)
	require.NoError(t, err)
	assert.Equal(t, model.NewLegacyBoardLocator(model.Source5ch, "egg.5ch.net", "news", "1700000000"), loc)

	_, err = p.Locate("https://example.com/")
	requireIngestError(t, err, KindInvalidInput)
}
