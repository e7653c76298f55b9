package core

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/ru88s/matomeln-sub000/internal/network"
)

// fakeResponse は fakeFetcher が URL ごとに返す応答です。
type fakeResponse struct {
	status int
	body   []byte
	err    error
	panic  bool
}

// fakeFetcher はネットワークの代わりに登録済みの応答を返します。
// 登録されていない URL には 404 を返します。
type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]fakeResponse
	// sequence が登録されている URL は、呼ばれるたびに先頭から順に応答します。
	sequence map[string][]fakeResponse
	requests []network.Request
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		responses: make(map[string]fakeResponse),
		sequence:  make(map[string][]fakeResponse),
	}
}

func (f *fakeFetcher) set(url string, status int, body string) *fakeFetcher {
	f.responses[url] = fakeResponse{status: status, body: []byte(body)}
	return f
}

func (f *fakeFetcher) setBytes(url string, status int, body []byte) *fakeFetcher {
	f.responses[url] = fakeResponse{status: status, body: body}
	return f
}

func (f *fakeFetcher) setResponse(url string, r fakeResponse) *fakeFetcher {
	f.responses[url] = r
	return f
}

func (f *fakeFetcher) Fetch(ctx context.Context, req network.Request) (*network.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	r, ok := f.responses[req.URL]
	if seq := f.sequence[req.URL]; len(seq) > 0 {
		r, ok = seq[0], true
		f.sequence[req.URL] = seq[1:]
	}
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ok {
		return &network.Response{URL: req.URL, StatusCode: http.StatusNotFound}, nil
	}
	if r.panic {
		panic("fake fetcher failure")
	}
	if r.err != nil {
		return nil, r.err
	}
	status := r.status
	if status == 0 {
		status = http.StatusOK
	}
	resp := &network.Response{URL: req.URL, StatusCode: status}
	if status >= 200 && status < 300 {
		resp.Body = r.body
	}
	return resp, nil
}

func (f *fakeFetcher) requestedURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	urls := make([]string, len(f.requests))
	for i, r := range f.requests {
		urls[i] = r.URL
	}
	return urls
}

func (f *fakeFetcher) requestFor(url string) (network.Request, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.requests {
		if r.URL == url {
			return r, true
		}
	}
	return network.Request{}, false
}

var fixedNow = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

const testBrowserUA = "TestBrowser/1.0"

func newTestPipeline(f network.Fetcher, opts ...Option) *Pipeline {
	base := []Option{
		WithClock(fixedClock),
		WithUserAgents(network.UserAgents{DAT: "Monazilla/1.00 (test)", Browser: testBrowserUA}),
		WithAttemptTimeout(2 * time.Second),
	}
	return NewPipeline(f, append(base, opts...)...)
}

// 5ch のテスト用スレッド egg.5ch.net/news/1700000000 の候補URL
const (
	testThreadURL  = "https://egg.5ch.net/test/read.cgi/news/1700000000/"
	testPrimaryURL = "https://egg.5ch.net/news/dat/1700000000.dat"
	testMirrorURL  = "https://egg.2ch.sc/news/dat/1700000000.dat"
	testArchiveURL = "https://egg.5ch.net/news/oyster/1700/1700000000.dat"
	testReaderURL  = "https://egg.5ch.net/test/read.cgi/news/1700000000/"
)

const testDAT = "名無しさん<>sage<>24/01/15(月) 12:00:00.12 ID:Abc123<>テスト本文です<br>よろしくお願いします<>テストスレッド\n" +
	"名無しさん<><>24/01/15(月) 12:01:00.00 ID:Xyz789<>&gt;&gt;1 了解です<>\n" +
	"名無しさん<><>24/01/15(月) 12:02:00.00 ID:Abc123<>スレ主です<>\n"

const testArticleHTML = `<!DOCTYPE html><html><head><title>HTMLスレ</title></head><body>
<h1 id="title">HTMLのスレッド</h1>
<article id="1"><span class="postid">1</span><span class="postusername">名無しさん</span><span class="date">2024/01/15(月) 12:00:00.00</span><span class="uid">ID:Abc123</span><section class="post-content">最初の書き込みです</section></article>
<article id="2"><span class="postid">2</span><span class="postusername">名無しさん</span><span class="date">2024/01/15(月) 12:05:00.00</span><span class="uid">ID:Def456</span><section class="post-content">&gt;&gt;1 二番目の書き込みです</section></article>
</body></html>`

const testDroppedPage = `<html><body><p>このスレッドは過去ログ倉庫に格納されています</p></body></html>`
