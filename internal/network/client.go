// Package network は、掲示板からの文書取得に関する機能を提供します。
// Cookie Jar によるセッション管理とホストごとのレート制限をカプセル化した
// HTTP クライアントと、取得候補URLを順に試す処理を実装しています。
package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/ru88s/matomeln-sub000/internal/config"
)

// ErrBodyTooLarge は、応答本文が上限を超えたことを示します。
var ErrBodyTooLarge = errors.New("レスポンスボディが上限サイズを超えました")

// HTTPError は、HTTPリクエストで発生したエラーとステータスコードを保持します。
type HTTPError struct {
	StatusCode int
	URL        string
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s (URL: %s)", e.StatusCode, e.Message, e.URL)
}

// IsRetryable は、このエラーがリトライ可能かどうかを判定します。
// 掲示板はアクセス過多のときに 403 や 429 を返すため、これらは一時的なものとして扱います。
// それ以外の 4xx はリトライしても結果が変わりません。
func (e *HTTPError) IsRetryable() bool {
	switch e.StatusCode {
	case http.StatusForbidden, http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return e.StatusCode >= 500
}

// Request は一回の取得要求です。
type Request struct {
	URL       string
	UserAgent string
	Headers   map[string]string
}

// Response は取得結果です。2xx 以外のステータスもエラーではなく Response として返します。
type Response struct {
	URL         string
	StatusCode  int
	ContentType string
	// Body は 2xx の場合のみ読み込まれます。gzip は展開済みです。
	Body []byte
}

// Fetcher は文書の取得手段です。テストでは偽物に差し替えます。
type Fetcher interface {
	// Fetch は req を一度だけ送信します。通信そのものの失敗だけをエラーとして返します。
	Fetch(ctx context.Context, req Request) (*Response, error)
}

// Client は、Cookie Jarを内包し、HTTPセッションを管理するクライアントです。
type Client struct {
	httpClient         *http.Client
	jar                *cookiejar.Jar
	defaultHeaders     map[string]string
	maxBodyBytes       int64
	rateLimiters       map[string]*rate.Limiter // ホスト名ごとのレートリミッター
	rateLimitersMutex  sync.Mutex               // rateLimitersへのアクセスを保護するMutex
	perDomainIntervals map[string]int           // ドメインごとの設定間隔
}

// NewClient は NetworkSettings に基づいて HTTP クライアントを初期化します。
func NewClient(settings config.NetworkSettings) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jarの作成に失敗しました: %w", err)
	}

	// 候補ごとのタイムアウトは呼び出し側の context で掛けるので、ここは上限の保険
	timeout := time.Duration(settings.RequestTimeoutMillis) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(config.DefaultRequestTimeoutMillis) * time.Millisecond
	}
	maxBody := settings.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = config.DefaultMaxBodyBytes
	}

	client := &Client{
		httpClient: &http.Client{
			Jar:     jar,
			Timeout: timeout * 2,
		},
		jar:                jar,
		defaultHeaders:     settings.DefaultHeaders,
		maxBodyBytes:       maxBody,
		rateLimiters:       make(map[string]*rate.Limiter),
		perDomainIntervals: settings.PerDomainIntervalMillis,
	}
	for _, c := range settings.Cookies {
		cookie := &http.Cookie{Name: c.Name, Value: c.Value, Path: "/"}
		if err := client.SetCookie(c.URL, cookie); err != nil {
			return nil, fmt.Errorf("Cookie '%s' の設定に失敗しました: %w", c.Name, err)
		}
	}
	return client, nil
}

// SetCookie は、指定されたURLのドメインに対して、任意のCookieを設定します。
func (c *Client) SetCookie(domainURL string, cookie *http.Cookie) error {
	if !strings.HasPrefix(domainURL, "http") {
		domainURL = "https://" + domainURL
	}

	parsedURL, err := url.Parse(domainURL)
	if err != nil {
		return fmt.Errorf("Cookie設定のためのURL解析に失敗しました: %w", err)
	}

	c.jar.SetCookies(parsedURL, []*http.Cookie{cookie})
	return nil
}

// Fetch は、ホストごとの間隔を守って GET リクエストを送信します。
func (c *Client) Fetch(ctx context.Context, r Request) (*Response, error) {
	parsedURL, err := url.Parse(r.URL)
	if err != nil {
		return nil, fmt.Errorf("リクエストURLの解析に失敗しました (%s): %w", r.URL, err)
	}

	// Limiter 自体は並行利用できるので、待機中はロックを持たない
	limiter := c.getLimiterForHost(parsedURL.Hostname())
	if err := limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("レートリミッター待機中にエラーが発生しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("GETリクエストの作成に失敗しました (%s): %w", r.URL, err)
	}
	for key, value := range c.defaultHeaders {
		req.Header.Set(key, value)
	}
	for key, value := range r.Headers {
		req.Header.Set(key, value)
	}
	if r.UserAgent != "" {
		req.Header.Set("User-Agent", r.UserAgent)
	}
	// 明示的に指定すると net/http は自動展開しないため、readBody で展開する
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GETリクエストの送信に失敗しました (%s): %w", r.URL, err)
	}
	defer resp.Body.Close()

	out := &Response{
		URL:         resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return out, nil
	}

	body, err := c.readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み込みに失敗しました (%s): %w", r.URL, err)
	}
	out.Body = body
	log.Debug().Str("url", r.URL).Int("status", resp.StatusCode).Int("bytes", len(body)).Msg("取得しました")
	return out, nil
}

var gzipMagic = []byte{0x1f, 0x8b}

func (c *Client) readBody(resp *http.Response) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > c.maxBodyBytes {
		return nil, ErrBodyTooLarge
	}
	if !strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") && !bytes.HasPrefix(raw, gzipMagic) {
		return raw, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("gzipの展開に失敗しました: %w", err)
	}
	defer zr.Close()
	body, err := io.ReadAll(io.LimitReader(zr, c.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("gzipの展開に失敗しました: %w", err)
	}
	if int64(len(body)) > c.maxBodyBytes {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}

// getLimiterForHost は、指定されたホスト名に対応するレートリミッターを返します。
// 存在しない場合は新しく生成します。設定はホスト名の後方一致で探します。
func (c *Client) getLimiterForHost(host string) *rate.Limiter {
	c.rateLimitersMutex.Lock()
	defer c.rateLimitersMutex.Unlock()

	if limiter, exists := c.rateLimiters[host]; exists {
		return limiter
	}

	intervalMillis := 1000 // デフォルト1秒
	if val, ok := c.perDomainIntervals[host]; ok && val > 0 {
		intervalMillis = val
	} else {
		for domain, val := range c.perDomainIntervals {
			if val > 0 && strings.HasSuffix(host, "."+domain) {
				intervalMillis = val
				break
			}
		}
	}

	limit := rate.Every(time.Duration(intervalMillis) * time.Millisecond)
	newLimiter := rate.NewLimiter(limit, 1) // バーストは1に設定

	c.rateLimiters[host] = newLimiter
	return newLimiter
}
