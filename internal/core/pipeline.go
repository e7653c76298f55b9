// Package core は、スレッド取り込みの中核となる処理を実装します。
// 入力の判定から取得・文字コード変換・解析・正規化までを Pipeline が順に行い、
// 一括取得や保存、保存済みデータの検証はその上に組み立てられています。
package core

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ru88s/matomeln-sub000/internal/adapter"
	"github.com/ru88s/matomeln-sub000/internal/config"
	"github.com/ru88s/matomeln-sub000/internal/jpenc"
	"github.com/ru88s/matomeln-sub000/internal/metrics"
	"github.com/ru88s/matomeln-sub000/internal/model"
	"github.com/ru88s/matomeln-sub000/internal/network"
	"github.com/ru88s/matomeln-sub000/internal/normalize"
	"github.com/ru88s/matomeln-sub000/internal/parser"
)

var (
	errUnsupportedInput = errors.New("入力がどの掲示板のスレッドURLにも一致しません")
	errNoCandidates     = errors.New("取得候補URLがありません")
)

// Result は取り込みに成功したスレッドです。
type Result struct {
	Thread  model.Thread  `json:"thread"`
	Posts   []model.Post  `json:"posts"`
	Locator model.Locator `json:"locator"`
	// Encoding は取得した文書の元の文字コードです。
	Encoding model.Encoding `json:"encoding"`
	// LowConfidence は、文字コードを確定できず Shift_JIS として強制変換したことを示します。
	LowConfidence bool   `json:"low_confidence"`
	Layout        string `json:"layout"`
	Pages         int    `json:"pages"`
	// Incomplete は、2ページ目以降の取得に失敗し、途中までのレスしか無いことを示します。
	Incomplete bool              `json:"incomplete,omitempty"`
	Attempts   []network.Attempt `json:"attempts"`
	Report     normalize.Report  `json:"report"`
}

// Notices は、成功したが利用者に注意を促すべき分類を返します。
func (r *Result) Notices() []ErrorKind {
	if r.LowConfidence {
		return []ErrorKind{KindEncodingUnresolved}
	}
	return nil
}

// Pipeline は、入力文字列1つを Thread と Post の列へ変換します。
// 並行に呼び出して構いません。共有する可変状態は Fetcher の内部だけです。
type Pipeline struct {
	registry       *adapter.Registry
	fetcher        network.Fetcher
	decoder        *jpenc.Decoder
	agents         network.UserAgents
	attemptTimeout time.Duration
	maxPages       int
	now            func() time.Time
	metrics        *metrics.Metrics
}

// Option は Pipeline の設定を変更します。
type Option func(*Pipeline)

func WithRegistry(r *adapter.Registry) Option {
	return func(p *Pipeline) { p.registry = r }
}

func WithDecoder(d *jpenc.Decoder) Option {
	return func(p *Pipeline) { p.decoder = d }
}

func WithUserAgents(ua network.UserAgents) Option {
	return func(p *Pipeline) { p.agents = ua }
}

// WithAttemptTimeout は候補URLごとの待ち時間の上限を設定します。
func WithAttemptTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.attemptTimeout = d }
}

// WithMaxPages は複数ページのトピックを辿る上限を設定します。
func WithMaxPages(n int) Option {
	return func(p *Pipeline) { p.maxPages = n }
}

// WithClock は日付が得られない場合に使う時計を差し替えます。
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// NewPipeline は既定の対応表で Pipeline を作ります。
func NewPipeline(f network.Fetcher, opts ...Option) *Pipeline {
	p := &Pipeline{
		fetcher:  f,
		maxPages: config.DefaultMaxPages,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.registry == nil {
		p.registry = adapter.DefaultRegistry()
	}
	if p.decoder == nil {
		p.decoder = jpenc.NewDecoder(jpenc.DefaultThresholds())
	}
	if p.agents.DAT == "" {
		p.agents.DAT = config.DefaultDATUserAgent
	}
	if p.maxPages <= 0 {
		p.maxPages = 1
	}
	return p
}

// NewPipelineFromConfig は設定ファイルの内容から HTTP クライアントを含めて Pipeline を組み立てます。
func NewPipelineFromConfig(cfg *config.Config, m *metrics.Metrics) (*Pipeline, error) {
	client, err := network.NewClient(cfg.Network)
	if err != nil {
		return nil, fmt.Errorf("ネットワーククライアントの初期化に失敗しました: %w", err)
	}
	registry, err := adapter.NewRegistry(cfg.Sources, cfg.HTMLLayouts)
	if err != nil {
		return nil, fmt.Errorf("掲示板の対応表の読み込みに失敗しました: %w", err)
	}
	return NewPipeline(client,
		WithRegistry(registry),
		WithDecoder(jpenc.NewDecoder(cfg.Encoding)),
		WithUserAgents(network.NewUserAgents(cfg.Network)),
		WithAttemptTimeout(time.Duration(cfg.Network.RequestTimeoutMillis)*time.Millisecond),
		WithMaxPages(cfg.MaxPages),
		WithMetrics(m),
	), nil
}

// Registry は判定に使っている対応表を返します。
func (p *Pipeline) Registry() *adapter.Registry {
	return p.registry
}

// Classify は入力がどの掲示板のものかを返します。ネットワークにはアクセスしません。
func (p *Pipeline) Classify(input string) model.SourceKind {
	return p.registry.Classify(strings.TrimSpace(input))
}

// Locate は入力からロケータを取り出します。解釈できなければ InvalidInput の IngestError です。
func (p *Pipeline) Locate(input string) (model.Locator, error) {
	_, loc, ok := p.registry.Resolve(strings.TrimSpace(input))
	if !ok {
		return model.Locator{}, &IngestError{Kind: KindInvalidInput, Input: input, Err: errUnsupportedInput}
	}
	return loc, nil
}

// Ingest は input が指すスレッドを取得し、正規化して返します。
//
// 失敗は必ず *IngestError で返します。内部のパニックや想定外のエラーも
// Transient に変換するので、呼び出し側は掲示板ごとの例外処理を持つ必要がありません。
func (p *Pipeline) Ingest(ctx context.Context, input string) (res *Result, err error) {
	start := time.Now()
	source := string(model.SourceUnknown)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("input", input).Msg("取り込み中に予期しないパニックが発生しました")
			res = nil
			err = &IngestError{Kind: KindTransient, Input: input, Err: fmt.Errorf("予期しないパニック: %v", r)}
		}
		outcome := "ok"
		switch {
		case err != nil:
			outcome = string(KindOf(err))
		case res.LowConfidence:
			outcome = string(KindEncodingUnresolved)
		}
		p.metrics.ObserveIngest(source, outcome, time.Since(start))
	}()

	a, loc, ok := p.registry.Resolve(strings.TrimSpace(input))
	if !ok {
		return nil, &IngestError{Kind: KindInvalidInput, Input: input, Err: errUnsupportedInput}
	}
	source = string(a.Kind())
	return p.ingest(ctx, input, a, loc)
}

// fetchState は候補を順に試す間の経過です。
type fetchState struct {
	attempts       []network.Attempt
	parseErrs      []error
	sourceNotFound bool
}

func (p *Pipeline) ingest(ctx context.Context, input string, a adapter.SourceAdapter, loc model.Locator) (*Result, error) {
	candidates := a.CandidateURLs(loc)
	reqs := make([]network.Request, len(candidates))
	for i, c := range candidates {
		reqs[i] = p.request(c)
	}

	var st fetchState
	next := 0
	for next < len(reqs) {
		fetched, err := network.FetchCandidates(ctx, p.fetcher, reqs[next:], p.candidateOptions(a.Kind()))
		if err != nil {
			var ff *network.FetchFailure
			if errors.As(err, &ff) {
				st.attempts = append(st.attempts, ff.Attempts...)
			}
			return nil, p.failure(ctx, input, &st, err)
		}
		st.attempts = append(st.attempts, fetched.Attempts...)

		idx := next + fetched.Index
		cand := candidates[idx]
		docURL := fetched.Response.URL
		if docURL == "" {
			docURL = cand.URL
		}
		doc := p.decoder.Decode(fetched.Response.Body)
		parsed, perr := a.Parse(cand, doc.Text)
		if perr != nil {
			// 2xx でも中身が読めなければ、残りの候補を試す
			if errors.Is(perr, parser.ErrSourceNotFound) {
				st.sourceNotFound = true
			}
			st.parseErrs = append(st.parseErrs, fmt.Errorf("%s: %w", cand.URL, perr))
			log.Warn().Err(perr).Str("url", cand.URL).Str("format", string(cand.Format)).Msg("取得した文書を解析できませんでした。次の候補を試します")
			next = idx + 1
			continue
		}

		result := &Result{
			Locator:       loc,
			Encoding:      doc.SourceEncoding,
			LowConfidence: !doc.ConfidenceOK,
			Layout:        parsed.Layout,
			Pages:         1,
		}
		if parsed.NextPage != "" {
			p.followPages(ctx, a, cand, docURL, parsed, result, &st)
		}
		result.Attempts = st.attempts

		n := normalize.Normalize(parsed, loc, normalize.Options{URL: docURL, Now: p.now})
		result.Thread = n.Thread
		result.Posts = n.Posts
		result.Report = n.Report
		p.metrics.ObserveLayout(string(a.Kind()), parsed.Layout)

		if result.LowConfidence {
			log.Warn().Str("thread_id", n.Thread.ID).Msg(KindEncodingUnresolved.Message())
		}
		log.Info().
			Str("thread_id", n.Thread.ID).
			Str("layout", parsed.Layout).
			Str("encoding", string(doc.SourceEncoding)).
			Int("posts", len(n.Posts)).
			Int("pages", result.Pages).
			Msg("スレッドを取り込みました")
		return result, nil
	}
	return nil, p.failure(ctx, input, &st, nil)
}

// followPages は NextPage を辿り、後続ページのレスを parsed に追加します。
// 途中で失敗した場合はそこまでの結果を残し、Incomplete を立てます。
func (p *Pipeline) followPages(ctx context.Context, a adapter.SourceAdapter, cand adapter.Candidate, docURL string, parsed *parser.Result, result *Result, st *fetchState) {
	seenURL := map[string]bool{docURL: true}
	seenNumber := make(map[int]bool, len(parsed.Posts))
	for _, post := range parsed.Posts {
		if post.Number > 0 {
			seenNumber[post.Number] = true
		}
	}

	base := docURL
	nextHref := parsed.NextPage
	for nextHref != "" && result.Pages < p.maxPages {
		pageURL, err := resolveURL(base, nextHref)
		if err != nil || seenURL[pageURL] {
			break
		}
		seenURL[pageURL] = true

		pageCand := adapter.Candidate{URL: pageURL, Format: cand.Format, Client: cand.Client}
		fetched, err := network.FetchCandidates(ctx, p.fetcher, []network.Request{p.request(pageCand)}, p.candidateOptions(a.Kind()))
		if err != nil {
			var ff *network.FetchFailure
			if errors.As(err, &ff) {
				st.attempts = append(st.attempts, ff.Attempts...)
			}
			log.Warn().Err(err).Str("url", pageURL).Int("page", result.Pages+1).Msg("続きのページを取得できませんでした。ここまでのレスで取り込みます")
			result.Incomplete = true
			return
		}
		st.attempts = append(st.attempts, fetched.Attempts...)

		doc := p.decoder.Decode(fetched.Response.Body)
		page, err := a.Parse(pageCand, doc.Text)
		if err != nil {
			log.Warn().Err(err).Str("url", pageURL).Msg("続きのページを解析できませんでした。ここまでのレスで取り込みます")
			result.Incomplete = true
			return
		}
		if !doc.ConfidenceOK {
			result.LowConfidence = true
		}

		added := 0
		for _, post := range page.Posts {
			if post.Number > 0 {
				if seenNumber[post.Number] {
					continue
				}
				seenNumber[post.Number] = true
			}
			parsed.Posts = append(parsed.Posts, post)
			added++
		}
		result.Pages++
		if added == 0 {
			break
		}
		base = pageURL
		nextHref = page.NextPage
	}
	parsed.NextPage = ""
}

// failure は、成功しなかった取り込みの経過を IngestError に分類します。
//
// 一時的な失敗が1つでもあれば再試行の価値があるので Transient を優先します。
// 次に API 自身の不存在報告、取得できたのに読めなかった文書の順に見て、
// どれにも当たらなければ NotFound です。
func (p *Pipeline) failure(ctx context.Context, input string, st *fetchState, cause error) *IngestError {
	ie := &IngestError{Input: input, Attempts: st.attempts, Err: cause}
	if len(st.parseErrs) > 0 {
		ie.Err = errors.Join(append([]error{cause}, st.parseErrs...)...)
	}
	if len(st.attempts) == 0 && cause == nil {
		ie.Err = errNoCandidates
	}

	transient := ctx.Err() != nil
	for _, at := range st.attempts {
		if at.Transient() {
			transient = true
			break
		}
	}
	switch {
	case transient:
		ie.Kind = KindTransient
	case st.sourceNotFound:
		ie.Kind = KindNotFound
	case len(st.parseErrs) > 0:
		ie.Kind = KindParseFailure
	default:
		ie.Kind = KindNotFound
	}
	log.Debug().Str("kind", string(ie.Kind)).Int("attempts", len(st.attempts)).Str("input", input).Msg("取り込みに失敗しました")
	return ie
}

func (p *Pipeline) request(c adapter.Candidate) network.Request {
	req := network.Request{URL: c.URL}
	if c.Client == adapter.ClientMonazilla {
		req.UserAgent = p.agents.ForDAT()
	} else {
		req.UserAgent = p.agents.ForBrowser()
	}
	if c.Format == adapter.FormatJSON {
		req.Headers = map[string]string{"Accept": "application/json"}
	}
	return req
}

func (p *Pipeline) candidateOptions(kind model.SourceKind) network.CandidateOptions {
	return network.CandidateOptions{
		Timeout: p.attemptTimeout,
		OnAttempt: func(a network.Attempt) {
			p.metrics.ObserveAttempt(string(kind), a.StatusCode)
		},
	}
}

func resolveURL(base, href string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	h, err := url.Parse(href)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(h).String(), nil
}
