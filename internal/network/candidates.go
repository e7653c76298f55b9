package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// FailureKind は、すべての候補が失敗したときの分類です。
type FailureKind string

const (
	// FailureNotFound は、どの候補も「存在しない」と応答したことを示します。再試行しても無駄です。
	FailureNotFound FailureKind = "not_found"
	// FailureTransient は、少なくとも1つの候補が一時的な理由で失敗したことを示します。
	FailureTransient FailureKind = "transient"
)

// Attempt は1候補への取得の試みです。
type Attempt struct {
	URL        string        `json:"url"`
	StatusCode int           `json:"status_code,omitempty"`
	Err        string        `json:"error,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
}

// OK は 2xx 応答だったかを返します。
func (a Attempt) OK() bool {
	return a.Err == "" && a.StatusCode >= 200 && a.StatusCode < 300
}

// Transient は、この試みが時間をおけば成功しうる失敗だったかを返します。
func (a Attempt) Transient() bool {
	if a.OK() {
		return false
	}
	if a.Err != "" {
		return true
	}
	return a.httpError().IsRetryable()
}

func (a Attempt) httpError() *HTTPError {
	return &HTTPError{StatusCode: a.StatusCode, URL: a.URL, Message: http.StatusText(a.StatusCode)}
}

func (a Attempt) String() string {
	if a.Err != "" {
		return fmt.Sprintf("%s (%s)", a.URL, a.Err)
	}
	return a.httpError().Error()
}

// FetchFailure は、すべての候補が失敗したことを表すエラーです。
type FetchFailure struct {
	Kind     FailureKind
	Attempts []Attempt
	// Cause は中断の原因です (context のキャンセルなど)。
	Cause error
}

func (e *FetchFailure) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.String()
	}
	msg := fmt.Sprintf("すべての取得候補が失敗しました [%s]: %s", e.Kind, strings.Join(parts, ", "))
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *FetchFailure) Unwrap() error { return e.Cause }

// Fetched は、最初に成功した候補の取得結果です。
type Fetched struct {
	Response *Response
	// Index は成功した候補の reqs 内の位置です。
	Index    int
	Attempts []Attempt
}

// CandidateOptions は FetchCandidates の動作を調整します。
type CandidateOptions struct {
	// Timeout は候補ごとの待ち時間の上限です。0 なら既定値。
	Timeout time.Duration
	// OnAttempt は試みのたびに呼ばれます (メトリクス用)。
	OnAttempt func(Attempt)
}

const defaultAttemptTimeout = 20 * time.Second

// FetchCandidates は reqs を先頭から順に1つずつ試し、最初の 2xx 応答を返します。
// 後ろの候補ほど高コスト・低成功率なので、並行には試しません。
// すべて失敗した場合は *FetchFailure を返します。呼び出し側の context が
// 中断された場合は、残りの候補を試さずに Transient として返します。
func FetchCandidates(ctx context.Context, f Fetcher, reqs []Request, opts CandidateOptions) (*Fetched, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultAttemptTimeout
	}

	attempts := make([]Attempt, 0, len(reqs))
	for i, req := range reqs {
		if err := ctx.Err(); err != nil {
			return nil, &FetchFailure{Kind: FailureTransient, Attempts: attempts, Cause: err}
		}

		attempt, resp := fetchOne(ctx, f, req, timeout)
		attempts = append(attempts, attempt)
		if opts.OnAttempt != nil {
			opts.OnAttempt(attempt)
		}
		if attempt.OK() {
			return &Fetched{Response: resp, Index: i, Attempts: attempts}, nil
		}
		log.Debug().Str("attempt", attempt.String()).Int("candidate", i+1).Int("of", len(reqs)).Msg("次の候補を試します")
	}

	failure := &FetchFailure{Kind: ClassifyAttempts(attempts), Attempts: attempts}
	if err := ctx.Err(); err != nil {
		failure.Kind = FailureTransient
		failure.Cause = err
	}
	return nil, failure
}

// ClassifyAttempts は、失敗した試みの列を分類します。
// 1つでも一時的な失敗があれば Transient、候補が無いかすべて終端的な 4xx なら NotFound です。
func ClassifyAttempts(attempts []Attempt) FailureKind {
	for _, a := range attempts {
		if a.Transient() {
			return FailureTransient
		}
	}
	return FailureNotFound
}

func fetchOne(ctx context.Context, f Fetcher, req Request, timeout time.Duration) (Attempt, *Response) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := safeFetch(attemptCtx, f, req)
	attempt := Attempt{URL: req.URL, Elapsed: time.Since(start)}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			attempt.Err = fmt.Sprintf("タイムアウト (%s)", timeout)
		} else {
			attempt.Err = err.Error()
		}
		return attempt, nil
	}
	attempt.StatusCode = resp.StatusCode
	return attempt, resp
}

// safeFetch は Fetcher 内部のパニックを通信エラーとして扱います。
func safeFetch(ctx context.Context, f Fetcher, req Request) (resp *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = fmt.Errorf("取得処理で予期しないパニックが発生しました: %v", r)
		}
	}()
	resp, err = f.Fetch(ctx, req)
	if err == nil && resp == nil {
		err = errors.New("取得処理が応答を返しませんでした")
	}
	return resp, err
}
