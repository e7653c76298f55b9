package core

import (
	"errors"
	"fmt"

	"github.com/ru88s/matomeln-sub000/internal/network"
)

// ErrorKind は取り込み失敗の分類です。呼び出し側はこれだけを見て
// 続行・再試行・中断を決められます。
type ErrorKind string

const (
	// KindInvalidInput は、入力がどの掲示板の形式にも一致しないことを示します。
	KindInvalidInput ErrorKind = "invalid_input"
	// KindNotFound は、すべての候補が不存在を返したか、API が不存在を報告したことを示します。
	KindNotFound ErrorKind = "not_found"
	// KindTransient は、アクセス制限・サーバーエラー・通信エラーによる一時的な失敗です。
	KindTransient ErrorKind = "transient"
	// KindEncodingUnresolved は文字コードを確定できなかったことを示します。
	// 取り込み自体は失敗させず、Result.LowConfidence として付記します。
	KindEncodingUnresolved ErrorKind = "encoding_unresolved"
	// KindParseFailure は、文書は取得できたがレスを1件も抽出できなかったことを示します。
	KindParseFailure ErrorKind = "parse_failure"
)

// Action は、失敗を受けた一括処理の振る舞いです。
type Action string

const (
	ActionSkip  Action = "skip"
	ActionRetry Action = "retry"
	ActionAbort Action = "abort"
)

// Message は利用者に表示する文言です。分類ごとに異なります。
func (k ErrorKind) Message() string {
	switch k {
	case KindInvalidInput:
		return "対応していないURLです。スレッドのURLを確認してください"
	case KindNotFound:
		return "スレッドが見つかりませんでした。削除されたか、過去ログに移動した可能性があります"
	case KindTransient:
		return "掲示板に一時的に接続できませんでした。しばらく待ってから再度お試しください"
	case KindEncodingUnresolved:
		return "文字コードを判定できませんでした。文字化けしている可能性があります"
	case KindParseFailure:
		return "スレッドの内容を読み取れませんでした。掲示板のレイアウトが変わった可能性があります"
	default:
		return "不明なエラーが発生しました"
	}
}

// Action は分類ごとの既定の振る舞いを返します。
func (k ErrorKind) Action() Action {
	switch k {
	case KindInvalidInput:
		return ActionAbort
	case KindTransient:
		return ActionRetry
	default:
		return ActionSkip
	}
}

// IngestError は Ingest が返す唯一のエラー型です。
type IngestError struct {
	Kind  ErrorKind
	Input string
	// Attempts は試した候補URLとその結果です。URL解析で失敗した場合は空です。
	Attempts []network.Attempt
	Err      error
}

func (e *IngestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (入力=%s): %v", e.Kind.Message(), e.Input, e.Err)
	}
	return fmt.Sprintf("%s (入力=%s)", e.Kind.Message(), e.Input)
}

func (e *IngestError) Unwrap() error { return e.Err }

// KindOf は err の分類を返します。IngestError 以外は Transient とみなします。
func KindOf(err error) ErrorKind {
	var ie *IngestError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return KindTransient
}
