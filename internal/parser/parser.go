// Package parser は、各掲示板の文書形式（DAT 行形式・HTML 断片・JSON API）を
// 正規化前のレス一覧へ変換します。
//
// どのパーサーも、レスを1件も抽出できなかった場合は空のスレッドではなく
// ErrNoPosts を返します。実在するスレッドが空になることはないため、
// これは「レイアウト変更にパーサーが追従できていない」ことを意味します。
package parser

import (
	"errors"
	"time"
)

var (
	// ErrNoPosts は、どのパターンでもレスを抽出できなかったことを示します。
	ErrNoPosts = errors.New("レスを1件も抽出できませんでした")
	// ErrSourceNotFound は、取得元 API 自身が「存在しない」と応答したことを示します。
	ErrSourceNotFound = errors.New("取得元がスレッドの不存在を報告しました")
)

// RawPost は、パーサーが抽出した正規化前のレスです。
type RawPost struct {
	// Number は取得元が示したレス番号です。不明な場合は 0。
	Number    int
	Name      string
	Mail      string
	AuthorTag string
	// DateText は日付欄の生の文字列です（ID 部分は除く）。
	DateText string
	// CreatedAt は DateText を解釈できた場合のみ有効です。
	CreatedAt time.Time
	HasDate   bool
	Body      string
	ImageURLs []string
}

// Result は、ひとつの文書の解析結果です。
type Result struct {
	Title string
	Posts []RawPost
	// Layout は実際に一致した形式の名前です（"dat", "article" など）。
	Layout string
	// NextPage は、続きのページがある場合のURLです（GirlsChannel のみ）。
	NextPage string
}
