// Package model は、取り込みパイプライン全体で共有されるスレッド・レス・
// 文書のデータ型を定義します。
package model

import (
	"fmt"
	"time"
)

// JST は掲示板の日時表記に使われる日本標準時 (+09:00) です。
var JST = time.FixedZone("JST", 9*60*60)

// SourceKind は、対応している掲示板サービスの種別です。
type SourceKind string

const (
	SourceUnknown      SourceKind = "unknown"
	Source5ch          SourceKind = "5ch"
	SourceOpen2ch      SourceKind = "open2ch"
	Source2chSC        SourceKind = "2chsc"
	SourceShikutoku    SourceKind = "shikutoku"
	SourceGirlsChannel SourceKind = "girlschannel"
)

// LocatorFamily は、スレッドの識別方法の系統です。
type LocatorFamily string

const (
	FamilyLegacyBoard    LocatorFamily = "legacy-board"
	FamilyProprietaryAPI LocatorFamily = "proprietary-api"
	FamilyCommunityTopic LocatorFamily = "community-topic"
)

// Locator は、ひとつのスレッドを指し示す値です。
// Family によって有効なフィールドが変わります。値として扱い、生成後に変更しません。
type Locator struct {
	Source SourceKind    `json:"source" yaml:"source"`
	Family LocatorFamily `json:"family" yaml:"family"`

	// legacy-board (5ch / open2ch / 2ch.sc)
	Server    string `json:"server,omitempty" yaml:"server,omitempty"` // ホスト名全体 (例: egg.5ch.net)
	Board     string `json:"board,omitempty" yaml:"board,omitempty"`
	ThreadKey string `json:"thread_key,omitempty" yaml:"thread_key,omitempty"`

	// proprietary-api (Shikutoku)
	TalkID string `json:"talk_id,omitempty" yaml:"talk_id,omitempty"`

	// community-topic (GirlsChannel)
	TopicID string `json:"topic_id,omitempty" yaml:"topic_id,omitempty"`
}

// NewLegacyBoardLocator は、DAT形式の掲示板のロケータを生成します。
func NewLegacyBoardLocator(source SourceKind, server, board, threadKey string) Locator {
	return Locator{Source: source, Family: FamilyLegacyBoard, Server: server, Board: board, ThreadKey: threadKey}
}

// NewTalkLocator は、Shikutoku のトークを指すロケータを生成します。
func NewTalkLocator(talkID string) Locator {
	return Locator{Source: SourceShikutoku, Family: FamilyProprietaryAPI, TalkID: talkID}
}

// NewTopicLocator は、GirlsChannel のトピックを指すロケータを生成します。
func NewTopicLocator(topicID string) Locator {
	return Locator{Source: SourceGirlsChannel, Family: FamilyCommunityTopic, TopicID: topicID}
}

// Key は、系統ごとのスレッド識別子を返します。
func (l Locator) Key() string {
	switch l.Family {
	case FamilyLegacyBoard:
		return l.ThreadKey
	case FamilyProprietaryAPI:
		return l.TalkID
	case FamilyCommunityTopic:
		return l.TopicID
	default:
		return ""
	}
}

// ThreadID は "<ソース接頭辞>-<キー>" 形式の統一スレッドIDを返します。
func (l Locator) ThreadID() string {
	return fmt.Sprintf("%s-%s", l.Source, l.Key())
}

// Thread は、取得・解析が一度成功したスレッドです。再取得すると新しい値が作られます。
type Thread struct {
	ID        string     `json:"id" yaml:"id"`
	Source    SourceKind `json:"source" yaml:"source"`
	Title     string     `json:"title" yaml:"title"`
	URL       string     `json:"url" yaml:"url"`
	CreatedAt time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" yaml:"updated_at"`
	PostCount int        `json:"post_count" yaml:"post_count"`
}

// Post は、スレッド内のひとつのレス（コメント）です。
type Post struct {
	ID             string `json:"id" yaml:"id"`
	SequenceNumber int    `json:"sequence_number" yaml:"sequence_number"`
	// SourceNumber は掲示板側が表示していたレス番号です。>>N アンカーはこちらを参照します。
	SourceNumber     int       `json:"source_number" yaml:"source_number"`
	AuthorName       string    `json:"author_name" yaml:"author_name"`
	AuthorTag        string    `json:"author_tag,omitempty" yaml:"author_tag,omitempty"`
	Email            string    `json:"email,omitempty" yaml:"email,omitempty"`
	Body             string    `json:"body" yaml:"body"`
	Anchors          []int     `json:"anchors,omitempty" yaml:"anchors,omitempty"`
	CreatedAt        time.Time `json:"created_at" yaml:"created_at"`
	DateRaw          string    `json:"date_raw,omitempty" yaml:"date_raw,omitempty"`
	ImageURLs        []string  `json:"image_urls" yaml:"image_urls"`
	IsOriginalPoster bool      `json:"is_original_poster" yaml:"is_original_poster"`
}

// Encoding は、取得した文書のバイト列の文字コードです。
type Encoding string

const (
	EncodingSJIS  Encoding = "SJIS"
	EncodingEUCJP Encoding = "EUCJP"
	EncodingUTF8  Encoding = "UTF8"
)

// DecodedDocument は、文字コード変換後の一時的な文書です。解析後は破棄されます。
type DecodedDocument struct {
	Text           string
	SourceEncoding Encoding
	// ConfidenceOK が false の場合、最終手段の Shift_JIS 強制変換で得たテキストです。
	ConfidenceOK bool
}
