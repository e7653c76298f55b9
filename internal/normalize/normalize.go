// Package normalize は、パーサーの出力を統一された Thread / Post モデルへ変換します。
package normalize

import (
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ru88s/matomeln-sub000/internal/model"
	"github.com/ru88s/matomeln-sub000/internal/parser"
)

// 名前欄のIDが無い、または表示されない掲示板で使われる値。スレ主判定には使えません。
var meaninglessTags = map[string]bool{
	"":     true,
	"???":  true,
	"???0": true,
}

// Options は Normalize の動作を調整します。
type Options struct {
	// URL は取得に成功した文書のURLです。
	URL string
	// Now は日付が一切得られない場合の現在時刻です。nil なら time.Now。
	Now func() time.Time
}

// Report は正規化中に見つかったデータ品質上の問題をまとめたものです。
type Report struct {
	// Reindexed は、レス番号に欠番や重複があり連番へ振り直したことを示します。
	Reindexed bool `json:"reindexed"`
	// Gaps は、振り直しで番号が変わったレスの数です。
	Gaps int `json:"gaps"`
	// DatesFilled は、日付を解釈できず補完したレスの数です。
	DatesFilled int `json:"dates_filled"`
	Layout      string `json:"layout"`
}

// Normalized は正規化の結果です。
type Normalized struct {
	Thread model.Thread
	Posts  []model.Post
	Report Report
}

// Normalize は、解析結果 res をロケータ loc のスレッドとして正規化します。
//
// SequenceNumber は必ず 1..N の連番になります。掲示板側の番号は SourceNumber に残すため、
// 本文中の >>N アンカーは振り直し後も元の番号で解決できます。
func Normalize(res *parser.Result, loc model.Locator, opts Options) *Normalized {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if res == nil {
		res = &parser.Result{}
	}

	threadID := loc.ThreadID()
	out := &Normalized{
		Thread: model.Thread{
			ID:     threadID,
			Source: loc.Source,
			Title:  threadTitle(res.Title, loc),
			URL:    opts.URL,
		},
		Posts:  make([]model.Post, 0, len(res.Posts)),
		Report: Report{Layout: res.Layout},
	}

	opTag := ""
	if len(res.Posts) > 0 && !meaninglessTags[res.Posts[0].AuthorTag] {
		opTag = res.Posts[0].AuthorTag
	}

	for i, raw := range res.Posts {
		seq := i + 1
		sourceNumber := raw.Number
		if sourceNumber <= 0 {
			sourceNumber = seq
		}
		if sourceNumber != seq {
			out.Report.Gaps++
		}

		post := model.Post{
			ID:               fmt.Sprintf("%s-%d", threadID, seq),
			SequenceNumber:   seq,
			SourceNumber:     sourceNumber,
			AuthorName:       raw.Name,
			AuthorTag:        raw.AuthorTag,
			Email:            raw.Mail,
			Body:             raw.Body,
			Anchors:          parser.ExtractAnchors(raw.Body),
			DateRaw:          raw.DateText,
			ImageURLs:        raw.ImageURLs,
			IsOriginalPoster: opTag != "" && raw.AuthorTag == opTag,
		}
		if post.ImageURLs == nil {
			post.ImageURLs = []string{}
		}
		if raw.HasDate {
			post.CreatedAt = raw.CreatedAt.In(model.JST)
		} else {
			post.CreatedAt = fallbackDate(res.Posts, i, out.Posts, loc, now)
			out.Report.DatesFilled++
		}
		out.Posts = append(out.Posts, post)
	}

	if out.Report.Gaps > 0 {
		out.Report.Reindexed = true
		log.Warn().
			Str("thread", threadID).
			Int("gaps", out.Report.Gaps).
			Int("posts", len(out.Posts)).
			Msg("レス番号に欠番または重複があるため連番に振り直しました（元の番号は source_number に保持）")
	}
	if out.Report.DatesFilled > 0 {
		log.Debug().Str("thread", threadID).Int("count", out.Report.DatesFilled).Msg("日付を解釈できないレスの日時を補完しました")
	}

	out.Thread.PostCount = len(out.Posts)
	if n := len(out.Posts); n > 0 {
		out.Thread.CreatedAt = out.Posts[0].CreatedAt
		out.Thread.UpdatedAt = out.Posts[n-1].CreatedAt
	} else {
		t := now().In(model.JST)
		out.Thread.CreatedAt = t
		out.Thread.UpdatedAt = t
	}
	return out
}

// fallbackDate は日付を解釈できなかったレスの日時を決めます。
// 同じ文書からは常に同じ値になるよう、直前のレス、直後の日付付きレス、
// スレッドキー（UNIX 時刻）の順に探し、どれも無い場合だけ現在時刻を使います。
func fallbackDate(raws []parser.RawPost, i int, done []model.Post, loc model.Locator, now func() time.Time) time.Time {
	if len(done) > 0 {
		return done[len(done)-1].CreatedAt
	}
	for _, next := range raws[i+1:] {
		if next.HasDate {
			return next.CreatedAt.In(model.JST)
		}
	}
	if t, ok := KeyTime(loc); ok {
		return t
	}
	return now().In(model.JST)
}

// KeyTime は、DAT系掲示板のスレッドキー（スレ立て時刻の UNIX 秒）を時刻として返します。
func KeyTime(loc model.Locator) (time.Time, bool) {
	if loc.Family != model.FamilyLegacyBoard || len(loc.ThreadKey) < 9 || len(loc.ThreadKey) > 10 {
		return time.Time{}, false
	}
	sec, err := strconv.ParseInt(loc.ThreadKey, 10, 64)
	if err != nil || sec <= 0 {
		return time.Time{}, false
	}
	return time.Unix(sec, 0).In(model.JST), true
}

func threadTitle(title string, loc model.Locator) string {
	if title != "" {
		return title
	}
	switch loc.Family {
	case model.FamilyLegacyBoard:
		return fmt.Sprintf("%s thread", loc.Board)
	case model.FamilyProprietaryAPI:
		return fmt.Sprintf("talk %s", loc.TalkID)
	case model.FamilyCommunityTopic:
		return fmt.Sprintf("topic %s", loc.TopicID)
	default:
		return loc.ThreadID()
	}
}
