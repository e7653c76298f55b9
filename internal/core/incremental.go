package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/ru88s/matomeln-sub000/internal/export"
	"github.com/ru88s/matomeln-sub000/internal/model"
)

const (
	snapshotFileName = ".snapshot.json"
	deletedFileName  = "deleted.json"
)

// 削除されたレスを掲示板が置き換える名前欄の値
var deletedMarkers = map[string]bool{
	"あぼーん":   true,
	"削除しました": true,
}

// ThreadSnapshot は、保存済みスレッドの前回の状態です。
type ThreadSnapshot struct {
	ThreadID      string           `json:"thread_id"`
	Source        model.SourceKind `json:"source"`
	URL           string           `json:"url"`
	LastChecked   time.Time        `json:"last_checked"`
	LastPostCount int              `json:"last_post_count"`
	LastModified  time.Time        `json:"last_modified"`
	// LastPostNumber と LastPostAt は最後のレスの掲示板上の番号と投稿日時です。
	LastPostNumber int       `json:"last_post_number,omitempty"`
	LastPostAt     time.Time `json:"last_post_at,omitempty"`
	// ContentDigest は全レスの番号・名前・本文の xxhash です。
	// レス数が変わらないまま「あぼーん」に置き換わった場合の検出に使います。
	ContentDigest string `json:"content_digest,omitempty"`
	// IsComplete はスレッドが落ちた（取得元が不存在を返した）場合に true です。
	IsComplete bool `json:"is_complete"`
}

// LoadThreadSnapshot は、既存のスナップショットファイルを読み込みます。
// 初回保存でファイルが無い場合は nil, nil を返します。
func LoadThreadSnapshot(threadSavePath string) (*ThreadSnapshot, error) {
	snapshotPath := filepath.Join(threadSavePath, snapshotFileName)
	data, err := os.ReadFile(snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("スナップショットファイルの読み込みに失敗しました (path=%s): %w", snapshotPath, err)
	}

	var snapshot ThreadSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("スナップショットのパースに失敗しました (path=%s): %w", snapshotPath, err)
	}
	return &snapshot, nil
}

// SaveThreadSnapshot は、スレッドの現在の状態をスナップショットとして保存します。
func SaveThreadSnapshot(threadSavePath string, snapshot *ThreadSnapshot) error {
	snapshotPath := filepath.Join(threadSavePath, snapshotFileName)
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("スナップショットのシリアライズに失敗しました: %w", err)
	}
	if err := export.WriteFileAtomic(snapshotPath, data); err != nil {
		return fmt.Errorf("スナップショットファイルの書き込みに失敗しました (path=%s): %w", snapshotPath, err)
	}
	return nil
}

// NeedsUpdate は、取得し直したスレッドを保存し直す必要があるかを判定します。
//
// レスが増えていれば保存し直します。レス数が同じでも、最後のレスや内容が変わっていれば
// 保存し直します。レス数が減った場合は途中までしか取れていない可能性があるので保存しません。
// 古いスナップショットに無い項目は比較しません。
func NeedsUpdate(snapshot *ThreadSnapshot, posts []model.Post) bool {
	if snapshot == nil {
		return true // 初回保存
	}
	if snapshot.IsComplete {
		return false
	}
	switch {
	case len(posts) > snapshot.LastPostCount:
		return true
	case len(posts) < snapshot.LastPostCount:
		return false
	}

	current := fingerprint(posts)
	if snapshot.LastPostNumber != 0 && snapshot.LastPostNumber != current.LastPostNumber {
		return true
	}
	if !snapshot.LastPostAt.IsZero() && !snapshot.LastPostAt.Equal(current.LastPostAt) {
		return true
	}
	return snapshot.ContentDigest != "" && snapshot.ContentDigest != current.ContentDigest
}

// fingerprint は、posts から比較用の項目だけを埋めた ThreadSnapshot を作ります。
func fingerprint(posts []model.Post) ThreadSnapshot {
	snap := ThreadSnapshot{LastPostCount: len(posts)}
	if len(posts) == 0 {
		return snap
	}
	last := posts[len(posts)-1]
	snap.LastPostNumber = last.SourceNumber
	snap.LastPostAt = last.CreatedAt

	d := xxhash.New()
	for _, p := range posts {
		fmt.Fprintf(d, "%d\x00%s\x00%s\x00", p.SourceNumber, p.AuthorName, p.Body)
	}
	snap.ContentDigest = fmt.Sprintf("%016x", d.Sum64())
	return snap
}

// DeletedPost は、前回の保存後に削除されたレスです。内容は前回保存時のものです。
type DeletedPost struct {
	Post       model.Post `json:"post"`
	DetectedAt time.Time  `json:"detected_at"`
}

// DetectDeletedPosts は、前回の保存内容 old と今回の取得結果 current を掲示板側のレス番号で
// 突き合わせ、消えたレスと「あぼーん」に置き換えられたレスを返します。
func DetectDeletedPosts(old, current []model.Post) []model.Post {
	byNumber := make(map[int]model.Post, len(current))
	for _, p := range current {
		byNumber[p.SourceNumber] = p
	}

	var deleted []model.Post
	for _, p := range old {
		if deletedMarkers[p.AuthorName] {
			continue
		}
		now, exists := byNumber[p.SourceNumber]
		if !exists || deletedMarkers[now.AuthorName] {
			deleted = append(deleted, p)
		}
	}
	return deleted
}

// mergeDeletedPosts は、検出した削除済みレスを deleted.json に追記します。
// 同じレス番号は最初に検出したものを残します。
func mergeDeletedPosts(threadSavePath string, found []model.Post, detectedAt time.Time) (int, error) {
	path := filepath.Join(threadSavePath, deletedFileName)
	var existing []DeletedPost
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &existing); err != nil {
			return 0, fmt.Errorf("削除済みレスファイルのパースに失敗しました (path=%s): %w", path, err)
		}
	case !os.IsNotExist(err):
		return 0, fmt.Errorf("削除済みレスファイルの読み込みに失敗しました (path=%s): %w", path, err)
	}

	known := make(map[int]bool, len(existing))
	for _, d := range existing {
		known[d.Post.SourceNumber] = true
	}
	added := 0
	for _, p := range found {
		if known[p.SourceNumber] {
			continue
		}
		known[p.SourceNumber] = true
		existing = append(existing, DeletedPost{Post: p, DetectedAt: detectedAt})
		added++
		log.Info().Str("thread_id", p.ID).Int("source_number", p.SourceNumber).Msg("削除されたレスを検知しました")
	}
	if added == 0 {
		return 0, nil
	}
	sort.Slice(existing, func(i, j int) bool {
		return existing[i].Post.SourceNumber < existing[j].Post.SourceNumber
	})

	out, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("削除済みレスのシリアライズに失敗しました: %w", err)
	}
	if err := export.WriteFileAtomic(path, out); err != nil {
		return 0, err
	}
	return added, nil
}

// LoadDeletedPosts は deleted.json を読み込みます。無ければ空です。
func LoadDeletedPosts(threadSavePath string) ([]DeletedPost, error) {
	path := filepath.Join(threadSavePath, deletedFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("削除済みレスファイルの読み込みに失敗しました (path=%s): %w", path, err)
	}
	var posts []DeletedPost
	if err := json.Unmarshal(data, &posts); err != nil {
		return nil, fmt.Errorf("削除済みレスファイルのパースに失敗しました (path=%s): %w", path, err)
	}
	return posts, nil
}
