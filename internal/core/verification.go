package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ru88s/matomeln-sub000/internal/export"
)

const verificationHistoryFileName = "verification_history.json"

// 検証に成功したスレッドを再検証しない期間
const verificationInterval = 24 * time.Hour

// VerificationResult は検証結果を表します。
type VerificationResult struct {
	TotalChecked int      `json:"total_checked"`
	TotalSkipped int      `json:"total_skipped"`
	TotalInvalid int      `json:"total_invalid"`
	Details      []string `json:"details,omitempty"`
}

// RunVerification は root 以下の保存済みスレッドを読み直し、
// レス番号の連続性などの不変条件を満たしているかを確かめます。
// force が false の場合、24時間以内に検証済みのスレッドは飛ばします。
func RunVerification(ctx context.Context, root string, force bool, now time.Time) (*VerificationResult, error) {
	result := &VerificationResult{}
	if root == "" {
		return result, fmt.Errorf("検証する保存先ディレクトリが指定されていません")
	}
	if _, err := os.Stat(root); err != nil {
		return result, fmt.Errorf("保存先ディレクトリ '%s' を読み込めません: %w", root, err)
	}

	historyPath := filepath.Join(root, verificationHistoryFileName)
	history, err := loadVerificationHistory(historyPath)
	if err != nil {
		log.Warn().Err(err).Msg("検証履歴の読み込みに失敗しました")
		history = make(map[string]time.Time)
	}

	dirs, err := findThreadDirs(root)
	if err != nil {
		return result, err
	}

	log.Info().Str("root", root).Int("threads", len(dirs)).Msg("検証を開始します")
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		rel, _ := filepath.Rel(root, dir)
		if !force {
			if last, ok := history[rel]; ok && now.Sub(last) < verificationInterval {
				result.TotalSkipped++
				continue
			}
		}

		result.TotalChecked++
		problems, err := VerifyThreadDir(dir)
		if err != nil {
			problems = append(problems, err.Error())
		}
		if len(problems) > 0 {
			result.TotalInvalid++
			for _, p := range problems {
				log.Warn().Str("dir", rel).Msg(p)
				result.Details = append(result.Details, fmt.Sprintf("[%s] %s", rel, p))
			}
			delete(history, rel)
			continue
		}
		history[rel] = now
	}

	if err := saveVerificationHistory(historyPath, history); err != nil {
		log.Error().Err(err).Msg("検証履歴の保存に失敗しました")
	}

	log.Info().
		Int("checked", result.TotalChecked).
		Int("skipped", result.TotalSkipped).
		Int("invalid", result.TotalInvalid).
		Msg("検証が完了しました")
	return result, nil
}

// VerifyThreadDir は、ひとつの保存先ディレクトリの問題点を返します。
// 問題が無ければ空です。ファイルが読めない場合は error を返します。
func VerifyThreadDir(dir string) ([]string, error) {
	doc, format, err := export.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	threadID := doc.Thread.ID
	if want := doc.Locator.ThreadID(); threadID != want {
		add("スレッドID %s がロケータから求めた %s と一致しません", threadID, want)
	}
	if doc.Thread.PostCount != len(doc.Posts) {
		add("post_count=%d ですがレスは %d 件です", doc.Thread.PostCount, len(doc.Posts))
	}
	if len(doc.Posts) == 0 {
		add("レスが1件もありません")
	}
	if doc.Thread.UpdatedAt.Before(doc.Thread.CreatedAt) {
		add("updated_at が created_at より前です")
	}
	for i, p := range doc.Posts {
		if p.SequenceNumber != i+1 {
			add("%d 件目のレスの sequence_number が %d です", i+1, p.SequenceNumber)
			break
		}
		if want := fmt.Sprintf("%s-%d", threadID, p.SequenceNumber); p.ID != want {
			add("レスID %s は %s であるべきです", p.ID, want)
			break
		}
	}

	// 両方の形式で保存している場合、もう一方も読めて内容が揃っていること
	if format == export.FormatJSON {
		path := filepath.Join(dir, export.FileName(export.FormatYAML))
		if data, err := os.ReadFile(path); err == nil {
			other, err := export.Unmarshal(data, export.FormatYAML)
			switch {
			case err != nil:
				add("YAML ファイルを読み込めません: %v", err)
			case other.Thread.ID != threadID || len(other.Posts) != len(doc.Posts):
				add("JSON と YAML の内容が一致しません (レス数 %d / %d)", len(doc.Posts), len(other.Posts))
			}
		}
	}

	snapshot, err := LoadThreadSnapshot(dir)
	switch {
	case err != nil:
		add("%v", err)
	case snapshot == nil:
		add("スナップショットがありません")
	default:
		if snapshot.ThreadID != threadID {
			add("スナップショットのスレッドID %s が保存内容の %s と一致しません", snapshot.ThreadID, threadID)
		}
		if snapshot.LastPostCount != len(doc.Posts) {
			add("スナップショットのレス数 %d が保存内容の %d と一致しません", snapshot.LastPostCount, len(doc.Posts))
		}
	}
	return problems, nil
}

// findThreadDirs は root 以下でスレッドファイルを含むディレクトリを探します。
func findThreadDirs(root string) ([]string, error) {
	found := make(map[string]bool)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch d.Name() {
		case export.FileName(export.FormatJSON), export.FileName(export.FormatYAML), snapshotFileName:
			found[filepath.Dir(path)] = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("保存先ディレクトリの走査に失敗しました (root=%s): %w", root, err)
	}
	dirs := make([]string, 0, len(found))
	for dir := range found {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs, nil
}

func loadVerificationHistory(path string) (map[string]time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return make(map[string]time.Time), nil
		}
		return nil, err
	}
	var history map[string]time.Time
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, err
	}
	if history == nil {
		history = make(map[string]time.Time)
	}
	return history, nil
}

func saveVerificationHistory(path string, history map[string]time.Time) error {
	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return err
	}
	return export.WriteFileAtomic(path, data)
}
