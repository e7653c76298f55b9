package core

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/ru88s/matomeln-sub000/internal/config"
	"github.com/ru88s/matomeln-sub000/internal/export"
	"github.com/ru88s/matomeln-sub000/internal/model"
)

// ディレクトリ名に使うタイトルの最大文字数
const maxTitleRunes = 80

// ArchiverConfig は Archiver の保存先と形式です。
type ArchiverConfig struct {
	RootDirectory     string
	Formats           []export.Format
	DirectoryFormat   string
	HistoryFilePath   string
	MetadataIndexPath string
	Now               func() time.Time
}

// Archiver は取り込んだスレッドをディスクへ保存します。
// 同じ Archiver を複数のゴルーチンから使って構いません。
type Archiver struct {
	cfg ArchiverConfig
	// 履歴ファイルとメタデータ索引への追記を直列化する
	mu sync.Mutex
}

// NewArchiver は cfg の空の項目を既定値で補って Archiver を作ります。
func NewArchiver(cfg ArchiverConfig) *Archiver {
	if cfg.RootDirectory == "" {
		cfg.RootDirectory = config.DefaultOutputDirectory
	}
	if len(cfg.Formats) == 0 {
		cfg.Formats = []export.Format{export.FormatJSON}
	}
	if cfg.DirectoryFormat == "" {
		cfg.DirectoryFormat = config.DefaultDirectoryFormat
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Archiver{cfg: cfg}
}

// NewArchiverForJob は、解決済みのジョブ設定から Archiver を作ります。
func NewArchiverForJob(job config.Job, historyPath string) (*Archiver, error) {
	formats, err := export.ParseFormats(job.Formats)
	if err != nil {
		return nil, fmt.Errorf("ジョブ '%s' の出力形式が不正です: %w", job.JobName, err)
	}
	return NewArchiver(ArchiverConfig{
		RootDirectory:     job.OutputDirectory,
		Formats:           formats,
		DirectoryFormat:   job.DirectoryFormat,
		HistoryFilePath:   historyPath,
		MetadataIndexPath: job.MetadataIndexPath,
	}), nil
}

// SaveReport は Save の結果です。
type SaveReport struct {
	ThreadID string   `json:"thread_id"`
	Dir      string   `json:"dir"`
	Files    []string `json:"files,omitempty"`
	// Updated が false の場合、前回保存からレスが増えていないため何も書いていません。
	Updated         bool `json:"updated"`
	PreviousPosts   int  `json:"previous_posts"`
	DeletedDetected int  `json:"deleted_detected"`
}

// ThreadDir は、スレッドの保存先ディレクトリを返します。
func (a *Archiver) ThreadDir(thread model.Thread, loc model.Locator) string {
	return generateDirectoryPath(a.cfg.RootDirectory, a.cfg.DirectoryFormat, thread, loc)
}

// Save は res を保存します。前回の保存からレスが増えていなければ何もしません。
// 前回保存時にあったレスが消えていれば deleted.json に残します。
func (a *Archiver) Save(res *Result) (*SaveReport, error) {
	threadID := res.Thread.ID
	dir := a.ThreadDir(res.Thread, res.Locator)
	report := &SaveReport{ThreadID: threadID, Dir: dir}

	// 壊れたスナップショットを初回保存と見なすと履歴が二重になるため、保存せずに失敗とする
	snapshot, err := LoadThreadSnapshot(dir)
	if err != nil {
		return report, fmt.Errorf("前回の状態を確認できないため保存を中止しました (thread_id=%s): %w", threadID, err)
	}
	if snapshot != nil {
		report.PreviousPosts = snapshot.LastPostCount
	}
	if !NeedsUpdate(snapshot, res.Posts) {
		log.Debug().Str("thread_id", threadID).Int("posts", len(res.Posts)).Msg("更新はありません")
		return report, nil
	}

	now := a.cfg.Now()
	if snapshot != nil {
		if old, _, err := export.ReadDir(dir); err == nil {
			deleted := DetectDeletedPosts(old.Posts, res.Posts)
			if len(deleted) > 0 {
				added, err := mergeDeletedPosts(dir, deleted, now)
				if err != nil {
					log.Warn().Err(err).Str("thread_id", threadID).Msg("削除済みレスの保存に失敗しました")
				}
				report.DeletedDetected = added
			}
		} else if !errors.Is(err, export.ErrNoDocument) {
			log.Warn().Err(err).Str("thread_id", threadID).Msg("前回保存分の読み込みに失敗しました")
		}
	}

	doc := &export.Document{
		Thread:        res.Thread,
		Posts:         res.Posts,
		Locator:       res.Locator,
		Encoding:      res.Encoding,
		LowConfidence: res.LowConfidence,
		Layout:        res.Layout,
		SavedAt:       now,
	}
	files, err := export.WriteFiles(dir, doc, a.cfg.Formats)
	report.Files = files
	if err != nil {
		return report, fmt.Errorf("スレッドの保存に失敗しました (thread_id=%s): %w", threadID, err)
	}
	report.Updated = true

	newSnapshot := fingerprint(res.Posts)
	newSnapshot.ThreadID = threadID
	newSnapshot.Source = res.Thread.Source
	newSnapshot.URL = res.Thread.URL
	newSnapshot.LastChecked = now
	newSnapshot.LastModified = res.Thread.UpdatedAt
	if err := SaveThreadSnapshot(dir, &newSnapshot); err != nil {
		log.Warn().Err(err).Str("thread_id", threadID).Msg("スナップショットの保存に失敗しました")
	}

	if snapshot == nil {
		if err := a.appendToHistory(threadID, dir); err != nil {
			return report, fmt.Errorf("履歴への追記に失敗しました (history_file=%s, thread_id=%s): %w", a.cfg.HistoryFilePath, threadID, err)
		}
	}
	if a.cfg.MetadataIndexPath != "" {
		if err := a.appendToMetadataIndex(res, dir, now); err != nil {
			log.Warn().Err(err).Str("path", a.cfg.MetadataIndexPath).Msg("メタデータ索引への追記に失敗しました")
		}
	}

	log.Info().Str("thread_id", threadID).Int("posts", len(res.Posts)).Int("previous_posts", report.PreviousPosts).
		Str("dir", dir).Msg("スレッドを保存しました")
	return report, nil
}

// MarkComplete は、保存済みのスレッドが取得元から消えた（落ちた）ことを記録します。
// 以後そのスレッドは更新確認の対象になりません。保存していないスレッドなら false を返します。
func (a *Archiver) MarkComplete(threadID string) (bool, error) {
	history, err := loadHistory(a.cfg.HistoryFilePath)
	if err != nil {
		return false, fmt.Errorf("完了履歴の読み込みに失敗しました (history_file=%s): %w", a.cfg.HistoryFilePath, err)
	}
	dir, ok := history[threadID]
	if !ok || dir == "" {
		return false, nil
	}
	snapshot, err := LoadThreadSnapshot(dir)
	if err != nil || snapshot == nil {
		return false, err
	}
	if snapshot.IsComplete {
		return true, nil
	}
	snapshot.IsComplete = true
	snapshot.LastChecked = a.cfg.Now()
	if err := SaveThreadSnapshot(dir, snapshot); err != nil {
		return false, err
	}
	log.Info().Str("thread_id", threadID).Msg("スレッドが取得元から消えたため、保存を完了扱いにしました")
	return true, nil
}

// IsComplete は、threadID が保存済みで完了扱いになっているかを返します。
func (a *Archiver) IsComplete(history map[string]string, threadID string) bool {
	dir := history[threadID]
	if dir == "" {
		return false
	}
	snapshot, err := LoadThreadSnapshot(dir)
	return err == nil && snapshot != nil && snapshot.IsComplete
}

// History は完了履歴を読み込みます。値は保存先ディレクトリです。
func (a *Archiver) History() (map[string]string, error) {
	return loadHistory(a.cfg.HistoryFilePath)
}

func generateDirectoryPath(rootDir, format string, thread model.Thread, loc model.Locator) string {
	if format == "" {
		format = config.DefaultDirectoryFormat
	}

	// 各変数のfallback値を準備
	year := "0000"
	month := "00"
	day := "00"
	if !thread.CreatedAt.IsZero() {
		created := thread.CreatedAt.In(model.JST)
		year = strconv.Itoa(created.Year())
		month = fmt.Sprintf("%02d", created.Month())
		day = fmt.Sprintf("%02d", created.Day())
	}

	threadID := thread.ID
	if threadID == "" {
		threadID = loc.ThreadID()
	}
	source := string(thread.Source)
	if source == "" {
		source = string(loc.Source)
	}
	key := loc.Key()
	if key == "" {
		key = "unknown"
	}

	threadTitle := thread.Title
	if threadTitle == "" {
		threadTitle = "Untitled"
	}

	r := strings.NewReplacer(
		"{source}", SanitizeFilename(source),
		"{thread_id}", SanitizeFilename(threadID),
		"{key}", SanitizeFilename(key),
		"{year}", year,
		"{month}", month,
		"{day}", day,
		"{thread_title_safe}", SanitizeFilename(truncateRunes(threadTitle, maxTitleRunes)),
	)

	result := filepath.Clean(r.Replace(format))

	// 保存ルートの外を指す形式は受け付けない
	if result == "." || result == ".." || strings.HasPrefix(result, ".."+string(filepath.Separator)) || filepath.IsAbs(result) {
		log.Warn().Str("format", format).Msg("directory_format が保存ルートの外を指しているため thread_id を使います")
		result = SanitizeFilename(threadID)
	}

	return filepath.Join(rootDir, result)
}

// appendToHistory は "<スレッドID>\t<保存先>" を1行追記します。
func (a *Archiver) appendToHistory(threadID, dir string) error {
	if a.cfg.HistoryFilePath == "" {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(a.cfg.HistoryFilePath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(a.cfg.HistoryFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteString(threadID + "\t" + dir + "\n")
	return err
}

// loadHistory は完了履歴を読み込みます。
// 保存先の無い古い形式の行 (スレッドIDのみ) は値が空になります。
func loadHistory(path string) (map[string]string, error) {
	history := make(map[string]string)
	if path == "" {
		return history, nil
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return history, nil
		}
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		id, dir, _ := strings.Cut(line, "\t")
		history[id] = dir
	}
	return history, scanner.Err()
}

var metadataIndexHeader = []string{"ThreadID", "Source", "Title", "URL", "SavePath", "CreatedAt", "PostCount", "SavedAt"}

func (a *Archiver) appendToMetadataIndex(res *Result, savePath string, savedAt time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	path := a.cfg.MetadataIndexPath
	_, err := os.Stat(path)
	needsHeader := os.IsNotExist(err)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	writer := csv.NewWriter(f)
	if needsHeader {
		if err := writer.Write(metadataIndexHeader); err != nil {
			return err
		}
	}
	record := []string{
		res.Thread.ID,
		string(res.Thread.Source),
		res.Thread.Title,
		res.Thread.URL,
		savePath,
		res.Thread.CreatedAt.Format(time.RFC3339),
		strconv.Itoa(res.Thread.PostCount),
		savedAt.Format(time.RFC3339),
	}
	if err := writer.Write(record); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

// SanitizeFilename は、ファイル名に使えない文字を全角に置き換えます。
func SanitizeFilename(name string) string {
	r := strings.NewReplacer(
		"/", "／",
		"\\", "＼",
		":", "：",
		"*", "＊",
		"?", "？",
		"\"", "”",
		"<", "＜",
		">", "＞",
		"|", "｜",
		"\t", " ",
		"\n", " ",
		"\r", " ",
	)
	s := strings.TrimSpace(r.Replace(name))
	// "." や ".." だけの名前はディレクトリの移動になってしまう
	if strings.Trim(s, ".") == "" {
		return "_"
	}
	return s
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
