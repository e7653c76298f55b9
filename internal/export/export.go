// Package export は、取り込んだスレッドをファイルへ書き出す形式を扱います。
package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/ru88s/matomeln-sub000/internal/model"
)

// Format は書き出し形式です。
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ErrNoDocument は、ディレクトリに保存済みのスレッドが無いことを示します。
var ErrNoDocument = errors.New("保存済みのスレッドファイルが見つかりません")

// Document は保存されるスレッド1件分です。
type Document struct {
	Thread        model.Thread   `json:"thread" yaml:"thread"`
	Posts         []model.Post   `json:"posts" yaml:"posts"`
	Locator       model.Locator  `json:"locator" yaml:"locator"`
	Encoding      model.Encoding `json:"encoding" yaml:"encoding"`
	LowConfidence bool           `json:"low_confidence" yaml:"low_confidence"`
	Layout        string         `json:"layout" yaml:"layout"`
	SavedAt       time.Time      `json:"saved_at" yaml:"saved_at"`
}

// ParseFormats は設定の文字列を Format に変換します。"yml" は "yaml" として扱います。
func ParseFormats(names []string) ([]Format, error) {
	formats := make([]Format, 0, len(names))
	seen := make(map[Format]bool, len(names))
	for _, name := range names {
		var f Format
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "json":
			f = FormatJSON
		case "yaml", "yml":
			f = FormatYAML
		default:
			return nil, fmt.Errorf("未対応の出力形式 '%s' です (json または yaml)", name)
		}
		if !seen[f] {
			seen[f] = true
			formats = append(formats, f)
		}
	}
	if len(formats) == 0 {
		formats = append(formats, FormatJSON)
	}
	return formats, nil
}

// FileName は形式ごとのファイル名です。
func FileName(f Format) string {
	return "thread." + string(f)
}

// Marshal は doc を指定の形式に変換します。
func Marshal(doc *Document, f Format) ([]byte, error) {
	switch f {
	case FormatJSON:
		return json.MarshalIndent(doc, "", "  ")
	case FormatYAML:
		return yaml.Marshal(doc)
	default:
		return nil, fmt.Errorf("未対応の出力形式 '%s' です", f)
	}
}

// Unmarshal は Marshal の逆変換です。
func Unmarshal(data []byte, f Format) (*Document, error) {
	var doc Document
	var err error
	switch f {
	case FormatJSON:
		err = json.Unmarshal(data, &doc)
	case FormatYAML:
		err = yaml.Unmarshal(data, &doc)
	default:
		return nil, fmt.Errorf("未対応の出力形式 '%s' です", f)
	}
	if err != nil {
		return nil, fmt.Errorf("%s の解析に失敗しました: %w", f, err)
	}
	return &doc, nil
}

// WriteFiles は dir に形式ごとのファイルを書き出し、書いたパスを返します。
// 書き込み途中のファイルが残らないよう、一時ファイルに書いてから置き換えます。
func WriteFiles(dir string, doc *Document, formats []Format) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("保存先ディレクトリの作成に失敗しました (path=%s): %w", dir, err)
	}
	paths := make([]string, 0, len(formats))
	for _, f := range formats {
		data, err := Marshal(doc, f)
		if err != nil {
			return paths, fmt.Errorf("%s への変換に失敗しました (thread_id=%s): %w", f, doc.Thread.ID, err)
		}
		path := filepath.Join(dir, FileName(f))
		if err := WriteFileAtomic(path, data); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// ReadDir は dir に保存されたスレッドを読み込みます。JSON があれば JSON を優先します。
func ReadDir(dir string) (*Document, Format, error) {
	for _, f := range []Format{FormatJSON, FormatYAML} {
		path := filepath.Join(dir, FileName(f))
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, f, fmt.Errorf("スレッドファイルの読み込みに失敗しました (path=%s): %w", path, err)
		}
		doc, err := Unmarshal(data, f)
		if err != nil {
			return nil, f, fmt.Errorf("%s: %w", path, err)
		}
		return doc, f, nil
	}
	return nil, "", ErrNoDocument
}

// WriteFileAtomic は path と同じディレクトリの一時ファイルに書いてから名前を変えます。
func WriteFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("一時ファイルの作成に失敗しました (path=%s): %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("一時ファイルへの書き込みに失敗しました (path=%s): %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("一時ファイルのクローズに失敗しました (path=%s): %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("ファイルの置き換えに失敗しました (path=%s): %w", path, err)
	}
	return nil
}
