package export

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ru88s/matomeln-sub000/internal/model"
)

func sampleDocument() *Document {
	created := time.Date(2024, 1, 15, 12, 0, 0, 120*int(time.Millisecond), model.JST)
	return &Document{
		Thread: model.Thread{
			ID:        "5ch-1700000000",
			Source:    model.Source5ch,
			Title:     "テストスレッド",
			URL:       "https://egg.5ch.net/news/dat/1700000000.dat",
			CreatedAt: created,
			UpdatedAt: created.Add(time.Minute),
			PostCount: 2,
		},
		Posts: []model.Post{
			{
				ID: "5ch-1700000000-1", SequenceNumber: 1, SourceNumber: 1,
				AuthorName: "名無しさん", AuthorTag: "Abc123", Body: "本文\n二行目",
				CreatedAt: created, ImageURLs: []string{"https://i.imgur.com/a.jpg"}, IsOriginalPoster: true,
			},
			{
				ID: "5ch-1700000000-2", SequenceNumber: 2, SourceNumber: 2,
				AuthorName: "名無しさん", Body: ">>1 了解", Anchors: []int{1},
				CreatedAt: created.Add(time.Minute), ImageURLs: []string{},
			},
		},
		Locator:  model.NewLegacyBoardLocator(model.Source5ch, "egg.5ch.net", "news", "1700000000"),
		Encoding: model.EncodingSJIS,
		Layout:   "dat",
		SavedAt:  created.Add(time.Hour),
	}
}

func TestParseFormats(t *testing.T) {
	formats, err := ParseFormats([]string{"JSON", "yml", "yaml"})
	require.NoError(t, err)
	assert.Equal(t, []Format{FormatJSON, FormatYAML}, formats)

	formats, err = ParseFormats(nil)
	require.NoError(t, err)
	assert.Equal(t, []Format{FormatJSON}, formats)

	_, err = ParseFormats([]string{"csv"})
	assert.Error(t, err)
}

func TestWriteFilesAndReadDir(t *testing.T) {
	for _, f := range []Format{FormatJSON, FormatYAML} {
		t.Run(string(f), func(t *testing.T) {
			dir := t.TempDir()
			want := sampleDocument()

			paths, err := WriteFiles(dir, want, []Format{f})
			require.NoError(t, err)
			require.Equal(t, []string{filepath.Join(dir, FileName(f))}, paths)

			got, format, err := ReadDir(dir)
			require.NoError(t, err)
			assert.Equal(t, f, format)
			assert.Equal(t, want.Thread.ID, got.Thread.ID)
			assert.Equal(t, want.Thread.Title, got.Thread.Title)
			assert.True(t, want.Thread.CreatedAt.Equal(got.Thread.CreatedAt))
			assert.Equal(t, want.Locator, got.Locator)
			require.Len(t, got.Posts, 2)
			assert.Equal(t, "本文\n二行目", got.Posts[0].Body)
			assert.Equal(t, []int{1}, got.Posts[1].Anchors)
			assert.True(t, got.Posts[0].IsOriginalPoster)
		})
	}
}

func TestReadDir_PrefersJSON(t *testing.T) {
	dir := t.TempDir()
	doc := sampleDocument()
	_, err := WriteFiles(dir, doc, []Format{FormatYAML, FormatJSON})
	require.NoError(t, err)

	_, format, err := ReadDir(dir)

	require.NoError(t, err)
	assert.Equal(t, FormatJSON, format)
}

func TestReadDir_Empty(t *testing.T) {
	_, _, err := ReadDir(t.TempDir())
	assert.ErrorIs(t, err, ErrNoDocument)
}

func TestMarshalYAML_UsesSnakeCaseKeys(t *testing.T) {
	data, err := Marshal(sampleDocument(), FormatYAML)
	require.NoError(t, err)

	text := string(data)
	assert.True(t, strings.Contains(text, "sequence_number: 1"), text)
	assert.True(t, strings.Contains(text, "is_original_poster: true"), text)
}

func TestWriteFileAtomic_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.json")

	require.NoError(t, WriteFileAtomic(path, []byte("1")))
	require.NoError(t, WriteFileAtomic(path, []byte("2")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "2", string(data))
}
