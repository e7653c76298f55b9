package parser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ru88s/matomeln-sub000/internal/model"
)

func TestParseTalkJSON(t *testing.T) {
	text := `{
  "talk": {"id": 123, "title": "トークタイトル"},
  "comments": [
    {"number": 1, "name": "匿名", "name_id": "ID:abc", "body": "本文<br>二行目", "created_at": "2024-01-15T12:00:00+09:00"},
    {"number": 2, "name": "匿名", "body": ">>1 それな https://i.imgur.com/x.png", "created_at": "2024-01-15T03:05:00Z"},
    {"number": 3, "name": "匿名", "body": ""}
  ]
}`

	res, err := ParseTalkJSON(text)

	require.NoError(t, err)
	assert.Equal(t, "トークタイトル", res.Title)
	assert.Equal(t, "json", res.Layout)
	require.Len(t, res.Posts, 2)

	assert.Equal(t, "abc", res.Posts[0].AuthorTag)
	assert.Equal(t, "本文\n二行目", res.Posts[0].Body)
	assert.True(t, res.Posts[0].CreatedAt.Equal(time.Date(2024, 1, 15, 12, 0, 0, 0, model.JST)))

	assert.Equal(t, []string{"https://i.imgur.com/x.png"}, res.Posts[1].ImageURLs)
	assert.True(t, res.Posts[1].CreatedAt.Equal(time.Date(2024, 1, 15, 12, 5, 0, 0, model.JST)))
}

func TestParseTalkJSON_AlternativePaths(t *testing.T) {
	text := `{"data": {"title": "別形式", "posts": [{"res_no": 7, "author": "名無し", "content": "こんにちは", "posted_at": "2024-01-15 12:00:00"}]}}`

	res, err := ParseTalkJSON(text)

	require.NoError(t, err)
	assert.Equal(t, "別形式", res.Title)
	require.Len(t, res.Posts, 1)
	assert.Equal(t, 7, res.Posts[0].Number)
	assert.Equal(t, "名無し", res.Posts[0].Name)
	assert.True(t, res.Posts[0].HasDate)
}

func TestParseTalkJSON_NotFound(t *testing.T) {
	for _, text := range []string{`{"error": "Talk not found"}`, `{"status": 404}`} {
		_, err := ParseTalkJSON(text)
		assert.ErrorIs(t, err, ErrSourceNotFound, "入力: %s", text)
	}
}

func TestParseTalkJSON_NoPosts(t *testing.T) {
	_, err := ParseTalkJSON(`{"title": "空", "comments": []}`)
	assert.ErrorIs(t, err, ErrNoPosts)

	_, err = ParseTalkJSON(`<html>`)
	assert.ErrorIs(t, err, ErrNoPosts)
}
