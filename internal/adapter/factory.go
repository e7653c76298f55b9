package adapter

import (
	"fmt"

	"github.com/ru88s/matomeln-sub000/internal/config"
	"github.com/ru88s/matomeln-sub000/internal/model"
	"github.com/ru88s/matomeln-sub000/internal/parser"
)

// adapterRegistry は、サービス種別と SourceAdapter の生成関数のマッピングを保持します。
var adapterRegistry = map[model.SourceKind]func(config.SourceSettings, []parser.Layout) SourceAdapter{
	model.SourceShikutoku: func(s config.SourceSettings, l []parser.Layout) SourceAdapter {
		return NewShikutokuAdapter(s, l)
	},
	model.Source5ch: func(s config.SourceSettings, l []parser.Layout) SourceAdapter {
		return NewLegacyBoardAdapter(model.Source5ch, s, l)
	},
	model.SourceOpen2ch: func(s config.SourceSettings, l []parser.Layout) SourceAdapter {
		return NewLegacyBoardAdapter(model.SourceOpen2ch, s, l)
	},
	model.Source2chSC: func(s config.SourceSettings, l []parser.Layout) SourceAdapter {
		return NewLegacyBoardAdapter(model.Source2chSC, s, l)
	},
	model.SourceGirlsChannel: func(s config.SourceSettings, l []parser.Layout) SourceAdapter {
		return NewGirlsChannelAdapter(s, l)
	},
}

// classifyOrder は判定の優先順位です。数字だけの入力を先に Shikutoku として扱い、
// ホスト名の重なりがある DAT 系は 5ch → open2ch → 2ch.sc の順に見ます。
var classifyOrder = []model.SourceKind{
	model.SourceShikutoku,
	model.Source5ch,
	model.SourceOpen2ch,
	model.Source2chSC,
	model.SourceGirlsChannel,
}

// GetAdapter は、対応表 s に対応する SourceAdapter の新しいインスタンスを返します。
// custom は組み込みレイアウトを名前単位で上書きします。
func GetAdapter(s config.SourceSettings, custom []parser.Layout) (SourceAdapter, error) {
	factory, ok := adapterRegistry[model.SourceKind(s.Kind)]
	if !ok {
		return nil, fmt.Errorf("種別 '%s' に対応するアダプタが見つかりません", s.Kind)
	}
	layouts, err := parser.LayoutsByName(s.Layouts, custom)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Kind, err)
	}
	return factory(s, layouts), nil
}

// Registry は有効なアダプタを判定の優先順に保持します。生成後は読み取り専用です。
type Registry struct {
	adapters []SourceAdapter
}

// NewRegistry は、設定の対応表から Registry を生成します。
func NewRegistry(sources []config.SourceSettings, custom []parser.Layout) (*Registry, error) {
	byKind := make(map[model.SourceKind]config.SourceSettings, len(sources))
	for _, s := range sources {
		kind := model.SourceKind(s.Kind)
		if _, ok := adapterRegistry[kind]; !ok {
			return nil, fmt.Errorf("種別 '%s' に対応するアダプタが見つかりません", s.Kind)
		}
		byKind[kind] = s
	}

	r := &Registry{}
	for _, kind := range classifyOrder {
		s, ok := byKind[kind]
		if !ok || !s.IsEnabled() {
			continue
		}
		a, err := GetAdapter(s, custom)
		if err != nil {
			return nil, err
		}
		r.adapters = append(r.adapters, a)
	}
	return r, nil
}

// DefaultRegistry は既定の対応表による Registry を返します。
func DefaultRegistry() *Registry {
	r, err := NewRegistry(config.DefaultSources(), nil)
	if err != nil {
		panic(fmt.Sprintf("既定の対応表が不正です: %v", err))
	}
	return r
}

// Classify は入力がどのサービスのものかを返します。一致しなければ SourceUnknown です。
// ネットワークにはアクセスしません。
func (r *Registry) Classify(input string) model.SourceKind {
	if a := r.match(input); a != nil {
		return a.Kind()
	}
	return model.SourceUnknown
}

// Resolve は入力に一致するアダプタとロケータを返します。
// サービスは判定できてもスレッドを指していないURL（板トップなど）は ok=false です。
func (r *Registry) Resolve(input string) (SourceAdapter, model.Locator, bool) {
	a := r.match(input)
	if a == nil {
		return nil, model.Locator{}, false
	}
	loc, ok := a.ParseURL(input)
	if !ok {
		return a, model.Locator{}, false
	}
	return a, loc, true
}

// Adapter は種別に対応するアダプタを返します。
func (r *Registry) Adapter(kind model.SourceKind) (SourceAdapter, bool) {
	for _, a := range r.adapters {
		if a.Kind() == kind {
			return a, true
		}
	}
	return nil, false
}

// Kinds は有効なサービス種別を優先順に返します。
func (r *Registry) Kinds() []model.SourceKind {
	kinds := make([]model.SourceKind, 0, len(r.adapters))
	for _, a := range r.adapters {
		kinds = append(kinds, a.Kind())
	}
	return kinds
}

func (r *Registry) match(input string) SourceAdapter {
	for _, a := range r.adapters {
		if a.Match(input) {
			return a
		}
	}
	return nil
}
