package network

import (
	"github.com/corpix/uarand"

	"github.com/ru88s/matomeln-sub000/internal/config"
)

// UserAgents は取得先の種類ごとに名乗る User-Agent です。
// DAT は専用ブラウザ (Monazilla) でないと応答しないサーバーがあり、
// HTML はブラウザ以外だと別のページを返すサーバーがあります。
type UserAgents struct {
	DAT string
	// Browser が空なら、取得のたびに実在するブラウザの UA をランダムに選びます。
	Browser string
}

// NewUserAgents は設定から UserAgents を作ります。
func NewUserAgents(settings config.NetworkSettings) UserAgents {
	ua := UserAgents{DAT: settings.DATUserAgent, Browser: settings.BrowserUserAgent}
	if ua.DAT == "" {
		ua.DAT = config.DefaultDATUserAgent
	}
	return ua
}

// ForDAT は DAT 取得用の UA を返します。
func (u UserAgents) ForDAT() string {
	return u.DAT
}

// ForBrowser は HTML / API 取得用の UA を返します。
func (u UserAgents) ForBrowser() string {
	if u.Browser != "" {
		return u.Browser
	}
	return uarand.GetRandom()
}
