package store

import "github.com/nao1215/mahoodle/internal/relay"

const (
	// ProcessorPopup はWeb画面上のポップアップ通知。
	ProcessorPopup = "popup"
	// ProcessorEmail はメール通知。
	ProcessorEmail = "email"
)

// ProcessorSetting はプロバイダにおけるプロセッサの利用可否。
type ProcessorSetting struct {
	Processor string
	Permitted bool
}

// Provider はメッセージプロバイダの定義。
type Provider struct {
	Component   string
	Name        string
	Description string
	Processors  []ProcessorSetting
}

// EnabledProcessors は配信待ちエントリを作るプロセッサ名を返す。
func (p Provider) EnabledProcessors() []string {
	var out []string
	for _, s := range p.Processors {
		if s.Permitted {
			out = append(out, s.Processor)
		}
	}
	return out
}

// defaultProviders はリレーが使う2つのプロバイダ。
// どちらもポップアップのみ許可し、メールは許可しない。
var defaultProviders = []Provider{
	{
		Component:   relay.Component,
		Name:        relay.ChannelMessage,
		Description: "Messages from other users from Mahara",
		Processors: []ProcessorSetting{
			{Processor: ProcessorPopup, Permitted: true},
			{Processor: ProcessorEmail, Permitted: false},
		},
	},
	{
		Component:   relay.Component,
		Name:        relay.ChannelNotification,
		Description: "Notifications from Mahara",
		Processors: []ProcessorSetting{
			{Processor: ProcessorPopup, Permitted: true},
			{Processor: ProcessorEmail, Permitted: false},
		},
	},
}

// Providers は登録済みのプロバイダ一覧を返す。
func Providers() []Provider {
	out := make([]Provider, len(defaultProviders))
	copy(out, defaultProviders)
	return out
}

// findProvider はコンポーネントとプロバイダ名から定義を探す。
func findProvider(component, name string) (Provider, bool) {
	for _, p := range defaultProviders {
		if p.Component == component && p.Name == name {
			return p, true
		}
	}
	return Provider{}, false
}
