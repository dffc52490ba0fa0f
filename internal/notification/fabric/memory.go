package fabric

import (
	"context"
	"log"
	"sync"

	"github.com/nao1215/docflow/pkg/event"
)

// Memory は単一プロセス内で完結するインメモリのファブリック実装。
// テストおよび単一ノード構成で使用する。
type Memory struct {
	// mu はchannelsへのアクセスを直列化する。
	// Publishがロックを保持したまま各購読者のバッファに書き込むことで、
	// チャネル内のイベント順序が購読者ごとに保存される。
	mu sync.Mutex
	// channels はチャネル名から購読者（接続ID→受信バッファ）へのマップ。
	channels map[string]map[string]chan event.Envelope
	// closed はCloseが呼ばれた後trueになる。
	closed bool
}

// NewMemory は新しいインメモリファブリックを生成する。
func NewMemory() *Memory {
	return &Memory{
		channels: make(map[string]map[string]chan event.Envelope),
	}
}

// Subscribe は接続をチャネルの購読者として登録する。
// 同じ（チャネル, 接続ID）での再購読は古いバッファをクローズして置き換える。
func (m *Memory) Subscribe(channel, connID string) (<-chan event.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrTransportUnavailable
	}

	subs, ok := m.channels[channel]
	if !ok {
		subs = make(map[string]chan event.Envelope)
		m.channels[channel] = subs
	}
	if old, ok := subs[connID]; ok {
		close(old)
	}

	ch := make(chan event.Envelope, subscriberBuffer)
	subs[connID] = ch
	return ch, nil
}

// Unsubscribe は接続のチャネル購読を解除し、受信バッファをクローズする。
func (m *Memory) Unsubscribe(channel, connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs, ok := m.channels[channel]
	if !ok {
		return
	}
	ch, ok := subs[connID]
	if !ok {
		return
	}

	delete(subs, connID)
	if len(subs) == 0 {
		delete(m.channels, channel)
	}
	close(ch)
}

// Publish は封筒をチャネルの現在の全購読者に配信する。
// 購読者のバッファが満杯の場合、そのイベントは破棄される（ベストエフォート）。
func (m *Memory) Publish(_ context.Context, channel string, env event.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrTransportUnavailable
	}

	for connID, ch := range m.channels[channel] {
		select {
		case ch <- env:
		default:
			log.Printf("[Fabric] 購読者のバッファが満杯のためイベントを破棄: channel=%s, conn=%s", channel, connID)
		}
	}
	return nil
}

// Close は全購読を解除し、以降のSubscribe/Publishを拒否する。
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	for _, subs := range m.channels {
		for _, ch := range subs {
			close(ch)
		}
	}
	m.channels = make(map[string]map[string]chan event.Envelope)
	return nil
}
