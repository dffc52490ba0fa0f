// Package presence はユーザーごとの接続集合とオンライン状態を管理するレジストリを提供する。
//
// オンライン状態の唯一の正はこのレジストリであり、接続の開始・終了による
// attach/detachだけが状態を変化させる。状態遷移イベント（オンライン化・
// オフライン化）は接続集合のサイズが境界（0→1 / 1→0）を跨いだときだけ
// 発火する。同一ユーザーが複数タブで接続していても中間のattach/detachは
// イベントを発火しない。
package presence

import "sync"

// Registry はユーザーIDから現在開いている接続IDの集合へのマッピングを保持する。
// すべての操作は単一のミューテックスで直列化される。
type Registry struct {
	// mu はconnectionsへのアクセスを直列化する。
	// 境界判定（集合サイズの観測と更新）が不可分であることを保証する。
	mu sync.Mutex
	// connections はユーザーIDから接続ID集合へのマップ。
	// 空になった集合はエントリごと削除される。
	connections map[int64]map[string]struct{}
}

// NewRegistry は新しいプレゼンスレジストリを生成する。
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[int64]map[string]struct{}),
	}
}

// Attach はユーザーの接続集合に接続を追加する。
// このattachによってユーザーがオフラインからオンラインに遷移した場合
// （接続数 0→1）、trueを返す。同じ接続IDの重複attachは状態を変えない。
func (r *Registry) Attach(userID int64, connID string) (wentOnline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.connections[userID]
	if !ok {
		conns = make(map[string]struct{})
		r.connections[userID] = conns
	}

	before := len(conns)
	conns[connID] = struct{}{}
	return before == 0 && len(conns) == 1
}

// Detach はユーザーの接続集合から接続を削除する。
// このdetachによってユーザーがオンラインからオフラインに遷移した場合
// （接続数 1→0）、trueを返す。
// 存在しない接続IDのdetachは何もしない。強制クローズと正常クローズが
// 競合して二重にdetachされることがあるため、エラーにはしない。
func (r *Registry) Detach(userID int64, connID string) (wentOffline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.connections[userID]
	if !ok {
		return false
	}
	if _, ok := conns[connID]; !ok {
		return false
	}

	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.connections, userID)
		return true
	}
	return false
}

// IsOnline はユーザーが1つ以上の開いた接続を持つかどうかを返す。
func (r *Registry) IsOnline(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connections[userID]) > 0
}

// ConnectionCount はユーザーの現在の接続数を返す。
func (r *Registry) ConnectionCount(userID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connections[userID])
}

// OnlineUsers は現在オンラインの全ユーザーIDを返す。順序は不定。
func (r *Registry) OnlineUsers() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]int64, 0, len(r.connections))
	for userID := range r.connections {
		users = append(users, userID)
	}
	return users
}
