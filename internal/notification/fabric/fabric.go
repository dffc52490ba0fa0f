// Package fabric はチャネル単位のpublish/subscribe配信機構を提供する。
//
// 配信は各publish時点の購読者へのベストエフォートであり、購読者ごとに
// 最大1回配信される。1つのチャネルに発行されたイベントの順序は
// 各購読者から見て保存されるが、チャネルを跨いだ順序は保証しない。
//
// 単一プロセス用のインメモリ実装と、複数ワーカープロセス間で同一チャネルを
// 購読できるRedis実装を同じインターフェースの背後に持つ。
package fabric

import (
	"context"
	"errors"

	"github.com/nao1215/docflow/pkg/event"
)

// ErrTransportUnavailable は配信バックエンドに到達できないことを表す。
// 配信失敗は永続化をロールバックしないため、呼び出し側はこのエラーを
// ログに記録して処理を続行する。
var ErrTransportUnavailable = errors.New("配信バックエンドに到達できません")

// subscriberBuffer は購読者ごとのイベントバッファ数。
// 受信側のWebSocket書き込みが遅延した場合、超過分は破棄される（ベストエフォート）。
const subscriberBuffer = 32

// Fabric はチャネル単位のイベント配信機構のインターフェース。
type Fabric interface {
	// Subscribe は接続をチャネルの購読者として登録し、イベント受信用の
	// チャネルを返す。返されたチャネルはUnsubscribeまたはCloseでクローズされる。
	Subscribe(channel, connID string) (<-chan event.Envelope, error)
	// Unsubscribe は接続のチャネル購読を解除する。
	// 未登録の購読の解除は何もしない。
	Unsubscribe(channel, connID string)
	// Publish は封筒をチャネルの現在の全購読者に配信する。
	// バックエンドに到達できない場合はErrTransportUnavailableをラップしたエラーを返す。
	Publish(ctx context.Context, channel string, env event.Envelope) error
	// Close は全購読を解除し、ファブリックを停止する。
	Close() error
}
