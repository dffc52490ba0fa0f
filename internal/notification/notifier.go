package notification

import (
	"context"
	"log"

	"github.com/nao1215/docflow/internal/notification/fabric"
	"github.com/nao1215/docflow/pkg/event"
)

// Notifier は通知の永続化とリアルタイム配信を束ねるファサード。
// ビジネスロジック（書類の審査・割り当て、ロール申請の承認）からの
// 通知はすべてNotifyUserを経由する。
type Notifier struct {
	// queries は通知ストアへのクエリ実行オブジェクト。
	queries *queries
	// fab は配信ファブリック。
	fab fabric.Fabric
}

// NewNotifier は新しいNotifierを生成する。
func NewNotifier(queries *queries, fab fabric.Fabric) *Notifier {
	return &Notifier{queries: queries, fab: fab}
}

// NotifyUser はユーザーにメッセージを通知する。
//
// persistがtrueの場合、通知をストアに永続化する。永続化に失敗した場合は
// エラーを返し、配信は行わない（ストアに存在しない通知を配信しない）。
// deliverがtrueの場合、ユーザーの通知チャネルに封筒を発行する。
// 配信の失敗はログに記録して握りつぶす。通知は永続化されていれば
// 次回の一覧取得で確認できるため、ライブ配信の喪失は永続化を妨げない。
//
// 戻り値の通知はpersistがfalseの場合nilになる。
func (n *Notifier) NotifyUser(ctx context.Context, userID int64, message string, persist, deliver bool) (*Notification, error) {
	var created *Notification
	if persist {
		notif, err := n.queries.CreateNotification(ctx, userID, message)
		if err != nil {
			return nil, err
		}
		created = notif
	}

	if deliver {
		env := event.NewNotification(message)
		if err := n.fab.Publish(ctx, event.UserChannel(userID), env); err != nil {
			log.Printf("[Notifier] 通知のライブ配信に失敗: user_id=%d, error=%v", userID, err)
		}
	}

	return created, nil
}
