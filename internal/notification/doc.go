// Package notification は通知配信とオンライン状態管理サービスの内部実装を提供する。
//
// ユーザーごとの通知を永続化し、WebSocketで接続中のクライアントに
// リアルタイム配信する。接続の開始・終了からユーザーのオンライン状態を
// 導出し、状態の変化を購読者に配信する。
//
// 主な構成要素:
//   - 通知ストア（SQLite永続化、未読管理）
//   - プレゼンスレジストリ（接続集合とオンライン状態、presenceパッケージ）
//   - 配信ファブリック（チャネル単位のpub/sub、fabricパッケージ）
//   - Notifier（永続化と配信を束ねるファサード）
//   - WebSocket接続セッション（購読・転送・ハートビート）
package notification
