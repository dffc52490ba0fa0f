package notification

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nao1215/docflow/internal/notification/fabric"
	"github.com/nao1215/docflow/internal/notification/presence"
	"github.com/nao1215/docflow/pkg/event"
)

const (
	// writeWait はWebSocketへの1回の書き込みに許容する時間。
	writeWait = 10 * time.Second
	// maxMessageSize はクライアントから受信するフレームの最大サイズ。
	// プロトコルはサーバープッシュ専用のため、受信フレームは制御用途しかない。
	maxMessageSize = 512
)

// session は1つのWebSocket接続のライフサイクルを管理する。
//
// 接続確立時に自ユーザーの通知チャネルを購読してプレゼンスレジストリに
// attachし、切断時（クライアント終了・ネットワーク断・ハートビート
// タイムアウト・サーバー停止）に購読解除とdetachを行う。
// 購読チャネルに届いた封筒は到着順のままクライアントに転送される。
type session struct {
	// connID は接続の一意識別子（UUID）。
	connID string
	// userID は認証済みユーザーのID。
	userID int64
	// conn はWebSocket接続。
	conn *websocket.Conn
	// fab は配信ファブリック。
	fab fabric.Fabric
	// registry はプレゼンスレジストリ。
	registry *presence.Registry
	// events は購読した通知チャネルからの受信バッファ。
	events <-chan event.Envelope
	// pingPeriod はハートビートのping送信間隔。
	pingPeriod time.Duration
	// pongWait はpong応答を待つ最大時間。超過すると接続を強制終了する。
	pongWait time.Duration
	// done は終了処理の開始を各goroutineに伝える。
	done chan struct{}
	// closeOnce は終了処理を1回に制限する。
	// 正常クローズと強制クローズが競合しても登録解除は一度だけ行われる。
	closeOnce sync.Once
}

// newSession は新しい接続セッションを生成する。
func newSession(connID string, userID int64, conn *websocket.Conn, fab fabric.Fabric, registry *presence.Registry, pingPeriod, pongWait time.Duration) *session {
	return &session{
		connID:     connID,
		userID:     userID,
		conn:       conn,
		fab:        fab,
		registry:   registry,
		pingPeriod: pingPeriod,
		pongWait:   pongWait,
		done:       make(chan struct{}),
	}
}

// open は接続をOpen状態に遷移させる。
// 通知チャネルの購読、レジストリへのattach、オンライン化イベントの配信、
// クライアント自身への現在状態の送信を行い、読み書きのgoroutineを開始する。
func (s *session) open() error {
	events, err := s.fab.Subscribe(event.UserChannel(s.userID), s.connID)
	if err != nil {
		return err
	}
	s.events = events

	if wentOnline := s.registry.Attach(s.userID, s.connID); wentOnline {
		s.announceStatus(true)
	}

	// 接続したクライアント自身には現在の自分の状態を直接送る
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(event.NewUserStatus(s.userID, true)); err != nil {
		s.teardown()
		return err
	}

	go s.writePump()
	go s.readPump()
	return nil
}

// teardown は接続をClosed状態に遷移させる。
// 購読解除とレジストリからのdetachを行い、オフライン化した場合は
// 状態変化イベントを配信する。複数回呼ばれても処理は一度だけ実行される。
func (s *session) teardown() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.fab.Unsubscribe(event.UserChannel(s.userID), s.connID)
		if wentOffline := s.registry.Detach(s.userID, s.connID); wentOffline {
			s.announceStatus(false)
		}
		_ = s.conn.Close()
	})
}

// announceStatus はユーザーの状態変化イベントを共有チャネルに配信する。
// 配信の失敗はログに記録するだけで、接続処理は継続する。
func (s *session) announceStatus(isOnline bool) {
	env := event.NewUserStatus(s.userID, isOnline)
	if err := s.fab.Publish(context.Background(), event.StatusChannel, env); err != nil {
		log.Printf("[Session] 状態変化イベントの配信に失敗: user_id=%d, is_online=%v, error=%v", s.userID, isOnline, err)
	}
}

// readPump はクライアントからの受信を処理する。
// プロトコルはサーバープッシュ専用のため受信フレームは読み捨てるが、
// pong応答による読み取りデッドラインの更新とクライアント切断の検知を担う。
func (s *session) readPump() {
	defer s.teardown()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			// クライアント切断・ネットワーク断・ハートビートタイムアウト
			return
		}
	}
}

// writePump は購読チャネルからの封筒をクライアントに転送する。
// 単一のgoroutineが順に書き込むため、チャネル内のイベント順序が保存される。
// 定期的にpingを送信し、応答のない接続はreadPump側のデッドラインで終了する。
func (s *session) writePump() {
	ticker := time.NewTicker(s.pingPeriod)
	defer func() {
		ticker.Stop()
		s.teardown()
	}()

	for {
		select {
		case env, ok := <-s.events:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// ファブリックの停止（サーバーシャットダウン）
				_ = s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := s.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}
