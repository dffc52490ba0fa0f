// Package event はサービス内の配信ファブリックとWebSocketクライアントの
// 双方で運ばれるイベント封筒を定義する。
//
// 封筒のJSON形式はそのままクライアントへのワイヤ形式となるため、
// フィールドの追加・変更はクライアント実装との互換性に注意すること。
package event

import (
	"encoding/json"
	"fmt"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeSendNotification は通知メッセージの配信イベントを表す。
	TypeSendNotification Type = "send_notification"
	// TypeUserStatus はユーザーのオンライン状態変化イベントを表す。
	TypeUserStatus Type = "user_status"
)

// StatusChannel はオンライン状態の変化が配信される共有チャネル名。
// 通知チャネルと異なり、全ユーザーの状態変化が1つのチャネルに流れる。
const StatusChannel = "user_status"

// UserChannel はユーザーIDから通知チャネル名を導出する。
// 1つの接続はそのユーザーのチャネルだけを購読する。
func UserChannel(userID int64) string {
	return fmt.Sprintf("notifications_%d", userID)
}

// Envelope は配信ファブリックで運ばれるイベントの封筒。
// typeフィールドで種類を判別し、種類ごとに使用されるフィールドが異なる。
type Envelope struct {
	// Type はイベントの種類。
	Type Type `json:"type"`
	// Message は通知メッセージ。TypeSendNotificationでのみ使用する。
	Message string `json:"message,omitempty"`
	// UserID は状態が変化したユーザーのID。TypeUserStatusでのみ使用する。
	UserID int64 `json:"user_id,omitempty"`
	// IsOnline はユーザーのオンライン状態。TypeUserStatusでのみ使用する。
	// falseも送信する必要があるためポインタで保持する。
	IsOnline *bool `json:"is_online,omitempty"`
}

// NewNotification は通知配信イベントの封筒を生成する。
func NewNotification(message string) Envelope {
	return Envelope{
		Type:    TypeSendNotification,
		Message: message,
	}
}

// NewUserStatus はオンライン状態変化イベントの封筒を生成する。
func NewUserStatus(userID int64, isOnline bool) Envelope {
	return Envelope{
		Type:     TypeUserStatus,
		UserID:   userID,
		IsOnline: &isOnline,
	}
}

// Encode は封筒をワイヤ形式のJSONにシリアライズする。
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("封筒のシリアライズに失敗: %w", err)
	}
	return data, nil
}

// Decode はワイヤ形式のJSONから封筒を復元する。
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("封筒のデシリアライズに失敗: %w", err)
	}
	return e, nil
}
