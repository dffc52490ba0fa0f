// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// 各サービスが他のサービスのAPIを呼び出す際に使用する。
// 通知サービスへの通知送信依頼、ユーザーミラーの登録など、
// サービス間の通信パターンを統一する。
package httpclient
