// Package users はユーザー管理サービスの内部実装を提供する。
//
// ユーザーの登録・ログインとJWTの発行、ロール（社員・部長・アシスタント）の
// 変更申請と管理者による承認・却下を担当する。登録されたユーザーは
// 通知サービスのユーザーミラーに内部APIで同期され、ロール申請の結果は
// 通知として申請者に配信される。
package users
