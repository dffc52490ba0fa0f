// Package document は書類審査サービスの内部実装を提供する。
//
// 社員によるPDF書類の提出、部長によるアシスタントへの割り当て、
// アシスタント・部長による承認・却下を担当する。割り当てと審査結果は
// 通知サービスの内部APIを通じて対象ユーザーに通知される。
package document
