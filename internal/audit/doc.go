// Package audit は認証イベントの監査ログを非同期に記録します。
//
// イベントは Asynq のタスクとしてキューに投入され、ワーカーが Redis の
// ユーザーごとのリストに保存します。リストは AUDIT_MAX_EVENTS 件に切り詰められ、
// AUDIT_RETENTION_HOURS 経過で期限切れになります。
//
// 記録する内容:
// - ログイン成功 / 失敗 / ロック
// - ログアウト
// - CSRF トークン不一致による拒否
//
// パスワード、パスワードハッシュ、CSRF トークンは記録しません。
package audit
