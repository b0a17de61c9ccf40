package broker

import (
	"log/slog"
	"strings"
)

// MemoryURL はプロセス内ブローカーを選ぶ接続先。
const MemoryURL = "memory://"

// Open は接続先URLに応じたBrokerを返す。
// "memory://" の場合はプロセス内ブローカー、それ以外はAMQPとして接続する。
func Open(url string, logger *slog.Logger) (Broker, error) {
	if strings.HasPrefix(url, MemoryURL) {
		logger.Warn("プロセス内ブローカーを使用します。メッセージは永続化されません")
		return NewMemory(), nil
	}
	return DialAMQP(url, logger)
}
