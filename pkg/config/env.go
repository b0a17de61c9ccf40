// Package config は環境変数から設定を読み込む共通処理を提供する。
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ParseEnv は環境変数をtargetの構造体タグ（env / envDefault）に従って読み込む。
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("環境変数の読み込みに失敗: %w", err)
	}
	return nil
}
