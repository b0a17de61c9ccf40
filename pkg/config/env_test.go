package config

import (
	"strings"
	"testing"
	"time"
)

type envTestConfig struct {
	Port    string        `env:"TASKHUB_TEST_PORT" envDefault:"8080"`
	Timeout time.Duration `env:"TASKHUB_TEST_TIMEOUT" envDefault:"5s"`
	Retries int           `env:"TASKHUB_TEST_RETRIES" envDefault:"3"`
}

// TestParseEnv は環境変数の読み込みを検証する。
func TestParseEnv(t *testing.T) {
	t.Run("未設定の場合はデフォルト値を使うこと", func(t *testing.T) {
		var cfg envTestConfig
		if err := ParseEnv(&cfg); err != nil {
			t.Fatalf("ParseEnv()でエラーが発生: %v", err)
		}
		if cfg.Port != "8080" {
			t.Errorf("Port = %q, want 8080", cfg.Port)
		}
		if cfg.Timeout != 5*time.Second {
			t.Errorf("Timeout = %v, want 5s", cfg.Timeout)
		}
		if cfg.Retries != 3 {
			t.Errorf("Retries = %d, want 3", cfg.Retries)
		}
	})

	t.Run("環境変数の値が優先されること", func(t *testing.T) {
		t.Setenv("TASKHUB_TEST_PORT", "9000")
		t.Setenv("TASKHUB_TEST_TIMEOUT", "250ms")

		var cfg envTestConfig
		if err := ParseEnv(&cfg); err != nil {
			t.Fatalf("ParseEnv()でエラーが発生: %v", err)
		}
		if cfg.Port != "9000" {
			t.Errorf("Port = %q, want 9000", cfg.Port)
		}
		if cfg.Timeout != 250*time.Millisecond {
			t.Errorf("Timeout = %v, want 250ms", cfg.Timeout)
		}
	})

	t.Run("型が合わない値はエラーになること", func(t *testing.T) {
		t.Setenv("TASKHUB_TEST_RETRIES", "three")

		var cfg envTestConfig
		err := ParseEnv(&cfg)
		if err == nil {
			t.Fatal("エラーが返されなかった")
		}
		if !strings.Contains(err.Error(), "環境変数の読み込みに失敗") {
			t.Errorf("エラーメッセージ = %q", err.Error())
		}
	})
}
