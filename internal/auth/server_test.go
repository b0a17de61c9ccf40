package auth

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/nao1215/taskhub/pkg/broker"
	"github.com/nao1215/taskhub/pkg/logger"
	"github.com/nao1215/taskhub/pkg/rpc"
)

// startTestServer はメモリブローカー上で認証サーバーを起動し、クライアントを返す。
func startTestServer(t *testing.T) *rpc.Client {
	t.Helper()
	b := broker.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())

	srv := NewServer(testConfig, setupTestDB(t), b, logger.Discard(), WithBcryptCost(bcrypt.MinCost))
	if _, err := b.DeclareQueue(ctx, broker.QueueOptions{Name: testConfig.Queue, Durable: true}); err != nil {
		t.Fatalf("DeclareQueue()でエラーが発生: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Run(ctx)
	}()

	client, err := rpc.NewClient(context.Background(), b, testConfig.Queue, logger.Discard(), rpc.WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("NewClient()でエラーが発生: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		cancel()
		<-done
		_ = b.Close()
	})
	return client
}

// TestServerCommands はコマンド経由の認証フローを検証する。
func TestServerCommands(t *testing.T) {
	t.Parallel()

	t.Run("登録からリフレッシュまで一連のコマンドが成功すること", func(t *testing.T) {
		t.Parallel()
		client := startTestServer(t)
		ctx := context.Background()

		var registered Session
		if err := client.Call(ctx, CommandRegister, RegisterInput{Email: "f@example.com", Username: "frank", Password: "secret1"}, &registered); err != nil {
			t.Fatalf("registerでエラーが発生: %v", err)
		}

		var loggedIn Session
		if err := client.Call(ctx, CommandLogin, LoginInput{Email: "f@example.com", Password: "secret1"}, &loggedIn); err != nil {
			t.Fatalf("loginでエラーが発生: %v", err)
		}
		if loggedIn.User.ID != registered.User.ID {
			t.Errorf("User.ID = %q, want %q", loggedIn.User.ID, registered.User.ID)
		}

		var refreshed AccessToken
		if err := client.Call(ctx, CommandRefresh, RefreshInput{RefreshToken: loggedIn.RefreshToken}, &refreshed); err != nil {
			t.Fatalf("refreshでエラーが発生: %v", err)
		}
		if refreshed.AccessToken == "" {
			t.Error("access_tokenが空")
		}

		if err := client.Call(ctx, CommandLogout, RefreshInput{RefreshToken: loggedIn.RefreshToken}, nil); err != nil {
			t.Fatalf("logoutでエラーが発生: %v", err)
		}
	})

	statusTests := []struct {
		name    string
		command string
		payload any
		want    int
	}{
		{
			name:    "不正なメールアドレスは400になること",
			command: CommandRegister,
			payload: RegisterInput{Email: "not-an-email", Username: "gina", Password: "secret1"},
			want:    http.StatusBadRequest,
		},
		{
			name:    "短いパスワードは400になること",
			command: CommandRegister,
			payload: RegisterInput{Email: "g@example.com", Username: "gina", Password: "123"},
			want:    http.StatusBadRequest,
		},
		{
			name:    "誤った認証情報は401になること",
			command: CommandLogin,
			payload: LoginInput{Email: "nobody@example.com", Password: "secret1"},
			want:    http.StatusUnauthorized,
		},
		{
			name:    "未知のリフレッシュトークンは401になること",
			command: CommandRefresh,
			payload: RefreshInput{RefreshToken: "deadbeef"},
			want:    http.StatusUnauthorized,
		},
	}
	for _, tt := range statusTests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			client := startTestServer(t)

			err := client.Call(context.Background(), tt.command, tt.payload, nil)
			var rerr *rpc.Error
			if !errors.As(err, &rerr) {
				t.Fatalf("エラー = %v, want *rpc.Error", err)
			}
			if rerr.Status != tt.want {
				t.Errorf("Status = %d, want %d", rerr.Status, tt.want)
			}
		})
	}

	t.Run("重複登録は409になること", func(t *testing.T) {
		t.Parallel()
		client := startTestServer(t)
		ctx := context.Background()
		in := RegisterInput{Email: "h@example.com", Username: "hank", Password: "secret1"}

		if err := client.Call(ctx, CommandRegister, in, nil); err != nil {
			t.Fatalf("registerでエラーが発生: %v", err)
		}
		err := client.Call(ctx, CommandRegister, in, nil)
		var rerr *rpc.Error
		if !errors.As(err, &rerr) || rerr.Status != http.StatusConflict {
			t.Errorf("エラー = %v, want status 409", err)
		}
	})
}
