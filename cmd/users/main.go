// usersサービスのエントリポイント。
// ユーザー登録・ログイン・ロール変更リクエストを扱う。
package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/nao1215/docflow/internal/users"
)

func main() {
	// .envファイルがあれば環境変数として読み込む
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8081"
	}

	server, err := users.NewServer(port)
	if err != nil {
		log.Fatalf("usersサーバーの初期化に失敗: %v", err)
	}

	log.Printf("usersサービスを起動します: :%s", port)
	if err := server.Run(); err != nil {
		log.Fatalf("usersサービスの起動に失敗: %v", err)
	}
}
