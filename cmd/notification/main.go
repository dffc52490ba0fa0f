// 通知サービスのエントリポイント。
// 通知の永続化とWebSocketによるリアルタイム配信、
// オンライン状態の管理を行う。
package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/nao1215/docflow/internal/notification"
)

func main() {
	// .envファイルがあれば環境変数として読み込む
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8086"
	}

	server, err := notification.NewServer(port)
	if err != nil {
		log.Fatalf("通知サーバーの初期化に失敗: %v", err)
	}
	defer server.Close()

	log.Printf("通知サービスを起動します: :%s", port)
	if err := server.Run(); err != nil {
		log.Fatalf("通知サービスの起動に失敗: %v", err)
	}
}
