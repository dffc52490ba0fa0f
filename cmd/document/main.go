// documentサービスのエントリポイント。
// PDF書類の提出・割り当て・審査を扱う。
package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/nao1215/docflow/internal/document"
)

func main() {
	// .envファイルがあれば環境変数として読み込む
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8082"
	}

	server, err := document.NewServer(port)
	if err != nil {
		log.Fatalf("documentサーバーの初期化に失敗: %v", err)
	}

	log.Printf("documentサービスを起動します: :%s", port)
	if err := server.Run(); err != nil {
		log.Fatalf("documentサービスの起動に失敗: %v", err)
	}
}
