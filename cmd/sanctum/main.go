// Command sanctum は会員制プラットフォームのAPIサーバー・ワーカー・マイグレーションを起動する。
//
//	sanctum [serve|worker|migrate|healthcheck]
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/hitoshi/sanctum/internal/app"
	"github.com/joho/godotenv"
)

func main() {
	// ローカル開発用。既存の環境変数は上書きしない
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
