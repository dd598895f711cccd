package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/coach-chat/client/internal/app"
	"github.com/zhouzirui/coach-chat/client/internal/config"
	"github.com/zhouzirui/coach-chat/client/internal/handler"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	magic := flag.String("magic", "", "magic link，留空则使用已保存的会话")
	flag.Parse()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger, *magic); err != nil {
		log.Fatalf("[bridge] %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, magic string) error {
	client, err := app.New(ctx, cfg, logger, magic)
	if err != nil {
		return fmt.Errorf("start client: %w", err)
	}
	log.Printf("[bridge] signed in as %s", client.Session.SenderName())

	client.Start()
	defer func() {
		if err := client.Close(); err != nil {
			log.Printf("[bridge] close client: %v", err)
		}
	}()

	router := handler.NewRouter(handler.Deps{
		Chat:         client.Chat,
		Store:        client.Store,
		Turns:        client.Turns,
		DefaultStage: cfg.Turn.Stage,
		Status:       client.Transport.Status,
		CORSOrigins:  cfg.Server.CORSOrigins,
	})

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}
	return serve(ctx, ln, router)
}

// serve 运行 HTTP 服务直到 ctx 结束。请求上下文派生自 ctx，
// 关闭时 SSE 长连接会随之结束，Shutdown 不必等待它们超时。
func serve(ctx context.Context, ln net.Listener, router http.Handler) error {
	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Printf("coach bridge listening on %s", ln.Addr())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[bridge] shutdown: %v", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Printf("[bridge] stopped")
	return nil
}
