package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/coach-chat/client/internal/app"
	"github.com/zhouzirui/coach-chat/client/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "coachtui: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	magic := flag.String("magic", "", "magic link，留空则使用已保存的会话")
	logPath := flag.String("log", "coachtui.log", "日志文件，界面运行期间不向终端输出日志")
	altScreen := flag.Bool("alt-screen", true, "使用全屏模式")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logFile, err := tea.LogToFile(*logPath, "coachtui")
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	logger := cfg.Log.NewLogger(logFile)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := app.New(ctx, cfg, logger, *magic)
	if err != nil {
		return err
	}
	client.Start()
	defer func() {
		if err := client.Close(); err != nil {
			log.Printf("[coachtui] close: %v", err)
		}
	}()

	opts := []tea.ProgramOption{tea.WithContext(ctx), tea.WithMouseCellMotion()}
	if *altScreen {
		opts = append(opts, tea.WithAltScreen())
	}

	m := newModel(backend{
		store:   client.Store,
		chat:    client.Chat,
		status:  client.Transport.Status,
		session: client.Session,
	})
	defer m.unsubscribe()

	log.Printf("[coachtui] signed in as %s", client.Session.SenderName())
	if _, err := tea.NewProgram(m, opts...).Run(); err != nil {
		return fmt.Errorf("program exited: %w", err)
	}
	return nil
}
