package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/coach-chat/client/internal/analysis/progress"
	"github.com/zhouzirui/coach-chat/client/internal/app"
	"github.com/zhouzirui/coach-chat/client/internal/config"
	"github.com/zhouzirui/coach-chat/client/internal/domain"
	"github.com/zhouzirui/coach-chat/client/internal/model/chat"
	turnService "github.com/zhouzirui/coach-chat/client/internal/service/turn"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	mode := flag.String("mode", "play", "运行模式: list 或 play")
	stage := flag.String("stage", cfg.Turn.Stage, "关卡: level-1..level-3 或 playground")
	id := flag.String("id", "", "打开已有会话，留空则新建")
	magic := flag.String("magic", "", "magic link，留空则使用已保存的会话")
	timeout := flag.Duration("timeout", 2*time.Minute, "单次请求超时时间")

	flag.Parse()

	if *mode != "list" && *mode != "play" {
		flag.Usage()
		log.Fatal("请通过 -mode=list 或 -mode=play 指定运行模式")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := app.New(ctx, cfg, cfg.Log.NewLogger(os.Stderr), *magic)
	if err != nil {
		log.Fatalf("登录失败: %v", err)
	}
	defer client.Close()

	switch *mode {
	case "list":
		runList(ctx, client.Turns, *stage, *timeout)
	case "play":
		runPlay(ctx, client.Turns, *stage, *id, *timeout)
	}
}

func runList(ctx context.Context, seq *turnService.Sequencer, stage string, timeout time.Duration) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	list, err := seq.List(reqCtx, stage)
	if err != nil {
		log.Fatalf("获取会话列表失败: %v", err)
	}
	for _, d := range list {
		fmt.Printf("%s\t%s\t%s\n", d.ID, d.Agent, d.Scenario.UserGoal)
	}
	log.Printf("共 %d 个会话 (stage=%s)", len(list), stage)
}

func runPlay(ctx context.Context, seq *turnService.Sequencer, stage, id string, timeout time.Duration) {
	var (
		thread turnService.Thread
		err    error
	)
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	if id == "" {
		thread, err = seq.Start(reqCtx, stage)
	} else {
		thread, err = seq.Open(reqCtx, id)
	}
	cancel()
	if err != nil {
		log.Fatalf("打开会话失败: %v", err)
	}

	log.Printf("会话 %s 对象=%s 目标=%s", thread.ConversationID, thread.Agent, thread.Scenario.UserGoal)
	printed := printHistory(thread, 0)

	input := bufio.NewScanner(os.Stdin)
	for !thread.Finished() {
		printPrompt(thread)
		if !input.Scan() {
			return
		}
		line := strings.TrimSpace(input.Text())
		if line == "q" {
			return
		}

		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		next, err := act(reqCtx, seq, thread, line)
		cancel()

		switch {
		case errors.Is(err, errUsage):
			fmt.Println(err)
			continue
		case domain.IsProtocolViolation(err):
			log.Fatalf("服务端返回了无法识别的数据: %v", err)
		case err != nil:
			log.Printf("[WARN] 请求失败: %v", err)
		}
		if next.ConversationID != "" {
			thread = next
		} else if current, ok := seq.Thread(thread.ConversationID); ok {
			thread = current
		}
		printed = printHistory(thread, printed)
	}

	est := progress.Estimate(thread.History, thread.Agent, false)
	log.Printf("对话结束，进度 %d%%，已解锁 %s", est.Percent(), thread.MaxUnlockedStage)
}

var errUsage = errors.New("输入选项编号，c 继续，> 文本 发送自定义消息，q 退出")

func act(ctx context.Context, seq *turnService.Sequencer, thread turnService.Thread, line string) (turnService.Thread, error) {
	id := thread.ConversationID
	switch {
	case line == "c" || (line == "" && thread.Awaiting == turnService.AwaitContinue):
		return seq.Continue(ctx, id)
	case strings.HasPrefix(line, ">"):
		return seq.SubmitCustom(ctx, id, strings.TrimSpace(strings.TrimPrefix(line, ">")))
	default:
		n, err := strconv.Atoi(line)
		if err != nil {
			return turnService.Thread{}, errUsage
		}
		return seq.Submit(ctx, id, n-1)
	}
}

func printHistory(thread turnService.Thread, from int) int {
	for _, entry := range thread.History[min(from, len(thread.History)):] {
		switch e := entry.(type) {
		case chat.Message:
			fmt.Printf("%s: %s\n", e.Sender, e.Content)
		case chat.InChatFeedback:
			fmt.Printf("  [反馈] %s: %s\n", e.Feedback.Title, e.Feedback.Body)
			if e.AlternativeFeedback != nil {
				fmt.Printf("  [说明] %s\n", *e.AlternativeFeedback)
			}
		}
	}
	return len(thread.History)
}

func printPrompt(thread turnService.Thread) {
	switch thread.Awaiting {
	case turnService.AwaitContinue:
		fmt.Print("(回车继续) ")
		return
	case turnService.AwaitFollowUp:
		fmt.Println("请跟进:")
	}
	for i, opt := range thread.Options {
		fmt.Printf("  %d) %s\n", i+1, opt)
	}
	if thread.AllowCustom {
		fmt.Println("  > 自定义回复")
	}
	fmt.Print("> ")
}
