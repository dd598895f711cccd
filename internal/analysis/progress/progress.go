package progress

import (
	"math"

	"github.com/zhouzirui/coach-chat/client/internal/model/chat"
)

// MilestoneTarget 完成一次练习需要计入的反馈数量。
const MilestoneTarget = 8

// 最后一次计入反馈之后，最多奖励的用户消息数量。
const (
	bonusCap    = 4
	gapBonusCap = 5
)

// Result 进度估算结果。
type Result struct {
	Fraction float64
	Counted  int
	Bonus    int
}

// Percent 四舍五入后的百分比。
func (r Result) Percent() int {
	return int(math.Round(r.Fraction * 100))
}

// Complete reports whether the milestone has been reached.
func (r Result) Complete() bool {
	return r.Fraction >= 1
}

// Estimate 根据历史估算练习进度，纯函数。
//
// 没有替代说法的反馈立即计入；有替代说法的反馈在之后出现第一条用户消息时计入，
// 这条消息同时用掉奖励窗口。之后的每条用户消息奖励 1/cap 个反馈，cap 为 4，gap 模式下为 5。
func Estimate(entries chat.History, agent string, gap bool) Result {
	counted := 0
	last := -1

	for i, entry := range entries {
		fb, ok := entry.(chat.InChatFeedback)
		if !ok {
			continue
		}
		if !fb.HasAlternative() {
			counted++
			last = max(last, i)
			continue
		}
		if j := nextUserMessage(entries, i+1, agent); j >= 0 {
			counted++
			last = max(last, j)
		}
	}

	bonus := 0
	for i := last + 1; i < len(entries); i++ {
		if isUserMessage(entries[i], agent) {
			bonus++
		}
	}

	limit := bonusCap
	if gap {
		limit = gapBonusCap
	}
	bonus = min(bonus, limit)

	fraction := float64(counted)/MilestoneTarget + float64(bonus)/float64(limit)/MilestoneTarget
	return Result{
		Fraction: math.Min(math.Max(fraction, 0), 1),
		Counted:  counted,
		Bonus:    bonus,
	}
}

func nextUserMessage(entries chat.History, from int, agent string) int {
	for j := from; j < len(entries); j++ {
		if isUserMessage(entries[j], agent) {
			return j
		}
	}
	return -1
}

func isUserMessage(entry chat.Entry, agent string) bool {
	msg, ok := entry.(chat.Message)
	return ok && msg.Sender != agent
}
