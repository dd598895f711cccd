package turn

import (
	"encoding/json"
	"fmt"

	"github.com/zhouzirui/coach-chat/client/internal/domain"
)

// StepType "next" 接口返回的步骤类型
type StepType string

const (
	StepAp       StepType = "ap"
	StepFeedback StepType = "feedback"
	StepNp       StepType = "np"
	StepComplete StepType = "complete"
)

// Feedback 对用户选择的评价，FollowUp 非空时成为用户唯一可选的下一步。
type Feedback struct {
	Title       string  `json:"title"`
	Body        string  `json:"body"`
	FollowUp    *string `json:"follow_up"`
	Explanation *string `json:"explanation"`
}

// HasFollowUp reports whether the feedback forces the next user message.
func (f Feedback) HasFollowUp() bool {
	return f.FollowUp != nil && *f.FollowUp != ""
}

// Step is one of ApStep, FeedbackStep, NpStep or CompleteStep.
type Step interface {
	Type() StepType
	Unlocked() string
	isStep()
}

// ApStep 对方角色说了一句话。
type ApStep struct {
	Content          string `json:"content"`
	MaxUnlockedStage string `json:"max_unlocked_stage"`
}

// FeedbackStep 针对用户上一句话的反馈。
type FeedbackStep struct {
	Content          Feedback `json:"content"`
	MaxUnlockedStage string   `json:"max_unlocked_stage"`
}

// NpStep 用户需要从选项中选择。
type NpStep struct {
	Options          []string `json:"options"`
	AllowCustom      bool     `json:"allow_custom"`
	MaxUnlockedStage string   `json:"max_unlocked_stage"`
}

// CompleteStep 脚本对话结束。
type CompleteStep struct {
	MaxUnlockedStage string `json:"max_unlocked_stage"`
}

func (ApStep) Type() StepType       { return StepAp }
func (FeedbackStep) Type() StepType { return StepFeedback }
func (NpStep) Type() StepType       { return StepNp }
func (CompleteStep) Type() StepType { return StepComplete }

func (s ApStep) Unlocked() string       { return s.MaxUnlockedStage }
func (s FeedbackStep) Unlocked() string { return s.MaxUnlockedStage }
func (s NpStep) Unlocked() string       { return s.MaxUnlockedStage }
func (s CompleteStep) Unlocked() string { return s.MaxUnlockedStage }

func (ApStep) isStep()       {}
func (FeedbackStep) isStep() {}
func (NpStep) isStep()       {}
func (CompleteStep) isStep() {}

// DecodeStep 解析 next 接口的响应。未知类型是契约错误，返回 ProtocolViolation。
func DecodeStep(data []byte) (Step, error) {
	var head struct {
		Type StepType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode step: %w", err)
	}

	switch head.Type {
	case StepAp:
		var s ApStep
		if err := unmarshalStep(data, &s); err != nil {
			return nil, err
		}
		return s, nil
	case StepFeedback:
		var s FeedbackStep
		if err := unmarshalStep(data, &s); err != nil {
			return nil, err
		}
		return s, nil
	case StepNp:
		var s NpStep
		if err := unmarshalStep(data, &s); err != nil {
			return nil, err
		}
		if len(s.Options) == 0 && !s.AllowCustom {
			return nil, domain.Violationf("np step without options")
		}
		return s, nil
	case StepComplete:
		var s CompleteStep
		if err := unmarshalStep(data, &s); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, domain.Violationf("unknown step type %q", head.Type)
	}
}

func unmarshalStep(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode step body: %w", err)
	}
	return nil
}
