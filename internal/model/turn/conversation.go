package turn

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/zhouzirui/coach-chat/client/internal/domain"
)

// 关卡范围
const (
	LevelMin = 1
	LevelMax = 3
)

// StagePlayground 自由练习模式。
const StagePlayground = "playground"

// Stage 对话所处的关卡，Level 为 0 表示 playground。
type Stage struct {
	Level int
}

// ParseStage 解析 "playground" 或 "level-N"。
func ParseStage(raw string) (Stage, error) {
	raw = strings.TrimSpace(raw)
	if raw == StagePlayground {
		return Stage{}, nil
	}

	rest, ok := strings.CutPrefix(raw, "level-")
	if !ok {
		return Stage{}, fmt.Errorf("invalid conversation stage: %q", raw)
	}
	level, err := strconv.Atoi(rest)
	if err != nil || level < LevelMin || level > LevelMax {
		return Stage{}, fmt.Errorf("invalid conversation stage: %q", raw)
	}
	return Stage{Level: level}, nil
}

// Playground reports whether s is the free-practice stage.
func (s Stage) Playground() bool { return s.Level == 0 }

func (s Stage) String() string {
	if s.Playground() {
		return StagePlayground
	}
	return fmt.Sprintf("level-%d", s.Level)
}

// Unlocks reports whether reaching max unlocks s. Playground is unlocked after the last level.
func (s Stage) Unlocks(max Stage) bool {
	if max.Playground() {
		return true
	}
	if s.Playground() {
		return false
	}
	return s.Level <= max.Level
}

// Scenario 对话场景描述，关卡与 playground 共用一个结构。
type Scenario struct {
	UserPerspective  string  `json:"user_perspective"`
	AgentPerspective string  `json:"agent_perspective"`
	UserGoal         string  `json:"user_goal,omitempty"`
	IsUserInitiated  bool    `json:"is_user_initiated,omitempty"`
	Topic            *string `json:"topic,omitempty"`
}

// Descriptor 列表接口返回的会话摘要。
type Descriptor struct {
	ID       string   `json:"id"`
	Scenario Scenario `json:"scenario"`
	Agent    string   `json:"agent"`
}

// State 会话当前状态：等待用户选择，或服务端仍有待推进的步骤。
type State struct {
	Waiting     bool     `json:"waiting"`
	Options     []string `json:"options,omitempty"`
	AllowCustom bool     `json:"allow_custom,omitempty"`
	Type        StepType `json:"type,omitempty"`
}

// Completed reports whether the scripted conversation has ended.
func (s State) Completed() bool {
	return !s.Waiting && s.Type == "completed"
}

// ElementType 历史元素类型
type ElementType string

const (
	ElementMessage  ElementType = "message"
	ElementFeedback ElementType = "feedback"
)

// Line 历史中的一句话。
type Line struct {
	UserSent bool   `json:"user_sent"`
	Message  string `json:"message"`
}

// Element is a history item: a Line or a Feedback, tagged by Type.
type Element struct {
	Type     ElementType
	Line     Line
	Feedback Feedback
}

func (e *Element) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type    ElementType     `json:"type"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode element: %w", err)
	}

	switch raw.Type {
	case ElementMessage:
		var line Line
		if err := json.Unmarshal(raw.Content, &line); err != nil {
			return fmt.Errorf("decode message element: %w", err)
		}
		*e = Element{Type: ElementMessage, Line: line}
	case ElementFeedback:
		var fb Feedback
		if err := json.Unmarshal(raw.Content, &fb); err != nil {
			return fmt.Errorf("decode feedback element: %w", err)
		}
		*e = Element{Type: ElementFeedback, Feedback: fb}
	default:
		return domain.Violationf("unknown element type %q", raw.Type)
	}
	return nil
}

func (e Element) MarshalJSON() ([]byte, error) {
	var content any = e.Line
	if e.Type == ElementFeedback {
		content = e.Feedback
	}
	return json.Marshal(struct {
		Type    ElementType `json:"type"`
		Content any         `json:"content"`
	}{e.Type, content})
}

// Conversation GET /conversations/{id} 的响应，包含完整历史和待处理状态。
type Conversation struct {
	ID       string    `json:"id"`
	Stage    string    `json:"stage"`
	Scenario Scenario  `json:"scenario"`
	Agent    string    `json:"agent"`
	State    *State    `json:"state"`
	Elements []Element `json:"elements"`
}
