package wire

import (
	"bytes"
	"encoding/json"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/zhouzirui/coach-chat/client/internal/domain"
	"github.com/zhouzirui/coach-chat/client/internal/model/chat"
)

// OperationType 客户端发出的操作类型
type OperationType string

const (
	OpSendMessage         OperationType = "send-message"
	OpCreateChat          OperationType = "create-chat"
	OpLoadChat            OperationType = "load-chat"
	OpGenerateSuggestions OperationType = "generate-suggestions"
	OpMarkRead            OperationType = "mark-read"
	OpViewSuggestion      OperationType = "view-suggestion"
	OpRateFeedback        OperationType = "rate-feedback"
	OpCheckpointRating    OperationType = "checkpoint-rating"
	OpIntroductionSeen    OperationType = "introduction-seen"
)

// 评分范围
const (
	MinFeedbackRating   = 1
	MaxFeedbackRating   = 5
	MinCheckpointRating = 1
	MaxCheckpointRating = 7
	CheckpointQuestions = 2
)

// Operation is an outbound command. Every operation validates itself before encoding.
type Operation interface {
	Type() OperationType
	Validate() error
}

// SendMessage 按索引发送当前建议，不携带文本。
type SendMessage struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
}

// CreateChat 请求创建新会话。
type CreateChat struct{}

// LoadChat 请求加载会话消息。
type LoadChat struct {
	ID string `json:"id"`
}

// GenerateSuggestions 根据草稿生成建议。
type GenerateSuggestions struct {
	ID    string `json:"id"`
	Draft string `json:"draft"`
}

// MarkRead 标记会话已读。
type MarkRead struct {
	ID string `json:"id"`
}

// ViewSuggestion 记录用户查看了某条建议。
type ViewSuggestion struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
}

// RateFeedback 为历史中指定位置的反馈评分。
type RateFeedback struct {
	ID     string `json:"id"`
	Index  int    `json:"index"`
	Rating int    `json:"rating"`
}

// CheckpointRating 阶段性满意度问卷，两个问题一起提交。
type CheckpointRating struct {
	ID      string         `json:"id"`
	Ratings map[string]int `json:"ratings"`
}

// IntroductionSeen 标记会话介绍已读。
type IntroductionSeen struct {
	ID string `json:"id"`
}

// AuthFrame 连接建立后发送的第一帧。
type AuthFrame struct {
	Token string `json:"token"`
}

func (SendMessage) Type() OperationType         { return OpSendMessage }
func (CreateChat) Type() OperationType          { return OpCreateChat }
func (LoadChat) Type() OperationType            { return OpLoadChat }
func (GenerateSuggestions) Type() OperationType { return OpGenerateSuggestions }
func (MarkRead) Type() OperationType            { return OpMarkRead }
func (ViewSuggestion) Type() OperationType      { return OpViewSuggestion }
func (RateFeedback) Type() OperationType        { return OpRateFeedback }
func (CheckpointRating) Type() OperationType    { return OpCheckpointRating }
func (IntroductionSeen) Type() OperationType    { return OpIntroductionSeen }

// idRules 操作必须指向服务端已分配的会话。
var idRules = []validation.Rule{
	validation.Required,
	validation.NotIn(chat.ZeroID).Error("conversation is still provisional"),
}

func (o SendMessage) Validate() error {
	return validation.ValidateStruct(&o,
		validation.Field(&o.ID, idRules...),
		validation.Field(&o.Index, validation.Min(0)),
	)
}

func (CreateChat) Validate() error { return nil }

func (o LoadChat) Validate() error {
	return validation.ValidateStruct(&o, validation.Field(&o.ID, idRules...))
}

func (o GenerateSuggestions) Validate() error {
	return validation.ValidateStruct(&o, validation.Field(&o.ID, idRules...))
}

func (o MarkRead) Validate() error {
	return validation.ValidateStruct(&o, validation.Field(&o.ID, idRules...))
}

func (o ViewSuggestion) Validate() error {
	return validation.ValidateStruct(&o,
		validation.Field(&o.ID, idRules...),
		validation.Field(&o.Index, validation.Min(0)),
	)
}

func (o RateFeedback) Validate() error {
	return validation.ValidateStruct(&o,
		validation.Field(&o.ID, idRules...),
		validation.Field(&o.Index, validation.Min(0)),
		validation.Field(&o.Rating, validation.Required, validation.Min(MinFeedbackRating), validation.Max(MaxFeedbackRating)),
	)
}

func (o CheckpointRating) Validate() error {
	return validation.ValidateStruct(&o,
		validation.Field(&o.ID, idRules...),
		validation.Field(&o.Ratings,
			validation.Required,
			validation.Length(CheckpointQuestions, CheckpointQuestions),
			validation.Each(validation.Required, validation.Min(MinCheckpointRating), validation.Max(MaxCheckpointRating)),
		),
	)
}

func (o IntroductionSeen) Validate() error {
	return validation.ValidateStruct(&o, validation.Field(&o.ID, idRules...))
}

// EncodeOperation 校验并编码操作，输出 {"type": ..., 其余字段}。
func EncodeOperation(op Operation) ([]byte, error) {
	if err := op.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", op.Type(), err)
	}
	return splice(string(op.Type()), op)
}

// DecodeOperation 解析一帧客户端操作。
func DecodeOperation(data []byte) (Operation, error) {
	var head struct {
		Type OperationType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode operation: %w", err)
	}

	var op Operation
	switch head.Type {
	case OpSendMessage:
		op = decodeInto[SendMessage](data)
	case OpCreateChat:
		op = CreateChat{}
	case OpLoadChat:
		op = decodeInto[LoadChat](data)
	case OpGenerateSuggestions:
		op = decodeInto[GenerateSuggestions](data)
	case OpMarkRead:
		op = decodeInto[MarkRead](data)
	case OpViewSuggestion:
		op = decodeInto[ViewSuggestion](data)
	case OpRateFeedback:
		op = decodeInto[RateFeedback](data)
	case OpCheckpointRating:
		op = decodeInto[CheckpointRating](data)
	case OpIntroductionSeen:
		op = decodeInto[IntroductionSeen](data)
	default:
		return nil, domain.Violationf("unknown operation type %q", head.Type)
	}

	if op == nil {
		return nil, fmt.Errorf("decode %s: malformed payload", head.Type)
	}
	return op, nil
}

func decodeInto[T Operation](data []byte) Operation {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}
	return v
}

// splice 把 type 字段拼接到对象的最前面。
func splice(kind string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}

	typeField, err := json.Marshal(kind)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	buf.Write(typeField)
	if !bytes.Equal(body, []byte("{}")) {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}
