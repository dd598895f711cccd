package turn

import (
	"encoding/json"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// OptionKind 用户选择的方式
type OptionKind string

const (
	OptionIndex  OptionKind = "index"
	OptionCustom OptionKind = "custom"
	OptionNone   OptionKind = "none"
)

// MaxCustomLength 自定义消息的最大长度。
const MaxCustomLength = 600

// SelectOption next 接口的请求体。
type SelectOption struct {
	Option  OptionKind
	Index   *int
	Message string
}

// SelectIndex 选择第 i 个选项。
func SelectIndex(i int) SelectOption {
	return SelectOption{Option: OptionIndex, Index: &i}
}

// SelectCustom 发送自定义消息。
func SelectCustom(message string) SelectOption {
	return SelectOption{Option: OptionCustom, Message: message}
}

// SelectNone 不提交任何选择，只查询下一步。
func SelectNone() SelectOption {
	return SelectOption{Option: OptionNone}
}

func (o SelectOption) Validate() error {
	return validation.ValidateStruct(&o,
		validation.Field(&o.Option, validation.Required, validation.In(OptionIndex, OptionCustom, OptionNone)),
		validation.Field(&o.Index,
			validation.When(o.Option == OptionIndex, validation.NotNil, validation.Min(0)).Else(validation.Nil),
		),
		validation.Field(&o.Message,
			validation.When(o.Option == OptionCustom, validation.Required, validation.RuneLength(1, MaxCustomLength)).Else(validation.Empty),
		),
	)
}

// MarshalJSON 只输出当前选择方式需要的字段。
func (o SelectOption) MarshalJSON() ([]byte, error) {
	switch o.Option {
	case OptionIndex:
		index := 0
		if o.Index != nil {
			index = *o.Index
		}
		return json.Marshal(struct {
			Option OptionKind `json:"option"`
			Index  int        `json:"index"`
		}{o.Option, index})
	case OptionCustom:
		return json.Marshal(struct {
			Option  OptionKind `json:"option"`
			Message string     `json:"message"`
		}{o.Option, o.Message})
	default:
		return json.Marshal(struct {
			Option OptionKind `json:"option"`
		}{OptionNone})
	}
}

func (o *SelectOption) UnmarshalJSON(data []byte) error {
	var raw struct {
		Option  OptionKind `json:"option"`
		Index   *int       `json:"index"`
		Message string     `json:"message"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*o = SelectOption{Option: raw.Option, Index: raw.Index, Message: raw.Message}
	return nil
}
