package utils

import (
	"encoding/json"
	"log"
	"net/http"
)

// ErrorBody 错误响应体
type ErrorBody struct {
	Error string `json:"error"`
	// Upstream 远端接口返回的状态码，仅在请求远端失败时出现
	Upstream int `json:"upstream,omitempty"`
}

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorBody{Error: message})
}

// RespondErr 使用指定状态码发送 err，upstream 非零时附带远端状态码。
func RespondErr(w http.ResponseWriter, status int, err error, upstream int) {
	if status >= http.StatusInternalServerError {
		log.Printf("[http] responding %d: %v", status, err)
	}
	RespondJSON(w, status, ErrorBody{Error: err.Error(), Upstream: upstream})
}
