// =============================================================================
// 🔧 测试数据构造
// =============================================================================
// 提供请求 / 响应测试数据的构造函数
// =============================================================================
package testutil

import (
	"fmt"
	"time"

	"github.com/BaSui01/dataforge/types"
)

// SampleRequests 构造 n 条编号请求，行号即 OriginalRowIdx
func SampleRequests(model string, n int) []types.GenericRequest {
	requests := make([]types.GenericRequest, n)
	for i := range requests {
		requests[i] = types.GenericRequest{
			Model: model,
			Messages: []types.Message{
				{Role: types.RoleUser, Content: fmt.Sprintf("prompt %d", i)},
			},
			OriginalRowIdx: i,
		}
	}
	return requests
}

// SuccessResponse 构造一条成功响应
func SuccessResponse(req types.GenericRequest, message string) types.GenericResponse {
	now := time.Now().UTC()
	return types.GenericResponse{
		ResponseMessage: &message,
		GenericRequest:  req,
		CreatedAt:       now,
		FinishedAt:      now,
		TokenUsage:      types.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

// FailedResponse 构造一条终态失败响应
func FailedResponse(req types.GenericRequest, errs ...string) types.GenericResponse {
	now := time.Now().UTC()
	return types.GenericResponse{
		ResponseErrors: errs,
		GenericRequest: req,
		CreatedAt:      now,
		FinishedAt:     now,
	}
}
