package handler

import (
	"mpesapay/internal/service"
	"mpesapay/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var kindCodes = map[service.Kind]int{
	service.KindAuth:              response.CodeProviderAuth,
	service.KindValidation:        response.CodeParamError,
	service.KindNotFound:          response.CodeNotFound,
	service.KindConflict:          response.CodeConflict,
	service.KindInsufficientFunds: response.CodeInsufficientFunds,
	service.KindProvider:          response.CodeProviderError,
	service.KindInternal:          response.CodeServerError,
}

// writeError renders err in the response envelope. Causes of server-side
// failures are logged, never returned.
func writeError(c *gin.Context, logger *zap.Logger, err error) {
	se := service.AsError(err)
	status := se.HTTPStatus()
	if status >= 500 {
		logger.Error("request failed",
			zap.String("kind", string(se.Kind)),
			zap.String("path", c.FullPath()),
			zap.String("request_id", c.GetString(ctxRequestID)),
			zap.Error(se))
	}
	_ = c.Error(se)

	var details interface{}
	if len(se.Details) > 0 && se.Kind != service.KindInternal {
		details = se.Details
	}
	response.Error(c, status, kindCodes[se.Kind], se.PublicMessage(), details)
}
