package http

import "github.com/gin-gonic/gin"

// ErrorResponse 统一的错误响应: {"success": false, "error": "..."}
func ErrorResponse(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{"success": false, "error": message})
}

// SuccessResponse 在 data 上附加 success 字段
func SuccessResponse(c *gin.Context, code int, data gin.H) {
	body := gin.H{"success": true}
	for k, v := range data {
		body[k] = v
	}
	c.JSON(code, body)
}
