package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// APIResponse 通用响应结构，用于封装成功结果。
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorResponse 统一错误返回结构。
type ErrorResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// OK 200 成功响应
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: data})
}

// Created 201 成功响应
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, APIResponse{Success: true, Data: data})
}

// Accepted 202 响应，用于已入队的后台任务
func Accepted(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusAccepted, APIResponse{Success: true, Message: message, Data: data})
}

// Fail 终止请求并返回错误
func Fail(c *gin.Context, status int, code, field, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Success: false,
		Code:    code,
		Field:   field,
		Message: message,
	})
}
