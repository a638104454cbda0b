package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Body is the standard API response envelope.
type Body struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Meta carries pagination info for list responses.
type Meta struct {
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
	Total   int `json:"total"`
}

// OK sends a 200 JSON response with data.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Body{Success: true, Data: data})
}

// Paged sends a 200 JSON response with data and pagination meta.
func Paged(c *gin.Context, data interface{}, page, perPage, total int) {
	c.JSON(http.StatusOK, Body{Success: true, Data: data, Meta: &Meta{Page: page, PerPage: perPage, Total: total}})
}

// Created sends a 201 JSON response with data.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Body{Success: true, Data: data})
}

// Accepted sends a 202 JSON response with data.
func Accepted(c *gin.Context, data interface{}) {
	c.JSON(http.StatusAccepted, Body{Success: true, Data: data})
}

// NoContent sends 204.
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// Error sends an error envelope with the given status.
func Error(c *gin.Context, status int, err string) {
	c.JSON(status, Body{Success: false, Error: err})
}

// BadRequest sends 400 with error message.
func BadRequest(c *gin.Context, err string) {
	Error(c, http.StatusBadRequest, err)
}

// Unauthorized sends 401.
func Unauthorized(c *gin.Context, err string) {
	Error(c, http.StatusUnauthorized, err)
}

// Forbidden sends 403.
func Forbidden(c *gin.Context, err string) {
	Error(c, http.StatusForbidden, err)
}

// NotFound sends 404.
func NotFound(c *gin.Context, err string) {
	Error(c, http.StatusNotFound, err)
}

// Conflict sends 409.
func Conflict(c *gin.Context, err string) {
	Error(c, http.StatusConflict, err)
}

// Gone sends 410.
func Gone(c *gin.Context, err string) {
	Error(c, http.StatusGone, err)
}

// TooManyRequests sends 429.
func TooManyRequests(c *gin.Context, err string) {
	Error(c, http.StatusTooManyRequests, err)
}

// BadGateway sends 502.
func BadGateway(c *gin.Context, err string) {
	Error(c, http.StatusBadGateway, err)
}

// ServiceUnavailable sends 503.
func ServiceUnavailable(c *gin.Context, err string) {
	Error(c, http.StatusServiceUnavailable, err)
}

// Internal sends 500.
func Internal(c *gin.Context, err string) {
	Error(c, http.StatusInternalServerError, err)
}
