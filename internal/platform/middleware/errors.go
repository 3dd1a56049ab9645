package middleware

import "github.com/labstack/echo/v4"

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(c echo.Context, status int, msg string) error {
	if c.Response().Committed {
		return nil
	}
	rid, _ := c.Get("request_id").(string)
	return c.JSON(status, errorBody{Error: msg, RequestID: rid})
}
