package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/chat"
)

// handleChatCompletion runs one unary turn and returns the envelope.
func (s *Server) handleChatCompletion(c echo.Context) error {
	var req chat.Request
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	out, err := s.graph.Execute(c.Request().Context(), chat.TurnRequest{
		Client:   s.client(c),
		Messages: req.Messages,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

// handleChatStream runs one streaming turn. The body is raw token
// bytes, flushed per chunk, closed by the stream sentinel. Errors after
// the header cannot change the status; the graph encodes them as an
// apology chunk before the sentinel, and a client disconnect cancels
// the request context, which aborts the turn without persisting it.
func (s *Server) handleChatStream(c echo.Context) error {
	var req chat.Request
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if !hasUserMessage(req.Messages) {
		return s.fail(c, chat.ErrNoMessages)
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, echo.MIMEOctetStream)
	resp.WriteHeader(http.StatusOK)

	sink := chat.SinkFunc(func(ctx context.Context, chunk []byte) error {
		if _, err := resp.Write(chunk); err != nil {
			return err
		}
		resp.Flush()
		return nil
	})

	_, err := s.graph.Execute(c.Request().Context(), chat.TurnRequest{
		Client:   s.client(c),
		Messages: req.Messages,
		Stream:   sink,
	})
	if err != nil {
		s.logger.Warn(c.Request().Context(), "streaming turn aborted", zap.Error(err))
	}
	return nil
}

// historyResponse is the body of GET /v1/chat/history.
type historyResponse struct {
	Client   string         `json:"client"`
	Messages []chat.Message `json:"messages"`
}

func (s *Server) handleChatHistory(c echo.Context) error {
	client := s.client(c)
	msgs := s.graph.History(client)
	if msgs == nil {
		msgs = []chat.Message{}
	}
	return c.JSON(http.StatusOK, historyResponse{Client: client, Messages: msgs})
}

func (s *Server) handleChatHistoryClear(c echo.Context) error {
	s.graph.ClearHistory(s.client(c))
	return c.JSON(http.StatusOK, map[string]string{"detail": "chat history cleared"})
}

func hasUserMessage(msgs []chat.Message) bool {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == chat.RoleUser {
			return true
		}
	}
	return false
}
