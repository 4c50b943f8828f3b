package server

import (
	"whiteboard/internal/models"
	"whiteboard/internal/service"

	"github.com/gofiber/fiber/v2"
)

// GetPosts handles GET /api/posts?sort=...
func (s *Server) GetPosts(c *fiber.Ctx) error {
	viewerID, _ := s.optionalUserID(c)
	posts, err := s.postService.ListPosts(c.UserContext(), c.Query("sort"), viewerID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(posts)
}

// GetPost handles GET /api/posts/:id
func (s *Server) GetPost(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	viewerID, _ := s.optionalUserID(c)
	post, err := s.postService.GetPost(c.UserContext(), id, viewerID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(post)
}

// CreatePost handles POST /api/posts
func (s *Server) CreatePost(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)

	var req struct {
		Title    string `json:"title"`
		Content  string `json:"content"`
		Schedule bool   `json:"schedule"`
		DeleteAt string `json:"delete_at"`
	}
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	deleteAt, err := parseDeleteAt(req.DeleteAt)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest, err)
	}

	post, err := s.postService.CreatePost(c.UserContext(), service.CreatePostInput{
		UserID:   userID,
		Title:    req.Title,
		Content:  req.Content,
		Schedule: req.Schedule,
		DeleteAt: deleteAt,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(post)
}

// DeletePost handles DELETE /api/posts/:id
func (s *Server) DeletePost(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	userID := c.Locals("userID").(uint)

	if err := s.postService.DeletePost(c.UserContext(), service.DeletePostInput{UserID: userID, PostID: id}); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// FramePost handles POST /api/posts/:id/frame
func (s *Server) FramePost(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	userID := c.Locals("userID").(uint)

	post, err := s.postService.FramePost(c.UserContext(), service.FramePostInput{UserID: userID, PostID: id})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(post)
}

// LikePost handles POST /api/posts/:id/like, toggling the like of the caller.
func (s *Server) LikePost(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	userID := c.Locals("userID").(uint)

	post, action, err := s.postService.ToggleLike(c.UserContext(), userID, id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"action": action.String(),
		"post":   post,
	})
}
