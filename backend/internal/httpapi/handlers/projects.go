package handlers

import (
	"errors"
	"time"

	"nexusServer/backend/internal/coordinator"
	"nexusServer/backend/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type ProjectHandlers struct {
	projects *store.ProjectStore
	arena    *coordinator.Arena
}

func NewProjectHandlers(projects *store.ProjectStore, arena *coordinator.Arena) *ProjectHandlers {
	return &ProjectHandlers{projects: projects, arena: arena}
}

type createProjectRequest struct {
	Title string `json:"title"`
}

func (h *ProjectHandlers) CreateProject(c *gin.Context) {
	userId, exists := c.Get("userId")
	if !exists {
		c.JSON(500, gin.H{"error": "User context missing"})
		return
	}
	ownerID, ok := userId.(uint64)
	if !ok {
		c.JSON(500, gin.H{"error": "Invalid user ID format"})
		return
	}

	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Title == "" {
		c.JSON(400, gin.H{"error": "title required"})
		return
	}

	projectID := uuid.NewString()
	if err := h.projects.CreateProject(c.Request.Context(), projectID, ownerID, req.Title); err != nil {
		c.JSON(500, gin.H{"error": "CREATE_PROJECT_FAILED"})
		return
	}
	c.JSON(200, gin.H{
		"projectId": projectID,
		"ownerId":   ownerID,
		"title":     req.Title,
		"createdAt": time.Now().Format(time.RFC3339),
	})
}

func (h *ProjectHandlers) ListProjects(c *gin.Context) {
	ownerID := c.GetUint64("userId")
	projects, err := h.projects.ListProjects(c.Request.Context(), ownerID)
	if err != nil {
		c.JSON(500, gin.H{"error": "LIST_PROJECTS_FAILED"})
		return
	}
	out := make([]gin.H, 0, len(projects))
	for _, p := range projects {
		out = append(out, gin.H{
			"projectId": p.ID,
			"title":     p.Title,
			"ownerId":   p.OwnerID,
			"createdAt": p.CreatedAt.Format(time.RFC3339),
		})
	}
	c.JSON(200, gin.H{"projects": out})
}

// GetProjectState renders the converged document for read-only callers
// (site rendering, export) without a websocket session.
func (h *ProjectHandlers) GetProjectState(c *gin.Context) {
	projectID := c.Param("projectID")
	if projectID == "" {
		c.JSON(400, gin.H{"error": "Project ID missing"})
		return
	}
	p, err := h.projects.GetProject(c.Request.Context(), projectID)
	if err != nil {
		if errors.Is(err, store.ErrProjectNotFound) {
			c.JSON(404, gin.H{"error": "PROJECT_NOT_FOUND"})
			return
		}
		c.JSON(500, gin.H{"error": "GET_PROJECT_FAILED"})
		return
	}
	if p.DeletedAtUnix != 0 {
		c.JSON(404, gin.H{"error": "PROJECT_DELETED"})
		return
	}

	state, err := h.arena.Project(projectID).Snapshot(c.Request.Context())
	if err != nil {
		c.JSON(500, gin.H{"error": "SNAPSHOT_FAILED"})
		return
	}
	c.JSON(200, gin.H{"projectId": projectID, "state": state})
}

// DeleteProject tombstones the project row. The operation log and
// snapshots stay put, for audit and recovery.
func (h *ProjectHandlers) DeleteProject(c *gin.Context) {
	projectID := c.Param("projectID")
	if projectID == "" {
		c.JSON(400, gin.H{"error": "Project ID missing"})
		return
	}
	p, err := h.projects.GetProject(c.Request.Context(), projectID)
	if err != nil {
		if errors.Is(err, store.ErrProjectNotFound) {
			c.JSON(404, gin.H{"error": "PROJECT_NOT_FOUND"})
			return
		}
		c.JSON(500, gin.H{"error": "GET_PROJECT_FAILED"})
		return
	}
	if p.OwnerID != c.GetUint64("userId") {
		c.JSON(403, gin.H{"error": "NOT_OWNER"})
		return
	}
	if err := h.projects.TombstoneProject(c.Request.Context(), projectID); err != nil {
		c.JSON(500, gin.H{"error": "DELETE_PROJECT_FAILED"})
		return
	}
	c.JSON(200, gin.H{"projectId": projectID, "deleted": true})
}
