package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"tracker/api/internal/auth"
	"tracker/api/internal/search"
	"tracker/api/internal/store"
)

const principalKey = "principal"

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        logrus.FieldLogger
}

func NewHTTPServer(service *Service, corsOrigin string, log logrus.FieldLogger) *HTTPServer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: log}
}

func (s *HTTPServer) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLog(), s.cors())
	s.EnrichRoutes(router)
	return router
}

func (s *HTTPServer) EnrichRoutes(router *gin.Engine) {
	router.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	router.GET("/api/ready", s.readyAction)
	router.POST("/api/invites/accept", s.acceptInviteAction)

	api := router.Group("/api", s.requireSession())
	api.GET("/session", s.sessionAction)

	api.POST("/projects/:projectID/tasks", s.createTaskAction)
	api.POST("/projects/:projectID/task-keys", s.issueTaskKeyAction)
	api.POST("/projects/:projectID/order/next", s.appendOrderAction)
	api.PUT("/projects/:projectID/order", s.reorderAction)

	api.PATCH("/tasks/:taskID", s.updateTaskAction)
	api.DELETE("/tasks/:taskID", s.deleteTaskAction)
	api.GET("/tasks/:taskID/activity", s.listActivityAction)
	api.POST("/tasks/:taskID/comments", s.createCommentAction)
	api.DELETE("/epics/:epicID", s.deleteEpicAction)

	api.GET("/notifications", s.listNotificationsAction)
	api.POST("/notifications/read", s.markReadAction)
	api.POST("/notifications/read-all", s.markAllReadAction)

	api.GET("/invites", s.listInvitesAction)
	api.POST("/invites", s.createInviteAction)
	api.POST("/invites/:inviteID/resend", s.resendInviteAction)
	api.DELETE("/invites/:inviteID", s.cancelInviteAction)

	api.DELETE("/users/:userID", s.deleteUserAction)
	api.GET("/search", s.searchAction)
}

func (s *HTTPServer) readyAction(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := gin.H{"database": gin.H{"status": "ok"}}
	if err := s.service.Ping(ctx); err != nil {
		checks["database"] = gin.H{"status": "error", "error": err.Error()}
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": "ready", "checks": checks})
}

func (s *HTTPServer) sessionAction(c *gin.Context) {
	p := principalFrom(c)
	c.JSON(http.StatusOK, gin.H{"userId": p.UserID, "userName": p.Name, "role": p.Role})
}

func (s *HTTPServer) createTaskAction(c *gin.Context) {
	var body CreateTaskInput
	if !bindBody(c, &body) {
		return
	}
	result, err := s.service.CreateTask(c.Request.Context(), principalFrom(c), c.Param("projectID"), body)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, taskResultJSON(result))
}

func (s *HTTPServer) issueTaskKeyAction(c *gin.Context) {
	key, err := s.service.IssueTaskKey(c.Request.Context(), principalFrom(c), c.Param("projectID"))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"key": key.Key, "number": key.Number})
}

type scopeBody struct {
	Kind     store.ScopeKind `json:"kind"`
	ParentID *string         `json:"parentId"`
	IDs      []string        `json:"ids"`
}

func (b scopeBody) scope(projectID string) store.Scope {
	return store.Scope{Kind: b.Kind, ProjectID: projectID, ParentID: b.ParentID}
}

func (s *HTTPServer) appendOrderAction(c *gin.Context) {
	var body scopeBody
	if !bindBody(c, &body) {
		return
	}
	next, err := s.service.AppendOrder(c.Request.Context(), principalFrom(c), body.scope(c.Param("projectID")))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": next})
}

func (s *HTTPServer) reorderAction(c *gin.Context) {
	var body scopeBody
	if !bindBody(c, &body) {
		return
	}
	if err := s.service.Reorder(c.Request.Context(), principalFrom(c), body.scope(c.Param("projectID")), body.IDs); err != nil {
		writeDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *HTTPServer) updateTaskAction(c *gin.Context) {
	var patch TaskPatch
	if !bindBody(c, &patch) {
		return
	}
	result, err := s.service.UpdateTask(c.Request.Context(), principalFrom(c), c.Param("taskID"), patch)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskResultJSON(result))
}

func (s *HTTPServer) deleteTaskAction(c *gin.Context) {
	if err := s.service.DeleteTask(c.Request.Context(), principalFrom(c), c.Param("taskID")); err != nil {
		writeDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *HTTPServer) listActivityAction(c *gin.Context) {
	items, err := s.service.ListActivity(c.Request.Context(), principalFrom(c), c.Param("taskID"))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	out := make([]activityView, 0, len(items))
	for _, a := range items {
		out = append(out, activityJSON(a))
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}

func (s *HTTPServer) createCommentAction(c *gin.Context) {
	var body struct {
		Body string `json:"body"`
	}
	if !bindBody(c, &body) {
		return
	}
	result, err := s.service.CreateComment(c.Request.Context(), principalFrom(c), c.Param("taskID"), body.Body)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"comment": gin.H{
			"id":        result.Comment.ID,
			"taskId":    result.Comment.TaskID,
			"authorId":  result.Comment.AuthorID,
			"body":      result.Comment.Body,
			"createdAt": result.Comment.CreatedAt,
		},
		"mentions": result.Mentions,
	})
}

func (s *HTTPServer) deleteEpicAction(c *gin.Context) {
	detached, err := s.service.DeleteEpic(c.Request.Context(), principalFrom(c), c.Param("epicID"))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"detachedTasks": detached})
}

func (s *HTTPServer) listNotificationsAction(c *gin.Context) {
	unreadOnly, _ := strconv.ParseBool(c.Query("unread"))
	items, err := s.service.ListNotifications(c.Request.Context(), principalFrom(c), unreadOnly)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	out := make([]gin.H, 0, len(items))
	for _, n := range items {
		out = append(out, gin.H{
			"id":        n.ID,
			"type":      n.Type,
			"taskId":    n.TaskID,
			"commentId": n.CommentID,
			"read":      n.Read,
			"createdAt": n.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}

func (s *HTTPServer) markReadAction(c *gin.Context) {
	var body struct {
		IDs []string `json:"ids"`
	}
	if !bindBody(c, &body) {
		return
	}
	updated, err := s.service.MarkNotificationsRead(c.Request.Context(), principalFrom(c), body.IDs)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

func (s *HTTPServer) markAllReadAction(c *gin.Context) {
	updated, err := s.service.MarkAllNotificationsRead(c.Request.Context(), principalFrom(c))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

func (s *HTTPServer) listInvitesAction(c *gin.Context) {
	items, err := s.service.ListInvites(c.Request.Context(), principalFrom(c))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	out := make([]inviteJSONView, 0, len(items))
	for _, inv := range items {
		out = append(out, inviteJSON(inv))
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}

func (s *HTTPServer) createInviteAction(c *gin.Context) {
	var body struct {
		Email      string   `json:"email"`
		ProjectIDs []string `json:"projectIds"`
	}
	if !bindBody(c, &body) {
		return
	}
	inv, err := s.service.CreateInvite(c.Request.Context(), principalFrom(c), body.Email, body.ProjectIDs)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, inviteJSON(inv))
}

func (s *HTTPServer) resendInviteAction(c *gin.Context) {
	inv, err := s.service.ResendInvite(c.Request.Context(), principalFrom(c), c.Param("inviteID"))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, inviteJSON(inv))
}

func (s *HTTPServer) cancelInviteAction(c *gin.Context) {
	if err := s.service.CancelInvite(c.Request.Context(), principalFrom(c), c.Param("inviteID")); err != nil {
		writeDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *HTTPServer) acceptInviteAction(c *gin.Context) {
	var body struct {
		Token       string `json:"token"`
		DisplayName string `json:"displayName"`
		Password    string `json:"password"`
	}
	if !bindBody(c, &body) {
		return
	}
	result, err := s.service.AcceptInvite(c.Request.Context(), body.Token, body.DisplayName, body.Password)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"userId":   result.User.ID,
		"userName": result.User.DisplayName,
		"role":     result.User.Role,
		"token":    result.SessionToken,
	})
}

func (s *HTTPServer) deleteUserAction(c *gin.Context) {
	report, err := s.service.DeleteUser(c.Request.Context(), principalFrom(c), c.Param("userID"))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":          report.UserID,
		"heirId":          report.HeirID,
		"sessionsRevoked": report.SessionsRevoked,
		"objectsRemoved":  report.ObjectsRemoved,
	})
}

func (s *HTTPServer) searchAction(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	resp, err := s.service.Search(c.Request.Context(), principalFrom(c), search.Query{
		Text:            c.Query("q"),
		FilterType:      search.ResultType(c.Query("type")),
		FilterProjectID: c.Query("projectId"),
		Limit:           limit,
		Offset:          offset,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *HTTPServer) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := s.service.Authenticate(c.Request.Context(), bearerToken(c.GetHeader("Authorization")))
		if err != nil {
			writeDomainError(c, err)
			c.Abort()
			return
		}
		c.Set(principalKey, principal)
		c.Next()
	}
}

func principalFrom(c *gin.Context) auth.Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(auth.Principal); ok {
			return p
		}
	}
	return auth.Principal{}
}

func (s *HTTPServer) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		c.Header("X-Request-ID", requestID)
		started := time.Now()

		c.Next()

		s.log.WithFields(logrus.Fields{
			"request_id":  requestID,
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request")
	}
}

func (s *HTTPServer) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.Writer.Header()
		header.Set("Access-Control-Allow-Origin", s.corsOrigin)
		header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		header.Set("Cache-Control", "no-store")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func bindBody(c *gin.Context, target any) bool {
	if err := c.ShouldBindJSON(target); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
		return false
	}
	return true
}

func writeDomainError(c *gin.Context, err error) {
	status, code, message, details := mapError(err)
	writeError(c, status, code, message, details)
}

func writeError(c *gin.Context, status int, code, message string, details any) {
	response := gin.H{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	c.JSON(status, response)
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

type taskView struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"projectId"`
	SprintID    *string    `json:"sprintId"`
	EpicID      *string    `json:"epicId"`
	AssigneeID  *string    `json:"assigneeId"`
	AssignedAt  *time.Time `json:"assignedAt"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority"`
	Team        string     `json:"team"`
	Order       int        `json:"order"`
	TaskKey     *string    `json:"taskKey"`
	TaskNumber  *int       `json:"taskNumber"`
	CreatedByID string     `json:"createdById"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

type activityView struct {
	ID        string            `json:"id"`
	TaskID    string            `json:"taskId"`
	Type      string            `json:"type"`
	Metadata  map[string]string `json:"metadata"`
	UserID    string            `json:"userId"`
	CreatedAt time.Time         `json:"createdAt"`
}

type inviteJSONView struct {
	ID         string     `json:"id"`
	Email      string     `json:"email"`
	Status     string     `json:"status"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	InvitedBy  string     `json:"invitedById"`
	ProjectIDs []string   `json:"projectIds"`
	AcceptedAt *time.Time `json:"acceptedAt"`
	CreatedAt  time.Time  `json:"createdAt"`
}

func taskResultJSON(result TaskResult) gin.H {
	activities := make([]activityView, 0, len(result.Activities))
	for _, a := range result.Activities {
		activities = append(activities, activityJSON(a))
	}
	t := result.Task
	return gin.H{
		"task": taskView{
			ID:          t.ID,
			ProjectID:   t.ProjectID,
			SprintID:    t.SprintID,
			EpicID:      t.EpicID,
			AssigneeID:  t.AssigneeID,
			AssignedAt:  t.AssignedAt,
			Title:       t.Title,
			Description: t.Description,
			Status:      t.Status,
			Priority:    t.Priority,
			Team:        t.Team,
			Order:       t.SortOrder,
			TaskKey:     t.TaskKey,
			TaskNumber:  t.TaskNumber,
			CreatedByID: t.CreatedByID,
			CreatedAt:   t.CreatedAt,
			UpdatedAt:   t.UpdatedAt,
		},
		"activities": activities,
	}
}

func activityJSON(a store.Activity) activityView {
	return activityView{
		ID:        a.ID,
		TaskID:    a.TaskID,
		Type:      a.Type,
		Metadata:  a.Metadata,
		UserID:    a.UserID,
		CreatedAt: a.CreatedAt,
	}
}

// inviteJSON never exposes the token; it only travels by email.
func inviteJSON(inv InviteView) inviteJSONView {
	return inviteJSONView{
		ID:         inv.ID,
		Email:      inv.Email,
		Status:     inv.EffectiveStatus,
		ExpiresAt:  inv.ExpiresAt,
		InvitedBy:  inv.InvitedByID,
		ProjectIDs: inv.ProjectIDs,
		AcceptedAt: inv.AcceptedAt,
		CreatedAt:  inv.CreatedAt,
	}
}
