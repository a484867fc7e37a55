package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/entitle/internal/account/domain"
	auditdomain "github.com/smallbiznis/entitle/internal/audit/domain"
)

type createAccountRequest struct {
	Email string `json:"email"`
}

func (s *Server) CreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("body", "malformed json body"))
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		AbortWithError(c, newValidationError("email", "must be a valid email address"))
		return
	}

	account := &accountdomain.Account{
		ID:    s.genID.Generate(),
		Email: email,
	}
	if err := s.accountRepo.Create(c.Request.Context(), s.db, account); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": toEntitlementView(account)})
}

type auditEntryView struct {
	ID            string         `json:"id"`
	AccountID     string         `json:"account_id"`
	EventType     string         `json:"event_type"`
	Origin        string         `json:"origin"`
	SourceEventID *string        `json:"source_event_id,omitempty"`
	ActorType     *string        `json:"actor_type,omitempty"`
	ActorID       *string        `json:"actor_id,omitempty"`
	PreviousState map[string]any `json:"previous_state"`
	NewState      map[string]any `json:"new_state"`
	CreatedAt     time.Time      `json:"created_at"`
}

// ListAudit pages through an account's transition history, newest first.
// The cursor pair (created_at, id) keys the next page; both come back in
// the response when more rows may exist.
func (s *Server) ListAudit(c *gin.Context) {
	id, ok := s.accountID(c)
	if !ok {
		return
	}

	filter := auditdomain.ListFilter{
		AccountID: id,
		EventType: strings.TrimSpace(c.Query("event_type")),
		Origin:    strings.TrimSpace(c.Query("origin")),
	}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			AbortWithError(c, newValidationError("limit", "must be a positive integer"))
			return
		}
		filter.Limit = limit
	}

	for name, dst := range map[string]**time.Time{"start_at": &filter.StartAt, "end_at": &filter.EndAt} {
		if raw := c.Query(name); raw != "" {
			at, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				AbortWithError(c, newValidationError(name, "must be an RFC 3339 timestamp"))
				return
			}
			*dst = &at
		}
	}

	if rawID := c.Query("cursor_id"); rawID != "" {
		cursorID, err := snowflake.ParseString(rawID)
		if err != nil {
			AbortWithError(c, newValidationError("cursor_id", "must be a valid entry id"))
			return
		}
		cursorAt, err := time.Parse(time.RFC3339Nano, c.Query("cursor_created_at"))
		if err != nil {
			AbortWithError(c, newValidationError("cursor_created_at", "must accompany cursor_id as RFC 3339"))
			return
		}
		filter.Cursor = &auditdomain.Cursor{ID: cursorID, CreatedAt: cursorAt}
	}

	entries, err := s.auditSvc.List(c.Request.Context(), filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	views := make([]auditEntryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, auditEntryView{
			ID:            entry.ID.String(),
			AccountID:     entry.AccountID.String(),
			EventType:     entry.EventType,
			Origin:        entry.Origin,
			SourceEventID: entry.SourceEventID,
			ActorType:     entry.ActorType,
			ActorID:       entry.ActorID,
			PreviousState: entry.PreviousState,
			NewState:      entry.NewState,
			CreatedAt:     entry.CreatedAt,
		})
	}

	resp := gin.H{"data": views}
	if len(entries) > 0 {
		last := entries[len(entries)-1]
		resp["next_cursor_id"] = last.ID.String()
		resp["next_cursor_created_at"] = last.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	c.JSON(http.StatusOK, resp)
}
