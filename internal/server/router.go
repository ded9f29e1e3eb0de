package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/relaymail/backend/internal/feed"
	"github.com/relaymail/backend/internal/mail"
	"github.com/relaymail/backend/internal/store"
	"go.uber.org/zap"
)

const namespaceContextKey = "relaymail_namespace"

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingMailService    = errors.New("mail service dependency required")
	errMissingFeedService    = errors.New("feed service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator resolves a bearer token to the namespace public id it is
// scoped to.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Dependencies wires the router to its collaborating services.
type Dependencies struct {
	TokenValidator TokenValidator
	MailService    *mail.Service
	FeedService    *feed.Service
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin handler serving the delta feed and the
// domain endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.MailService == nil {
		return nil, errMissingMailService
	}
	if deps.FeedService == nil {
		return nil, errMissingFeedService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:      deps.TokenValidator,
		mailService: deps.MailService,
		feedService: deps.FeedService,
		logger:      logger,
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/delta", handler.handleDelta)
	protected.POST("/delta/generate_cursor", handler.handleGenerateCursor)
	protected.GET("/messages", handler.handleListMessages)
	protected.POST("/messages", handler.handleCreateMessage)
	protected.PUT("/messages/:public_id", handler.handleUpdateMessage)
	protected.DELETE("/messages/:public_id", handler.handleDeleteMessage)
	protected.GET("/contacts", handler.handleListContacts)
	protected.POST("/contacts", handler.handleSaveContact)
	protected.DELETE("/contacts/:public_id", handler.handleDeleteContact)

	return router, nil
}

type httpHandler struct {
	tokens      TokenValidator
	mailService *mail.Service
	feedService *feed.Service
	logger      *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	namespacePublicID, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	namespace, err := h.mailService.GetNamespace(c.Request.Context(), namespacePublicID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("namespace resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "sync_temporarily_unavailable"})
		return
	}
	c.Set(namespaceContextKey, namespace)
	c.Next()
}

func (h *httpHandler) namespace(c *gin.Context) (*mail.Namespace, bool) {
	value, exists := c.Get(namespaceContextKey)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil, false
	}
	namespace, ok := value.(*mail.Namespace)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil, false
	}
	return namespace, true
}

func (h *httpHandler) handleDelta(c *gin.Context) {
	namespace, ok := h.namespace(c)
	if !ok {
		return
	}

	cursor := c.DefaultQuery("cursor", feed.StartCursor)
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	page, err := h.feedService.Page(c.Request.Context(), namespace.ID, cursor, limit)
	if err != nil {
		if errors.Is(err, feed.ErrInvalidCursor) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor"})
			return
		}
		h.logger.Error("delta page failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync_temporarily_unavailable"})
		return
	}
	c.JSON(http.StatusOK, page)
}

type generateCursorPayload struct {
	Start int64 `json:"start"`
}

func (h *httpHandler) handleGenerateCursor(c *gin.Context) {
	namespace, ok := h.namespace(c)
	if !ok {
		return
	}

	var request generateCursorPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Start < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	cursor, err := h.feedService.CursorFromTimestamp(c.Request.Context(), namespace.ID, request.Start)
	if err != nil {
		h.logger.Error("cursor generation failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync_temporarily_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cursor": cursor})
}

type addressPayload struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type createMessagePayload struct {
	ThreadID   string           `json:"thread_id"`
	Subject    string           `json:"subject"`
	Body       string           `json:"body"`
	From       []addressPayload `json:"from"`
	To         []addressPayload `json:"to"`
	Cc         []addressPayload `json:"cc"`
	Bcc        []addressPayload `json:"bcc"`
	ReceivedAt int64            `json:"received_at"`
	Draft      bool             `json:"draft"`
}

type messagePayload struct {
	ID         string           `json:"id"`
	ThreadID   string           `json:"thread_id,omitempty"`
	Subject    string           `json:"subject"`
	Body       string           `json:"body"`
	From       []addressPayload `json:"from"`
	To         []addressPayload `json:"to"`
	Cc         []addressPayload `json:"cc"`
	Bcc        []addressPayload `json:"bcc"`
	ReceivedAt int64            `json:"received_at"`
	Unread     bool             `json:"unread"`
	Draft      bool             `json:"draft"`
	Deleted    bool             `json:"deleted,omitempty"`
}

func (h *httpHandler) handleCreateMessage(c *gin.Context) {
	namespace, ok := h.namespace(c)
	if !ok {
		return
	}

	var request createMessagePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	message, err := h.mailService.CreateMessage(c.Request.Context(), namespace, mail.MessageInput{
		ThreadPublicID: request.ThreadID,
		Subject:        request.Subject,
		Body:           request.Body,
		From:           toAddresses(request.From),
		To:             toAddresses(request.To),
		Cc:             toAddresses(request.Cc),
		Bcc:            toAddresses(request.Bcc),
		ReceivedAt:     request.ReceivedAt,
		IsDraft:        request.Draft,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "thread_not_found"})
			return
		}
		h.logger.Error("message create failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync_temporarily_unavailable"})
		return
	}

	payload, err := shapeMessage(message)
	if err != nil {
		h.logger.Error("message shaping failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync_temporarily_unavailable"})
		return
	}
	c.JSON(http.StatusOK, payload)
}

type updateMessagePayload struct {
	Subject *string `json:"subject"`
	Body    *string `json:"body"`
	Read    *bool   `json:"read"`
}

func (h *httpHandler) handleUpdateMessage(c *gin.Context) {
	namespace, ok := h.namespace(c)
	if !ok {
		return
	}

	var request updateMessagePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	message, err := h.mailService.UpdateMessage(c.Request.Context(), namespace, c.Param("public_id"), mail.MessageUpdate{
		Subject: request.Subject,
		Body:    request.Body,
		IsRead:  request.Read,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		h.logger.Error("message update failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync_temporarily_unavailable"})
		return
	}

	payload, err := shapeMessage(message)
	if err != nil {
		h.logger.Error("message shaping failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync_temporarily_unavailable"})
		return
	}
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleDeleteMessage(c *gin.Context) {
	namespace, ok := h.namespace(c)
	if !ok {
		return
	}

	err := h.mailService.DeleteMessage(c.Request.Context(), namespace, c.Param("public_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		h.logger.Error("message delete failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync_temporarily_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	namespace, ok := h.namespace(c)
	if !ok {
		return
	}

	includeDeleted := c.Query("include_deleted") == "true"
	messages, err := h.mailService.ListMessages(c.Request.Context(), namespace, includeDeleted)
	if err != nil {
		h.logger.Error("message list failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync_temporarily_unavailable"})
		return
	}

	payloads := make([]messagePayload, 0, len(messages))
	for i := range messages {
		payload, err := shapeMessage(&messages[i])
		if err != nil {
			h.logger.Error("message shaping failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync_temporarily_unavailable"})
			return
		}
		payloads = append(payloads, payload)
	}
	c.JSON(http.StatusOK, gin.H{"messages": payloads})
}

type saveContactPayload struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type contactPayload struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Deleted bool   `json:"deleted,omitempty"`
}

func (h *httpHandler) handleSaveContact(c *gin.Context) {
	namespace, ok := h.namespace(c)
	if !ok {
		return
	}

	var request saveContactPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	contact, err := h.mailService.SaveContact(c.Request.Context(), namespace, mail.ContactInput{
		Name:  request.Name,
		Email: request.Email,
	})
	if err != nil {
		if errors.Is(err, mail.ErrInvalidEmail) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_email"})
			return
		}
		h.logger.Error("contact save failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync_temporarily_unavailable"})
		return
	}
	c.JSON(http.StatusOK, contactPayload{ID: contact.PublicID, Name: contact.Name, Email: contact.Email})
}

func (h *httpHandler) handleDeleteContact(c *gin.Context) {
	namespace, ok := h.namespace(c)
	if !ok {
		return
	}

	err := h.mailService.DeleteContact(c.Request.Context(), namespace, c.Param("public_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		h.logger.Error("contact delete failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync_temporarily_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *httpHandler) handleListContacts(c *gin.Context) {
	namespace, ok := h.namespace(c)
	if !ok {
		return
	}

	includeDeleted := c.Query("include_deleted") == "true"
	contacts, err := h.mailService.ListContacts(c.Request.Context(), namespace, includeDeleted)
	if err != nil {
		h.logger.Error("contact list failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync_temporarily_unavailable"})
		return
	}

	payloads := make([]contactPayload, 0, len(contacts))
	for _, contact := range contacts {
		payloads = append(payloads, contactPayload{
			ID:      contact.PublicID,
			Name:    contact.Name,
			Email:   contact.Email,
			Deleted: contact.SoftDeleted(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"contacts": payloads})
}

func toAddresses(payloads []addressPayload) []mail.Address {
	addrs := make([]mail.Address, 0, len(payloads))
	for _, payload := range payloads {
		addrs = append(addrs, mail.Address{Name: payload.Name, Email: payload.Email})
	}
	return addrs
}

func shapeMessage(message *mail.Message) (messagePayload, error) {
	from, to, cc, bcc, err := message.Addresses()
	if err != nil {
		return messagePayload{}, err
	}
	return messagePayload{
		ID:         message.PublicID,
		ThreadID:   message.ThreadPublicID,
		Subject:    message.Subject,
		Body:       message.Body,
		From:       fromAddresses(from),
		To:         fromAddresses(to),
		Cc:         fromAddresses(cc),
		Bcc:        fromAddresses(bcc),
		ReceivedAt: message.ReceivedAt,
		Unread:     !message.IsRead,
		Draft:      message.IsDraft,
		Deleted:    message.SoftDeleted(),
	}, nil
}

func fromAddresses(addrs []mail.Address) []addressPayload {
	payloads := make([]addressPayload, 0, len(addrs))
	for _, addr := range addrs {
		payloads = append(payloads, addressPayload{Name: addr.Name, Email: addr.Email})
	}
	return payloads
}
