// internal/messaging/routes.go

package messaging

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AuthMiddleware wraps a handler with authentication
type AuthMiddleware func(http.Handler) http.Handler

// RegisterRoutes registers all chat routes
func RegisterRoutes(router *mux.Router, handler *Handler, authMiddleware AuthMiddleware) {
	// WebSocket endpoint - requires authentication
	router.Handle("/api/v1/chat/ws", authMiddleware(http.HandlerFunc(handler.HandleWebSocket))).Methods("GET")

	api := router.PathPrefix("/api/v1/chat").Subrouter()
	api.Use(mux.MiddlewareFunc(authMiddleware))

	// Conversation list and lifecycle
	api.HandleFunc("/conversations", handler.GetConversations).Methods("GET")
	api.HandleFunc("/conversations/{id}", handler.UpdateChat).Methods("PATCH")
	api.HandleFunc("/conversations/{id}/open", handler.OpenConversation).Methods("POST")
	api.HandleFunc("/conversations/{id}/leave", handler.LeaveChat).Methods("POST")
	api.HandleFunc("/direct/{userId}", handler.GetOrCreateDirectChat).Methods("POST")
	api.HandleFunc("/group", handler.CreateGroupChat).Methods("POST")
	api.HandleFunc("/profile", handler.UpdateProfile).Methods("PUT")

	// Active session
	api.HandleFunc("/session", handler.GetTimeline).Methods("GET")
	api.HandleFunc("/session/close", handler.CloseConversation).Methods("POST")
	api.HandleFunc("/session/messages", handler.SendMessage).Methods("POST")
	api.HandleFunc("/session/messages/image", handler.SendImage).Methods("POST")
	api.HandleFunc("/session/messages/{messageId}", handler.DeleteMessage).Methods("DELETE")
	api.HandleFunc("/session/read", handler.MarkRead).Methods("POST")
	api.HandleFunc("/session/older", handler.LoadOlder).Methods("POST")
	api.HandleFunc("/session/typing", handler.UpdateTyping).Methods("POST")
}

// RegisterOpsRoutes exposes health and metrics without authentication
func RegisterOpsRoutes(router *mux.Router, handler *Handler) {
	router.HandleFunc("/health", handler.HealthCheck).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}
