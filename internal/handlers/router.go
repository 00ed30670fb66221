package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/libris/libris/internal/middleware"
	"github.com/sirupsen/logrus"
)

// NewRouter mounts the auth routes under /api/v1/auth and mirrors them at
// /auth for clients that use the short paths.
func NewRouter(
	authHandlers *AuthHandlers,
	authMiddleware *middleware.AuthMiddleware,
	allowedOrigins []string,
	logger *logrus.Logger,
) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.Logging(logger))
	router.Use(middleware.CORS(allowedOrigins))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET", "OPTIONS")

	for _, prefix := range []string{"/api/v1/auth", "/auth"} {
		auth := router.PathPrefix(prefix).Subrouter()
		auth.HandleFunc("/register", authHandlers.Register).Methods("POST", "OPTIONS")
		auth.HandleFunc("/login", authHandlers.Login).Methods("POST", "OPTIONS")
		auth.HandleFunc("/refresh", authHandlers.Refresh).Methods("POST", "OPTIONS")
		auth.HandleFunc("/logout", authHandlers.Logout).Methods("POST", "OPTIONS")

		auth.Handle("/profile", authMiddleware.RequireAuth(http.HandlerFunc(authHandlers.Profile))).Methods("GET")
		auth.HandleFunc("/profile", preflight).Methods("OPTIONS")
	}

	return router
}

// preflight lets CORS answer OPTIONS without the request reaching AuthGate.
func preflight(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}
