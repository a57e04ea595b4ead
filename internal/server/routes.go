package server

import "net/http"

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/health", chain(
		http.HandlerFunc(s.handleHealth),
		LoggingMiddleware,
	))

	admin := AuthMiddleware(s.config.AdminToken)

	mux.Handle("GET /admin/users/{username}", chain(
		http.HandlerFunc(s.handleGetUser),
		LoggingMiddleware,
		admin,
	))

	mux.Handle("DELETE /admin/users/{username}", chain(
		http.HandlerFunc(s.handleDeleteUser),
		LoggingMiddleware,
		admin,
	))

	mux.Handle("POST /admin/sweep", chain(
		http.HandlerFunc(s.handleSweep),
		LoggingMiddleware,
		admin,
	))

	return mux
}

func chain(handler http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}
