package server

// setupRoutes installs every route on the router. The internal hooks are
// only served when an internal API token is configured.
func (s *Server) setupRoutes() {
	s.router.GET("/", s.handleHealth)
	s.router.GET("/ws", s.handleWebSocket)
	s.router.GET("/test", s.handleTestPage)

	if s.cfg.Auth.InternalAPIToken == "" {
		s.logger.Info().Msg("INTERNAL_API_TOKEN not set; internal hooks disabled")
		return
	}
	s.router.GET("/internal/presence", s.requireInternalToken(s.handlePresence))
	s.router.GET("/internal/presence/:userID", s.requireInternalToken(s.handleUserPresence))
	s.router.POST("/internal/channels/:channelID/members", s.requireInternalToken(s.handleChannelMembers))
	s.router.POST("/internal/workspaces/:workspaceID/members", s.requireInternalToken(s.handleWorkspaceMembers))
}
