package routes

import (
	"github.com/go-chi/chi/v5"
	"github.com/jcollis/bastion/internal/auth"
	"github.com/jcollis/bastion/internal/handlers"
	"github.com/jcollis/bastion/internal/middleware"
	"github.com/jcollis/bastion/internal/models"
)

// RegisterRoutes registers all application routes. The detection gate is
// installed by the caller ahead of the router; here we only split the
// surface by privilege tier.
func RegisterRoutes(
	router chi.Router,
	authHandler *handlers.AuthHandler,
	adminHandler *handlers.AdminHandler,
	sessions auth.SessionValidator,
	users auth.UserFetcher,
	authRateLimit middleware.RateLimitConfig,
) {
	// Public routes: tighter per-IP ceiling on the credential surface.
	authLimiter := middleware.RateLimitByIP(authRateLimit)
	router.With(authLimiter).Post("/auth/register", authHandler.Register)
	router.With(authLimiter).Post("/auth/login", authHandler.Login)
	router.With(authLimiter).Post("/auth/refresh", authHandler.RefreshToken)
	router.With(authLimiter).Post("/auth/verify-email", authHandler.VerifyEmail)
	router.With(authLimiter).Post("/auth/resend-verification", authHandler.ResendVerification)

	// Protected routes: valid access token at the current generation.
	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware(sessions))

		r.Post("/auth/logout-all", authHandler.LogoutAll)
		r.Post("/auth/password", authHandler.ChangePassword)
		r.Post("/auth/accept-terms", authHandler.AcceptTerms)
		r.Get("/auth/verification-status", authHandler.VerificationStatus)

		r.Post("/auth/totp/enroll", authHandler.BeginTOTPEnrollment)
		r.Post("/auth/totp/confirm", authHandler.ConfirmTOTPEnrollment)
		r.Post("/auth/totp/reverify", authHandler.ReverifyTOTP)

		// Standard admin tier: read incidents and blocks, create blocks.
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireTier(users, models.TierStandard))

			r.Get("/admin/incidents", adminHandler.ListIncidents)
			r.Get("/admin/origins/{origin}", adminHandler.OriginStatus)
			r.Get("/admin/blocks", adminHandler.ListBlocks)
			r.Get("/admin/blocks/{origin}", adminHandler.GetBlock)
			r.Post("/admin/blocks", adminHandler.BlockOrigin)

			// Unblocking is the one destructive override; the service
			// enforces the elevated tier again on its own.
			r.With(auth.RequireTier(users, models.TierElevated)).
				Delete("/admin/blocks/{origin}", adminHandler.UnblockOrigin)
		})
	})
}
