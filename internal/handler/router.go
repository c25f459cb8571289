package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/palestrababy/storefront/internal/middleware"
)

// SetupRouter настраивает маршруты и middleware интернет-магазина.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Get("/products", h.ListProducts)
		r.Get("/products/{slug}", h.GetProduct)
		r.Get("/orders/{id}/status", h.GetOrderStatus)
		r.Get("/address/{cep}", h.LookupAddress)
		r.Post("/shipping/quote", h.QuoteShipping)
		r.Post("/webhooks/mercadopago", h.MercadoPagoWebhook)

		r.Group(func(r chi.Router) {
			if h.checkoutLimiter != nil {
				r.Use(h.checkoutLimiter.Middleware)
			}
			r.Post("/checkout", h.Checkout)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.auth.Middleware)
			r.Use(custommiddleware.RequireAdmin)
			r.Use(h.mfa.Middleware)

			r.Group(func(r chi.Router) {
				if h.otpLimiter != nil {
					r.Use(h.otpLimiter.Middleware)
				}
				r.Post("/otp/send", h.SendOTP)
				r.Post("/otp/verify", h.VerifyOTP)
			})

			r.Get("/dashboard", h.Dashboard)

			r.Get("/orders", h.ListOrders)
			r.Get("/orders/export", h.ExportOrders)
			r.Get("/orders/stale", h.StalePendingOrders)
			r.Get("/orders/stale/export", h.ExportStalePendingOrders)
			r.Get("/orders/{id}", h.GetOrder)
			r.Patch("/orders/{id}/status", h.UpdateOrderStatus)
			r.Patch("/orders/{id}/tracking", h.UpdateTrackingCode)
			r.Patch("/orders/{id}/notes", h.UpdateAdminNotes)
			r.Post("/orders/{id}/retry-payment", h.RetryPayment)

			r.Put("/stock/{sizeID}", h.SetStock)
			r.Get("/stock/low", h.LowStock)

			r.Get("/coupons", h.ListCoupons)
			r.Post("/coupons", h.CreateCoupon)
			r.Put("/coupons/{id}", h.UpdateCoupon)
			r.Patch("/coupons/{id}/active", h.SetCouponActive)
			r.Delete("/coupons/{id}", h.DeleteCoupon)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: http.StatusText(http.StatusNotFound)})
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: http.StatusText(http.StatusMethodNotAllowed)})
	})

	return r
}
