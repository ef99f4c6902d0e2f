package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"

	"jobbroker/internal/models"
)

type ctxKey int

const tenantKey ctxKey = iota

func tenantFromContext(ctx context.Context) (models.Tenant, bool) {
	t, ok := ctx.Value(tenantKey).(models.Tenant)
	return t, ok
}

// apiKeyAuth authenticates non-worker requests by the X-API-Key header and
// stores the owning tenant on the request context.
func (s *Server) apiKeyAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			writeError(w, http.StatusForbidden, "missing API key")
			return
		}
		tenant, err := s.store.GetTenantByAPIKey(r.Context(), apiKey)
		if err != nil {
			writeError(w, http.StatusForbidden, "invalid API key")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey, tenant)))
	})
}

// workerSignatureAuth verifies HMAC-SHA256 over the raw request body using
// the tenant's API key as secret. The signed bytes must be byte-identical to
// the transmitted body, so the body is buffered and restored for handlers.
func (s *Server) workerSignatureAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get("X-Tenant-ID")
		if tenantID == "" {
			writeError(w, http.StatusBadRequest, "missing X-Tenant-ID header")
			return
		}
		signature := r.Header.Get("X-Worker-Signature")
		if signature == "" {
			writeError(w, http.StatusUnauthorized, "missing X-Worker-Signature header")
			return
		}

		tenant, err := s.store.GetTenant(r.Context(), tenantID)
		if err != nil || tenant.APIKey == nil {
			writeError(w, http.StatusForbidden, "tenant not found or has no API key")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "read body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		mac := hmac.New(sha256.New, []byte(*tenant.APIKey))
		mac.Write(body)
		computed := hex.EncodeToString(mac.Sum(nil))
		if !hmac.Equal([]byte(computed), []byte(signature)) {
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey, tenant)))
	})
}
