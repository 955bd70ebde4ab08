package httpserver

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
	obsctx "github.com/fairyhunter13/inference-gateway/internal/observability"
)

// TenantPrincipal is the authenticated tenant attached to each request.
type TenantPrincipal struct {
	Tenant domain.TenantContext
}

// TenantAuth resolves the tenant for the request. With multi-tenancy on the
// X-Tenant-ID header is required; when API keys are configured the X-API-Key
// header must match the tenant's bcrypt hash. Single-tenant deployments fall
// back to the default tenant.
func (s *Server) TenantAuth(next http.Handler) http.Handler {
	hashes := s.Cfg.APIKeyHashes()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get("X-Tenant-ID")
		if tenantID == "" {
			if s.Cfg.MultiTenancyEnabled {
				writeError(w, r, domain.E(domain.CodeAuthMissingTenant, "X-Tenant-ID header required"))
				return
			}
			tenantID = domain.DefaultTenantID
		}

		if len(hashes) > 0 {
			hash, ok := hashes[tenantID]
			if !ok {
				writeError(w, r, domain.E(domain.CodeAuthInvalid, "unknown tenant"))
				return
			}
			key := r.Header.Get("X-API-Key")
			if key == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) != nil {
				writeError(w, r, domain.E(domain.CodeAuthInvalid, "invalid api key"))
				return
			}
		}

		tenant := s.resolveTenant(tenantID)
		ctx := obsctx.ContextWithTenantID(r.Context(), tenantID)
		ctx = ContextWithTenant(ctx, TenantPrincipal{Tenant: tenant})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) resolveTenant(id string) domain.TenantContext {
	if s.TenantResolver != nil {
		return s.TenantResolver(id)
	}
	return domain.TenantContext{ID: id, RPSLimit: s.Cfg.RateLimitingDefaultRPS}
}

// HashAPIKey produces the bcrypt hash stored in TENANT_API_KEYS.
func HashAPIKey(key string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
