// auth.go — JWT middleware для административных маршрутов.
// Подпись проверяется по JWKS (keyfunc + jwkset), право администратора
// определяется ролью admin, группой из AT_ADMIN_GROUPS или scope attachments:admin.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/bigkaa/goartstore/attachment-module/internal/api/errors"
)

const (
	// RoleAdmin — роль администратора в realm_access.roles.
	RoleAdmin = "admin"
	// ScopeAdmin — scope сервисных аккаунтов с правами администратора.
	ScopeAdmin = "attachments:admin"
)

type contextKey string

// ContextKeyClaims — claims проверенного токена в контексте запроса.
const ContextKeyClaims contextKey = "jwt_claims"

// Claims — claims JWT, используемые при проверке прав.
type Claims struct {
	jwt.RegisteredClaims
	PreferredUsername string       `json:"preferred_username,omitempty"`
	RealmAccess       *realmAccess `json:"realm_access,omitempty"`
	Groups            []string     `json:"groups,omitempty"`
	// Scope — scopes через пробел
	Scope string `json:"scope,omitempty"`
}

type realmAccess struct {
	Roles []string `json:"roles"`
}

// Scopes возвращает scopes токена.
func (c *Claims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// IsAdmin проверяет право администратора.
func (c *Claims) IsAdmin(adminGroups []string) bool {
	if c.RealmAccess != nil && slices.Contains(c.RealmAccess.Roles, RoleAdmin) {
		return true
	}
	for _, g := range c.Groups {
		// Keycloak может отдавать группы с ведущим "/"
		if slices.Contains(adminGroups, strings.TrimPrefix(g, "/")) {
			return true
		}
	}
	return slices.Contains(c.Scopes(), ScopeAdmin)
}

// JWTAuth — проверка JWT и прав администратора.
type JWTAuth struct {
	jwks        keyfunc.Keyfunc
	issuer      string
	adminGroups []string
	leeway      time.Duration
	logger      *slog.Logger
}

// NewJWTAuth создаёт middleware с JWKS, загружаемым по jwksURL
// и обновляемым в фоне с интервалом refreshInterval.
func NewJWTAuth(
	jwksURL string,
	issuer string,
	adminGroups []string,
	clientTimeout time.Duration,
	refreshInterval time.Duration,
	leeway time.Duration,
	logger *slog.Logger,
) (*JWTAuth, error) {
	// Старт без ошибки, даже если IdP ещё недоступен
	storage, err := jwkset.NewStorageFromHTTP(jwksURL, jwkset.HTTPClientStorageOptions{
		Client:                    &http.Client{Timeout: clientTimeout},
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           refreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", jwksURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	auth := NewJWTAuthWithKeyfunc(k, issuer, adminGroups, logger)
	auth.leeway = leeway
	return auth, nil
}

// NewJWTAuthWithKeyfunc создаёт middleware с готовой keyfunc (для тестов).
func NewJWTAuthWithKeyfunc(kf keyfunc.Keyfunc, issuer string, adminGroups []string, logger *slog.Logger) *JWTAuth {
	return &JWTAuth{
		jwks:        kf,
		issuer:      issuer,
		adminGroups: adminGroups,
		logger:      logger.With(slog.String("component", "jwt_auth")),
	}
}

// RequireAdmin пропускает запрос только с валидным токеном администратора.
// Нет или невалиден токен — 401, нет прав — 403. Обработчик при этом
// не вызывается.
func (j *JWTAuth) RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apierrors.Unauthorized(w, "Отсутствует заголовок Authorization")
				return
			}
			scheme, tokenString, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || tokenString == "" {
				apierrors.Unauthorized(w, "Неверный формат Authorization: ожидается Bearer <token>")
				return
			}

			claims := &Claims{}
			opts := []jwt.ParserOption{
				jwt.WithValidMethods([]string{"RS256"}),
				jwt.WithExpirationRequired(),
				jwt.WithLeeway(j.leeway),
			}
			if j.issuer != "" {
				opts = append(opts, jwt.WithIssuer(j.issuer))
			}
			token, err := jwt.ParseWithClaims(tokenString, claims, j.jwks.KeyfuncCtx(r.Context()), opts...)
			if err != nil || !token.Valid {
				j.logger.Debug("JWT валидация не пройдена",
					slog.Any("error", err),
					slog.String("remote_addr", r.RemoteAddr),
				)
				apierrors.Unauthorized(w, "Невалидный или просроченный токен")
				return
			}

			if !claims.IsAdmin(j.adminGroups) {
				j.logger.Info("Отказ в доступе к административному маршруту",
					slog.String("sub", claims.Subject),
					slog.String("path", r.URL.Path),
				)
				apierrors.Forbidden(w, fmt.Sprintf("Недостаточно прав: требуется роль %s или scope %s", RoleAdmin, ScopeAdmin))
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OpenAccess — заглушка без проверки прав, когда AT_JWKS_URL не задан.
func OpenAccess(next http.Handler) http.Handler {
	return next
}

// ClaimsFromContext извлекает claims из контекста запроса.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(ContextKeyClaims).(*Claims)
	return claims
}

// SubjectFromContext возвращает sub токена или пустую строку.
func SubjectFromContext(ctx context.Context) string {
	if c := ClaimsFromContext(ctx); c != nil {
		return c.Subject
	}
	return ""
}
