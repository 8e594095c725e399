package auth

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// Service authenticates operators against their configured key hashes and
// issues access tokens.
type Service struct {
	jwt       *JWTManager
	operators map[string]string
	logger    zerolog.Logger

	dummyOnce sync.Once
	dummyHash []byte
}

// NewService creates an operator auth service. operators maps operator name
// to the bcrypt hash of its API key.
func NewService(jwtManager *JWTManager, operators map[string]string, logger zerolog.Logger) *Service {
	ops := make(map[string]string, len(operators))
	for name, hash := range operators {
		ops[name] = hash
	}
	return &Service{
		jwt:       jwtManager,
		operators: ops,
		logger:    logger.With().Str("component", "Auth").Logger(),
	}
}

// JWT returns the token manager used by Middleware
func (s *Service) JWT() *JWTManager {
	return s.jwt
}

// Authenticate checks an operator's API key
func (s *Service) Authenticate(operator, apiKey string) error {
	hash, ok := s.operators[operator]
	if !ok {
		// keep the timing of unknown names close to a wrong key
		s.dummyOnce.Do(func() {
			s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("unknown-operator-key"), bcrypt.DefaultCost)
		})
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(apiKey))
		return ErrInvalidCredentials
	}
	if !VerifyKey(apiKey, hash) {
		return ErrInvalidCredentials
	}
	return nil
}

// IssueToken authenticates req and returns a signed access token
func (s *Service) IssueToken(req TokenRequest) (*TokenResponse, error) {
	if len(s.operators) == 0 {
		return nil, ErrNotConfigured
	}
	if err := s.Authenticate(req.Operator, req.APIKey); err != nil {
		s.logger.Warn().Str("operator", req.Operator).Msg("Operator authentication failed")
		return nil, err
	}

	token, expiresAt, err := s.jwt.GenerateAccessToken(OperatorClaims{Operator: req.Operator, Role: RoleOperator})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("operator", req.Operator).Time("expires_at", expiresAt).Msg("Issued operator token")
	return &TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.jwt.Duration().Seconds()),
		ExpiresAt:   expiresAt,
	}, nil
}

// HandleToken is the POST /api/auth/token handler
func (s *Service) HandleToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "message": err.Error()})
		return
	}

	resp, err := s.IssueToken(req)
	if err != nil {
		status := http.StatusUnauthorized
		authErr, ok := err.(AuthError)
		if !ok {
			authErr = AuthError{Code: "INTERNAL_ERROR", Message: "failed to issue token"}
			status = http.StatusInternalServerError
		} else if authErr == ErrNotConfigured {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": authErr.Code, "message": authErr.Message})
		return
	}

	c.JSON(http.StatusOK, resp)
}
