package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"
)

// Auth — выдача и проверка JWT токенов админки.
type Auth struct {
	key []byte
}

// NewAuth создает Auth с указанным секретом. Пустой секрет допустим
// только для разработки.
func NewAuth(secret string) *Auth {
	if secret == "" {
		log.Println("Предупреждение: JWT_SECRET_KEY не установлен, используется стандартный ключ")
		secret = "временный_ключ_для_разработки_не_использовать_в_продакшене"
	}
	return &Auth{key: []byte(secret)}
}

// JWTClaims определяет структуру данных токена.
type JWTClaims struct {
	AdminID string `json:"adminId"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// GenerateToken генерирует JWT токен оператора (срок действия 24 часа).
func (a *Auth) GenerateToken(adminID, role string) (string, error) {
	claims := &JWTClaims{
		AdminID: adminID,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "ecochat-widget-backend",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.key)
}

// ValidateToken проверяет и парсит JWT токен.
func (a *Auth) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("неожиданный метод подписи: %v", token.Header["alg"])
		}
		return a.key, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("недействительный токен")
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok {
		return nil, errors.New("неверный формат токена")
	}
	return claims, nil
}

// Middleware проверяет заголовок Authorization и авторизует запрос.
func (a *Auth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "требуется авторизация"})
			c.Abort()
			return
		}

		tokenString := strings.Replace(authHeader, "Bearer ", "", 1)
		claims, err := a.ValidateToken(tokenString)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "неверный или устаревший токен"})
			c.Abort()
			return
		}

		c.Set("adminID", claims.AdminID)
		c.Set("role", claims.Role)
		c.Next()
	}
}

// Authenticate аутентифицирует оператора по email и паролю и
// возвращает подписанный токен.
func (a *Auth) Authenticate(ctx context.Context, storage Storage, email, password string) (string, error) {
	admin, err := storage.GetAdmin(ctx, email)
	if err != nil {
		return "", errors.New("неверные учетные данные")
	}
	if !admin.Active {
		return "", errors.New("аккаунт деактивирован")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(password)); err != nil {
		return "", errors.New("неверные учетные данные")
	}
	return a.GenerateToken(admin.ID.String(), admin.Role)
}
