// Package auth は認証・認可機能を提供します。
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/turnup/internal/config"
	"github.com/yourusername/turnup/internal/identity"
)

const (
	SessionCookieName    = "tu_session"
	sessionKeyUser       = "auth_user"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
	sessionKeyCSRF       = "csrf_token"

	csrfHeader = "X-CSRF-Token"

	minPasswordLength = 8
)

var (
	maxSessionLifetime = 12 * time.Hour
	idleTimeout        = 30 * time.Minute
	loginWindow        = 15 * time.Minute
	lockDuration       = 10 * time.Minute
	maxLoginAttempts   = 5
)

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func SessionMaxAgeSeconds() int {
	return int(maxSessionLifetime.Seconds())
}

// Accounts はアカウント台帳の操作です。Directory が実装します。
type Accounts interface {
	AccountLookup
	Create(ctx context.Context, email, passwordHash string) (*Account, error)
	ByEmail(ctx context.Context, email string) (*Account, error)
	IssueResetToken(ctx context.Context, accountID string) (string, error)
	ResetPassword(ctx context.Context, token, passwordHash string) (*Account, error)
}

// ResetNotifier はパスワードリセットの案内を配送します。
type ResetNotifier interface {
	NotifyPasswordReset(ctx context.Context, email, resetURL string) (jobID string, err error)
}

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// Manager は認証処理と状態をまとめた構造体です。
type Manager struct {
	cfg      *config.Config
	accounts Accounts
	notifier ResetNotifier
	logger   *log.Logger
	onLogout func(userID string)

	lock     sync.Mutex
	attempts map[string]*attemptState
}

// NewManager は認証マネージャーを作成します。notifier は nil でも構いません。
func NewManager(cfg *config.Config, accounts Accounts, notifier ResetNotifier, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		cfg:      cfg,
		accounts: accounts,
		notifier: notifier,
		logger:   logger,
		attempts: make(map[string]*attemptState),
	}
}

// OnLogout はログアウト時に呼ばれる関数を設定します。
func (m *Manager) OnLogout(fn func(userID string)) {
	m.onLogout = fn
}

type credentialsRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type forgotRequest struct {
	Email string `json:"email" binding:"required,email"`
}

type resetRequest struct {
	Token    string `json:"token" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Register は /auth/register のハンドラーです。登録に成功するとそのままログイン状態になります。
func (m *Manager) Register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "email と password を JSON で送ってください",
		})
		return
	}
	if len(req.Password) < minPasswordLength {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "WEAK_PASSWORD",
			"message": "パスワードは8文字以上にしてください",
		})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		m.internalError(c, "password hash failed", err)
		return
	}

	account, err := m.accounts.Create(c.Request.Context(), req.Email, string(hash))
	if err != nil {
		if errors.Is(err, ErrEmailTaken) {
			c.JSON(http.StatusConflict, gin.H{
				"code":    "EMAIL_TAKEN",
				"message": "このメールアドレスは既に登録されています",
			})
			return
		}
		m.internalError(c, "create account failed", err)
		return
	}

	if !m.startSession(c, account) {
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":    account.ID,
		"email": account.Email,
	})
}

// Login は /auth/login のハンドラーです。
func (m *Manager) Login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "email と password を JSON で送ってください",
		})
		return
	}

	ip := c.ClientIP()
	if retryAfter := m.checkLock(ip); retryAfter > 0 {
		// Retry-After は秒数またはHTTP-Date形式が推奨されているため秒数で返す
		c.Header("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"code":    "TOO_MANY_ATTEMPTS",
			"message": "一定時間後に再度お試しください",
		})
		return
	}

	account, err := m.accounts.ByEmail(c.Request.Context(), req.Email)
	if err != nil && !errors.Is(err, ErrAccountNotFound) {
		m.internalError(c, "lookup account failed", err)
		return
	}
	hash := dummyPasswordHash
	if account != nil {
		hash = account.PasswordHash
	}
	// 未登録でも同じコストの比較を行う
	if !verifyPassword(hash, req.Password) || account == nil {
		remaining := m.recordFailure(ip)
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":              "INVALID_CREDENTIALS",
			"message":           "メールアドレスまたはパスワードが正しくありません",
			"remainingAttempts": remaining,
		})
		return
	}

	m.resetAttempts(ip)
	if !m.startSession(c, account) {
		return
	}
	c.Status(http.StatusNoContent)
}

// Logout は /auth/logout のハンドラーです。
func (m *Manager) Logout(c *gin.Context) {
	session := sessions.Default(c)
	userID, _ := session.Get(sessionKeyUser).(string)
	session.Clear()
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SESSION_SAVE_FAILED",
			"message": "セッションの削除に失敗しました",
		})
		return
	}
	if userID != "" && m.onLogout != nil {
		m.onLogout(userID)
	}
	c.Status(http.StatusNoContent)
}

// ForgotPassword は /auth/forgot-password のハンドラーです。
// メールアドレスの登録有無は応答から判別できないようにしています。
func (m *Manager) ForgotPassword(c *gin.Context) {
	var req forgotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "email を JSON で送ってください",
		})
		return
	}

	accepted := gin.H{
		"message": "登録済みのメールアドレスであれば、再設定の案内を送信しました",
	}

	ctx := c.Request.Context()
	account, err := m.accounts.ByEmail(ctx, req.Email)
	if err != nil {
		if !errors.Is(err, ErrAccountNotFound) {
			m.logger.Printf("forgot-password lookup failed: %v", err)
		}
		c.JSON(http.StatusAccepted, accepted)
		return
	}

	// 失敗しても応答は変えず、サーバー側のログにだけ残す
	token, err := m.accounts.IssueResetToken(ctx, account.ID)
	if err != nil {
		m.logger.Printf("issue reset token failed for %s: %v", account.ID, err)
		c.JSON(http.StatusAccepted, accepted)
		return
	}

	if m.notifier == nil {
		m.logger.Printf("password reset requested for %s but no notifier is configured", account.ID)
		c.JSON(http.StatusAccepted, accepted)
		return
	}
	jobID, err := m.notifier.NotifyPasswordReset(ctx, account.Email, m.resetURL(token))
	if err != nil {
		m.logger.Printf("enqueue reset notification failed for %s: %v", account.ID, err)
		c.JSON(http.StatusAccepted, accepted)
		return
	}
	m.logger.Printf("password reset notification queued for %s (job %s)", account.ID, jobID)
	c.JSON(http.StatusAccepted, accepted)
}

// ResetPassword は /auth/reset-password のハンドラーです。
func (m *Manager) ResetPassword(c *gin.Context) {
	var req resetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "token と password を JSON で送ってください",
		})
		return
	}
	if len(req.Password) < minPasswordLength {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "WEAK_PASSWORD",
			"message": "パスワードは8文字以上にしてください",
		})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		m.internalError(c, "password hash failed", err)
		return
	}
	if _, err := m.accounts.ResetPassword(c.Request.Context(), req.Token, string(hash)); err != nil {
		if errors.Is(err, ErrResetTokenInvalid) {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "RESET_TOKEN_INVALID",
				"message": "再設定リンクが無効か期限切れです",
			})
			return
		}
		m.internalError(c, "reset password failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Me は /auth/me のハンドラーです。RequireLogin の後に置きます。
func (m *Manager) Me(c *gin.Context) {
	user, ok := identity.FromGin(c)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	c.JSON(http.StatusOK, user)
}

// ProviderFor はリクエストのセッションに基づく identity.Provider を返します。
// 有効期限切れのセッションはここで破棄され、未ログインとして扱われます。
func (m *Manager) ProviderFor(c *gin.Context) identity.Provider {
	userID, _ := m.sessionUser(c)
	return &sessionProvider{accounts: m.accounts, userID: userID}
}

// RequireLogin はセッションを検証するミドルウェアを返します。
func (m *Manager) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, code := m.sessionUser(c)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    code,
				"message": unauthorizedMessages[code],
			})
			return
		}

		provider := &sessionProvider{accounts: m.accounts, userID: userID}
		user, err := identity.CurrentUser(c.Request.Context(), provider)
		if err != nil {
			m.logger.Printf("auth resolution failed: %v", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"code":    "AUTH_UNAVAILABLE",
				"message": "認証状態を確認できませんでした",
			})
			return
		}
		if user == nil {
			m.clearSession(c)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": unauthorizedMessages["UNAUTHORIZED"],
			})
			return
		}

		identity.ToGin(c, user)
		c.Next()
	}
}

var unauthorizedMessages = map[string]string{
	"UNAUTHORIZED":         "ログインが必要です",
	"SESSION_EXPIRED":      "セッションの有効期限が切れました",
	"SESSION_IDLE_TIMEOUT": "しばらく操作がなかったため再ログインしてください",
}

// VerifyCSRF は X-CSRF-Token ヘッダーを検証するミドルウェアです。
func (m *Manager) VerifyCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isSafeMethod(c.Request.Method) {
			c.Next()
			return
		}

		session := sessions.Default(c)
		expected, ok := session.Get(sessionKeyCSRF).(string)
		if !ok || expected == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "CSRF_MISSING",
				"message": "CSRF トークンが設定されていません",
			})
			return
		}

		received := c.GetHeader(csrfHeader)
		if subtle.ConstantTimeCompare([]byte(expected), []byte(received)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "CSRF_INVALID",
				"message": "CSRF トークンが一致しません",
			})
			return
		}

		c.Next()
	}
}

// sessionUser はセッションのユーザーIDを返します。無効な場合は空文字と理由コードを返します。
func (m *Manager) sessionUser(c *gin.Context) (string, string) {
	session := sessions.Default(c)
	user, ok := session.Get(sessionKeyUser).(string)
	if !ok || user == "" {
		return "", "UNAUTHORIZED"
	}

	now := time.Now()
	issuedAt := readUnix(session.Get(sessionKeyIssuedAt))
	lastActive := readUnix(session.Get(sessionKeyLastActive))

	if issuedAt.IsZero() || now.Sub(issuedAt) > maxSessionLifetime {
		m.clearSession(c)
		return "", "SESSION_EXPIRED"
	}
	if lastActive.IsZero() || now.Sub(lastActive) > idleTimeout {
		m.clearSession(c)
		return "", "SESSION_IDLE_TIMEOUT"
	}

	session.Set(sessionKeyLastActive, now.Unix())
	_ = session.Save()
	return user, ""
}

func (m *Manager) startSession(c *gin.Context, account *Account) bool {
	token, err := generateToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "TOKEN_GENERATION_FAILED",
			"message": "CSRF トークンの生成に失敗しました",
		})
		return false
	}

	session := sessions.Default(c)
	now := time.Now()
	session.Set(sessionKeyUser, account.ID)
	session.Set(sessionKeyIssuedAt, now.Unix())
	session.Set(sessionKeyLastActive, now.Unix())
	session.Set(sessionKeyCSRF, token)

	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SESSION_SAVE_FAILED",
			"message": "セッションの保存に失敗しました",
		})
		return false
	}

	c.Header(csrfHeader, token)
	return true
}

func (m *Manager) clearSession(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	_ = session.Save()
}

func (m *Manager) resetURL(token string) string {
	return m.cfg.AppBaseURL + "/forgot-password?token=" + url.QueryEscape(token)
}

func (m *Manager) internalError(c *gin.Context, what string, err error) {
	m.logger.Printf("%s: %v", what, err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"code":    "INTERNAL_ERROR",
		"message": "サーバー内部でエラーが発生しました",
	})
}

// dummyPasswordHash は未登録メールアドレスでのログイン時に比較に使うハッシュです。
var dummyPasswordHash = newDummyPasswordHash()

func newDummyPasswordHash() string {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic(err)
	}
	hash, err := bcrypt.GenerateFromPassword(secret, bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return string(hash)
}

func verifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func (m *Manager) checkLock(ip string) time.Duration {
	m.lock.Lock()
	defer m.lock.Unlock()

	state, ok := m.attempts[ip]
	if !ok {
		return 0
	}
	now := time.Now()
	if now.After(state.lockedUntil) {
		return 0
	}
	return time.Until(state.lockedUntil)
}

func (m *Manager) recordFailure(ip string) int {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := time.Now()
	state, ok := m.attempts[ip]
	if !ok || now.Sub(state.firstAttempt) > loginWindow {
		state = &attemptState{firstAttempt: now}
		m.attempts[ip] = state
	}

	state.count++
	if state.count >= maxLoginAttempts {
		state.lockedUntil = now.Add(lockDuration)
		state.count = maxLoginAttempts
	}

	remaining := maxLoginAttempts - state.count
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

func (m *Manager) resetAttempts(ip string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.attempts, ip)
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func readUnix(v interface{}) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
