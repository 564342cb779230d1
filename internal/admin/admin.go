// Package admin implements the thin operator HTTP façade named in §6.4:
// create/list sub-wallets, list a sub-wallet's pending invoices, and
// fetch its connect URI. It is a pass-through to the ledger and registry;
// no domain logic lives here.
package admin

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/argon2"

	"github.com/nwcmux/walletmux/internal/ledger"
	"github.com/nwcmux/walletmux/internal/registry"
	"github.com/nwcmux/walletmux/internal/uri"
	"github.com/nwcmux/walletmux/internal/vault"
)

// argon2 cost parameters for hashing the operator's login API key, chosen
// for an interactive login path rather than a high-throughput one.
const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	argon2KeyLen  = 32
)

// Server is the admin façade (§6.4).
type Server struct {
	store    *ledger.Store
	registry *registry.Registry
	vault    *vault.Vault

	jwtSecret  []byte
	apiKeyHash []byte
	apiKeySalt []byte

	engine *gin.Engine
}

// New wires the façade's routes. jwtSecret both signs the operator bearer
// tokens this façade issues and, hashed with argon2id below, authorizes the
// login request that issues one — the operator's one shared credential.
func New(store *ledger.Store, reg *registry.Registry, v *vault.Vault, jwtSecret string) *Server {
	salt := sha256.Sum256([]byte("walletmux-admin-login:" + jwtSecret))
	s := &Server{
		store:      store,
		registry:   reg,
		vault:      v,
		jwtSecret:  []byte(jwtSecret),
		apiKeySalt: salt[:],
		apiKeyHash: argon2.IDKey([]byte(jwtSecret), salt[:], argon2Time, argon2Memory, argon2Threads, argon2KeyLen),
	}

	r := gin.Default()
	r.POST("/admin/login", s.handleLogin)

	authorized := r.Group("/", s.requireBearer)
	authorized.POST("/subaccounts", s.handleCreateSubAccount)
	authorized.GET("/subaccounts", s.handleListSubAccounts)
	authorized.GET("/subaccounts/:id/pending", s.handleListPending)
	authorized.GET("/subaccounts/:id/connect-uri", s.handleConnectURI)

	s.engine = r
	return s
}

// Run starts the HTTP listener and blocks until the server errors. It
// takes no context and does not stop on shutdown.
func (s *Server) Run(addr string) error {
	log.Infof("admin façade listening on %s", addr)
	return s.engine.Run(addr)
}

type loginRequest struct {
	APIKey string `json:"api_key"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.APIKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "api_key is required"})
		return
	}
	candidate := argon2.IDKey([]byte(req.APIKey), s.apiKeySalt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	if subtle.ConstantTimeCompare(candidate, s.apiKeyHash) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid api_key"})
		return
	}

	claims := jwt.MapClaims{
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(24 * time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token signing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": signed})
}

func (s *Server) requireBearer(c *gin.Context) {
	auth := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}

	token, err := jwt.Parse(auth[len(prefix):], func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return
	}
	c.Next()
}

type createSubAccountRequest struct {
	Label            string         `json:"label"`
	Description      string         `json:"description,omitempty"`
	Relays           []string       `json:"relays,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	ClientSecretHex  string         `json:"client_secret_hex,omitempty"`
	ServiceSecretHex string         `json:"service_secret_hex,omitempty"`
}

func (s *Server) handleCreateSubAccount(c *gin.Context) {
	var req createSubAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Label == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "label is required"})
		return
	}

	record, secrets, err := s.store.CreateSubAccount(ledger.CreateSubAccountInput{
		Label:            req.Label,
		Description:      req.Description,
		Relays:           req.Relays,
		Metadata:         req.Metadata,
		ClientSecretHex:  req.ClientSecretHex,
		ServiceSecretHex: req.ServiceSecretHex,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.registry.Add(record)

	c.JSON(http.StatusCreated, gin.H{
		"record":         record,
		"connect_uri":    uri.Build(record.ServicePubkey, req.Relays, secrets.ClientSecretHex),
		"client_secret":  secrets.ClientSecretHex,
		"service_secret": secrets.ServiceSecretHex,
	})
}

func (s *Server) handleListSubAccounts(c *gin.Context) {
	accounts, err := s.store.ListSubAccounts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, accounts)
}

func (s *Server) handleListPending(c *gin.Context) {
	id := c.Param("id")
	pending, err := s.store.ListPendingInvoices(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, pending)
}

func (s *Server) handleConnectURI(c *gin.Context) {
	id := c.Param("id")
	acct, err := s.store.GetSubAccountByID(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	clientSecret, err := s.vault.Decrypt(acct.ClientSecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"connect_uri": uri.Build(acct.ServicePubkey, nil, hex.EncodeToString(clientSecret)),
	})
}
