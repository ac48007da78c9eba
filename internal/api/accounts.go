package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	log "github.com/nghyane/dreamina-mux/internal/logging"
	"github.com/nghyane/dreamina-mux/internal/store"
)

type accountPayload struct {
	Email    string   `json:"email"`
	Password string   `json:"password"`
	Region   string   `json:"region"`
	Session  string   `json:"session_id"`
	Status   string   `json:"status"`
	Points   *float64 `json:"points"`
}

func (s *Server) handleListAccounts(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))
	filter := store.Filter{
		Email: c.Query("email"),
		Page:  page,
		Size:  size,
	}
	if region := c.Query("region"); region != "" {
		r, err := store.ParseRegion(region)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filter.Region = r
	}

	accounts, total, err := s.store.List(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total": total,
		"page":  filter.Page,
		"size":  filter.Size,
		"items": accounts,
	})
}

func (s *Server) handleCreateAccount(c *gin.Context) {
	var payload accountPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	account, err := accountFromPayload(&payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.store.Create(c.Request.Context(), account); err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "email already registered"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, account)
}

// handleImportAccounts bulk-inserts accounts, skipping duplicates instead of
// failing the whole batch.
func (s *Server) handleImportAccounts(c *gin.Context) {
	var payloads []accountPayload
	if err := c.ShouldBindJSON(&payloads); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	imported, skipped := 0, 0
	for i := range payloads {
		account, err := accountFromPayload(&payloads[i])
		if err != nil {
			skipped++
			continue
		}
		if err := s.store.Create(c.Request.Context(), account); err != nil {
			if errors.Is(err, store.ErrDuplicateEmail) {
				skipped++
				continue
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		imported++
	}
	c.JSON(http.StatusOK, gin.H{"imported": imported, "skipped": skipped})
}

func (s *Server) handleGetAccount(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	account, err := s.store.Get(c.Request.Context(), id)
	if err != nil {
		notFoundOrInternal(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

func (s *Server) handleUpdateAccount(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	var payload accountPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	account, err := s.store.Update(c.Request.Context(), id, func(a *store.Account) error {
		if payload.Email != "" {
			a.Email = payload.Email
		}
		if payload.Password != "" {
			a.Password = payload.Password
		}
		if payload.Region != "" {
			r, err := store.ParseRegion(payload.Region)
			if err != nil {
				return err
			}
			a.Region = r
		}
		if payload.Session != "" && payload.Session != a.Session {
			a.SetSession(payload.Session, time.Now().UTC())
		}
		if payload.Status != "" {
			switch store.Status(payload.Status) {
			case store.StatusActive:
				a.Unban()
			case store.StatusDisabled:
				a.Status = store.StatusDisabled
				a.BanUntil = nil
			default:
				return errors.New("status must be active or disabled")
			}
		}
		if payload.Points != nil {
			a.Points = *payload.Points
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, account)
}

func (s *Server) handleDeleteAccount(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	if err := s.store.Delete(c.Request.Context(), id); err != nil {
		notFoundOrInternal(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (s *Server) handleBanAccount(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	duration, err := s.cfg.BanDurationValue()
	if err != nil {
		duration = 4 * time.Hour
	}
	if raw := c.Query("duration"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid duration"})
			return
		}
		duration = d
	}

	until := time.Now().Add(duration)
	account, err := s.store.Update(c.Request.Context(), id, func(a *store.Account) error {
		a.Ban(until)
		return nil
	})
	if err != nil {
		notFoundOrInternal(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

func (s *Server) handleUnbanAccount(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	account, err := s.store.Update(c.Request.Context(), id, func(a *store.Account) error {
		a.Unban()
		return nil
	})
	if err != nil {
		notFoundOrInternal(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

// handleRefreshSession forces a session renewal through the provisioner.
func (s *Server) handleRefreshSession(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	if !s.prov.Configured() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "register API is not configured"})
		return
	}
	account, err := s.store.Get(c.Request.Context(), id)
	if err != nil {
		notFoundOrInternal(c, err)
		return
	}

	session, err := s.prov.RefreshSession(c.Request.Context(), account)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	account, err = s.store.Update(c.Request.Context(), id, func(a *store.Account) error {
		a.SetSession(session, time.Now().UTC())
		return nil
	})
	if err != nil {
		notFoundOrInternal(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

// handleRegisterAccount provisions a brand new account on demand.
func (s *Server) handleRegisterAccount(c *gin.Context) {
	if !s.prov.Configured() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "register API is not configured"})
		return
	}
	reg, err := s.prov.Register(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	region, err := store.ParseRegion(reg.Region)
	if err != nil {
		region = store.RegionUS
	}
	account := &store.Account{
		Email:    reg.Email,
		Password: reg.Password,
		Region:   region,
		Session:  reg.Session,
		Status:   store.StatusActive,
		Points:   reg.Credits,
	}
	if err := s.store.Create(c.Request.Context(), account); err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			c.JSON(http.StatusConflict, gin.H{"error": "email already registered"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	log.Infof("api: registered account %d (%s)", account.ID, account.Email)
	c.JSON(http.StatusCreated, account)
}

func accountFromPayload(p *accountPayload) (*store.Account, error) {
	if p.Email == "" {
		return nil, errors.New("email is required")
	}
	region := store.RegionUS
	if p.Region != "" {
		r, err := store.ParseRegion(p.Region)
		if err != nil {
			return nil, err
		}
		region = r
	}
	account := &store.Account{
		Email:    p.Email,
		Password: p.Password,
		Region:   region,
		Session:  p.Session,
		Status:   store.StatusActive,
	}
	if p.Points != nil {
		account.Points = *p.Points
	}
	return account, nil
}

func accountID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return 0, false
	}
	return id, true
}

func notFoundOrInternal(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
