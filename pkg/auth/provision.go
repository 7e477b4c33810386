package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"xscraper/pkg/config"
	"xscraper/pkg/logger"
	"xscraper/pkg/models"
)

// TokenBootstrapper exchanges an auth token for a fresh cookie set
// (including ct0).
type TokenBootstrapper interface {
	BootstrapToken(ctx context.Context, authToken, proxy string) (map[string]string, error)
}

// CredentialsBootstrapper logs in with a record's username/password and
// returns the resulting cookies.
type CredentialsBootstrapper interface {
	BootstrapCredentials(ctx context.Context, record *Record) (map[string]string, error)
}

// AccountStore is the part of the pool provisioning writes to.
type AccountStore interface {
	GetByUsername(ctx context.Context, username string) (*models.Account, error)
	UpsertAccount(ctx context.Context, account models.Account) error
}

// ImportStats summarizes an Import call.
type ImportStats struct {
	Processed    int
	Reused       int
	Bootstrapped int
	Unusable     int
	Skipped      int
}

// Importer normalizes records, completes missing auth material where the
// strategy allows and upserts them into the pool.
type Importer struct {
	Store         AccountStore
	Tokens        TokenBootstrapper
	Credentials   CredentialsBootstrapper
	Strategy      string
	DefaultBearer string
	Logger        logger.Logger
}

// Import stores every record. Records that stay without usable material are
// still stored, marked unusable with the reason.
func (im *Importer) Import(ctx context.Context, records []*Record) (ImportStats, error) {
	log := logger.OrDefault(im.Logger).WithField("component", "accounts_import")
	var stats ImportStats

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		account, err := rec.Normalize()
		if err != nil {
			stats.Skipped++
			log.WarnWithFields("Import account skipped", map[string]interface{}{"error": err.Error()})
			continue
		}
		fields := map[string]interface{}{
			"username": account.Username,
			"token_fp": TokenFingerprint(models.Str(account.AuthToken)),
		}

		if im.storedUsable(ctx, account.Username) {
			log.InfoWithFields("Import account reuse", fields)
			stats.Reused++
		} else {
			var bootstrapped bool
			account, bootstrapped = im.complete(ctx, rec, account, log)
			if bootstrapped {
				stats.Bootstrapped++
			}
			if _, err := PrepareAuthMaterial(account, im.DefaultBearer); err != nil {
				reason := MaterialReason(err)
				markUnusable(&account, reason)
				stats.Unusable++
				fields["reason"] = reason
				log.WarnWithFields("Import account unusable", fields)
			} else {
				log.InfoWithFields("Import account ready", fields)
			}
		}

		if err := im.Store.UpsertAccount(ctx, account); err != nil {
			return stats, fmt.Errorf("import %s: %w", account.Username, err)
		}
		stats.Processed++
	}
	return stats, nil
}

func (im *Importer) storedUsable(ctx context.Context, username string) bool {
	existing, err := im.Store.GetByUsername(ctx, username)
	if err != nil || existing == nil {
		return false
	}
	_, err = PrepareAuthMaterial(*existing, im.DefaultBearer)
	return err == nil
}

// complete runs the bootstraps the strategy allows until the account has
// usable material.
func (im *Importer) complete(ctx context.Context, rec *Record, account models.Account, log logger.Logger) (models.Account, bool) {
	return completeAccount(ctx, im.Tokens, im.Credentials, im.Strategy, im.DefaultBearer, rec, account, log)
}

func completeAccount(ctx context.Context, tokens TokenBootstrapper, creds CredentialsBootstrapper, strategy, bearer string, rec *Record, account models.Account, log logger.Logger) (models.Account, bool) {
	allowToken, allowCreds := strategyAllows(strategy)
	_, err := PrepareAuthMaterial(account, bearer)
	if err == nil {
		return account, false
	}

	token := models.Str(account.AuthToken)
	reason := MaterialReason(err)
	if allowToken && tokens != nil && token != "" && (reason == ReasonMissingCSRF || reason == ReasonMissingAuthToken) {
		cookies, err := tokens.BootstrapToken(ctx, token, proxyURL(account))
		if err != nil {
			log.WithError(err).WithField("username", account.Username).Warn("Auth token bootstrap failed")
		} else if len(cookies) > 0 {
			applyCookies(&account, cookies)
			if _, err := PrepareAuthMaterial(account, bearer); err == nil {
				return account, true
			}
		}
	}

	if allowCreds && creds != nil && rec != nil && rec.HasCredentials() {
		cookies, err := creds.BootstrapCredentials(ctx, rec)
		if err != nil {
			log.WithError(err).WithField("username", account.Username).Warn("Credentials bootstrap failed")
			return account, false
		}
		if len(cookies) > 0 {
			applyCookies(&account, cookies)
			return account, true
		}
	}
	return account, false
}

func strategyAllows(strategy string) (token, creds bool) {
	switch strings.ToLower(strings.TrimSpace(strategy)) {
	case config.RepairTokenOnly:
		return true, false
	case config.RepairCredentialsOnly:
		return false, true
	case config.RepairNone:
		return false, false
	default:
		return true, true
	}
}

// applyCookies merges fresh cookies over the account's and refreshes the
// token and csrf columns from them.
func applyCookies(account *models.Account, fresh map[string]string) {
	merged := account.Cookies()
	for k, v := range fresh {
		if strings.TrimSpace(v) != "" {
			merged[k] = v
		}
	}
	if blob, err := json.Marshal(merged); err == nil {
		account.CookiesJSON = models.Ptr(string(blob))
	}
	if ct0 := strings.TrimSpace(fresh["ct0"]); ct0 != "" {
		account.CSRF = models.Ptr(ct0)
	}
	if token := strings.TrimSpace(fresh["auth_token"]); token != "" {
		account.AuthToken = models.Ptr(token)
	}
	markUsable(account)
}

func markUsable(account *models.Account) {
	account.Status = models.Ptr(models.StatusUsable)
	if strings.HasPrefix(models.Str(account.CooldownReason), "unusable:") {
		account.CooldownReason = nil
		account.LastErrorCode = nil
	}
}

func markUnusable(account *models.Account, reason string) {
	account.Status = models.Ptr(models.StatusUnusable)
	account.AvailableTil = models.Ptr(0.0)
	account.CooldownReason = models.Ptr("unusable:" + reason)
	account.LastErrorCode = models.Ptr(401)
}

// proxyURL unwraps a JSON-string proxy; structured proxies pass through.
func proxyURL(account models.Account) string {
	raw := strings.TrimSpace(models.Str(account.ProxyJSON))
	var s string
	if json.Unmarshal([]byte(raw), &s) == nil {
		return s
	}
	return raw
}

// SourceRepairer refreshes accounts rejected mid-run. It prefers a newer
// token from the provisioning source, then the bootstraps the strategy
// allows.
type SourceRepairer struct {
	Source        Source
	Tokens        TokenBootstrapper
	Credentials   CredentialsBootstrapper
	DefaultBearer string
	Logger        logger.Logger
}

// Repair returns the refreshed account, or nil when nothing could be done.
func (s *SourceRepairer) Repair(ctx context.Context, account models.Account, strategy string) (*models.Account, error) {
	log := logger.OrDefault(s.Logger).WithField("component", "account_repair")
	if strings.EqualFold(strategy, config.RepairNone) {
		return nil, nil
	}
	allowToken, _ := strategyAllows(strategy)

	var rec *Record
	if s.Source != nil {
		found, err := Find(s.Source, account.Username)
		if err != nil && err != ErrRecordNotFound {
			return nil, fmt.Errorf("look up %s: %w", account.Username, err)
		}
		rec = found
	}

	if rec != nil && allowToken {
		candidate, err := rec.Normalize()
		if err == nil && models.Str(candidate.AuthToken) != "" && models.Str(candidate.AuthToken) != models.Str(account.AuthToken) {
			refreshed := account
			refreshed.AuthToken = candidate.AuthToken
			refreshed.CSRF = candidate.CSRF
			refreshed.CookiesJSON = candidate.CookiesJSON
			if _, err := PrepareAuthMaterial(refreshed, s.DefaultBearer); err == nil {
				markUsable(&refreshed)
				log.InfoWithFields("Account repaired from source", map[string]interface{}{
					"username": account.Username,
					"token_fp": TokenFingerprint(models.Str(refreshed.AuthToken)),
				})
				return &refreshed, nil
			}
			account = refreshed
		}
	}

	// Drop the stale csrf so the token bootstrap is attempted.
	stale := account
	stale.CSRF = nil
	cookies := stale.Cookies()
	delete(cookies, "ct0")
	if blob, err := json.Marshal(cookies); err == nil {
		stale.CookiesJSON = models.Ptr(string(blob))
	}

	repaired, changed := completeAccount(ctx, s.Tokens, s.Credentials, strategy, s.DefaultBearer, rec, stale, log)
	if !changed {
		return nil, nil
	}
	if _, err := PrepareAuthMaterial(repaired, s.DefaultBearer); err != nil {
		return nil, nil
	}
	log.InfoWithFields("Account repaired", map[string]interface{}{
		"username": account.Username,
		"token_fp": TokenFingerprint(models.Str(repaired.AuthToken)),
	})
	return &repaired, nil
}
