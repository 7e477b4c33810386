package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"xscraper/pkg/models"
)

// authQuality orders credential sets: token, csrf, cookies present, then
// the number of non-empty cookies.
type authQuality [4]int

func qualityOf(token, csrf string, cookies map[string]string) authQuality {
	q := authQuality{}
	if strings.TrimSpace(token) != "" {
		q[0] = 1
	}
	if strings.TrimSpace(csrf) != "" {
		q[1] = 1
	}
	if len(cookies) > 0 {
		q[2] = 1
	}
	for _, v := range cookies {
		if strings.TrimSpace(v) != "" {
			q[3]++
		}
	}
	return q
}

func (q authQuality) better(other authQuality) bool {
	for i := range q {
		if q[i] != other[i] {
			return q[i] > other[i]
		}
	}
	return false
}

func isSyntheticUsername(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	return strings.HasPrefix(n, "auth_") || strings.HasPrefix(n, "cookie_")
}

func trimmed(p *string) string {
	return strings.TrimSpace(models.Str(p))
}

// UpsertAccount inserts the account or merges it into an existing row matched
// by username, then by auth token. Merging never downgrades: credentials are
// replaced only by a strictly better set, and a usable status is never
// overwritten by an unusable one.
func (r *AccountsRepo) UpsertAccount(ctx context.Context, incoming models.Account) error {
	incoming.Username = strings.TrimSpace(incoming.Username)
	if incoming.Username == "" {
		return fmt.Errorf("account record must include a username")
	}

	err := withBusyRetry(ctx, r.logger, func(ctx context.Context) error {
		return inTx(ctx, r.db, func(tx *sqlx.Tx) error {
			existing, byToken, err := r.findForUpsert(ctx, tx, incoming)
			if err != nil {
				return err
			}
			if existing == nil {
				return r.insertAccount(ctx, tx, incoming)
			}

			merged := mergeAccount(*existing, incoming, byToken)
			if merged.Username != existing.Username {
				var conflict int
				if err := tx.GetContext(ctx, &conflict, `SELECT COUNT(*) FROM accounts WHERE username = ?`, merged.Username); err != nil {
					return fmt.Errorf("check username conflict: %w", err)
				}
				if conflict > 0 {
					merged.Username = existing.Username
				}
			}
			return r.updateAccount(ctx, tx, merged)
		})
	})
	if err != nil {
		return fmt.Errorf("upsert account %s: %w", incoming.Username, err)
	}
	return nil
}

func (r *AccountsRepo) findForUpsert(ctx context.Context, tx *sqlx.Tx, incoming models.Account) (*models.Account, bool, error) {
	var acct models.Account
	err := tx.GetContext(ctx, &acct, `SELECT `+accountColumns+` FROM accounts WHERE username = ? LIMIT 1`, incoming.Username)
	if err == nil {
		return &acct, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("find account by username: %w", err)
	}

	token := trimmed(incoming.AuthToken)
	if token == "" {
		return nil, false, nil
	}
	err = tx.GetContext(ctx, &acct, `SELECT `+accountColumns+` FROM accounts WHERE auth_token = ? ORDER BY id ASC LIMIT 1`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find account by auth token: %w", err)
	}
	return &acct, true, nil
}

func (r *AccountsRepo) insertAccount(ctx context.Context, tx *sqlx.Tx, a models.Account) error {
	status := models.Int(a.Status, models.StatusUsable)
	query := `INSERT INTO accounts (username, auth_token, csrf, bearer, cookies_json, proxy_json,
		status, available_til, cooldown_reason, last_error_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, query,
		a.Username, nullIfBlank(a.AuthToken), nullIfBlank(a.CSRF), nullIfBlank(a.Bearer),
		nullIfBlank(a.CookiesJSON), nullIfBlank(a.ProxyJSON),
		status, a.AvailableTil, a.CooldownReason, a.LastErrorCode,
	)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	r.logger.WithField("username", a.Username).Debug("Account inserted")
	return nil
}

func (r *AccountsRepo) updateAccount(ctx context.Context, tx *sqlx.Tx, a models.Account) error {
	query := `UPDATE accounts SET username = ?, auth_token = ?, csrf = ?, bearer = ?, cookies_json = ?,
		proxy_json = ?, status = ?, cooldown_reason = ?, last_error_code = ?
		WHERE id = ?`
	_, err := tx.ExecContext(ctx, query,
		a.Username, a.AuthToken, a.CSRF, a.Bearer, a.CookiesJSON,
		a.ProxyJSON, a.Status, a.CooldownReason, a.LastErrorCode,
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	r.logger.WithField("username", a.Username).Debug("Account merged")
	return nil
}

// mergeAccount folds incoming into existing. byToken is set when the row was
// matched by auth token rather than username.
func mergeAccount(existing, incoming models.Account, byToken bool) models.Account {
	out := existing

	if byToken && incoming.Username != existing.Username &&
		isSyntheticUsername(existing.Username) && !isSyntheticUsername(incoming.Username) {
		out.Username = incoming.Username
	}

	existingCookies := existing.Cookies()
	incomingCookies := incoming.Cookies()
	upgrade := qualityOf(trimmed(incoming.AuthToken), trimmed(incoming.CSRF), incomingCookies).
		better(qualityOf(trimmed(existing.AuthToken), trimmed(existing.CSRF), existingCookies))

	if len(existingCookies) > 0 || len(incomingCookies) > 0 {
		merged := mergeCookies(existingCookies, incomingCookies, upgrade)
		if !sameCookies(merged, existingCookies) {
			if raw, err := json.Marshal(merged); err == nil {
				out.CookiesJSON = models.Ptr(string(raw))
			}
		}
	}

	out.AuthToken = mergeCredential(existing.AuthToken, incoming.AuthToken, upgrade)
	out.CSRF = mergeCredential(existing.CSRF, incoming.CSRF, upgrade)
	out.Bearer = mergeCredential(existing.Bearer, incoming.Bearer, upgrade)

	if p := trimmed(incoming.ProxyJSON); p != "" {
		out.ProxyJSON = models.Ptr(p)
	}

	if incoming.Status != nil {
		in := *incoming.Status
		switch {
		case existing.Status == nil:
			out.Status = models.Ptr(in)
		case *existing.Status == models.StatusUnusable && in != models.StatusUnusable:
			out.Status = models.Ptr(in)
		}
	}

	if upgrade && strings.HasPrefix(trimmed(out.CooldownReason), "unusable:") {
		out.CooldownReason = nil
		out.LastErrorCode = nil
		if models.Int(out.Status, models.StatusUsable) == models.StatusUnusable {
			out.Status = models.Ptr(models.StatusUsable)
		}
	}
	return out
}

func mergeCredential(existing, incoming *string, upgrade bool) *string {
	in := trimmed(incoming)
	if in == "" {
		return existing
	}
	cur := trimmed(existing)
	if cur == "" || (upgrade && in != cur) {
		return models.Ptr(in)
	}
	return existing
}

func mergeCookies(existing, incoming map[string]string, preferIncoming bool) map[string]string {
	out := make(map[string]string, len(existing)+len(incoming))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range incoming {
		if strings.TrimSpace(v) == "" {
			continue
		}
		if preferIncoming || strings.TrimSpace(out[k]) == "" {
			out[k] = v
		}
	}
	return out
}

func sameCookies(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

func nullIfBlank(p *string) *string {
	if strings.TrimSpace(models.Str(p)) == "" {
		return nil
	}
	v := strings.TrimSpace(*p)
	return &v
}
