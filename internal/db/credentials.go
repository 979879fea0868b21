package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pysugar/oauth2-credentials/internal/credential"
	"github.com/pysugar/oauth2-credentials/internal/db/models"
	"gorm.io/gorm"
)

// legacyTimestampLayout is how older databases recorded token_created_at (local time).
const legacyTimestampLayout = "2006-01-02 15:04:05"

// stringType is the GVariant type recorded for every credential setting.
const stringType = "s"

// editableKeys are the setting keys UpdateFields accepts.
var editableKeys = map[string]bool{
	credential.KeyAccessToken:  true,
	credential.KeyRefreshToken: true,
	credential.KeyServer:       true,
	credential.KeyClientID:     true,
	credential.KeyUsername:     true,
	credential.KeyExpiresIn:    true,
}

// CredentialStore persists accounts and their credential settings.
// Every multi-row change runs in a single transaction.
type CredentialStore struct {
	db   *gorm.DB
	path string
	now  func() time.Time
}

// StoreOption customises a CredentialStore.
type StoreOption func(*CredentialStore)

// WithClock overrides the clock used to stamp token_created_at.
func WithClock(now func() time.Time) StoreOption {
	return func(s *CredentialStore) { s.now = now }
}

// WithPath records the database file path for Stats.
func WithPath(path string) StoreOption {
	return func(s *CredentialStore) { s.path = path }
}

// NewCredentialStore wraps an opened database.
func NewCredentialStore(db *gorm.DB, opts ...StoreOption) *CredentialStore {
	s := &CredentialStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListAccounts returns accounts for provider, newest first. An empty
// provider lists every account.
func (s *CredentialStore) ListAccounts(ctx context.Context, provider string) ([]credential.AccountSummary, error) {
	var (
		accounts []models.Account
		stamps   []models.Setting
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Order("id DESC")
		if provider != "" {
			q = q.Where("provider = ?", provider)
		}
		if err := q.Find(&accounts).Error; err != nil {
			return storeErr(err, "list accounts")
		}
		if err := globalSettings(tx).Where("key = ?", credential.KeyTokenCreatedAt).Find(&stamps).Error; err != nil {
			return storeErr(err, "list token timestamps")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	issued := make(map[int]time.Time, len(stamps))
	for _, row := range stamps {
		if t, err := parseTimestamp(row.Value); err == nil {
			issued[row.AccountID] = t
		}
	}

	summaries := make([]credential.AccountSummary, 0, len(accounts))
	for _, acc := range accounts {
		name := acc.Name
		if name == "" {
			name = fmt.Sprintf("Account %d", acc.ID)
		}
		summary := credential.AccountSummary{
			ID:          acc.ID,
			DisplayName: name,
			Provider:    acc.Provider,
			Enabled:     acc.Enabled,
		}
		if t, ok := issued[acc.ID]; ok {
			summary.TokenCreatedAt = &t
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// GetCredential loads the credential of an enabled account. With accountID 0
// it picks the highest-id enabled account of provider that has both an access
// token and a server recorded.
func (s *CredentialStore) GetCredential(ctx context.Context, accountID int, provider string) (*credential.Credential, error) {
	var cred *credential.Credential
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		id := accountID
		if id == 0 {
			var err error
			if id, err = defaultAccountID(tx, provider); err != nil {
				return err
			}
		}

		var account models.Account
		if err := tx.First(&account, "id = ?", id).Error; err != nil {
			return storeErr(err, fmt.Sprintf("account %d", id))
		}
		if provider != "" && account.Provider != provider {
			return credential.Errorf(credential.KindNotFound, "account %d belongs to provider %q", id, account.Provider)
		}
		if !account.Enabled {
			return credential.Errorf(credential.KindNotFound, "account %d is disabled", id)
		}

		settings, err := loadSettings(tx, id)
		if err != nil {
			return err
		}
		cred = credentialFromSettings(account, settings)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cred, nil
}

func defaultAccountID(tx *gorm.DB, provider string) (int, error) {
	q := tx.Model(&models.Account{}).
		Joins("JOIN Settings AS tok ON tok.account = Accounts.id AND COALESCE(tok.service, 0) = ? AND tok.key = ?",
			models.GlobalService, credential.KeyAccessToken).
		Joins("JOIN Settings AS srv ON srv.account = Accounts.id AND COALESCE(srv.service, 0) = ? AND srv.key = ?",
			models.GlobalService, credential.KeyServer).
		Where("Accounts.enabled = ?", true)
	if provider != "" {
		q = q.Where("Accounts.provider = ?", provider)
	}

	var ids []int
	if err := q.Order("Accounts.id DESC").Limit(1).Pluck("Accounts.id", &ids).Error; err != nil {
		return 0, storeErr(err, "select default account")
	}
	if len(ids) == 0 {
		return 0, credential.Errorf(credential.KindNotFound, "no enabled %s account with a token and server", providerLabel(provider))
	}
	return ids[0], nil
}

// CreateAccount provisions an enabled account and returns its id. The token
// timestamp is stamped when the credential carries an access token.
func (s *CredentialStore) CreateAccount(ctx context.Context, displayName string, cred *credential.Credential, provider string) (int, error) {
	if provider == "" {
		provider = credential.DefaultProvider
	}
	account := models.Account{Name: displayName, Provider: provider, Enabled: true}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&account).Error; err != nil {
			return storeErr(err, "create account")
		}
		if err := insertSettings(tx, account.ID, cred.Settings()); err != nil {
			return err
		}
		if cred.AccessToken != "" {
			return upsertSetting(tx, account.ID, credential.KeyTokenCreatedAt, formatTimestamp(s.now()))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return account.ID, nil
}

// ReplaceCredential swaps every credential setting of the account for the
// ones in cred. With an access token token_created_at is re-stamped; without
// one it is removed. Readers observe either the old or the new set.
func (s *CredentialStore) ReplaceCredential(ctx context.Context, accountID int, cred *credential.Credential) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireAccount(tx, accountID); err != nil {
			return err
		}
		if err := accountSettings(tx, accountID).Delete(&models.Setting{}).Error; err != nil {
			return storeErr(err, "clear settings")
		}
		if err := insertSettings(tx, accountID, cred.Settings()); err != nil {
			return err
		}
		if cred.AccessToken != "" {
			return upsertSetting(tx, accountID, credential.KeyTokenCreatedAt, formatTimestamp(s.now()))
		}
		return nil
	})
}

// UpdateFields applies a partial update in one transaction: an optional
// rename plus new values for the given setting keys. Every value is checked
// before anything is written, so a rejected update changes nothing. Setting
// access_token re-stamps token_created_at.
func (s *CredentialStore) UpdateFields(ctx context.Context, accountID int, name *string, fields map[string]string) error {
	if name == nil && len(fields) == 0 {
		return credential.Errorf(credential.KindValidationFailed, "nothing to update")
	}
	for key, value := range fields {
		if err := validateField(key, value); err != nil {
			return err
		}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireAccount(tx, accountID); err != nil {
			return err
		}
		if name != nil {
			err := tx.Model(&models.Account{}).Where("id = ?", accountID).Update("name", *name).Error
			if err != nil {
				return storeErr(err, "rename account")
			}
		}
		for key, value := range fields {
			if err := upsertSetting(tx, accountID, key, value); err != nil {
				return err
			}
		}
		if _, ok := fields[credential.KeyAccessToken]; ok {
			return upsertSetting(tx, accountID, credential.KeyTokenCreatedAt, formatTimestamp(s.now()))
		}
		return nil
	})
}

// UpdateField sets a single credential setting.
func (s *CredentialStore) UpdateField(ctx context.Context, accountID int, key, value string) error {
	return s.UpdateFields(ctx, accountID, nil, map[string]string{key: value})
}

// UpdateDisplayName renames an account.
func (s *CredentialStore) UpdateDisplayName(ctx context.Context, accountID int, name string) error {
	return s.UpdateFields(ctx, accountID, &name, nil)
}

func validateField(key, value string) error {
	if !editableKeys[key] {
		return credential.Errorf(credential.KindValidationFailed, "unknown setting key %q", key)
	}
	if key == credential.KeyExpiresIn {
		n, err := strconv.Atoi(value)
		if err != nil {
			return credential.Wrap(credential.KindValidationFailed, err, "expires_in must be an integer")
		}
		if n < 0 {
			return credential.Errorf(credential.KindValidationFailed, "expires_in must not be negative")
		}
	}
	return nil
}

// SetEnabled enables or disables an account.
func (s *CredentialStore) SetEnabled(ctx context.Context, accountID int, enabled bool) error {
	result := s.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", accountID).Update("enabled", enabled)
	if result.Error != nil {
		return storeErr(result.Error, "update account")
	}
	if result.RowsAffected == 0 {
		return credential.Errorf(credential.KindNotFound, "account %d", accountID)
	}
	return nil
}

// DeleteAccount removes the account together with all of its settings,
// per-service ones and the token timestamp included.
func (s *CredentialStore) DeleteAccount(ctx context.Context, accountID int) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("account = ?", accountID).Delete(&models.Setting{}).Error; err != nil {
			return storeErr(err, "delete settings")
		}
		result := tx.Where("id = ?", accountID).Delete(&models.Account{})
		if result.Error != nil {
			return storeErr(result.Error, "delete account")
		}
		if result.RowsAffected == 0 {
			return credential.Errorf(credential.KindNotFound, "account %d", accountID)
		}
		return nil
	})
}

// StampTokenCreated records when the account's access token was set. A nil
// at means now.
func (s *CredentialStore) StampTokenCreated(ctx context.Context, accountID int, at *time.Time) error {
	stamp := s.now()
	if at != nil {
		stamp = *at
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireAccount(tx, accountID); err != nil {
			return err
		}
		return upsertSetting(tx, accountID, credential.KeyTokenCreatedAt, formatTimestamp(stamp))
	})
}

// GetTokenCreatedAt returns the recorded token timestamp, or nil when none
// was recorded.
func (s *CredentialStore) GetTokenCreatedAt(ctx context.Context, accountID int) (*time.Time, error) {
	var setting models.Setting
	err := accountSettings(s.db.WithContext(ctx), accountID).
		Where("key = ?", credential.KeyTokenCreatedAt).
		Take(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err, "load token timestamp")
	}

	createdAt, err := parseTimestamp(setting.Value)
	if err != nil {
		return nil, credential.Wrap(credential.KindParseError, err, "token_created_at")
	}
	return &createdAt, nil
}

// Stats counts accounts and reports the database file size.
func (s *CredentialStore) Stats(ctx context.Context, provider string) (*credential.Stats, error) {
	stats := &credential.Stats{DatabasePath: s.path}
	db := s.db.WithContext(ctx).Model(&models.Account{})

	if err := db.Session(&gorm.Session{}).Count(&stats.TotalAccounts).Error; err != nil {
		return nil, storeErr(err, "count accounts")
	}
	if err := db.Session(&gorm.Session{}).Where("provider = ?", provider).Count(&stats.ProviderAccounts).Error; err != nil {
		return nil, storeErr(err, "count provider accounts")
	}
	if err := db.Session(&gorm.Session{}).Where("provider = ? AND enabled = ?", provider, true).
		Count(&stats.EnabledAccounts).Error; err != nil {
		return nil, storeErr(err, "count enabled accounts")
	}

	if s.path != "" {
		if info, err := os.Stat(s.path); err == nil {
			stats.DatabaseSize = info.Size()
		}
	}
	return stats, nil
}

func requireAccount(tx *gorm.DB, accountID int) error {
	var count int64
	if err := tx.Model(&models.Account{}).Where("id = ?", accountID).Count(&count).Error; err != nil {
		return storeErr(err, "look up account")
	}
	if count == 0 {
		return credential.Errorf(credential.KindNotFound, "account %d", accountID)
	}
	return nil
}

// globalSettings scopes a query to account-wide settings. Rows written by
// older tools may carry a NULL service.
func globalSettings(tx *gorm.DB) *gorm.DB {
	return tx.Model(&models.Setting{}).Where("COALESCE(service, 0) = ?", models.GlobalService)
}

func accountSettings(tx *gorm.DB, accountID int) *gorm.DB {
	return globalSettings(tx).Where("account = ?", accountID)
}

func loadSettings(tx *gorm.DB, accountID int) (map[string]string, error) {
	var rows []models.Setting
	if err := accountSettings(tx, accountID).Find(&rows).Error; err != nil {
		return nil, storeErr(err, "load settings")
	}
	settings := make(map[string]string, len(rows))
	for _, row := range rows {
		settings[row.Key] = unquote(row.Value)
	}
	return settings, nil
}

func insertSettings(tx *gorm.DB, accountID int, settings map[string]string) error {
	if len(settings) == 0 {
		return nil
	}
	rows := make([]models.Setting, 0, len(settings))
	for key, value := range settings {
		rows = append(rows, newSetting(accountID, key, value))
	}
	if err := tx.Create(&rows).Error; err != nil {
		return storeErr(err, "write settings")
	}
	return nil
}

// upsertSetting updates the account-wide row for key, inserting it when
// there is none. The unique index is on an expression, which ON CONFLICT
// cannot target through gorm.
func upsertSetting(tx *gorm.DB, accountID int, key, value string) error {
	result := accountSettings(tx, accountID).Where("key = ?", key).
		Updates(map[string]any{"type": stringType, "value": quote(value)})
	if result.Error != nil {
		return storeErr(result.Error, "write setting "+key)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	row := newSetting(accountID, key, value)
	if err := tx.Create(&row).Error; err != nil {
		return storeErr(err, "write setting "+key)
	}
	return nil
}

func newSetting(accountID int, key, value string) models.Setting {
	return models.Setting{
		AccountID: accountID,
		Service:   models.GlobalService,
		Key:       key,
		Type:      stringType,
		Value:     quote(value),
	}
}

func credentialFromSettings(account models.Account, settings map[string]string) *credential.Credential {
	cred := &credential.Credential{
		AccountID:    account.ID,
		DisplayName:  account.Name,
		AccessToken:  settings[credential.KeyAccessToken],
		RefreshToken: settings[credential.KeyRefreshToken],
		Server:       settings[credential.KeyServer],
		ClientID:     settings[credential.KeyClientID],
		Username:     settings[credential.KeyUsername],
	}
	if v, err := strconv.Atoi(settings[credential.KeyExpiresIn]); err == nil {
		cred.ExpiresIn = v
	}
	return cred
}

var (
	quoter   = strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	unquoter = strings.NewReplacer(`\\`, `\`, `\'`, `'`)
)

// quote renders v as a GVariant string literal, the form the desktop
// account tools store and parse.
func quote(v string) string {
	return "'" + quoter.Replace(v) + "'"
}

// unquote reverses quote. Values written unquoted are returned as is.
func unquote(v string) string {
	if len(v) >= 2 && v[0] == '\'' && v[len(v)-1] == '\'' {
		return unquoter.Replace(v[1 : len(v)-1])
	}
	return v
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(v string) (time.Time, error) {
	v = unquote(v)
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	return time.ParseInLocation(legacyTimestampLayout, v, time.Local)
}

func storeErr(err error, detail string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credential.Wrap(credential.KindNotFound, err, detail)
	}
	return credential.Wrap(credential.KindStoreUnavailable, err, detail)
}

func providerLabel(provider string) string {
	if provider == "" {
		return "provider"
	}
	return provider
}
