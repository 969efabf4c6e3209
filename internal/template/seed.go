package template

import (
	"context"
	"fmt"
	"log/slog"
)

// Template categories used by the seed catalog
const (
	CategorySecurity     = "security"
	CategoryTransaction  = "transaction"
	CategoryService      = "service"
	CategoryVerification = "verification"
	CategoryAccount      = "account"
	CategoryMarketing    = "marketing"
)

type seedEntry struct {
	id       string
	name     string
	category string
	body     string
}

var seedCatalog = []seedEntry{
	{"TEM001", "USER_LOGIN_SUCCESS", CategorySecurity, "Hello {{user}}, your login was successful at {{time}}."},
	{"TEM002", "USER_LOGIN_FAILURE", CategorySecurity, "A failed login attempt was detected on your account at {{time}}."},
	{"TEM003", "PASSWORD_RESET_REQUEST", CategorySecurity, "A password reset was requested for your account at {{time}}. If this wasn't you, please secure your account immediately."},
	{"TEM004", "PASSWORD_CHANGED", CategorySecurity, "Your password was successfully changed at {{time}}."},
	{"TEM005", "TRANSACTION_INITIATED", CategoryTransaction, "A transaction of ₹{{amount}} was initiated at {{time}}. If unauthorized, contact support immediately."},
	{"TEM006", "TRANSACTION_COMPLETED", CategoryTransaction, "Your transaction of ₹{{amount}} was successfully completed at {{time}}."},
	{"TEM007", "SUSPICIOUS_ACTIVITY_ALERT", CategorySecurity, "Suspicious activity was detected on your account at {{time}}. Please review immediately."},
	{"TEM008", "ACCOUNT_DETAILS_UPDATED", CategoryAccount, "Your account details were updated at {{time}}. If this was not you, please secure your account."},
	{"TEM009", "SERVICE_OUTAGE_NOTIFICATION", CategoryService, "We are experiencing a service outage affecting {{service}}. Our team is working to resolve it."},
	{"TEM010", "SERVICE_RESTORED", CategoryService, "Service {{service}} has been restored as of {{time}}. Thank you for your patience."},
	{"TEM011", "OTP_SENT", CategoryVerification, "Your OTP for verification is {{otp}}. It is valid for {{validity}} minutes."},
	{"TEM012", "OTP_VERIFICATION_SUCCESS", CategoryVerification, "Your OTP was successfully verified at {{time}}."},
	{"TEM013", "OTP_VERIFICATION_FAILED", CategoryVerification, "OTP verification failed at {{time}}. Please request a new OTP."},
	{"TEM014", "TRANSACTION_OTP_SENT", CategoryTransaction, "Your OTP for authorizing a transaction of ₹{{amount}} is {{otp}}."},
	{"TEM015", "EMAIL_VERIFICATION_SENT", CategoryVerification, "An email verification link was sent to {{email}} at {{time}}."},
	{"TEM016", "EMAIL_VERIFIED", CategoryVerification, "Your email {{email}} has been successfully verified."},
	{"TEM017", "DEVICE_ADDED", CategorySecurity, "A new device {{device}} was added to your account at {{time}}."},
	{"TEM018", "DEVICE_REMOVED", CategorySecurity, "A device {{device}} was removed from your account at {{time}}."},
	{"TEM019", "UNUSUAL_LOCATION_LOGIN", CategorySecurity, "A login attempt was detected from an unusual location: {{location}} at {{time}}."},
	{"TEM020", "ACCOUNT_LOCKED", CategoryAccount, "Your account has been locked due to multiple failed attempts. Unlock at {{link}}."},
	{"TEM021", "ACCOUNT_UNLOCKED", CategoryAccount, "Your account was unlocked successfully at {{time}}."},
	{"TEM022", "SERVICE_MAINTENANCE_ALERT", CategoryService, "Scheduled maintenance for {{service}} will occur on {{date}}. Services may be temporarily unavailable."},
	{"TEM023", "PROMOTIONAL_OFFER", CategoryMarketing, "Exclusive offer for you: {{offer_details}}. Valid until {{expiry}}."},
}

// Defaults returns fresh copies of the built-in templates, each at v1
func Defaults() []*Template {
	out := make([]*Template, 0, len(seedCatalog))
	for _, e := range seedCatalog {
		out = append(out, &Template{
			ID:       e.id,
			Name:     e.name,
			Category: e.category,
			Versions: []Version{{Number: 1, Body: e.body, Editor: "system"}},
		})
	}
	return out
}

// Seed creates the built-in templates when the store is empty.
// It returns the number of templates created.
func Seed(ctx context.Context, store Store, logger *slog.Logger) (int, error) {
	n, err := store.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count templates: %w", err)
	}
	if n > 0 {
		logger.Debug("template store already populated, skipping seed", "count", n)
		return 0, nil
	}

	created := 0
	for _, tmpl := range Defaults() {
		if err := store.Create(ctx, tmpl); err != nil {
			return created, fmt.Errorf("failed to seed template %s: %w", tmpl.Name, err)
		}
		created++
	}

	logger.Info("seeded default templates", "count", created)
	return created, nil
}
