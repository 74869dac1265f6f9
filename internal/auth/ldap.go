package auth

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"

	"github.com/go-ldap/ldap/v3"

	"tradersdesk/internal/config"
	"tradersdesk/internal/util"
)

// LDAPVerifier checks the admin password by binding as the configured admin
// entry. The directory owns the credential, so password change and recovery
// are not available in this mode.
type LDAPVerifier struct {
	cfg config.LDAPConfig
}

func NewLDAPVerifier(cfg config.LDAPConfig) *LDAPVerifier {
	if strings.HasPrefix(cfg.URL, "ldap://") && !cfg.StartTLS {
		util.Warn("LDAP is configured with ldap:// and StartTLS disabled; the admin password is sent in cleartext")
	}
	return &LDAPVerifier{cfg: cfg}
}

func (lv *LDAPVerifier) Verify(ctx context.Context, password string) bool {
	// An empty password is an unauthenticated bind that many servers accept.
	if password == "" {
		return false
	}

	conn, err := lv.connect(ctx)
	if err != nil {
		util.Error("LDAP connect failed", util.String("url", lv.cfg.URL), util.ErrorField(err))
		return false
	}
	defer conn.Close()

	if err := conn.Bind(lv.cfg.AdminDN, password); err != nil {
		if !ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			util.Error("LDAP admin bind failed", util.ErrorField(err))
		}
		return false
	}
	return true
}

func (lv *LDAPVerifier) connect(ctx context.Context) (*ldap.Conn, error) {
	tlsCfg := &tls.Config{InsecureSkipVerify: lv.cfg.SkipVerify}
	dialer := &net.Dialer{Timeout: lv.cfg.DialTimeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	if strings.HasPrefix(lv.cfg.URL, "ldaps://") {
		return ldap.DialURL(lv.cfg.URL, ldap.DialWithTLSConfig(tlsCfg), ldap.DialWithDialer(dialer))
	}

	conn, err := ldap.DialURL(lv.cfg.URL, ldap.DialWithDialer(dialer))
	if err != nil {
		return nil, err
	}

	if lv.cfg.StartTLS {
		if err := conn.StartTLS(tlsCfg); err != nil {
			conn.Close()
			return nil, fmt.Errorf("starttls: %w", err)
		}
	}

	return conn, nil
}
